// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

// Atom is one level of a position path. The digit carries the spatial
// ordering; the client disambiguates concurrent allocations of the
// same digit, so two clients can never mint identical positions.
type Atom struct {
	Digit  uint32   `cbor:"d"`
	Client ClientID `cbor:"c"`
}

// Position is a path of atoms ordered lexicographically. A position
// is allocated once, at insert time, and never changes; the total
// order over positions is the document order.
type Position []Atom

// maxDigit is the exclusive upper bound for allocated digits. Half
// the uint32 range leaves midpoint arithmetic comfortably clear of
// overflow.
const maxDigit uint32 = 1 << 31

// Compare orders positions lexicographically by atom, a strict prefix
// sorting before its extensions.
func (p Position) Compare(q Position) int {
	for i := 0; i < len(p) && i < len(q); i++ {
		if p[i].Digit != q[i].Digit {
			if p[i].Digit < q[i].Digit {
				return -1
			}
			return 1
		}
		if p[i].Client != q[i].Client {
			if p[i].Client < q[i].Client {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// Clone returns an independent copy of p.
func (p Position) Clone() Position {
	clone := make(Position, len(p))
	copy(clone, p)
	return clone
}

// positionBetween allocates a new position strictly between left and
// right for the given client. A nil left is the document start, a nil
// right the document end. The allocation is deterministic: the
// midpoint of the first level with room, suffixed with the client's
// atom. Uniqueness follows from the client suffix plus the fact that
// one client allocates sequentially.
//
// left must be strictly less than right.
func positionBetween(left, right Position, client ClientID) Position {
	var prefix Position

	// onRightPath is true while prefix still matches right atom for
	// atom. Once we adopt an atom smaller than right's at the same
	// level, everything below is bounded above by infinity, not by
	// right's deeper atoms.
	onRightPath := right != nil

	for level := 0; ; level++ {
		leftAtom := Atom{}
		if level < len(left) {
			leftAtom = left[level]
		}

		rightDigit := maxDigit
		var rightAtom Atom
		haveRightAtom := false
		if onRightPath && level < len(right) {
			rightAtom = right[level]
			rightDigit = rightAtom.Digit
			haveRightAtom = true
		}

		if rightDigit-leftAtom.Digit > 1 {
			mid := leftAtom.Digit + (rightDigit-leftAtom.Digit)/2
			out := make(Position, len(prefix), len(prefix)+1)
			copy(out, prefix)
			return append(out, Atom{Digit: mid, Client: client})
		}

		// No room at this level: adopt left's atom and descend. If
		// that atom is strictly below right's, the right bound no
		// longer constrains deeper levels.
		prefix = append(prefix, leftAtom)
		if haveRightAtom && (leftAtom.Digit != rightAtom.Digit || leftAtom.Client != rightAtom.Client) {
			onRightPath = false
		}
	}
}
