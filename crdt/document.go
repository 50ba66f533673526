// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/inkwell-foundation/inkwell/lib/codec"
)

// element is one rune of the sequence, tombstones included. Elements
// are never removed; deletion records the deleter's identity so
// snapshots stay reconstructible.
type element struct {
	pos      Position
	id       ElementID
	ch       rune
	deleted  bool
	deleters []ElementID // every observed deleter, sorted by (client, seq)
}

// addDeleter records one deleter identity, keeping the list sorted so
// snapshot bytes are independent of delete arrival order.
func (el *element) addDeleter(id ElementID) {
	at := sort.Search(len(el.deleters), func(i int) bool { return el.deleters[i].Compare(id) >= 0 })
	if at < len(el.deleters) && el.deleters[at] == id {
		return
	}
	el.deleters = append(el.deleters, ElementID{})
	copy(el.deleters[at+1:], el.deleters[at:])
	el.deleters[at] = id
}

// Document is a replicated rune sequence. All methods are safe for
// concurrent use; every mutation of the sequence is serialized on the
// document's own mutex, which is the single-writer-per-document rule
// the session layer relies on.
type Document struct {
	mu sync.Mutex

	name     string
	elements []*element // total order by (pos, id)
	index    map[ElementID]*element
	clock    VectorClock
	log      map[ClientID][]Operation // per client, ascending seq
	pending  []Operation              // causal deps not yet satisfied
}

// NewDocument returns an empty document with the given name.
func NewDocument(name string) *Document {
	return &Document{
		name:  name,
		index: make(map[ElementID]*element),
		clock: make(VectorClock),
		log:   make(map[ClientID][]Operation),
	}
}

// Name returns the document's immutable name.
func (d *Document) Name() string { return d.name }

// ApplyResult reports what Apply did with an operation.
type ApplyResult struct {
	// Accepted is true when the operation was integrated into the
	// sequence (and should be rebroadcast to other room members).
	Accepted bool

	// Duplicate is true when the operation's seq was at or below the
	// high-water mark for its client. Duplicates are a silent no-op.
	Duplicate bool

	// Deferred is true when the operation arrived before its causal
	// dependencies and is parked until they do.
	Deferred bool

	// Changed is true when the visible content changed. A delete of
	// an already-tombstoned element is Accepted but not Changed.
	Changed bool

	// Drained lists previously deferred operations this acceptance
	// unblocked, in the order they were integrated. A caller relaying
	// the triggering operation must relay these too, in this order:
	// nothing else will ever deliver them to connected peers.
	Drained []Operation
}

// Apply integrates op. It is idempotent: replayed operations are
// detected by the per-client sequence high-water mark and dropped.
// Operations arriving ahead of their causal dependencies are deferred
// and drained automatically once the gap fills.
func (d *Document) Apply(op Operation) (ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return ApplyResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	result := d.applyLocked(op)
	if result.Accepted {
		drained, changed := d.drainPendingLocked()
		result.Drained = drained
		result.Changed = result.Changed || changed
	}
	return result, nil
}

// applyLocked integrates a single operation. Caller holds d.mu.
func (d *Document) applyLocked(op Operation) ApplyResult {
	next := d.clock.Get(op.Client) + 1
	if op.Seq < next {
		return ApplyResult{Duplicate: true}
	}
	if op.Seq > next || !d.clock.Dominates(op.Deps) {
		d.deferLocked(op)
		return ApplyResult{Deferred: true}
	}

	changed := false
	switch op.Kind {
	case OpInsert:
		if _, exists := d.index[op.ID()]; !exists {
			d.insertElementLocked(&element{pos: op.Pos, id: op.ID(), ch: op.Ch})
			changed = true
		}
	case OpDelete:
		if target, exists := d.index[op.Target]; exists {
			if !target.deleted {
				target.deleted = true
				changed = true
			}
			// Every deleter is retained, not just the first: a restored
			// snapshot must rebuild each deleter's operation log without
			// seq gaps, or the clock would claim operations the log
			// cannot serve.
			target.addDeleter(op.ID())
		}
	}

	d.clock.Observe(op.Client, op.Seq)
	d.log[op.Client] = append(d.log[op.Client], op)
	return ApplyResult{Accepted: true, Changed: changed}
}

// deferLocked parks an operation whose dependencies are missing.
// Duplicate parks of the same (client, seq) are dropped.
func (d *Document) deferLocked(op Operation) {
	for _, held := range d.pending {
		if held.Client == op.Client && held.Seq == op.Seq {
			return
		}
	}
	d.pending = append(d.pending, op)
}

// drainPendingLocked repeatedly applies parked operations whose
// dependencies have become satisfied, returning them in integration
// order along with whether visible content changed.
func (d *Document) drainPendingLocked() (drained []Operation, changed bool) {
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, held := range d.pending {
			next := d.clock.Get(held.Client) + 1
			switch {
			case held.Seq < next:
				// Became a duplicate while parked.
				progressed = true
			case held.Seq == next && d.clock.Dominates(held.Deps):
				result := d.applyLocked(held)
				changed = changed || result.Changed
				drained = append(drained, held)
				progressed = true
			default:
				remaining = append(remaining, held)
			}
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return drained, changed
		}
	}
}

// insertElementLocked places el in the total order.
func (d *Document) insertElementLocked(el *element) {
	at := sort.Search(len(d.elements), func(i int) bool {
		if c := d.elements[i].pos.Compare(el.pos); c != 0 {
			return c > 0
		}
		return d.elements[i].id.Compare(el.id) > 0
	})
	d.elements = append(d.elements, nil)
	copy(d.elements[at+1:], d.elements[at:])
	d.elements[at] = el
	d.index[el.id] = el
}

// DiffSince returns every operation the holder of remote is missing,
// grouped by client in sorted order, ascending seq within a client.
// The result is deterministic for a given (document, remote) pair.
func (d *Document) DiffSince(remote VectorClock) []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	clients := make([]ClientID, 0, len(d.log))
	for client := range d.log {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var missing []Operation
	for _, client := range clients {
		have := remote.Get(client)
		for _, op := range d.log[client] {
			if op.Seq > have {
				missing = append(missing, op)
			}
		}
	}
	return missing
}

// Clock returns a copy of the document's vector clock.
func (d *Document) Clock() VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Clone()
}

// Text returns the visible content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	runes := make([]rune, 0, len(d.elements))
	for _, el := range d.elements {
		if !el.deleted {
			runes = append(runes, el.ch)
		}
	}
	return string(runes)
}

// visibleLengthLocked counts non-tombstoned elements.
func (d *Document) visibleLengthLocked() int {
	visible := 0
	for _, el := range d.elements {
		if !el.deleted {
			visible++
		}
	}
	return visible
}

// PendingCount returns the number of parked operations still waiting
// for causal dependencies. Nonzero after a handshake indicates the
// remote owes us operations.
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LocalInsert generates, applies, and returns the operations for
// inserting text at the given visible rune index on behalf of client.
// The returned operations are ready to broadcast.
func (d *Document) LocalInsert(client ClientID, index int, text string) ([]Operation, error) {
	if client == "" {
		return nil, fmt.Errorf("crdt: empty client")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index > d.visibleLengthLocked() {
		return nil, fmt.Errorf("crdt: insert index %d out of range [0, %d]", index, d.visibleLengthLocked())
	}
	left, right := d.neighborsLocked(index)

	deps := d.depsForLocked(client)
	leftPos := Position(nil)
	if left != nil {
		leftPos = left.pos
	}
	rightPos := Position(nil)
	if right != nil {
		rightPos = right.pos
	}

	ops := make([]Operation, 0, len([]rune(text)))
	for _, ch := range text {
		op := Operation{
			Client: client,
			Seq:    d.clock.Get(client) + 1,
			Deps:   deps,
			Kind:   OpInsert,
			Pos:    positionBetween(leftPos, rightPos, client),
			Ch:     ch,
		}
		d.applyLocked(op)
		ops = append(ops, op)
		leftPos = op.Pos
	}
	return ops, nil
}

// LocalDelete generates, applies, and returns delete operations for
// count visible runes starting at index.
func (d *Document) LocalDelete(client ClientID, index, count int) ([]Operation, error) {
	if client == "" {
		return nil, fmt.Errorf("crdt: empty client")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	targets := make([]ElementID, 0, count)
	visible := 0
	for _, el := range d.elements {
		if el.deleted {
			continue
		}
		if visible >= index && len(targets) < count {
			targets = append(targets, el.id)
		}
		visible++
	}
	if len(targets) < count {
		return nil, fmt.Errorf("crdt: delete range [%d, %d) exceeds length %d", index, index+count, visible)
	}

	deps := d.depsForLocked(client)
	ops := make([]Operation, 0, len(targets))
	for _, target := range targets {
		op := Operation{
			Client: client,
			Seq:    d.clock.Get(client) + 1,
			Deps:   deps,
			Kind:   OpDelete,
			Target: target,
		}
		d.applyLocked(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// neighborsLocked finds the insert neighbors for a visible index: the
// visible element before it and that element's immediate successor in
// the total order (tombstones included, to keep allocations tight).
func (d *Document) neighborsLocked(index int) (left, right *element) {
	if index <= 0 {
		if len(d.elements) > 0 {
			return nil, d.elements[0]
		}
		return nil, nil
	}

	visible := 0
	leftAt := -1
	for i, el := range d.elements {
		if el.deleted {
			continue
		}
		visible++
		if visible == index {
			leftAt = i
			break
		}
	}
	if leftAt == -1 {
		// Index at or past the end: append after the last element.
		if len(d.elements) > 0 {
			return d.elements[len(d.elements)-1], nil
		}
		return nil, nil
	}
	left = d.elements[leftAt]
	if leftAt+1 < len(d.elements) {
		right = d.elements[leftAt+1]
	}
	return left, right
}

// depsForLocked snapshots the clock minus the client's own entry:
// causal dependencies record what was seen from every other client.
func (d *Document) depsForLocked(client ClientID) VectorClock {
	deps := d.clock.Clone()
	delete(deps, client)
	return deps
}

// snapshotPayload is the persisted document representation: the full
// element sequence (tombstones included) plus the vector clock.
type snapshotPayload struct {
	Elements []snapshotElement `cbor:"e"`
	Clock    VectorClock       `cbor:"v"`
}

type snapshotElement struct {
	Pos      Position    `cbor:"p"`
	ID       ElementID   `cbor:"i"`
	Ch       rune        `cbor:"r"`
	Deleted  bool        `cbor:"d,omitempty"`
	Deleters []ElementID `cbor:"x,omitempty"`
}

// Snapshot returns the compacted document state. The encoding is
// deterministic for a given multiset of applied operations regardless
// of application order: elements are emitted in the total order, the
// clock is a sorted-key CBOR map, and each element's deleters are
// listed in sorted order.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload := snapshotPayload{
		Elements: make([]snapshotElement, 0, len(d.elements)),
		Clock:    d.clock,
	}
	for _, el := range d.elements {
		payload.Elements = append(payload.Elements, snapshotElement{
			Pos:      el.pos,
			ID:       el.id,
			Ch:       el.ch,
			Deleted:  el.deleted,
			Deleters: el.deleters,
		})
	}
	return codec.Marshal(payload)
}

// Digest returns the blake3 digest of the current snapshot encoding.
// Equal digests mean converged replicas; the persistence layer also
// uses it to skip redundant saves.
func (d *Document) Digest() ([32]byte, error) {
	data, err := d.Snapshot()
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(data), nil
}

// NewDocumentFromSnapshot reconstructs a document from a snapshot
// produced by [Document.Snapshot]. Operations generated after the
// snapshot can be applied on top; the element log is rebuilt from the
// snapshot so DiffSince still serves full catch-up to empty replicas.
func NewDocumentFromSnapshot(name string, data []byte) (*Document, error) {
	var payload snapshotPayload
	if err := codec.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("crdt: decoding snapshot for %q: %w", name, err)
	}

	doc := NewDocument(name)
	for _, el := range payload.Elements {
		doc.insertElementLocked(&element{
			pos: el.Pos,
			id:  el.ID,
			ch:  el.Ch,
		})
		doc.log[el.ID.Client] = append(doc.log[el.ID.Client], Operation{
			Client: el.ID.Client,
			Seq:    el.ID.Seq,
			Kind:   OpInsert,
			Pos:    el.Pos,
			Ch:     el.Ch,
		})
	}
	// Replay deletes after all inserts so every target exists. Each
	// rebuilt delete depends on its target's insert: a replica catching
	// up from this document must not integrate the delete before the
	// element it tombstones, whatever order the diff arrives in.
	for _, el := range payload.Elements {
		if !el.Deleted || len(el.Deleters) == 0 {
			continue
		}
		target := doc.index[el.ID]
		target.deleted = true
		target.deleters = append([]ElementID(nil), el.Deleters...)
		for _, deleter := range el.Deleters {
			doc.log[deleter.Client] = append(doc.log[deleter.Client], Operation{
				Client: deleter.Client,
				Seq:    deleter.Seq,
				Deps:   VectorClock{el.ID.Client: el.ID.Seq},
				Kind:   OpDelete,
				Target: el.ID,
			})
		}
	}

	// Rebuild per-client logs in seq order and restore the clock.
	for client, ops := range doc.log {
		sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
		doc.log[client] = ops
	}
	doc.clock = payload.Clock
	if doc.clock == nil {
		doc.clock = make(VectorClock)
	}
	return doc, nil
}
