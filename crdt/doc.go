// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt implements Inkwell's replicated document: an ordered
// sequence of runes that any number of clients edit concurrently and
// that converges to the same content on every replica without
// coordination.
//
// The sequence is position-identifier based. Every inserted rune
// carries a [Position], a path of (digit, client) atoms allocated
// between its neighbors at insert time. Positions are totally ordered
// and unique, so integrating a remote insert is a sorted insert and
// never conflicts; deletes tombstone an element by its [ElementID].
// Merge is therefore commutative, associative, and idempotent by
// construction — the three properties convergence rests on.
//
// Each operation is addressed by (client, seq) with seq strictly
// increasing per client, and carries the vector clock the client had
// observed at generation time. [Document.Apply] is idempotent
// (duplicates are a silent no-op), holds back operations whose causal
// dependencies have not arrived yet, and drains them once they are
// satisfied. [Document.DiffSince] computes the exact set of
// operations a remote replica is missing from its vector clock, which
// is the whole of the sync handshake.
//
// Snapshots ([Document.Snapshot]) are deterministic CBOR: two
// replicas that applied the same multiset of operations produce
// byte-identical snapshots, so a blake3 digest comparison is a
// convergence check.
package crdt
