// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"
	"sort"
)

// ClientID identifies an editing client. Chosen by the caller at
// handshake; several simultaneous connections may share one ClientID
// (the same logical user in two tabs), but operations for one
// ClientID always carry strictly increasing sequence numbers.
type ClientID string

// VectorClock maps each client to the highest sequence number
// observed from it. It expresses "what I already have" during the
// sync handshake.
type VectorClock map[ClientID]uint64

// Get returns the highest seq observed for client, zero if none.
func (c VectorClock) Get(client ClientID) uint64 {
	return c[client]
}

// Observe records seq for client if it is higher than the current
// entry.
func (c VectorClock) Observe(client ClientID, seq uint64) {
	if seq > c[client] {
		c[client] = seq
	}
}

// Merge folds other into c, keeping the per-client maximum.
func (c VectorClock) Merge(other VectorClock) {
	for client, seq := range other {
		c.Observe(client, seq)
	}
}

// Clone returns an independent copy of c.
func (c VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(c))
	for client, seq := range c {
		clone[client] = seq
	}
	return clone
}

// Equal reports whether c and other record the same observations.
// Zero entries are treated as absent.
func (c VectorClock) Equal(other VectorClock) bool {
	return c.Dominates(other) && other.Dominates(c)
}

// Dominates reports whether c has observed at least everything other
// has.
func (c VectorClock) Dominates(other VectorClock) bool {
	for client, seq := range other {
		if c[client] < seq {
			return false
		}
	}
	return true
}

// Clients returns the clients with nonzero entries, sorted. Used
// wherever iteration order must be deterministic.
func (c VectorClock) Clients() []ClientID {
	clients := make([]ClientID, 0, len(c))
	for client, seq := range c {
		if seq > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// ElementID is the identity of a single inserted rune: the (client,
// seq) of the insert operation that created it. The zero value means
// "no element".
type ElementID struct {
	Client ClientID `cbor:"c"`
	Seq    uint64   `cbor:"s"`
}

// IsZero reports whether id is the zero ElementID.
func (id ElementID) IsZero() bool { return id.Client == "" && id.Seq == 0 }

// Compare orders ElementIDs by (client, seq).
func (id ElementID) Compare(other ElementID) int {
	if id.Client != other.Client {
		if id.Client < other.Client {
			return -1
		}
		return 1
	}
	switch {
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

func (id ElementID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

// OpKind discriminates operation payloads.
type OpKind uint8

const (
	// OpInsert places one rune at a freshly allocated Position.
	OpInsert OpKind = 1
	// OpDelete tombstones the element identified by Target.
	OpDelete OpKind = 2
)

// Operation is an immutable unit of change. Operations are never
// mutated or deleted; superseded content is expressed by tombstones,
// not by log removal.
type Operation struct {
	// Client and Seq address the operation. Seq is strictly
	// increasing per Client.
	Client ClientID `cbor:"c"`
	Seq    uint64   `cbor:"q"`

	// Deps is the highest seq observed from every other client when
	// the operation was generated. Used to detect missing causal
	// prerequisites; an operation is held back until its Deps are
	// satisfied.
	Deps VectorClock `cbor:"v,omitempty"`

	Kind OpKind `cbor:"k"`

	// Insert payload.
	Pos Position `cbor:"p,omitempty"`
	Ch  rune     `cbor:"r,omitempty"`

	// Delete payload.
	Target ElementID `cbor:"t,omitempty"`
}

// ID returns the operation's (client, seq) identity. For inserts this
// is also the created element's ID.
func (o Operation) ID() ElementID {
	return ElementID{Client: o.Client, Seq: o.Seq}
}

// Validate checks structural well-formedness. It does not check
// causal readiness; Apply does that.
func (o Operation) Validate() error {
	if o.Client == "" {
		return fmt.Errorf("crdt: operation has empty client")
	}
	if o.Seq == 0 {
		return fmt.Errorf("crdt: operation %s has zero seq", o.Client)
	}
	switch o.Kind {
	case OpInsert:
		if len(o.Pos) == 0 {
			return fmt.Errorf("crdt: insert %s has empty position", o.ID())
		}
	case OpDelete:
		if o.Target.IsZero() {
			return fmt.Errorf("crdt: delete %s has no target", o.ID())
		}
	default:
		return fmt.Errorf("crdt: operation %s has unknown kind %d", o.ID(), o.Kind)
	}
	return nil
}
