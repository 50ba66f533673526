// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package awareness tracks ephemeral collaborator presence: display
// name, cursor color, cursor position. Presence is deliberately kept
// out of the document CRDT — it must never be merged into durable
// document history — so it lives in its own registry with independent
// per-entry expiry.
//
// Entries are stamped with server receipt time from an injected
// clock, never with client wall-clock time, so clock skew on a
// client cannot make its presence immortal or instantly stale. An
// entry outlives its connection until the TTL elapses; a client that
// reconnects promptly keeps its presence without a flicker.
package awareness

import (
	"sort"
	"sync"
	"time"

	"github.com/inkwell-foundation/inkwell/crdt"
	"github.com/inkwell-foundation/inkwell/lib/clock"
)

// State is the client-controlled portion of a presence entry.
type State struct {
	// DisplayName is the name shown next to the client's cursor.
	DisplayName string `cbor:"name"`

	// Color is the client's cursor color, as a CSS-style hex string.
	Color string `cbor:"color"`

	// CursorAnchor is the visible rune index of the client's cursor.
	// Negative means no cursor (the client is present but not
	// focused).
	CursorAnchor int64 `cbor:"cursor"`
}

// Entry is one client's presence in one document.
type Entry struct {
	Client crdt.ClientID `cbor:"client"`
	State  State         `cbor:"state"`

	// LastSeen is the server receipt time of the most recent update
	// or heartbeat. Not serialized to peers; expiry is a server-side
	// decision.
	LastSeen time.Time `cbor:"-"`
}

// Registry holds presence for every document in the process. Safe for
// concurrent use.
type Registry struct {
	clk clock.Clock

	mu   sync.Mutex
	docs map[string]map[crdt.ClientID]*Entry
}

// NewRegistry returns an empty registry stamping entries with clk.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clk:  clk,
		docs: make(map[string]map[crdt.ClientID]*Entry),
	}
}

// Set upserts the presence entry for client in docName and stamps its
// LastSeen with the current clock time.
func (r *Registry) Set(docName string, client crdt.ClientID, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.docs[docName]
	if entries == nil {
		entries = make(map[crdt.ClientID]*Entry)
		r.docs[docName] = entries
	}
	entries[client] = &Entry{Client: client, State: state, LastSeen: r.clk.Now()}
}

// Touch refreshes LastSeen for an existing entry, typically on a
// heartbeat. Returns false if the client has no entry (expired or
// never set); the caller should then request a fresh update.
func (r *Registry) Touch(docName string, client crdt.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.docs[docName][client]
	if !ok {
		return false
	}
	entry.LastSeen = r.clk.Now()
	return true
}

// Expire removes entries in docName whose LastSeen is older than ttl
// and returns the expired client IDs (sorted, for deterministic
// departure broadcasts). Expiry uses the registry clock, never a
// client-supplied timestamp.
func (r *Registry) Expire(docName string, ttl time.Duration) []crdt.ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.docs[docName]
	if len(entries) == 0 {
		return nil
	}

	cutoff := r.clk.Now().Add(-ttl)
	var expired []crdt.ClientID
	for client, entry := range entries {
		if entry.LastSeen.Before(cutoff) {
			expired = append(expired, client)
			delete(entries, client)
		}
	}
	if len(entries) == 0 {
		delete(r.docs, docName)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// SnapshotAll returns every live entry for docName, sorted by client,
// for late-joining clients.
func (r *Registry) SnapshotAll(docName string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.docs[docName]
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client < out[j].Client })
	return out
}

// Drop discards all presence for docName. Called when the document is
// evicted from memory.
func (r *Registry) Drop(docName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, docName)
}
