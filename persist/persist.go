// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package persist is the durability boundary for documents.
//
// The session layer treats persistence as strictly write-behind: the
// in-memory document is authoritative while hot, snapshots flow out
// on a periodic interval and at idle eviction, and a persistence
// outage never blocks the synchronization path. [Bridge] is the
// collaborator interface; [SQLiteStore] is the default production
// implementation; [RetryingBridge] wraps any Bridge with backoff
// retries and a degraded-health signal for operators; [MemoryBridge]
// backs tests.
package persist

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by LoadSnapshot when no snapshot has been
// saved for the document. Not an operational failure: every document
// has no snapshot until its first save.
var ErrNotFound = errors.New("persist: snapshot not found")

// Bridge loads and stores document snapshots. Implementations must be
// safe for concurrent use.
type Bridge interface {
	// LoadSnapshot returns the last saved snapshot for docName, or
	// ErrNotFound.
	LoadSnapshot(ctx context.Context, docName string) ([]byte, error)

	// SaveSnapshot durably stores data as the current snapshot for
	// docName, replacing any previous one.
	SaveSnapshot(ctx context.Context, docName string, data []byte) error
}

// MemoryBridge is an in-memory Bridge for tests and ephemeral
// deployments. The zero value is not usable; call NewMemoryBridge.
type MemoryBridge struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	saveErr   error
}

// NewMemoryBridge returns an empty in-memory bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{snapshots: make(map[string][]byte)}
}

// LoadSnapshot implements Bridge.
func (b *MemoryBridge) LoadSnapshot(_ context.Context, docName string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.snapshots[docName]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// SaveSnapshot implements Bridge.
func (b *MemoryBridge) SaveSnapshot(_ context.Context, docName string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.snapshots[docName] = stored
	return nil
}

// FailSaves makes subsequent SaveSnapshot calls return err. Pass nil
// to restore normal operation. Test hook for outage scenarios.
func (b *MemoryBridge) FailSaves(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveErr = err
}

// SnapshotCount returns the number of stored snapshots.
func (b *MemoryBridge) SnapshotCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snapshots)
}
