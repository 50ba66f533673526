// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package awareness

import (
	"testing"
	"time"

	"github.com/inkwell-foundation/inkwell/lib/clock"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSetAndSnapshotAll(t *testing.T) {
	fake := clock.Fake(testStart)
	registry := NewRegistry(fake)

	registry.Set("doc-1", "bob", State{DisplayName: "Bob", Color: "#00ff00", CursorAnchor: 4})
	registry.Set("doc-1", "alice", State{DisplayName: "Alice", Color: "#ff0000", CursorAnchor: 0})
	registry.Set("doc-2", "carol", State{DisplayName: "Carol"})

	entries := registry.SnapshotAll("doc-1")
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// Sorted by client for deterministic late-join snapshots.
	if entries[0].Client != "alice" || entries[1].Client != "bob" {
		t.Errorf("order = %s, %s", entries[0].Client, entries[1].Client)
	}
	if !entries[0].LastSeen.Equal(testStart) {
		t.Errorf("LastSeen = %v, want receipt time %v", entries[0].LastSeen, testStart)
	}

	if got := registry.SnapshotAll("doc-absent"); len(got) != 0 {
		t.Errorf("absent doc returned %d entries", len(got))
	}
}

func TestUpsertReplacesState(t *testing.T) {
	fake := clock.Fake(testStart)
	registry := NewRegistry(fake)

	registry.Set("doc", "alice", State{CursorAnchor: 0})
	fake.Advance(10 * time.Second)
	registry.Set("doc", "alice", State{CursorAnchor: 7})

	entries := registry.SnapshotAll("doc")
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	if entries[0].State.CursorAnchor != 7 {
		t.Errorf("CursorAnchor = %d, want 7", entries[0].State.CursorAnchor)
	}
	if !entries[0].LastSeen.Equal(testStart.Add(10 * time.Second)) {
		t.Errorf("LastSeen not refreshed: %v", entries[0].LastSeen)
	}
}

func TestExpire(t *testing.T) {
	const ttl = 30 * time.Second
	fake := clock.Fake(testStart)
	registry := NewRegistry(fake)

	registry.Set("doc", "stale", State{})
	fake.Advance(20 * time.Second)
	registry.Set("doc", "fresh", State{})
	fake.Advance(15 * time.Second) // stale is 35s old, fresh 15s

	expired := registry.Expire("doc", ttl)
	if len(expired) != 1 || expired[0] != "stale" {
		t.Fatalf("expired = %v, want [stale]", expired)
	}
	entries := registry.SnapshotAll("doc")
	if len(entries) != 1 || entries[0].Client != "fresh" {
		t.Errorf("remaining = %v", entries)
	}

	t.Run("heartbeat defers expiry", func(t *testing.T) {
		if !registry.Touch("doc", "fresh") {
			t.Fatal("Touch returned false for live entry")
		}
		fake.Advance(ttl - time.Second)
		if expired := registry.Expire("doc", ttl); len(expired) != 0 {
			t.Errorf("touched entry expired: %v", expired)
		}
	})

	t.Run("touch of expired entry fails", func(t *testing.T) {
		if registry.Touch("doc", "stale") {
			t.Error("Touch returned true for expired entry")
		}
	})

	t.Run("entry survives without connection until ttl", func(t *testing.T) {
		// No Leave concept here on purpose: an entry whose connection
		// dropped stays visible until the TTL, so a quick reconnect
		// does not flicker.
		registry.Set("doc", "reconnector", State{})
		fake.Advance(ttl / 2)
		if expired := registry.Expire("doc", ttl); len(expired) != 0 {
			t.Errorf("entry expired before ttl: %v", expired)
		}
	})
}

func TestDrop(t *testing.T) {
	registry := NewRegistry(clock.Fake(testStart))
	registry.Set("doc", "alice", State{})
	registry.Drop("doc")
	if got := registry.SnapshotAll("doc"); len(got) != 0 {
		t.Errorf("entries after Drop: %v", got)
	}
}
