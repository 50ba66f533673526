// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkwell-foundation/inkwell/awareness"
	"github.com/inkwell-foundation/inkwell/crdt"
	"github.com/inkwell-foundation/inkwell/lib/clock"
	"github.com/inkwell-foundation/inkwell/lib/testutil"
	"github.com/inkwell-foundation/inkwell/persist"
	"github.com/inkwell-foundation/inkwell/wire"
)

// opsFor builds a fresh operation stream by editing a scratch replica.
func opsFor(t *testing.T, client crdt.ClientID, text string) []crdt.Operation {
	t.Helper()
	doc := crdt.NewDocument("scratch")
	ops, err := doc.LocalInsert(client, 0, text)
	if err != nil {
		t.Fatalf("LocalInsert: %v", err)
	}
	return ops
}

func join(t *testing.T, r *Registry, docName string, client crdt.ClientID) *Conn {
	t.Helper()
	conn, err := r.Join(context.Background(), JoinRequest{
		DocumentName: docName,
		ClientID:     client,
		UserID:       "user-" + string(client),
	})
	if err != nil {
		t.Fatalf("Join(%s, %s): %v", docName, client, err)
	}
	return conn
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(Config{})
	defer r.Close(context.Background())

	alice := join(t, r, "doc", "alice")
	bob := join(t, r, "doc", "bob")
	carol := join(t, r, "doc", "carol")

	frame := wire.NewHeartbeat()
	alice.Broadcast(frame)

	got := testutil.RequireReceive(t, bob.Outbound(), 5*time.Second, "bob's broadcast copy")
	if got.Type != wire.FrameHeartbeat {
		t.Errorf("bob received frame type %v, want heartbeat", got.Type)
	}
	testutil.RequireReceive(t, carol.Outbound(), 5*time.Second, "carol's broadcast copy")

	select {
	case f := <-alice.Outbound():
		t.Errorf("sender received its own broadcast: %v", f.Type)
	default:
	}
}

func TestJoinUnauthorized(t *testing.T) {
	denied := errors.New("directory unavailable")
	r := NewRegistry(Config{
		Authorizer: AuthorizerFunc(func(_ context.Context, userID, docName string) (bool, error) {
			switch userID {
			case "user-intruder":
				return false, nil
			case "user-flaky":
				return false, denied
			}
			return true, nil
		}),
	})
	defer r.Close(context.Background())

	_, err := r.Join(context.Background(), JoinRequest{
		DocumentName: "doc", ClientID: "intruder", UserID: "user-intruder",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("denied join: got %v, want ErrUnauthorized", err)
	}

	_, err = r.Join(context.Background(), JoinRequest{
		DocumentName: "doc", ClientID: "flaky", UserID: "user-flaky",
	})
	if !errors.Is(err, denied) {
		t.Errorf("authorizer failure: got %v, want wrapped %v", err, denied)
	}
	if r.RoomCount() != 0 {
		t.Errorf("RoomCount after failed joins = %d, want 0", r.RoomCount())
	}

	// An authorized join still works.
	conn := join(t, r, "doc", "alice")
	conn.Leave()
}

func TestApplyFansOutThroughRoom(t *testing.T) {
	r := NewRegistry(Config{})
	defer r.Close(context.Background())

	alice := join(t, r, "doc", "alice")
	bob := join(t, r, "doc", "bob")

	for _, op := range opsFor(t, "alice", "hi") {
		res, err := alice.ApplyAndBroadcast(op)
		if err != nil {
			t.Fatalf("ApplyAndBroadcast: %v", err)
		}
		if !res.Accepted {
			t.Fatalf("ApplyAndBroadcast(%v): not accepted", op.ID())
		}
	}

	for i := 0; i < 2; i++ {
		frame := testutil.RequireReceive(t, bob.Outbound(), 5*time.Second, "update broadcast")
		if frame.Type != wire.FrameUpdate {
			t.Fatalf("frame %d type = %v, want update", i, frame.Type)
		}
	}

	if diff := bob.DiffSince(nil); len(diff) != 2 {
		t.Errorf("DiffSince(nil) returned %d ops, want 2", len(diff))
	}
}

func TestDrainedOperationsAreBroadcast(t *testing.T) {
	r := NewRegistry(Config{})
	defer r.Close(context.Background())

	alice := join(t, r, "doc", "alice")
	bob := join(t, r, "doc", "bob")

	scratch := crdt.NewDocument("scratch")
	insert, err := scratch.LocalInsert("xavier", 0, "a")
	if err != nil {
		t.Fatalf("LocalInsert: %v", err)
	}
	del, err := scratch.LocalDelete("yvonne", 0, 1)
	if err != nil {
		t.Fatalf("LocalDelete: %v", err)
	}

	// The delete depends on the insert, so it parks unbroadcast.
	res, err := alice.ApplyAndBroadcast(del[0])
	if err != nil {
		t.Fatalf("ApplyAndBroadcast: %v", err)
	}
	if !res.Deferred {
		t.Fatalf("delete ahead of its insert: %+v, want deferred", res)
	}

	// The insert unblocks it; both must reach bob, in acceptance order.
	res, err = alice.ApplyAndBroadcast(insert[0])
	if err != nil {
		t.Fatalf("ApplyAndBroadcast: %v", err)
	}
	if len(res.Drained) != 1 || res.Drained[0].ID() != del[0].ID() {
		t.Fatalf("Drained = %v, want [%v]", res.Drained, del[0].ID())
	}

	for i, want := range []crdt.ElementID{insert[0].ID(), del[0].ID()} {
		frame := testutil.RequireReceive(t, bob.Outbound(), 5*time.Second, "relay %d", i)
		if frame.Type != wire.FrameUpdate {
			t.Fatalf("relay %d type = %v, want update", i, frame.Type)
		}
		update, err := wire.DecodeUpdate(frame)
		if err != nil {
			t.Fatalf("DecodeUpdate: %v", err)
		}
		if update.Operation.ID() != want {
			t.Errorf("relay %d = %v, want %v", i, update.Operation.ID(), want)
		}
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	r := NewRegistry(Config{SendBuffer: 1})
	defer r.Close(context.Background())

	alice := join(t, r, "doc", "alice")
	stalled := join(t, r, "doc", "stalled")

	// First frame fills the queue; second overflows it.
	alice.Broadcast(wire.NewHeartbeat())
	alice.Broadcast(wire.NewHeartbeat())

	testutil.RequireClosed(t, stalled.Done(), 5*time.Second, "slow consumer detach")

	// The sender is unaffected.
	select {
	case <-alice.Done():
		t.Error("sender was disconnected")
	default:
	}
}

func TestSingleConnectionPerClient(t *testing.T) {
	r := NewRegistry(Config{SingleConnectionPerClient: true})
	defer r.Close(context.Background())

	first := join(t, r, "doc", "alice")
	second := join(t, r, "doc", "alice")

	testutil.RequireClosed(t, first.Done(), 5*time.Second, "displaced connection")

	select {
	case <-second.Done():
		t.Error("replacement connection was closed")
	default:
	}
}

func TestIdleEvictionFlushesAndReleases(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	bridge := persist.NewMemoryBridge()
	r := NewRegistry(Config{
		Bridge:       bridge,
		Clock:        fake,
		IdleEviction: 45 * time.Second,
	})

	conn := join(t, r, "doc", "alice")
	for _, op := range opsFor(t, "alice", "hello") {
		if _, err := conn.Apply(op); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	conn.Leave()

	if r.RoomCount() != 1 {
		t.Fatalf("RoomCount right after leave = %d, want 1 (idle grace)", r.RoomCount())
	}

	fake.Advance(45 * time.Second)

	if r.RoomCount() != 0 {
		t.Errorf("RoomCount after idle timeout = %d, want 0", r.RoomCount())
	}
	if bridge.SnapshotCount() == 0 {
		t.Fatal("no snapshot persisted by eviction")
	}

	// A later join restores the evicted document from its snapshot.
	revived := join(t, r, "doc", "bob")
	defer revived.Leave()
	if diff := revived.DiffSince(nil); len(diff) != len("hello") {
		t.Errorf("restored document catch-up has %d ops, want %d", len(diff), len("hello"))
	}
}

func TestRejoinCancelsIdleEviction(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	r := NewRegistry(Config{Clock: fake, IdleEviction: 45 * time.Second})
	defer r.Close(context.Background())

	join(t, r, "doc", "alice").Leave()
	rejoined := join(t, r, "doc", "alice")
	defer rejoined.Leave()

	fake.Advance(10 * time.Minute)

	if r.RoomCount() != 1 {
		t.Errorf("RoomCount = %d, want 1 (rejoin should cancel eviction)", r.RoomCount())
	}
}

func TestSnapshotAfterOperationBurst(t *testing.T) {
	bridge := persist.NewMemoryBridge()
	r := NewRegistry(Config{Bridge: bridge, SnapshotEveryOps: 3})
	defer r.Close(context.Background())

	conn := join(t, r, "doc", "alice")
	for _, op := range opsFor(t, "alice", "abc") {
		if _, err := conn.Apply(op); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	// The burst flush runs in the background.
	deadline := time.Now().Add(5 * time.Second)
	for bridge.SnapshotCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no snapshot after operation burst")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSweepExpiresStalePresence(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	r := NewRegistry(Config{
		Clock:            fake,
		PresenceTTL:      30 * time.Second,
		SnapshotInterval: 30 * time.Second,
	})
	defer r.Close(context.Background())

	ghost := join(t, r, "doc", "ghost")
	watcher := join(t, r, "doc", "watcher")

	ghost.SetPresence(awareness.State{DisplayName: "Ghost"})
	ghost.Leave()

	// Presence survives the disconnect itself.
	if entries := watcher.PresenceSnapshot(); len(entries) != 2 {
		t.Fatalf("presence entries right after leave = %d, want 2", len(entries))
	}

	// Keep the watcher fresh, then let the ghost's TTL lapse.
	fake.Advance(20 * time.Second)
	watcher.TouchPresence()
	fake.Advance(20 * time.Second)

	frame := testutil.RequireReceive(t, watcher.Outbound(), 5*time.Second, "presence expiry broadcast")
	if frame.Type != wire.FrameAwarenessSnapshot {
		t.Fatalf("frame type = %v, want awareness snapshot", frame.Type)
	}
	snap, err := wire.DecodeAwarenessSnapshot(frame)
	if err != nil {
		t.Fatalf("DecodeAwarenessSnapshot: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Client != "watcher" {
		t.Errorf("post-expiry snapshot = %+v, want only watcher", snap.Entries)
	}
}

func TestRegistryCloseRejectsJoins(t *testing.T) {
	r := NewRegistry(Config{})
	conn := join(t, r, "doc", "alice")

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, conn.Done(), 5*time.Second, "connection closed by shutdown")

	_, err := r.Join(context.Background(), JoinRequest{DocumentName: "doc", ClientID: "bob"})
	if !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Join after Close: got %v, want ErrRegistryClosed", err)
	}
}

func TestDegradedTracksBridge(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	mem := persist.NewMemoryBridge()
	retrying := persist.NewRetryingBridge(mem, persist.RetryConfig{Clock: fake})
	defer retrying.Close()

	r := NewRegistry(Config{Bridge: retrying, Clock: fake, SnapshotEveryOps: 1})

	if r.Degraded() {
		t.Fatal("Degraded before any failure")
	}

	boom := errors.New("disk full")
	mem.FailSaves(boom)

	conn := join(t, r, "doc", "alice")
	for _, op := range opsFor(t, "alice", "x") {
		if _, err := conn.Apply(op); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for !r.Degraded() {
		if time.Now().After(deadline) {
			t.Fatal("registry never reported degraded")
		}
		time.Sleep(time.Millisecond)
	}
}
