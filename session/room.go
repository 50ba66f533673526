// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-foundation/inkwell/awareness"
	"github.com/inkwell-foundation/inkwell/crdt"
	"github.com/inkwell-foundation/inkwell/lib/clock"
	"github.com/inkwell-foundation/inkwell/persist"
	"github.com/inkwell-foundation/inkwell/wire"
)

// snapshotFlushTimeout bounds a background snapshot write so a
// wedged persistence backend cannot pin a goroutine forever.
const snapshotFlushTimeout = 10 * time.Second

// Room is one resident document plus its subscribed connections.
type Room struct {
	name     string
	registry *Registry

	mu         sync.Mutex
	doc        *crdt.Document
	loaded     bool
	members    map[string]*Conn
	evictTimer *clock.Timer

	ticker     *clock.Ticker
	tickerDone chan struct{}

	opsSinceSnapshot int
	closed           bool
}

func newRoom(r *Registry, name string) *Room {
	return &Room{
		name:     name,
		registry: r,
		members:  make(map[string]*Conn),
	}
}

// join admits one connection. The first join loads the document from
// the persistence bridge; a load failure fails the join rather than
// serving an empty document that would shadow persisted history.
func (rm *Room) join(ctx context.Context, req JoinRequest) (*Conn, error) {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil, errRoomEvicted
	}

	if !rm.loaded {
		if err := rm.loadLocked(ctx); err != nil {
			rm.mu.Unlock()
			rm.registry.removeEmptyRoom(rm)
			return nil, err
		}
	}

	if rm.registry.cfg.SingleConnectionPerClient {
		for id, existing := range rm.members {
			if existing.ClientID == req.ClientID {
				delete(rm.members, id)
				existing.shutdown()
				rm.registry.logger.Info("displaced previous connection",
					"doc", rm.name, "client", req.ClientID, "conn", id)
			}
		}
	}

	if rm.evictTimer != nil {
		rm.evictTimer.Stop()
		rm.evictTimer = nil
	}

	conn := &Conn{
		ID:       uuid.NewString(),
		ClientID: req.ClientID,
		UserID:   req.UserID,
		JoinedAt: rm.registry.clk.Now(),
		room:     rm,
		outbound: make(chan wire.Frame, rm.registry.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	rm.members[conn.ID] = conn
	rm.startTickerLocked()
	rm.mu.Unlock()

	rm.registry.presence.Set(rm.name, req.ClientID, req.Presence)
	rm.registry.logger.Info("connection joined",
		"doc", rm.name, "client", req.ClientID, "user", req.UserID, "conn", conn.ID)
	return conn, nil
}

// loadLocked restores the document from the last persisted snapshot,
// or starts empty if none exists.
func (rm *Room) loadLocked(ctx context.Context) error {
	bridge := rm.registry.cfg.Bridge
	if bridge == nil {
		rm.doc = crdt.NewDocument(rm.name)
		rm.loaded = true
		return nil
	}
	data, err := bridge.LoadSnapshot(ctx, rm.name)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		rm.doc = crdt.NewDocument(rm.name)
	case err != nil:
		return fmt.Errorf("session: loading document %q: %w", rm.name, err)
	default:
		doc, err := crdt.NewDocumentFromSnapshot(rm.name, data)
		if err != nil {
			return fmt.Errorf("session: restoring document %q: %w", rm.name, err)
		}
		rm.doc = doc
	}
	rm.loaded = true
	return nil
}

// leave detaches one connection. The last leave arms the idle
// eviction timer instead of evicting immediately so quick reconnects
// find the document still resident. Presence entries are left to
// expire by TTL: a network blip should not erase a cursor.
func (rm *Room) leave(conn *Conn) {
	rm.mu.Lock()
	if _, ok := rm.members[conn.ID]; !ok {
		rm.mu.Unlock()
		conn.shutdown()
		return
	}
	delete(rm.members, conn.ID)
	if len(rm.members) == 0 && !rm.closed {
		rm.evictTimer = rm.registry.clk.AfterFunc(rm.registry.cfg.IdleEviction, func() {
			rm.registry.evict(rm)
		})
	}
	rm.mu.Unlock()

	conn.shutdown()
	rm.registry.logger.Info("connection left",
		"doc", rm.name, "client", conn.ClientID, "conn", conn.ID)
}

// Apply integrates a remote operation into the document and tracks
// the write-behind ops trigger.
func (rm *Room) Apply(op crdt.Operation) (crdt.ApplyResult, error) {
	res, err := rm.doc.Apply(op)
	if err != nil || !res.Accepted {
		return res, err
	}
	rm.mu.Lock()
	flush := rm.noteAcceptedLocked(1 + len(res.Drained))
	rm.mu.Unlock()
	if flush {
		go rm.flushSnapshot(context.Background())
	}
	return res, err
}

// ApplyAndBroadcast integrates a remote operation and, if it was
// newly accepted, fans it out to every member but the sender, followed
// by any previously deferred operations the acceptance unblocked.
// Accept and fan-out happen under one critical section so each member
// sees operations in the order they were accepted into the document.
// A member that originally sent a drained operation receives it back
// and discards it as a duplicate.
func (rm *Room) ApplyAndBroadcast(sender *Conn, op crdt.Operation) (crdt.ApplyResult, error) {
	rm.mu.Lock()
	res, err := rm.doc.Apply(op)
	if err != nil || !res.Accepted {
		rm.mu.Unlock()
		return res, err
	}
	flush := rm.noteAcceptedLocked(1 + len(res.Drained))

	frames := make([]wire.Frame, 0, 1+len(res.Drained))
	for _, accepted := range append([]crdt.Operation{op}, res.Drained...) {
		if frame, frameErr := wire.NewUpdate(accepted); frameErr == nil {
			frames = append(frames, frame)
		}
	}
	var dropped []*Conn
	for id, member := range rm.members {
		if member == sender {
			continue
		}
		for _, frame := range frames {
			if !member.enqueue(frame) {
				delete(rm.members, id)
				dropped = append(dropped, member)
				break
			}
		}
	}
	rm.mu.Unlock()

	for _, member := range dropped {
		member.shutdown()
		rm.registry.logger.Warn("disconnected slow consumer",
			"doc", rm.name, "client", member.ClientID, "conn", member.ID)
	}
	if flush {
		go rm.flushSnapshot(context.Background())
	}
	return res, err
}

// noteAcceptedLocked bumps the accepted-ops counter by n and reports
// whether it crossed the early-snapshot threshold.
func (rm *Room) noteAcceptedLocked(n int) bool {
	rm.opsSinceSnapshot += n
	if rm.opsSinceSnapshot >= rm.registry.cfg.SnapshotEveryOps && !rm.closed {
		rm.opsSinceSnapshot = 0
		return true
	}
	return false
}

// Broadcast queues the frame for every member except the sender. A
// member whose queue is full is disconnected: a consumer that cannot
// keep up must not stall the room, and a reconnecting client recovers
// anything it missed through sync catch-up.
func (rm *Room) Broadcast(sender *Conn, frame wire.Frame) {
	var dropped []*Conn
	rm.mu.Lock()
	for id, member := range rm.members {
		if member == sender {
			continue
		}
		if !member.enqueue(frame) {
			delete(rm.members, id)
			dropped = append(dropped, member)
		}
	}
	rm.mu.Unlock()

	for _, member := range dropped {
		member.shutdown()
		rm.registry.logger.Warn("disconnected slow consumer",
			"doc", rm.name, "client", member.ClientID, "conn", member.ID)
	}
}

// startTickerLocked starts the periodic sweep (presence expiry and
// interval snapshots) the first time a member joins.
func (rm *Room) startTickerLocked() {
	if rm.ticker != nil {
		return
	}
	rm.ticker = rm.registry.clk.NewTicker(rm.registry.cfg.SnapshotInterval)
	rm.tickerDone = make(chan struct{})
	go rm.sweepLoop(rm.ticker, rm.tickerDone)
}

func (rm *Room) stopTickerLocked() {
	if rm.ticker == nil {
		return
	}
	rm.ticker.Stop()
	close(rm.tickerDone)
	rm.ticker = nil
	rm.tickerDone = nil
}

func (rm *Room) sweepLoop(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			rm.sweep()
		case <-done:
			return
		}
	}
}

// sweep runs once per tick: expire stale presence (announcing the
// pruned view to members) and flush a snapshot if any operations
// landed since the last one.
func (rm *Room) sweep() {
	r := rm.registry
	expired := r.presence.Expire(rm.name, r.cfg.PresenceTTL)
	if len(expired) > 0 {
		frame, err := wire.NewAwarenessSnapshot(r.presence.SnapshotAll(rm.name))
		if err == nil {
			rm.Broadcast(nil, frame)
		}
		r.logger.Info("expired stale presence", "doc", rm.name, "clients", len(expired))
	}

	rm.mu.Lock()
	flush := rm.opsSinceSnapshot > 0 && !rm.closed
	if flush {
		rm.opsSinceSnapshot = 0
	}
	rm.mu.Unlock()
	if flush {
		rm.flushSnapshot(context.Background())
	}
}

// flushSnapshot writes the current document state through the bridge.
// Failures degrade health (via the bridge's own retry machinery);
// they never propagate to the sync path.
func (rm *Room) flushSnapshot(ctx context.Context) {
	bridge := rm.registry.cfg.Bridge
	if bridge == nil {
		return
	}
	data, err := rm.doc.Snapshot()
	if err != nil {
		rm.registry.logger.Error("snapshot encode failed", "doc", rm.name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotFlushTimeout)
	defer cancel()
	if err := bridge.SaveSnapshot(ctx, rm.name, data); err != nil {
		rm.registry.logger.Warn("snapshot write failed", "doc", rm.name, "error", err)
	}
}

// Conn is one live connection's membership in a room. The protocol
// layer reads outbound frames from Outbound and pushes inbound
// traffic through Apply, Broadcast, and the presence methods.
type Conn struct {
	ID       string
	ClientID crdt.ClientID
	UserID   string
	JoinedAt time.Time

	room *Room

	sendMu   sync.Mutex
	sendDone bool
	outbound chan wire.Frame
	done     chan struct{}
}

// Outbound is the queue of frames to write to the peer. It is closed
// when the connection is detached from the room.
func (c *Conn) Outbound() <-chan wire.Frame { return c.outbound }

// Done is closed when the connection is detached from the room.
func (c *Conn) Done() <-chan struct{} { return c.done }

// DocumentName returns the room's document name.
func (c *Conn) DocumentName() string { return c.room.name }

// Send queues a frame to this connection only. Returns false if the
// connection is closed or its queue is full.
func (c *Conn) Send(frame wire.Frame) bool { return c.enqueue(frame) }

// Broadcast queues a frame to every other member of the room.
func (c *Conn) Broadcast(frame wire.Frame) { c.room.Broadcast(c, frame) }

// Apply integrates a remote operation into the room's document.
func (c *Conn) Apply(op crdt.Operation) (crdt.ApplyResult, error) { return c.room.Apply(op) }

// ApplyAndBroadcast integrates a remote operation and relays it to
// the other members if it was newly accepted.
func (c *Conn) ApplyAndBroadcast(op crdt.Operation) (crdt.ApplyResult, error) {
	return c.room.ApplyAndBroadcast(c, op)
}

// DiffSince returns the operations the peer is missing given its
// vector clock.
func (c *Conn) DiffSince(vc crdt.VectorClock) []crdt.Operation {
	return c.room.doc.DiffSince(vc)
}

// DocClock returns the document's current vector clock.
func (c *Conn) DocClock() crdt.VectorClock { return c.room.doc.Clock() }

// SetPresence replaces this client's presence state.
func (c *Conn) SetPresence(state awareness.State) {
	c.room.registry.presence.Set(c.room.name, c.ClientID, state)
}

// TouchPresence refreshes this client's presence timestamp without
// changing its state.
func (c *Conn) TouchPresence() {
	c.room.registry.presence.Touch(c.room.name, c.ClientID)
}

// PresenceSnapshot returns every live presence entry for the room.
func (c *Conn) PresenceSnapshot() []awareness.Entry {
	return c.room.registry.presence.SnapshotAll(c.room.name)
}

// Leave detaches the connection from its room. Idempotent.
func (c *Conn) Leave() { c.room.leave(c) }

// enqueue attempts a non-blocking send on the outbound queue.
func (c *Conn) enqueue(frame wire.Frame) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the outbound queue and done signal. Idempotent;
// callers must have already removed the connection from the member
// map so no further enqueue can race the close.
func (c *Conn) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return
	}
	c.sendDone = true
	close(c.outbound)
	close(c.done)
}
