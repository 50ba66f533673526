// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the live side of the sync core: which
// documents are resident in memory, which connections are subscribed
// to each one, and how accepted operations fan out to room members.
//
// The [Registry] is the process-wide owner of the document-name →
// room map and the only cross-document shared structure; its mutex
// covers only creation and eviction. Everything per-document happens
// under that room's own lock, and every mutation of a document's
// content is serialized by the document's internal mutex, so no code
// path ever holds locks for two documents at once.
//
// Lifecycle: a room (and its document) comes into existence on the
// first [Registry.Join] naming it, loading the last snapshot through
// the persistence bridge. When the last connection leaves, an
// idle-eviction timer starts rather than evicting immediately, so a
// rapid reconnect is cheap; if the timer fires the document flushes a
// final snapshot and is released from memory along with its presence
// entries. While hot, snapshots are written behind on an interval and
// after a burst of accepted operations, whichever comes first, and a
// persistence outage degrades health without ever blocking the sync
// path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-foundation/inkwell/awareness"
	"github.com/inkwell-foundation/inkwell/crdt"
	"github.com/inkwell-foundation/inkwell/lib/clock"
	"github.com/inkwell-foundation/inkwell/persist"
)

var (
	// ErrUnauthorized means the authorization collaborator denied the
	// join. Fatal to the connection only; the document and other
	// members are unaffected.
	ErrUnauthorized = errors.New("session: unauthorized")

	// ErrRegistryClosed means the registry is shutting down.
	ErrRegistryClosed = errors.New("session: registry closed")

	// errRoomEvicted is an internal race marker: the room was evicted
	// between lookup and join. The registry retries with a fresh room.
	errRoomEvicted = errors.New("session: room evicted")
)

// Authorizer is the external authorization collaborator consulted
// before a join is admitted.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, docName string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, userID, docName string) (bool, error)

// CanJoin implements Authorizer.
func (f AuthorizerFunc) CanJoin(ctx context.Context, userID, docName string) (bool, error) {
	return f(ctx, userID, docName)
}

// AllowAll authorizes every join. For tests and single-tenant
// deployments where authorization happens upstream.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string, string) (bool, error) { return true, nil })
}

// Config holds Registry tuning. The zero value is usable for tests:
// no persistence, allow-all authorization, real clock.
type Config struct {
	// Bridge persists document snapshots. Nil disables persistence
	// entirely (documents exist only in memory).
	Bridge persist.Bridge

	// Authorizer gates joins. Nil means allow all.
	Authorizer Authorizer

	// Clock drives eviction, snapshot cadence, and presence expiry.
	// Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// IdleEviction is how long a document with no connections stays
	// resident before being flushed and released. Default 45s.
	IdleEviction time.Duration

	// PresenceTTL is how long a presence entry survives without a
	// refresh. Default 30s.
	PresenceTTL time.Duration

	// SnapshotInterval is the periodic write-behind cadence for hot
	// documents (and the presence sweep cadence). Default 30s.
	SnapshotInterval time.Duration

	// SnapshotEveryOps triggers an early snapshot after this many
	// accepted operations. Default 200.
	SnapshotEveryOps int

	// SendBuffer is each connection's outbound frame queue length. A
	// member that falls this far behind is disconnected rather than
	// allowed to block the room. Default 64.
	SendBuffer int

	// SingleConnectionPerClient, when set, closes a client's previous
	// connection when it joins the same document again. Off by
	// default: the protocol tolerates multiple simultaneous
	// connections per client ID.
	SingleConnectionPerClient bool
}

func (c Config) withDefaults() Config {
	if c.Authorizer == nil {
		c.Authorizer = AllowAll()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = 45 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.SnapshotEveryOps <= 0 {
		c.SnapshotEveryOps = 200
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Registry tracks live connections and the rooms they form. Safe for
// concurrent use.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	clk      clock.Clock
	presence *awareness.Registry

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		clk:      cfg.Clock,
		presence: awareness.NewRegistry(cfg.Clock),
		rooms:    make(map[string]*Room),
	}
}

// JoinRequest names the document and identifies the caller. The user
// identity must already be authenticated; the registry only consults
// the Authorizer with it.
type JoinRequest struct {
	DocumentName string
	ClientID     crdt.ClientID
	UserID       string
	Presence     awareness.State
}

// Join admits a connection into the named document's room, creating
// the room (and loading the document's snapshot) if this is the first
// join. Returns ErrUnauthorized if the authorization collaborator
// denies the user.
func (r *Registry) Join(ctx context.Context, req JoinRequest) (*Conn, error) {
	if req.DocumentName == "" {
		return nil, fmt.Errorf("session: empty document name")
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("session: empty client ID")
	}

	allowed, err := r.cfg.Authorizer.CanJoin(ctx, req.UserID, req.DocumentName)
	if err != nil {
		return nil, fmt.Errorf("session: authorizing %q for %q: %w", req.UserID, req.DocumentName, err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: user %q for document %q", ErrUnauthorized, req.UserID, req.DocumentName)
	}

	for {
		room, err := r.roomFor(req.DocumentName)
		if err != nil {
			return nil, err
		}
		conn, err := room.join(ctx, req)
		if errors.Is(err, errRoomEvicted) {
			continue // eviction raced the join; a fresh room fixes it
		}
		return conn, err
	}
}

// roomFor returns the live room for docName, creating it if absent.
func (r *Registry) roomFor(docName string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	room := r.rooms[docName]
	if room == nil {
		room = newRoom(r, docName)
		r.rooms[docName] = room
	}
	return room, nil
}

// removeEmptyRoom drops a room that failed to initialize before any
// member joined.
func (r *Registry) removeEmptyRoom(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) == 0 && !room.closed && r.rooms[room.name] == room {
		room.closed = true
		delete(r.rooms, room.name)
	}
}

// evict removes an idle room: final snapshot flush, presence drop,
// release from memory. Called by the idle timer; a join that raced in
// wins and eviction is abandoned.
func (r *Registry) evict(room *Room) {
	r.mu.Lock()
	room.mu.Lock()
	if room.closed || len(room.members) > 0 || r.rooms[room.name] != room {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.closed = true
	delete(r.rooms, room.name)
	room.stopTickerLocked()
	room.mu.Unlock()
	r.mu.Unlock()

	room.flushSnapshot(context.Background())
	r.presence.Drop(room.name)
	r.logger.Info("document evicted after idle timeout", "doc", room.name)
}

// Close shuts the registry down: closes every connection, flushes a
// final snapshot for every resident document, and rejects further
// joins.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.mu.Lock()
		room.closed = true
		room.stopTickerLocked()
		if room.evictTimer != nil {
			room.evictTimer.Stop()
			room.evictTimer = nil
		}
		for id, conn := range room.members {
			delete(room.members, id)
			conn.shutdown()
		}
		room.mu.Unlock()

		room.flushSnapshot(ctx)
		r.presence.Drop(room.name)
	}
	r.logger.Info("session registry closed", "rooms_flushed", len(rooms))
	return nil
}

// Presence exposes the awareness registry.
func (r *Registry) Presence() *awareness.Registry { return r.presence }

// RoomCount returns the number of resident documents.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Degraded reports whether the persistence bridge is failing behind
// the write-behind boundary. Wire this into the service health
// endpoint: sustained degradation means the crash data loss window is
// growing.
func (r *Registry) Degraded() bool {
	type degradable interface{ Degraded() bool }
	if b, ok := r.cfg.Bridge.(degradable); ok {
		return b.Degraded()
	}
	return false
}
