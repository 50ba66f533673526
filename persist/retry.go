// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-foundation/inkwell/lib/clock"
)

// RetryingBridge wraps a Bridge with write-behind retry. SaveSnapshot
// always succeeds from the caller's point of view: on failure the
// data is parked, the bridge reports itself degraded, and a retry
// fires with capped exponential backoff until the save lands. A newer
// snapshot for the same document supersedes a parked one, so retries
// never resurrect stale data.
//
// This is the propagation policy the sync core requires: persistence
// errors are logged and surfaced to operators, and never block the
// synchronization critical path.
type RetryingBridge struct {
	inner  Bridge
	clk    clock.Clock
	logger *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu      sync.Mutex
	pending map[string]*retryState
	closed  bool
}

type retryState struct {
	data    []byte
	gen     uint64 // bumped when a newer snapshot supersedes the parked one
	backoff time.Duration
	timer   *clock.Timer
}

// RetryConfig holds RetryingBridge tuning.
type RetryConfig struct {
	// InitialBackoff is the delay before the first retry. Defaults to
	// one second.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Defaults to one
	// minute.
	MaxBackoff time.Duration

	// Clock drives retry scheduling. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives failure and recovery messages. Nil means
	// discard.
	Logger *slog.Logger
}

// NewRetryingBridge wraps inner.
func NewRetryingBridge(inner Bridge, cfg RetryConfig) *RetryingBridge {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RetryingBridge{
		inner:          inner,
		clk:            cfg.Clock,
		logger:         logger,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		pending:        make(map[string]*retryState),
	}
}

// LoadSnapshot serves a parked (not yet durable) snapshot if one
// exists, so a document evicted during an outage reloads its latest
// state rather than the stale durable one. Otherwise it delegates.
func (b *RetryingBridge) LoadSnapshot(ctx context.Context, docName string) ([]byte, error) {
	b.mu.Lock()
	if state, ok := b.pending[docName]; ok {
		data := make([]byte, len(state.data))
		copy(data, state.data)
		b.mu.Unlock()
		return data, nil
	}
	b.mu.Unlock()
	return b.inner.LoadSnapshot(ctx, docName)
}

// SaveSnapshot attempts the save synchronously; on failure it parks
// the snapshot and schedules retries. Always returns nil: failure is
// surfaced through [RetryingBridge.Degraded] and the log, never to
// the sync path.
func (b *RetryingBridge) SaveSnapshot(ctx context.Context, docName string, data []byte) error {
	err := b.inner.SaveSnapshot(ctx, docName, data)
	if err == nil {
		b.clearPending(docName)
		return nil
	}

	b.logger.Warn("snapshot save failed, parking for retry",
		"doc", docName,
		"error", err,
	)
	b.park(docName, data)
	return nil
}

// Degraded reports whether any snapshot is parked awaiting a
// successful save. Operators should alert on sustained degradation:
// the data loss window is no longer bounded by the snapshot interval.
func (b *RetryingBridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// Close cancels scheduled retries. Parked snapshots are dropped;
// callers that need a final flush should drain documents before
// closing.
func (b *RetryingBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for docName, state := range b.pending {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(b.pending, docName)
	}
}

func (b *RetryingBridge) park(docName string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	if state, ok := b.pending[docName]; ok {
		// Supersede: keep the existing backoff schedule, replace the
		// payload.
		state.data = stored
		state.gen++
		return
	}

	state := &retryState{data: stored, backoff: b.initialBackoff}
	b.pending[docName] = state
	state.timer = b.clk.AfterFunc(state.backoff, func() { b.retry(docName) })
}

func (b *RetryingBridge) retry(docName string) {
	b.mu.Lock()
	state, ok := b.pending[docName]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	data := state.data
	gen := state.gen
	b.mu.Unlock()

	err := b.inner.SaveSnapshot(context.Background(), docName, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok = b.pending[docName]
	if !ok || b.closed {
		return
	}
	if err == nil {
		if state.gen != gen {
			// A newer snapshot superseded the one we just saved.
			// Retry immediately with the fresh payload.
			state.backoff = b.initialBackoff
			state.timer = b.clk.AfterFunc(state.backoff, func() { b.retry(docName) })
			return
		}
		delete(b.pending, docName)
		b.logger.Info("parked snapshot saved after retry", "doc", docName)
		return
	}

	state.backoff *= 2
	if state.backoff > b.maxBackoff {
		state.backoff = b.maxBackoff
	}
	b.logger.Warn("snapshot retry failed",
		"doc", docName,
		"next_attempt_in", state.backoff,
		"error", err,
	)
	state.timer = b.clk.AfterFunc(state.backoff, func() { b.retry(docName) })
}

func (b *RetryingBridge) clearPending(docName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.pending[docName]; ok {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(b.pending, docName)
	}
}
