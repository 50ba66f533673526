// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol runs the per-connection sync conversation over a
// framed byte stream.
//
// The conversation opens with the server pushing its sync step 1 (the
// document's vector clock) and the current presence snapshot. The
// peer answers with sync step 2 carrying its clock and the operations
// the server is missing; the server integrates them and replies with
// its own sync step 2 carrying what the peer is missing, so a single
// round trip leaves both clocks equal. From then on the connection is
// synced: updates flow both ways as single-operation frames, presence
// piggybacks on awareness frames, and heartbeats keep presence fresh.
//
// Error handling is two-tier, matching the wire package's taxonomy: a
// malformed frame is logged and dropped while the stream keeps going,
// because the length prefix still delimits it; a version mismatch or
// lost framing closes the connection, because nothing after it can be
// trusted.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/inkwell-foundation/inkwell/crdt"
	"github.com/inkwell-foundation/inkwell/session"
	"github.com/inkwell-foundation/inkwell/wire"
)

// connState tracks where the conversation is.
type connState int

const (
	stateHandshaking connState = iota
	stateSynced
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateSynced:
		return "synced"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

// Run drives one connection's conversation until the stream ends, the
// context is canceled, or the room detaches the connection. It owns
// conn: the stream is closed before Run returns, and the session
// handle has left its room.
//
// The return is nil for a clean shutdown (peer EOF, context cancel,
// room detach) and an error when the stream died of a protocol fault
// or a mid-stream transport failure.
func Run(ctx context.Context, conn io.ReadWriteCloser, handle *session.Conn, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("doc", handle.DocumentName(), "client", handle.ClientID, "conn", handle.ID)

	// Unblock the reader when the caller gives up on us.
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handle.Done():
			conn.Close()
		case <-stopped:
		}
	}()

	// Single writer: every outbound frame, replies and room
	// broadcasts alike, goes through the handle's queue in order.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range handle.Outbound() {
			if err := wire.WriteFrame(conn, frame); err != nil {
				logger.Debug("write failed, closing stream", "error", err)
				conn.Close()
				return
			}
		}
		conn.Close()
	}()

	// Teardown order matters: leaving the room closes the outbound
	// queue, which lets the writer drain and exit.
	defer func() {
		conn.Close()
		handle.Leave()
		<-writerDone
		close(stopped)
	}()

	if err := openConversation(handle); err != nil {
		return err
	}

	state := stateHandshaking
	for {
		frame, err := wire.ReadFrame(conn)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
			logger.Info("connection closed", "state", state)
			return nil
		case wire.Recoverable(err):
			logger.Warn("dropping malformed frame", "error", err)
			continue
		default:
			if errors.Is(err, wire.ErrVersionMismatch) || errors.Is(err, wire.ErrFramingLost) {
				logger.Warn("closing connection", "state", state, "error", err)
				return err
			}
			// Read errors on a socket we closed ourselves are the
			// shutdown path, not a stream fault.
			select {
			case <-ctx.Done():
				return nil
			case <-handle.Done():
				return nil
			default:
			}
			logger.Warn("stream failed", "state", state, "error", err)
			return fmt.Errorf("protocol: reading frame: %w", err)
		}

		if err := dispatch(handle, logger, &state, frame); err != nil {
			logger.Warn("dropping undecodable frame", "type", frame.Type, "error", err)
		}
	}
}

// openConversation pushes the server's opening frames: its vector
// clock plus the current presence picture.
func openConversation(handle *session.Conn) error {
	step1, err := wire.NewSyncStep1(handle.DocClock())
	if err != nil {
		return fmt.Errorf("protocol: encoding sync step 1: %w", err)
	}
	snapshot, err := wire.NewAwarenessSnapshot(handle.PresenceSnapshot())
	if err != nil {
		return fmt.Errorf("protocol: encoding awareness snapshot: %w", err)
	}
	if !handle.Send(step1) || !handle.Send(snapshot) {
		return fmt.Errorf("protocol: connection closed before handshake")
	}
	return nil
}

// dispatch handles one inbound frame. Decode failures are returned
// for the caller to log; the stream continues.
func dispatch(handle *session.Conn, logger *slog.Logger, state *connState, frame wire.Frame) error {
	switch frame.Type {
	case wire.FrameSyncStep1:
		step1, err := wire.DecodeSyncStep1(frame)
		if err != nil {
			return err
		}
		missing := handle.DiffSince(step1.Clock)
		reply, err := wire.NewSyncStep2(missing, handle.DocClock())
		if err != nil {
			return err
		}
		handle.Send(reply)
		logger.Debug("answered sync step 1", "missing_ops", len(missing))

	case wire.FrameSyncStep2:
		step2, err := wire.DecodeSyncStep2(frame)
		if err != nil {
			return err
		}
		accepted := 0
		for _, op := range step2.Operations {
			if applyAndRelay(handle, op) {
				accepted++
			}
		}
		if *state == stateHandshaking {
			// Complete the exchange: everything the peer's clock says
			// it has not seen goes back in one reply, so the handshake
			// reaches clock equality without another round trip.
			missing := handle.DiffSince(step2.Clock)
			reply, err := wire.NewSyncStep2(missing, handle.DocClock())
			if err != nil {
				return err
			}
			handle.Send(reply)
			*state = stateSynced
			logger.Info("connection synced",
				"received_ops", len(step2.Operations), "accepted_ops", accepted, "returned_ops", len(missing))
		}

	case wire.FrameUpdate:
		update, err := wire.DecodeUpdate(frame)
		if err != nil {
			return err
		}
		applyAndRelay(handle, update.Operation)

	case wire.FrameAwarenessUpdate:
		update, err := wire.DecodeAwarenessUpdate(frame)
		if err != nil {
			return err
		}
		handle.SetPresence(update.Entry.State)
		// Presence relays unconditionally; last write wins at each
		// receiver.
		handle.Broadcast(frame)

	case wire.FrameAwarenessSnapshot:
		// Servers push snapshots; a client echoing one back has
		// nothing for us.

	case wire.FrameHeartbeat:
		handle.TouchPresence()

	case wire.FrameHello:
		// Hello is consumed before Run starts; a second one is a peer
		// bug but harmless.
		logger.Debug("ignoring duplicate hello")

	default:
		return fmt.Errorf("protocol: unhandled frame type %v", frame.Type)
	}
	return nil
}

// applyAndRelay integrates one remote operation; newly accepted
// operations fan out to the other members, together with any deferred
// operations the acceptance unblocked. Duplicates are not relayed:
// they were already broadcast when they first arrived. A deferred
// operation is relayed later, by whichever acceptance drains it.
func applyAndRelay(handle *session.Conn, op crdt.Operation) bool {
	res, err := handle.ApplyAndBroadcast(op)
	return err == nil && res.Accepted
}
