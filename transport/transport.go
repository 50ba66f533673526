// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport accepts and dials the raw byte streams the sync
// protocol runs over. The framed protocol is self-delimiting, so the
// transport's only job is delivering an ordered reliable stream; TCP
// is the reference transport, and anything yielding a net.Conn (unix
// sockets, TLS wrappers) can slot in behind the same interfaces.
package transport

import (
	"context"
	"net"
)

// Handler serves one accepted connection. The listener closes conn
// when the handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound client connections.
type Listener interface {
	// Serve accepts connections and dispatches each to handler in
	// its own goroutine. Blocks until ctx is cancelled or Close is
	// called, then waits for in-flight handlers. Returns nil on
	// clean shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address returns the bound address clients should dial, in a
	// transport-specific format (e.g. "192.168.1.10:7891" for TCP).
	Address() string

	// Close shuts down the listener and interrupts Serve.
	Close() error
}

// Dialer opens connections to a sync server.
type Dialer interface {
	// DialContext opens a connection to the given transport address.
	// The address format matches what the server's Listener.Address
	// returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
