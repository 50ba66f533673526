// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// inkwell-syncd is the collaborative document synchronization server.
// It accepts framed TCP connections, keeps hot documents resident in
// memory, fans out accepted operations to every connected replica,
// and writes snapshots behind through SQLite.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/inkwell-foundation/inkwell/awareness"
	"github.com/inkwell-foundation/inkwell/lib/config"
	"github.com/inkwell-foundation/inkwell/lib/process"
	"github.com/inkwell-foundation/inkwell/lib/version"
	"github.com/inkwell-foundation/inkwell/persist"
	"github.com/inkwell-foundation/inkwell/protocol"
	"github.com/inkwell-foundation/inkwell/session"
	"github.com/inkwell-foundation/inkwell/transport"
	"github.com/inkwell-foundation/inkwell/wire"
)

// helloTimeout bounds how long a fresh connection may sit silent
// before its hello frame arrives.
const helloTimeout = 10 * time.Second

// shutdownTimeout bounds the final snapshot flush on SIGTERM.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listenAddr  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to inkwell.yaml (overrides INKWELL_CONFIG)")
	pflag.StringVar(&listenAddr, "listen", "", "listen address (overrides the config file)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("inkwell-syncd", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen.Address = listenAddr
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, closeBridge, err := openBridge(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBridge()

	registry := session.NewRegistry(session.Config{
		Bridge:                    bridge,
		Logger:                    logger,
		IdleEviction:              cfg.Sync.IdleEvictionDuration(),
		PresenceTTL:               cfg.Sync.PresenceTTLDuration(),
		SnapshotInterval:          cfg.Storage.SnapshotIntervalDuration(),
		SnapshotEveryOps:          cfg.Storage.SnapshotEveryOps,
		SendBuffer:                cfg.Sync.SendBuffer,
		SingleConnectionPerClient: cfg.Sync.SingleConnectionPerClient,
	})

	listener, err := transport.NewTCPListener(cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Listen.Address, err)
	}

	logger.Info("inkwell-syncd running",
		"address", listener.Address(),
		"version", version.Info(),
		"persistence", cfg.Storage.Path != "",
	)

	serveErr := listener.Serve(ctx, func(ctx context.Context, conn net.Conn) {
		serveConn(ctx, conn, registry, logger)
	})

	// All handlers have returned; flush every resident document.
	logger.Info("shutting down")
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Close(flushCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	return serveErr
}

// serveConn runs one client connection: hello, join, then the sync
// conversation.
func serveConn(ctx context.Context, conn net.Conn, registry *session.Registry, logger *slog.Logger) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		logger.Warn("connection failed before hello", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if frame.Type != wire.FrameHello {
		logger.Warn("connection opened with wrong frame", "remote", conn.RemoteAddr(), "type", frame.Type)
		return
	}
	hello, err := wire.DecodeHello(frame)
	if err != nil {
		logger.Warn("undecodable hello", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	handle, err := registry.Join(ctx, session.JoinRequest{
		DocumentName: hello.DocumentName,
		ClientID:     hello.ClientID,
		UserID:       hello.UserID,
		Presence: awareness.State{
			DisplayName: hello.DisplayName,
			Color:       hello.Color,
		},
	})
	if err != nil {
		logger.Warn("join rejected", "remote", conn.RemoteAddr(), "doc", hello.DocumentName, "error", err)
		return
	}

	if err := protocol.Run(ctx, conn, handle, logger); err != nil {
		logger.Warn("connection ended abnormally", "remote", conn.RemoteAddr(), "error", err)
	}
}

// openBridge builds the persistence stack from the storage config. An
// empty path disables persistence.
func openBridge(cfg *config.Config, logger *slog.Logger) (persist.Bridge, func(), error) {
	if cfg.Storage.Path == "" {
		logger.Warn("persistence disabled, documents are memory-only")
		return nil, func() {}, nil
	}
	store, err := persist.OpenSQLiteStore(persist.SQLiteStoreConfig{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	retrying := persist.NewRetryingBridge(store, persist.RetryConfig{
		InitialBackoff: cfg.Storage.RetryInitialBackoffDuration(),
		MaxBackoff:     cfg.Storage.RetryMaxBackoffDuration(),
		Logger:         logger,
	})
	closeAll := func() {
		retrying.Close()
		if err := store.Close(); err != nil {
			logger.Error("closing snapshot store", "error", err)
		}
	}
	return retrying, closeAll, nil
}

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
