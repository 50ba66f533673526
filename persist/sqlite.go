// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/inkwell-foundation/inkwell/lib/clock"
	"github.com/inkwell-foundation/inkwell/lib/sqlitepool"
)

// snapshotSchema is created on every pool connection. One row per
// document; a save replaces the row. The digest column stores the
// blake3 of the uncompressed snapshot for integrity verification on
// load and redundant-save detection.
const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	doc_name   TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	raw_size   INTEGER NOT NULL,
	digest     BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// zstdEncoder and zstdDecoder are shared across stores; both are safe
// for concurrent use via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("persist: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("persist: zstd decoder initialization failed: " + err.Error())
	}
}

// SQLiteStoreConfig holds parameters for opening a SQLiteStore.
type SQLiteStoreConfig struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock provides timestamps for the updated_at column. Defaults
	// to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// SQLiteStore is a Bridge backed by a local SQLite database.
// Snapshots are zstd-compressed on the way in and digest-verified on
// the way out. Saves whose digest matches the stored row are skipped.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	clk    clock.Clock
	logger *slog.Logger
}

// OpenSQLiteStore opens (creating if necessary) the snapshot store.
func OpenSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, snapshotSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persist: opening snapshot store: %w", err)
	}
	return &SQLiteStore{pool: pool, clk: clk, logger: logger}, nil
}

// LoadSnapshot implements Bridge.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, docName string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var compressed []byte
	var rawSize int64
	var storedDigest []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT payload, raw_size, digest FROM snapshots WHERE doc_name = ?", &sqlitex.ExecOptions{
		Args: []any{docName},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			compressed = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, compressed)
			rawSize = stmt.ColumnInt64(1)
			storedDigest = make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, storedDigest)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persist: loading snapshot for %q: %w", docName, err)
	}
	if !found {
		return nil, ErrNotFound
	}

	data, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("persist: decompressing snapshot for %q: %w", docName, err)
	}
	if int64(len(data)) != rawSize {
		return nil, fmt.Errorf("persist: snapshot for %q decompressed to %d bytes, expected %d", docName, len(data), rawSize)
	}
	digest := blake3.Sum256(data)
	if string(digest[:]) != string(storedDigest) {
		return nil, fmt.Errorf("persist: snapshot for %q failed digest verification", docName)
	}
	return data, nil
}

// SaveSnapshot implements Bridge.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, docName string, data []byte) error {
	digest := blake3.Sum256(data)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	// Skip the write when the stored snapshot is already identical;
	// idle documents re-snapshot on eviction even when nothing
	// changed since the last periodic save.
	identical := false
	err = sqlitex.Execute(conn, "SELECT digest FROM snapshots WHERE doc_name = ?", &sqlitex.ExecOptions{
		Args: []any{docName},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, stored)
			identical = string(stored) == string(digest[:])
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("persist: checking snapshot digest for %q: %w", docName, err)
	}
	if identical {
		return nil
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	err = sqlitex.Execute(conn, `
		INSERT INTO snapshots (doc_name, payload, raw_size, digest, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (doc_name) DO UPDATE SET
			payload = excluded.payload,
			raw_size = excluded.raw_size,
			digest = excluded.digest,
			updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{docName, compressed, int64(len(data)), digest[:], s.clk.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("persist: saving snapshot for %q: %w", docName, err)
	}
	s.logger.Debug("snapshot saved",
		"doc", docName,
		"raw_size", len(data),
		"compressed_size", len(compressed),
	)
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}
