// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitebox implements [remote.Backend] on a local SQLite file.
//
// It serves as an offline mirror: a box can be pointed at a file on a
// removable drive or a network mount and later re-synced elsewhere.
// Several boxes may share one database; rows are keyed by box name.
package sqlitebox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	box  TEXT NOT NULL,
	id   TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (box, id)
) WITHOUT ROWID;
`

// Config holds the parameters for a SQLite-backed box.
type Config struct {
	// Path is the database file. Created if missing.
	Path string

	// Box namespaces this box's rows. Required.
	Box string

	// PoolSize is passed through to sqlitepool.
	PoolSize int

	// Logger receives pool and debug messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Backend is a SQLite-backed blob store.
type Backend struct {
	pool   *sqlitepool.Pool
	box    string
	logger *slog.Logger
}

var _ remote.Backend = (*Backend)(nil)

// Open opens or creates the database. The caller must Close the
// Backend.
func Open(config Config) (*Backend, error) {
	if config.Box == "" {
		return nil, fmt.Errorf("sqlitebox: Box is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Durable:  true,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitebox: %w", err)
	}
	return &Backend{pool: pool, box: config.Box, logger: logger}, nil
}

// Close closes the underlying pool.
func (b *Backend) Close() error {
	return b.pool.Close()
}

func (b *Backend) Put(ctx context.Context, blob []byte) (string, error) {
	id := uuid.NewString()
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO blobs (box, id, data) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
			Args: []any{b.box, id, blob},
		})
	})
	if err != nil {
		return "", classify("put", "", err)
	}
	return id, nil
}

func (b *Backend) Get(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	found := false
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT data FROM blobs WHERE box = ? AND id = ?", &sqlitex.ExecOptions{
			Args: []any{b.box, id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	})
	if err != nil {
		return nil, classify("get", id, err)
	}
	if !found {
		return nil, remote.NotFound("get", id)
	}
	return blob, nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT id FROM blobs WHERE box = ? ORDER BY id", &sqlitex.ExecOptions{
			Args: []any{b.box},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, classify("list", "", err)
	}
	return ids, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	changed := 0
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM blobs WHERE box = ? AND id = ?", &sqlitex.ExecOptions{
			Args: []any{b.box, id},
		}); err != nil {
			return err
		}
		changed = conn.Changes()
		return nil
	})
	if err != nil {
		return classify("delete", id, err)
	}
	if changed == 0 {
		return remote.NotFound("delete", id)
	}
	b.logger.Debug("blob deleted", "box", b.box, "id", id)
	return nil
}

func (b *Backend) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)
	return fn(conn)
}

// classify treats lock contention as transient and every other SQLite
// failure (disk full, I/O error, corruption) as permanent.
func classify(op, id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return remote.Classify(op, id, err)
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return remote.Transient(op, id, err)
	default:
		return remote.Permanent(op, id, err)
	}
}
