// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with a fixed set
// of pragmas, built on zombiezen.com/go/sqlite.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back. Connections are not safe for concurrent use.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=NORMAL, or FULL with [Config.Durable]. The sqlitebox
//     remote backend stores the only copy of a blob and opens its pool
//     durable.
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY.
//   - foreign_keys=OFF, cache_size=-8192, temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:    filepath.Join(dir, "mirror.db"),
//	    Durable: true,
//	    Schema:  schema,
//	    Logger:  logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
// The package does not wrap SQL: callers use sqlitex.Execute and
// sqlitex.ImmediateTransaction directly.
package sqlitepool
