// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides Tracklight's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode so readers never block the single writer, NORMAL
// synchronous for process-crash durability without fsync-per-commit
// overhead, a busy timeout to ride out write contention, and foreign
// keys enabled — the event store relies on SQLite to enforce the
// device/session references the projection creates.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use; each goroutine holds its own connection for the
// duration of its work.
//
// # Transactions
//
// [Pool.Tx] is the write path's single transaction boundary: it runs a
// function inside an IMMEDIATE transaction and retries the whole
// function a bounded number of times when SQLite reports BUSY or
// LOCKED. Many devices report events concurrently against one database
// file, so transient write contention is expected and absorbed here
// rather than scattered across individual queries.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/lib/tracklight/tracklight.db",
//	    PoolSize: 4,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.Tx(ctx, func(conn *sqlite.Conn) error {
//	    // insert event + upsert device + upsert session
//	    return nil
//	})
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. Services write SQL
// and use sqlitex.Execute; there is no query builder.
package sqlitepool
