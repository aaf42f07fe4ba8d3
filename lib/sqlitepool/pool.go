// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracklight/tracklight/lib/clock"
)

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; all other fields have sensible defaults.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. The file is created if it does not
	// exist. Use ":memory:" for an in-memory database (useful in
	// tests, but the pool size must be 1 since each in-memory
	// connection is independent).
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4). SQLite
	// serializes writes regardless of pool size; extra connections
	// help concurrent reads.
	PoolSize int

	// Logger receives operational messages (pool open/close, retry
	// warnings). If nil, a no-op logger is used.
	Logger *slog.Logger

	// Clock drives the backoff between transaction retries. Defaults
	// to the real clock.
	Clock clock.Clock

	// OnConnect is called once per connection after standard pragmas
	// are applied. Use this for schema creation or additional pragmas.
	// If OnConnect returns an error, the connection is discarded and
	// the error is returned to the caller of Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections with Tracklight's
// standard pragmas. It wraps sqlitex.Pool and exposes the same
// Take/Put API plus a retrying transaction helper.
//
// Pool is safe for concurrent use. Individual connections are not —
// each goroutine must Take its own connection and Put it back when
// done.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	clock  clock.Clock
	path   string

	closeOnce sync.Once
	closeErr  error
}

// Transaction retry policy. The per-connection busy_timeout already
// absorbs most contention; the retry loop is the backstop for BUSY
// errors surfaced at commit under heavy concurrent ingestion.
const (
	txMaxAttempts     = 5
	txInitialBackoff  = 10 * time.Millisecond
	txBackoffMultiple = 2
)

// Open creates a new connection pool and applies standard pragmas to
// every connection. The database file is created if it does not
// exist. Connections are initialized lazily on first Take. The caller
// must Close the pool when no longer needed.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

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
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
	)

	return &Pool{
		inner:  inner,
		logger: logger,
		clock:  clk,
		path:   cfg.Path,
	}, nil
}

// Take borrows a connection from the pool. Blocks until a connection
// is available or ctx is cancelled. The caller MUST call Put when
// done, typically via defer.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil (no-op).
// After Put, the caller must not use the connection.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes all connections in the pool. Blocks until all borrowed
// connections are returned. After Close, Take returns an error. Close
// is idempotent; repeat calls return the first call's result.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		if err := p.inner.Close(); err != nil {
			p.logger.Error("sqlite pool close error",
				"path", p.path,
				"error", err,
			)
			p.closeErr = fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
			return
		}
		p.logger.Info("sqlite pool closed", "path", p.path)
	})
	return p.closeErr
}

// Tx runs fn inside an IMMEDIATE transaction on a pooled connection.
// If the transaction fails with SQLITE_BUSY or SQLITE_LOCKED, the
// whole function is retried with exponential backoff, up to a fixed
// attempt budget. fn must therefore be safe to re-run from the top:
// all Tracklight write paths are (upserts and inserts derived from the
// request, no external side effects).
//
// Any other error aborts immediately and rolls the transaction back.
// On success the transaction commits; fn's writes are atomic either
// way — a failed attempt leaves no partial state.
func (p *Pool) Tx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	backoff := txInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		lastErr = runImmediate(conn, fn)
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("sqlitepool: tx cancelled: %w", ctx.Err())
		}
		if attempt < txMaxAttempts {
			p.logger.Warn("sqlite transaction busy, retrying",
				"attempt", attempt,
				"backoff", backoff,
			)
			p.clock.Sleep(backoff)
			backoff *= txBackoffMultiple
		}
	}

	return fmt.Errorf("sqlitepool: tx failed after %d attempts: %w", txMaxAttempts, lastErr)
}

// runImmediate executes fn inside one IMMEDIATE transaction attempt.
func runImmediate(conn *sqlite.Conn, fn func(conn *sqlite.Conn) error) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)
	return fn(conn)
}

// isBusy reports whether err is a transient SQLite contention error
// worth retrying.
func isBusy(err error) bool {
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

// prepareConnection applies standard pragmas and then calls the
// optional OnConnect callback. Runs once per connection, on first use.
func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}

	return nil
}
