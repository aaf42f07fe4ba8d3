// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracklight/tracklight/lib/clock"
	"github.com/tracklight/tracklight/lib/schema/track"
	"github.com/tracklight/tracklight/lib/sqlitepool"
)

// Store owns all SQLite access for the server: the append-only event
// log, the device/session projection, push tokens, derived
// notifications, and the metadata version counters.
//
// Write path: IngestEvent commits the event insert plus the device and
// session upserts in one IMMEDIATE transaction, so a crash can never
// record an event without its projection update or vice versa. The
// transaction is retried on transient BUSY errors by the pool's Tx
// helper.
//
// Read path: query methods borrow a connection, run one statement, and
// return plain response records. Reads never block the writer thanks
// to WAL mode.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// Version counters mirrored from the metadata table. Bumped on
	// every successful write of the corresponding kind; read lock-free
	// by the ping handler.
	dataVersion         atomic.Uint64
	notificationVersion atomic.Uint64
}

// StoreConfig holds the parameters for opening the store.
type StoreConfig struct {
	// Path is the SQLite database file path. Required.
	Path string

	// PoolSize is the connection pool size. Zero selects the pool
	// default.
	PoolSize int

	// Clock stamps received_at and drives retention cutoffs. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// schema is created idempotently on every connection; re-running it
// against an initialized database is a no-op.
const schema = `
	CREATE TABLE IF NOT EXISTS devices (
		device_id   TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		platform    TEXT NOT NULL,
		first_seen  TEXT NOT NULL,
		last_seen   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id  TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL REFERENCES devices(device_id),
		started_at  TEXT NOT NULL,
		last_event  TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'active',
		cwd         TEXT,
		title       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_device_id ON sessions(device_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS events (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id         TEXT NOT NULL REFERENCES devices(device_id),
		session_id        TEXT NOT NULL REFERENCES sessions(session_id),
		hook_event_name   TEXT NOT NULL,
		timestamp         TEXT NOT NULL,
		received_at       TEXT NOT NULL,
		tool_name         TEXT,
		notification_type TEXT,
		event_json        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_device_id ON events(device_id);
	CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at);

	CREATE TABLE IF NOT EXISTS push_tokens (
		device_id  TEXT NOT NULL,
		platform   TEXT NOT NULL,
		sandbox    INTEGER NOT NULL DEFAULT 0,
		token      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (device_id, platform, sandbox)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id                TEXT PRIMARY KEY,
		event_id          INTEGER NOT NULL,
		session_id        TEXT NOT NULL REFERENCES sessions(session_id),
		device_id         TEXT NOT NULL,
		title             TEXT NOT NULL,
		body              TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		acknowledged      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_session_id ON notifications(session_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at);

	CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// Metadata keys for the change-polling version counters.
const (
	metadataDataVersion         = "data_version"
	metadataNotificationVersion = "notification_version"
)

// OpenStore opens (and creates if needed) the database, applies the
// schema, and loads the persisted version counters. Must complete
// before the HTTP listener starts accepting ingestion traffic.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	store := &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}

	if err := store.loadVersions(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: loading version counters: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// DataVersion returns the current data version counter.
func (s *Store) DataVersion() uint64 { return s.dataVersion.Load() }

// NotificationVersion returns the current notification version counter.
func (s *Store) NotificationVersion() uint64 { return s.notificationVersion.Load() }

// IngestEvent applies one event: device upsert, session upsert with
// the projected fields, event insert, and data-version bump, all in a
// single retried transaction. Returns the new event's row id.
//
// The envelope's client timestamp becomes the device's last_seen and
// the session's last_event (and started_at/first_seen on creation);
// the server clock stamps received_at on the event row only.
func (s *Store) IngestEvent(ctx context.Context, envelope *track.EventEnvelope, projected projectedSession) (int64, error) {
	// Persist the payload as received when it came off the wire; the
	// typed re-encoding is the fallback for programmatic callers.
	eventJSON := []byte(envelope.Event.Raw)
	if len(eventJSON) == 0 {
		var err error
		eventJSON, err = json.Marshal(envelope.Event)
		if err != nil {
			return 0, fmt.Errorf("store: marshal event payload: %w", err)
		}
	}

	receivedAt := rfc3339Millis(s.clock.Now())
	version := s.dataVersion.Add(1)

	var eventID int64
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		if err := upsertDevice(conn, &envelope.Device, envelope.Timestamp); err != nil {
			return err
		}
		if err := upsertSession(conn, envelope, projected); err != nil {
			return err
		}

		err := sqlitex.Execute(conn, `INSERT INTO events
			(device_id, session_id, hook_event_name, timestamp, received_at,
			 tool_name, notification_type, event_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				envelope.Device.DeviceID,
				envelope.Event.SessionID,
				envelope.Event.HookEventName,
				envelope.Timestamp,
				receivedAt,
				nullable(envelope.Event.ToolName),
				nullable(envelope.Event.NotificationType),
				string(eventJSON),
			},
		})
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		eventID = conn.LastInsertRowID()

		return persistVersion(conn, metadataDataVersion, version)
	})
	if err != nil {
		return 0, fmt.Errorf("store: ingest event: %w", err)
	}
	return eventID, nil
}

// upsertDevice creates the device on first sight and refreshes its
// mutable fields afterwards. first_seen is written once and never
// updated.
func upsertDevice(conn *sqlite.Conn, device *track.DeviceInfo, timestamp string) error {
	err := sqlitex.Execute(conn, `INSERT INTO devices
		(device_id, device_name, platform, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			platform = excluded.platform,
			last_seen = excluded.last_seen`, &sqlitex.ExecOptions{
		Args: []any{
			device.DeviceID,
			device.DeviceName,
			device.Platform,
			timestamp,
			timestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// upsertSession creates or updates the session row for an event. The
// COALESCE forms make title and cwd write-once at the SQL level, so
// two concurrent writers cannot overwrite an already-captured value
// regardless of commit order. The derived status, when present, is
// applied unconditionally afterwards — status tracks the most recent
// relevant event, not the first.
func upsertSession(conn *sqlite.Conn, envelope *track.EventEnvelope, projected projectedSession) error {
	initialStatus := track.StatusActive
	if projected.status != nil {
		initialStatus = *projected.status
	}

	err := sqlitex.Execute(conn, `INSERT INTO sessions
		(session_id, device_id, started_at, last_event, status, cwd, title)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_event = excluded.last_event,
			cwd = COALESCE(sessions.cwd, excluded.cwd),
			title = COALESCE(sessions.title, excluded.title)`, &sqlitex.ExecOptions{
		Args: []any{
			envelope.Event.SessionID,
			envelope.Device.DeviceID,
			envelope.Timestamp,
			envelope.Timestamp,
			string(initialStatus),
			nullable(envelope.Event.Cwd),
			nullable(projected.title),
		},
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if projected.status != nil {
		err := sqlitex.Execute(conn,
			"UPDATE sessions SET status = ? WHERE session_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{string(*projected.status), envelope.Event.SessionID},
			})
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
	}
	return nil
}

// RegisterPushToken upserts a push token keyed by
// (device_id, platform, sandbox). created_at survives re-registration.
func (s *Store) RegisterPushToken(ctx context.Context, request *track.PushRegisterRequest) error {
	now := rfc3339Millis(s.clock.Now())

	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO push_tokens
			(device_id, platform, sandbox, token, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, platform, sandbox) DO UPDATE SET
				token = excluded.token,
				updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
			Args: []any{
				request.DeviceID,
				request.Platform,
				boolToInt(request.Sandbox),
				request.Token,
				now,
				now,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("store: register push token: %w", err)
	}
	return nil
}

// InsertNotification records a derived notification and bumps the
// notification version counter in the same transaction.
func (s *Store) InsertNotification(ctx context.Context, notification *track.Notification) error {
	version := s.notificationVersion.Add(1)

	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO notifications
			(id, event_id, session_id, device_id, title, body,
			 notification_type, created_at, acknowledged)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`, &sqlitex.ExecOptions{
			Args: []any{
				notification.ID,
				notification.EventID,
				notification.SessionID,
				notification.DeviceID,
				notification.Title,
				notification.Body,
				notification.NotificationType,
				notification.CreatedAt,
			},
		})
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		return persistVersion(conn, metadataNotificationVersion, version)
	})
	if err != nil {
		return fmt.Errorf("store: insert notification: %w", err)
	}
	return nil
}

// AcknowledgeNotifications marks the given notification ids as
// acknowledged. Unknown ids are ignored.
func (s *Store) AcknowledgeNotifications(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn,
				"UPDATE notifications SET acknowledged = 1 WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{id}})
			if err != nil {
				return fmt.Errorf("acknowledge notification %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: acknowledge notifications: %w", err)
	}
	return nil
}

// loadVersions restores the version counters persisted by previous
// runs.
func (s *Store) loadVersions(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	load := func(key string, counter *atomic.Uint64) error {
		value, err := getMetadata(conn, key)
		if err != nil {
			return err
		}
		if value == "" {
			return nil
		}
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring unparseable version counter",
				"key", key,
				"value", value,
			)
			return nil
		}
		counter.Store(parsed)
		return nil
	}

	if err := load(metadataDataVersion, &s.dataVersion); err != nil {
		return err
	}
	return load(metadataNotificationVersion, &s.notificationVersion)
}

func getMetadata(conn *sqlite.Conn, key string) (string, error) {
	var value string
	err := sqlitex.Execute(conn,
		"SELECT value FROM metadata WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// persistVersion records a counter value reserved before the
// transaction began. Concurrent transactions can commit out of
// reservation order, so the upsert keeps the maximum: the persisted
// counter never regresses below a value a poller may have seen.
func persistVersion(conn *sqlite.Conn, key string, version uint64) error {
	value := strconv.FormatUint(version, 10)
	err := sqlitex.Execute(conn, `INSERT INTO metadata (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CAST(MAX(CAST(value AS INTEGER), CAST(excluded.value AS INTEGER)) AS TEXT)`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// rfc3339Millis formats a time as UTC RFC 3339 with millisecond
// precision, the canonical timestamp form throughout the store.
func rfc3339Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// nullable converts an optional string to a SQL argument: nil maps to
// NULL rather than the empty string.
func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
