// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracklight/tracklight/lib/schema/track"
)

// ListDevices returns all known devices ordered by most recent
// activity, each annotated with its count of non-ended sessions.
func (s *Store) ListDevices(ctx context.Context) (*track.DeviceList, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	list := &track.DeviceList{Devices: []track.Device{}}
	err = sqlitex.Execute(conn, `SELECT
			d.device_id, d.device_name, d.platform, d.first_seen, d.last_seen,
			(SELECT COUNT(*) FROM sessions s
				WHERE s.device_id = d.device_id AND s.status != 'ended')
		FROM devices d
		ORDER BY d.last_seen DESC`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			list.Devices = append(list.Devices, track.Device{
				DeviceID:       stmt.ColumnText(0),
				DeviceName:     stmt.ColumnText(1),
				Platform:       stmt.ColumnText(2),
				FirstSeen:      stmt.ColumnText(3),
				LastSeen:       stmt.ColumnText(4),
				ActiveSessions: stmt.ColumnInt64(5),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return list, nil
}

// sessionColumns is the SELECT list shared by the session queries; the
// device join supplies the display name and platform.
const sessionColumns = `
	s.session_id, s.device_id, s.started_at, s.last_event,
	s.status, s.cwd, s.title, d.device_name, d.platform
`

// ListDeviceSessions returns a device's sessions ordered by most
// recent event. With activeOnly set, ended sessions are excluded.
func (s *Store) ListDeviceSessions(ctx context.Context, deviceID string, activeOnly bool, limit int) (*track.SessionList, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions s
		JOIN devices d ON d.device_id = s.device_id
		WHERE s.device_id = ?`
	if activeOnly {
		query += ` AND s.status != 'ended'`
	}
	query += ` ORDER BY s.last_event DESC LIMIT ?`

	return s.querySessions(ctx, query, []any{deviceID, limit})
}

// ListSessions returns sessions across all devices ordered by most
// recent event. With activeOnly set, ended sessions are excluded.
func (s *Store) ListSessions(ctx context.Context, activeOnly bool, limit int) (*track.SessionList, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions s
		JOIN devices d ON d.device_id = s.device_id`
	if activeOnly {
		query += ` WHERE s.status != 'ended'`
	}
	query += ` ORDER BY s.last_event DESC LIMIT ?`

	return s.querySessions(ctx, query, []any{limit})
}

func (s *Store) querySessions(ctx context.Context, query string, args []any) (*track.SessionList, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	list := &track.SessionList{Sessions: []track.Session{}}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			list.Sessions = append(list.Sessions, track.Session{
				SessionID:  stmt.ColumnText(0),
				DeviceID:   stmt.ColumnText(1),
				StartedAt:  stmt.ColumnText(2),
				LastEvent:  stmt.ColumnText(3),
				Status:     track.SessionStatus(stmt.ColumnText(4)),
				Cwd:        columnNullText(stmt, 5),
				Title:      columnNullText(stmt, 6),
				DeviceName: columnNullText(stmt, 7),
				Platform:   columnNullText(stmt, 8),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return list, nil
}

// ListEvents returns a session's events newest first, paginated by row
// id. A before of zero starts from the newest event; otherwise only
// events with id strictly below before are returned. An unknown
// session yields an empty list.
func (s *Store) ListEvents(ctx context.Context, sessionID string, before int64, limit int) (*track.EventList, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT id, hook_event_name, timestamp, tool_name, notification_type, event_json
		FROM events WHERE session_id = ?`
	args := []any{sessionID}
	if before > 0 {
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	list := &track.EventList{Events: []track.Event{}}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			list.Events = append(list.Events, track.Event{
				ID:               stmt.ColumnInt64(0),
				HookEventName:    stmt.ColumnText(1),
				Timestamp:        stmt.ColumnText(2),
				ToolName:         columnNullText(stmt, 3),
				NotificationType: columnNullText(stmt, 4),
				Message:          messageFromJSON(stmt.ColumnText(5)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return list, nil
}

// ListUnacknowledgedNotifications returns pending notifications oldest
// first, so clients drain them in delivery order. A non-empty after is
// an exclusive created_at cursor: only notifications created strictly
// later are returned.
func (s *Store) ListUnacknowledgedNotifications(ctx context.Context, after string, limit int) (*track.NotificationList, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT
			id, event_id, session_id, device_id, title, body,
			notification_type, created_at
		FROM notifications
		WHERE acknowledged = 0`
	args := []any{}
	if after != "" {
		query += ` AND created_at > ?`
		args = append(args, after)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	list := &track.NotificationList{Notifications: []track.Notification{}}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			list.Notifications = append(list.Notifications, track.Notification{
				ID:               stmt.ColumnText(0),
				EventID:          stmt.ColumnInt64(1),
				SessionID:        stmt.ColumnText(2),
				DeviceID:         stmt.ColumnText(3),
				Title:            stmt.ColumnText(4),
				Body:             stmt.ColumnText(5),
				NotificationType: stmt.ColumnText(6),
				CreatedAt:        stmt.ColumnText(7),
				Acknowledged:     false,
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}
	return list, nil
}

// SessionTitle returns a session's stored title, or empty when the
// session is unknown or has no title yet.
func (s *Store) SessionTitle(ctx context.Context, sessionID string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var title string
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(title, '') FROM sessions WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				title = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: session title: %w", err)
	}
	return title, nil
}

// messageFromJSON pulls the optional message field back out of a
// stored event payload.
func messageFromJSON(eventJSON string) *string {
	var event track.EventData
	if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
		return nil
	}
	return event.Message
}

// columnNullText reads a nullable text column as *string.
func columnNullText(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	value := stmt.ColumnText(col)
	return &value
}
