// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracklight/tracklight/lib/clock"
)

// sweepInterval is how often the background sweeper runs.
const sweepInterval = time.Hour

// notificationRetention bounds how long notifications are kept,
// acknowledged or not. Short by design: a notification nobody fetched
// within a day is stale.
const notificationRetention = 24 * time.Hour

// RetentionPolicy sets how long each record kind is kept.
type RetentionPolicy struct {
	Events   time.Duration
	Sessions time.Duration
	Devices  time.Duration
}

// SweepStats reports rows removed by one sweep.
type SweepStats struct {
	Events        int
	Notifications int
	Sessions      int
	Devices       int
}

// Sweep removes expired rows in one transaction. Deletion order
// respects the foreign keys: events and notifications first, then
// sessions that no longer have either, then devices that no longer
// have sessions or events. A session or device inside its retention
// window is never deleted even if its children were.
func (s *Store) Sweep(ctx context.Context, policy RetentionPolicy) (SweepStats, error) {
	now := s.clock.Now()
	eventCutoff := rfc3339Millis(now.Add(-policy.Events))
	notificationCutoff := rfc3339Millis(now.Add(-notificationRetention))
	sessionCutoff := rfc3339Millis(now.Add(-policy.Sessions))
	deviceCutoff := rfc3339Millis(now.Add(-policy.Devices))

	var stats SweepStats
	err := s.pool.Tx(ctx, func(conn *sqlite.Conn) error {
		steps := []struct {
			count *int
			query string
			args  []any
		}{
			{&stats.Events,
				"DELETE FROM events WHERE received_at < ?",
				[]any{eventCutoff}},
			{&stats.Notifications,
				"DELETE FROM notifications WHERE created_at < ?",
				[]any{notificationCutoff}},
			{&stats.Sessions,
				`DELETE FROM sessions WHERE last_event < ?
					AND session_id NOT IN (SELECT session_id FROM events)
					AND session_id NOT IN (SELECT session_id FROM notifications)`,
				[]any{sessionCutoff}},
			{&stats.Devices,
				`DELETE FROM devices WHERE last_seen < ?
					AND device_id NOT IN (SELECT device_id FROM sessions)
					AND device_id NOT IN (SELECT device_id FROM events)`,
				[]any{deviceCutoff}},
			{new(int),
				"DELETE FROM push_tokens WHERE device_id NOT IN (SELECT device_id FROM devices)",
				nil},
		}
		for _, step := range steps {
			err := sqlitex.Execute(conn, step.query, &sqlitex.ExecOptions{Args: step.args})
			if err != nil {
				return err
			}
			*step.count = conn.Changes()
		}
		return nil
	})
	if err != nil {
		return SweepStats{}, fmt.Errorf("store: sweep: %w", err)
	}
	return stats, nil
}

// Sweeper runs Store.Sweep on a fixed interval until its context is
// canceled.
type Sweeper struct {
	store  *Store
	clock  clock.Clock
	logger *slog.Logger
	policy RetentionPolicy
}

// NewSweeper returns a sweeper for the given store and policy.
func NewSweeper(store *Store, clk clock.Clock, logger *slog.Logger, policy RetentionPolicy) *Sweeper {
	return &Sweeper{
		store:  store,
		clock:  clk,
		logger: logger,
		policy: policy,
	}
}

// Run sweeps once per interval. A failed sweep is logged and retried
// at the next tick; Run returns only when ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.store.Sweep(ctx, s.policy)
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if stats != (SweepStats{}) {
				s.logger.Info("retention sweep",
					"events", stats.Events,
					"notifications", stats.Notifications,
					"sessions", stats.Sessions,
					"devices", stats.Devices,
				)
			}
		}
	}
}
