// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tracklight/tracklight/lib/clock"
	"github.com/tracklight/tracklight/lib/schema/track"
)

var storeTestClockEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	return openTestStoreAt(t, filepath.Join(t.TempDir(), "track_test.db"))
}

func openTestStoreAt(t *testing.T, path string) (*Store, *clock.FakeClock) {
	t.Helper()

	fakeClock := clock.Fake(storeTestClockEpoch)
	store, err := OpenStore(StoreConfig{
		Path:     path,
		PoolSize: 4,
		Clock:    fakeClock,
		Logger:   testLogger(t),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return store, fakeClock
}

// testEnvelope builds a minimal valid envelope. Tests mutate the
// returned value for event-specific fields.
func testEnvelope(deviceID, sessionID, hookEvent, timestamp string) *track.EventEnvelope {
	return &track.EventEnvelope{
		Device: track.DeviceInfo{
			DeviceID:   deviceID,
			DeviceName: deviceID + "-name",
			Platform:   "mac",
		},
		Event: track.EventData{
			SessionID:     sessionID,
			HookEventName: hookEvent,
		},
		Timestamp: timestamp,
	}
}

func ingest(t *testing.T, store *Store, envelope *track.EventEnvelope) int64 {
	t.Helper()
	id, err := store.IngestEvent(context.Background(), envelope, deriveProjection(&envelope.Event))
	if err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}
	return id
}

func stringPtr(s string) *string { return &s }

// querySessionRow reads a session row directly for assertions the
// public listing API does not expose.
func querySessionRow(t *testing.T, store *Store, sessionID string) (status string, cwd, title *string) {
	t.Helper()
	conn, err := store.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer store.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT status, cwd, title FROM sessions WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				status = stmt.ColumnText(0)
				cwd = columnNullText(stmt, 1)
				title = columnNullText(stmt, 2)
				return nil
			},
		})
	if err != nil {
		t.Fatalf("query session: %v", err)
	}
	if !found {
		t.Fatalf("session %q not found", sessionID)
	}
	return status, cwd, title
}

func TestIngestCreatesDeviceSessionEvent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	envelope := testEnvelope("d1", "s1", track.EventSessionStart, "2026-01-01T00:00:00Z")
	envelope.Device.DeviceName = "mac1"
	envelope.Event.Cwd = stringPtr("/home/x")

	id := ingest(t, store, envelope)
	if id == 0 {
		t.Fatal("expected non-zero event id")
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices.Devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices.Devices))
	}
	device := devices.Devices[0]
	if device.DeviceID != "d1" || device.DeviceName != "mac1" {
		t.Errorf("device = %+v", device)
	}
	if device.FirstSeen != "2026-01-01T00:00:00Z" || device.LastSeen != "2026-01-01T00:00:00Z" {
		t.Errorf("first_seen=%q last_seen=%q, want client timestamp for both", device.FirstSeen, device.LastSeen)
	}
	if device.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", device.ActiveSessions)
	}

	status, cwd, title := querySessionRow(t, store, "s1")
	if status != string(track.StatusActive) {
		t.Errorf("status = %q, want active", status)
	}
	if cwd == nil || *cwd != "/home/x" {
		t.Errorf("cwd = %v, want /home/x", cwd)
	}
	if title != nil {
		t.Errorf("title = %q, want unset", *title)
	}
}

func TestIngestDuplicatePayloadAppendsEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	envelope := testEnvelope("d1", "s1", track.EventSessionStart, "2026-01-01T00:00:00Z")
	first := ingest(t, store, envelope)
	second := ingest(t, store, envelope)
	if first == second {
		t.Fatalf("duplicate ingest reused event id %d", first)
	}

	events, err := store.ListEvents(ctx, "s1", 0, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(events.Events))
	}

	sessions, err := store.ListSessions(ctx, false, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions.Sessions))
	}
}

func TestSessionStatusFollowsLatestEvent(t *testing.T) {
	store, _ := openTestStore(t)

	steps := []struct {
		hookEvent string
		mutate    func(*track.EventEnvelope)
		want      track.SessionStatus
	}{
		{track.EventSessionStart, nil, track.StatusActive},
		{track.EventStop, nil, track.StatusWaitingForInput},
		{track.EventUserPromptSubmit, nil, track.StatusActive},
		{track.EventPermissionRequest, nil, track.StatusWaitingPermission},
		{track.EventNotification, func(e *track.EventEnvelope) {
			e.Event.NotificationType = stringPtr(track.NotificationIdlePrompt)
		}, track.StatusIdle},
		// Unknown event kinds leave status alone.
		{"PreToolUse", nil, track.StatusIdle},
		{track.EventSessionEnd, nil, track.StatusEnded},
	}

	for i, step := range steps {
		envelope := testEnvelope("d1", "s1", step.hookEvent,
			fmt.Sprintf("2026-01-01T00:00:%02dZ", i))
		if step.mutate != nil {
			step.mutate(envelope)
		}
		ingest(t, store, envelope)

		status, _, _ := querySessionRow(t, store, "s1")
		if status != string(step.want) {
			t.Fatalf("after %s: status = %q, want %q", step.hookEvent, status, step.want)
		}
	}
}

func TestSessionTitleSetOnce(t *testing.T) {
	store, _ := openTestStore(t)

	// An empty prompt claims nothing.
	empty := testEnvelope("d1", "s1", track.EventUserPromptSubmit, "2026-01-01T00:00:00Z")
	empty.Event.Prompt = stringPtr("")
	ingest(t, store, empty)

	_, _, title := querySessionRow(t, store, "s1")
	if title != nil {
		t.Fatalf("title = %q after empty prompt, want unset", *title)
	}

	first := testEnvelope("d1", "s1", track.EventUserPromptSubmit, "2026-01-01T00:00:01Z")
	first.Event.Prompt = stringPtr("first")
	ingest(t, store, first)

	second := testEnvelope("d1", "s1", track.EventUserPromptSubmit, "2026-01-01T00:00:02Z")
	second.Event.Prompt = stringPtr("second")
	ingest(t, store, second)

	_, _, title = querySessionRow(t, store, "s1")
	if title == nil || *title != "first" {
		t.Errorf("title = %v, want first", title)
	}
}

func TestSessionCwdSetOnce(t *testing.T) {
	store, _ := openTestStore(t)

	bare := testEnvelope("d1", "s1", track.EventSessionStart, "2026-01-01T00:00:00Z")
	ingest(t, store, bare)

	withCwd := testEnvelope("d1", "s1", track.EventUserPromptSubmit, "2026-01-01T00:00:01Z")
	withCwd.Event.Cwd = stringPtr("/home/x")
	ingest(t, store, withCwd)

	other := testEnvelope("d1", "s1", track.EventUserPromptSubmit, "2026-01-01T00:00:02Z")
	other.Event.Cwd = stringPtr("/home/y")
	ingest(t, store, other)

	_, cwd, _ := querySessionRow(t, store, "s1")
	if cwd == nil || *cwd != "/home/x" {
		t.Errorf("cwd = %v, want first captured /home/x", cwd)
	}
}

func TestIngestUpdatesLastEventAndLastSeen(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ingest(t, store, testEnvelope("d1", "s1", track.EventSessionStart, "2026-01-01T00:00:00Z"))
	ingest(t, store, testEnvelope("d1", "s1", track.EventUserPromptSubmit, "2026-01-01T00:05:00Z"))

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if got := devices.Devices[0].LastSeen; got != "2026-01-01T00:05:00Z" {
		t.Errorf("last_seen = %q, want 2026-01-01T00:05:00Z", got)
	}
	if got := devices.Devices[0].FirstSeen; got != "2026-01-01T00:00:00Z" {
		t.Errorf("first_seen = %q, want unchanged", got)
	}

	sessions, err := store.ListSessions(ctx, false, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	session := sessions.Sessions[0]
	if session.StartedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("started_at = %q, want unchanged", session.StartedAt)
	}
	if session.LastEvent != "2026-01-01T00:05:00Z" {
		t.Errorf("last_event = %q, want 2026-01-01T00:05:00Z", session.LastEvent)
	}
}

func TestConcurrentIngest(t *testing.T) {
	// Real clock: a busy retry inside Pool.Tx sleeps on the store's
	// clock, and nothing advances a fake one mid-test.
	store, err := OpenStore(StoreConfig{
		Path:     filepath.Join(t.TempDir(), "track_test.db"),
		PoolSize: 4,
		Clock:    clock.Real(),
		Logger:   testLogger(t),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	const writers = 10
	const eventsPerWriter = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*eventsPerWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("s%d", w)
			for i := 0; i < eventsPerWriter; i++ {
				envelope := testEnvelope("d1", sessionID, track.EventUserPromptSubmit,
					fmt.Sprintf("2026-01-01T00:00:%02dZ", i))
				_, err := store.IngestEvent(ctx, envelope, deriveProjection(&envelope.Event))
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent ingest: %v", err)
	}

	sessions, err := store.ListSessions(ctx, false, 100)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions.Sessions) != writers {
		t.Errorf("got %d sessions, want %d", len(sessions.Sessions), writers)
	}

	total := 0
	for w := 0; w < writers; w++ {
		events, err := store.ListEvents(ctx, fmt.Sprintf("s%d", w), 0, 100)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		total += len(events.Events)
	}
	if total != writers*eventsPerWriter {
		t.Errorf("got %d events, want %d", total, writers*eventsPerWriter)
	}
}

func TestVersionCountersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track_test.db")

	store, _ := openTestStoreAt(t, path)
	ingest(t, store, testEnvelope("d1", "s1", track.EventSessionStart, "2026-01-01T00:00:00Z"))
	ingest(t, store, testEnvelope("d1", "s1", track.EventStop, "2026-01-01T00:00:01Z"))
	wantData := store.DataVersion()
	if wantData == 0 {
		t.Fatal("data version did not advance")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(StoreConfig{
		Path:   path,
		Clock:  clock.Fake(storeTestClockEpoch),
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("OpenStore (reopen): %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	if got := reopened.DataVersion(); got != wantData {
		t.Errorf("reopened data version = %d, want %d", got, wantData)
	}
}

func TestPersistedVersionNeverRegresses(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	conn, err := store.pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer store.pool.Put(conn)

	// Reserved counter values can commit out of order under concurrent
	// ingestion; the later (smaller) write must not win.
	if err := persistVersion(conn, metadataDataVersion, 6); err != nil {
		t.Fatalf("persistVersion(6): %v", err)
	}
	if err := persistVersion(conn, metadataDataVersion, 5); err != nil {
		t.Fatalf("persistVersion(5): %v", err)
	}

	value, err := getMetadata(conn, metadataDataVersion)
	if err != nil {
		t.Fatalf("getMetadata: %v", err)
	}
	if value != "6" {
		t.Errorf("persisted data version = %q, want %q", value, "6")
	}
}

func TestRegisterPushTokenUpserts(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	request := &track.PushRegisterRequest{
		DeviceID: "d1",
		Platform: "ios",
		Token:    "token-a",
	}
	if err := store.RegisterPushToken(ctx, request); err != nil {
		t.Fatalf("RegisterPushToken: %v", err)
	}

	fakeClock.Advance(time.Minute)
	request.Token = "token-b"
	if err := store.RegisterPushToken(ctx, request); err != nil {
		t.Fatalf("RegisterPushToken (update): %v", err)
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer store.pool.Put(conn)

	var rows int
	var token, createdAt, updatedAt string
	err = sqlitex.Execute(conn,
		"SELECT token, created_at, updated_at FROM push_tokens WHERE device_id = 'd1'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows++
				token = stmt.ColumnText(0)
				createdAt = stmt.ColumnText(1)
				updatedAt = stmt.ColumnText(2)
				return nil
			},
		})
	if err != nil {
		t.Fatalf("query push_tokens: %v", err)
	}
	if rows != 1 {
		t.Fatalf("got %d push token rows, want 1", rows)
	}
	if token != "token-b" {
		t.Errorf("token = %q, want token-b", token)
	}
	if createdAt == updatedAt {
		t.Error("updated_at should advance past created_at on re-registration")
	}
}

func TestAcknowledgeUnknownIDsIsNoOp(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.AcknowledgeNotifications(context.Background(), []string{"no-such-id"}); err != nil {
		t.Fatalf("AcknowledgeNotifications: %v", err)
	}
}
