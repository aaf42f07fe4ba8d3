// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracklight/tracklight/lib/clock"
	"github.com/tracklight/tracklight/lib/schema/track"
)

// notificationCooldown suppresses repeat notifications of the same
// type for the same session inside this window. Permission prompts are
// exempt: a blocked agent must always surface.
const notificationCooldown = 30 * time.Second

// Notifier turns ingested events into stored notifications. Derivation
// happens after the event transaction commits, so a notification never
// references an event that failed to persist.
type Notifier struct {
	store  *Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	lastSent map[cooldownKey]time.Time
}

type cooldownKey struct {
	sessionID        string
	notificationType string
}

// NewNotifier returns a Notifier writing through the given store.
func NewNotifier(store *Store, clk clock.Clock, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:    store,
		clock:    clk,
		logger:   logger,
		lastSent: make(map[cooldownKey]time.Time),
	}
}

// HandleEvent derives and stores the notification for one committed
// event, if any. Derivation failures are logged, not returned: a bad
// notification must not fail the ingest that produced it.
func (n *Notifier) HandleEvent(ctx context.Context, eventID int64, envelope *track.EventEnvelope) {
	content, ok := deriveNotification(&envelope.Event)
	if !ok {
		return
	}

	sessionID := envelope.Event.SessionID
	if !n.admit(sessionID, content.notificationType) {
		return
	}

	title, err := n.store.SessionTitle(ctx, sessionID)
	if err != nil {
		n.logger.Error("loading session title for notification",
			"session_id", sessionID,
			"error", err,
		)
		title = ""
	}
	if title == "" {
		title = content.fallbackTitle
	}

	notification := &track.Notification{
		ID:               uuid.NewString(),
		EventID:          eventID,
		SessionID:        sessionID,
		DeviceID:         envelope.Device.DeviceID,
		Title:            title,
		Body:             content.body,
		NotificationType: content.notificationType,
		CreatedAt:        rfc3339Millis(n.clock.Now()),
	}
	if err := n.store.InsertNotification(ctx, notification); err != nil {
		n.logger.Error("storing notification",
			"session_id", sessionID,
			"notification_type", content.notificationType,
			"error", err,
		)
	}
}

// admit applies the per-(session, type) cooldown and records the send
// time for admitted notifications.
func (n *Notifier) admit(sessionID, notificationType string) bool {
	if notificationType == track.NotificationPermissionPrompt {
		return true
	}

	now := n.clock.Now()
	key := cooldownKey{sessionID: sessionID, notificationType: notificationType}

	n.mu.Lock()
	defer n.mu.Unlock()

	if last, ok := n.lastSent[key]; ok && now.Sub(last) < notificationCooldown {
		return false
	}
	n.lastSent[key] = now
	n.pruneLocked(now)
	return true
}

// pruneLocked drops expired cooldown entries once the map grows past a
// threshold, keeping memory bounded on long-running servers.
func (n *Notifier) pruneLocked(now time.Time) {
	if len(n.lastSent) < 1024 {
		return
	}
	for key, last := range n.lastSent {
		if now.Sub(last) >= notificationCooldown {
			delete(n.lastSent, key)
		}
	}
}

// notificationContent is the derived push content for one event. The
// fallback title applies when the session has no captured title yet.
type notificationContent struct {
	notificationType string
	fallbackTitle    string
	body             string
}

// deriveNotification decides whether an event warrants a notification
// and composes its content. Returns false for events that do not
// notify.
func deriveNotification(event *track.EventData) (notificationContent, bool) {
	switch event.HookEventName {
	case track.EventPermissionRequest:
		return permissionContent(event), true
	case track.EventStop:
		return notificationContent{
			notificationType: track.NotificationStop,
			fallbackTitle:    "Session Stopped",
			body:             "Session stopped: " + messageOr(event, "No reason given"),
		}, true
	case track.EventNotification:
		if event.NotificationType == nil {
			return notificationContent{}, false
		}
		switch *event.NotificationType {
		case track.NotificationPermissionPrompt:
			return permissionContent(event), true
		case track.NotificationIdlePrompt:
			return notificationContent{
				notificationType: track.NotificationIdlePrompt,
				fallbackTitle:    "Session Idle",
				body:             "Session idle: " + messageOr(event, "Waiting for input"),
			}, true
		}
		return notificationContent{}, false
	default:
		return notificationContent{}, false
	}
}

// permissionContent names the blocked tool in the body when the event
// carries one.
func permissionContent(event *track.EventData) notificationContent {
	content := notificationContent{
		notificationType: track.NotificationPermissionPrompt,
		fallbackTitle:    "Permission Required",
	}

	var tool, message string
	if event.ToolName != nil {
		tool = *event.ToolName
	}
	if event.Message != nil {
		message = *event.Message
	}
	switch {
	case tool != "" && message != "":
		content.body = fmt.Sprintf("Permission required: %s — %s", tool, message)
	case tool != "":
		content.body = "Permission required: " + tool
	case message != "":
		content.body = "Permission required: " + message
	default:
		content.body = "A session needs permission to continue"
	}
	return content
}

func messageOr(event *track.EventData, fallback string) string {
	if event.Message != nil && *event.Message != "" {
		return *event.Message
	}
	return fallback
}
