// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

// Package track defines the wire types shared between the Tracklight
// server and its clients: the ingestion envelope posted by hook
// binaries and the response records served by the read API.
//
// Decoding is deliberately lenient about unknown keys: hook payloads
// evolve ahead of the server, so EventData captures the raw event
// JSON alongside the typed fields. The raw form is persisted for
// forward compatibility; re-serializing EventData emits only the
// declared fields.
package track

import "encoding/json"

// SessionStatus is the derived state of a session, computed from the
// most recent relevant event only.
type SessionStatus string

// Session status values.
const (
	StatusActive            SessionStatus = "active"
	StatusWaitingForInput   SessionStatus = "waiting_for_input"
	StatusWaitingPermission SessionStatus = "waiting_for_permission"
	StatusIdle              SessionStatus = "idle"
	StatusEnded             SessionStatus = "ended"
)

// Hook event kinds the projection reacts to. Any other kind is
// recorded but leaves the session status unchanged.
const (
	EventSessionStart      = "SessionStart"
	EventSessionEnd        = "SessionEnd"
	EventUserPromptSubmit  = "UserPromptSubmit"
	EventStop              = "Stop"
	EventNotification      = "Notification"
	EventPermissionRequest = "PermissionRequest"
	EventSubagentStart     = "SubagentStart"
	EventSubagentStop      = "SubagentStop"
)

// Notification types carried by Notification events and by the
// server-derived notification records.
const (
	NotificationPermissionPrompt = "permission_prompt"
	NotificationIdlePrompt       = "idle_prompt"
	NotificationStop             = "stop"
)

// EventEnvelope is the body of POST /api/v1/events.
type EventEnvelope struct {
	Device    DeviceInfo `json:"device"`
	Event     EventData  `json:"event"`
	Timestamp string     `json:"timestamp"`
}

// DeviceInfo identifies the reporting machine. DeviceID is
// client-chosen and stable across sessions.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// EventData is the event portion of the envelope. The typed fields
// drive the projection; Raw preserves the complete original payload,
// unknown keys included, for forward compatibility.
type EventData struct {
	SessionID     string `json:"session_id"`
	HookEventName string `json:"hook_event_name"`

	Cwd              *string `json:"cwd,omitempty"`
	Prompt           *string `json:"prompt,omitempty"`
	ToolName         *string `json:"tool_name,omitempty"`
	NotificationType *string `json:"notification_type,omitempty"`
	Message          *string `json:"message,omitempty"`

	// Raw is the original event JSON as received, captured during
	// unmarshal. Never re-serialized into responses.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps a copy of the
// original bytes in Raw.
func (d *EventData) UnmarshalJSON(data []byte) error {
	type plain EventData
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*d = EventData(decoded)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// IngestResponse acknowledges an accepted event.
type IngestResponse struct {
	// ID is the event's insertion-ordered row identifier.
	ID int64 `json:"id"`

	// Timestamp echoes the stored client timestamp.
	Timestamp string `json:"timestamp"`
}

// PushRegisterRequest is the body of POST /api/v1/push/register.
type PushRegisterRequest struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
	Sandbox  bool   `json:"sandbox"`
}

// AckRequest acknowledges a batch of notifications by ID.
type AckRequest struct {
	IDs []string `json:"ids"`
}

// StatusResponse is the ping/acknowledgement body. The version
// counters let clients cheap-poll for changes instead of re-fetching
// full lists.
type StatusResponse struct {
	Status              string `json:"status"`
	ServerVersion       string `json:"server_version,omitempty"`
	DataVersion         uint64 `json:"data_version,omitempty"`
	NotificationVersion uint64 `json:"notification_version,omitempty"`
}

// ErrorResponse is the body of every non-2xx response: a stable
// machine-readable kind plus a human-readable message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Device is a device record as served by the read API.
type Device struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	FirstSeen  string `json:"first_seen"`
	LastSeen   string `json:"last_seen"`

	// ActiveSessions counts sessions with status != "ended", computed
	// at read time.
	ActiveSessions int64 `json:"active_sessions"`
}

// DeviceList wraps the devices listing.
type DeviceList struct {
	Devices []Device `json:"devices"`
}

// Session is a session record as served by the read API. DeviceName
// and Platform are joined from the owning device.
type Session struct {
	SessionID  string        `json:"session_id"`
	DeviceID   string        `json:"device_id"`
	StartedAt  string        `json:"started_at"`
	LastEvent  string        `json:"last_event"`
	Status     SessionStatus `json:"status"`
	Cwd        *string       `json:"cwd"`
	Title      *string       `json:"title,omitempty"`
	DeviceName *string       `json:"device_name,omitempty"`
	Platform   *string       `json:"platform,omitempty"`
}

// SessionList wraps a sessions listing.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}

// Event is an event record as served by the read API. Message is
// extracted from the stored payload.
type Event struct {
	ID               int64   `json:"id"`
	HookEventName    string  `json:"hook_event_name"`
	Timestamp        string  `json:"timestamp"`
	ToolName         *string `json:"tool_name"`
	NotificationType *string `json:"notification_type"`
	Message          *string `json:"message"`
}

// EventList wraps an events listing.
type EventList struct {
	Events []Event `json:"events"`
}

// Notification is a server-derived notification record.
type Notification struct {
	ID               string `json:"id"`
	EventID          int64  `json:"event_id"`
	SessionID        string `json:"session_id"`
	DeviceID         string `json:"device_id"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	NotificationType string `json:"notification_type"`
	CreatedAt        string `json:"created_at"`
	Acknowledged     bool   `json:"acknowledged"`
}

// NotificationList wraps a notifications listing.
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
}
