// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"unicode/utf8"

	"github.com/tracklight/tracklight/lib/schema/track"
)

// titleMaxBytes bounds the session title captured from the first
// prompt. Truncation lands on a rune boundary.
const titleMaxBytes = 200

// titleEllipsis marks a truncated title.
const titleEllipsis = "…"

// projectedSession carries the fields an event contributes to its
// session row. A nil status means the event does not change the
// session's status; a nil title means the event carries no title
// candidate. Both are pure functions of the event — whether they
// actually land in the row is decided by the store's write-once SQL.
type projectedSession struct {
	status *track.SessionStatus
	title  *string
}

// deriveProjection computes the session fields implied by one event.
func deriveProjection(event *track.EventData) projectedSession {
	return projectedSession{
		status: deriveStatus(event),
		title:  deriveTitle(event),
	}
}

// deriveStatus maps an event to the session status it implies, or nil
// when the event kind leaves the status unchanged. A Notification event
// only changes status for the notification types that represent the
// agent waiting on the user.
func deriveStatus(event *track.EventData) *track.SessionStatus {
	switch event.HookEventName {
	case track.EventSessionStart, track.EventUserPromptSubmit,
		track.EventSubagentStart, track.EventSubagentStop:
		return statusPtr(track.StatusActive)
	case track.EventStop:
		return statusPtr(track.StatusWaitingForInput)
	case track.EventSessionEnd:
		return statusPtr(track.StatusEnded)
	case track.EventPermissionRequest:
		return statusPtr(track.StatusWaitingPermission)
	case track.EventNotification:
		if event.NotificationType == nil {
			return nil
		}
		switch *event.NotificationType {
		case track.NotificationPermissionPrompt:
			return statusPtr(track.StatusWaitingPermission)
		case track.NotificationIdlePrompt:
			return statusPtr(track.StatusIdle)
		}
		return nil
	default:
		return nil
	}
}

// deriveTitle extracts a title candidate: the prompt text of a
// UserPromptSubmit event, truncated to titleMaxBytes. Empty prompts
// yield no candidate so a later non-empty prompt can still claim the
// write-once slot.
func deriveTitle(event *track.EventData) *string {
	if event.HookEventName != track.EventUserPromptSubmit {
		return nil
	}
	if event.Prompt == nil || *event.Prompt == "" {
		return nil
	}
	title := truncateTitle(*event.Prompt)
	return &title
}

// truncateTitle shortens a prompt to at most titleMaxBytes bytes,
// backing up to the previous rune boundary and appending an ellipsis.
func truncateTitle(prompt string) string {
	if len(prompt) <= titleMaxBytes {
		return prompt
	}
	cut := titleMaxBytes
	for cut > 0 && !utf8.RuneStart(prompt[cut]) {
		cut--
	}
	return prompt[:cut] + titleEllipsis
}

func statusPtr(status track.SessionStatus) *track.SessionStatus {
	return &status
}
