// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

// Tracklight-server is the event ingestion and derived-state server
// for AI coding sessions. Hook binaries on developer devices POST
// lifecycle events over HTTP; the server appends each event to an
// immutable log and, in the same transaction, updates the
// device/session projection the event implies. A read API serves the
// projection to dashboards and mobile clients.
//
// # HTTP API
//
// All endpoints require "Authorization: Bearer <token>" with the
// configured shared credential.
//
//   - POST /api/v1/events — ingest one event; 201 with {id, timestamp}
//   - GET  /api/v1/ping — liveness plus server_version and the
//     data/notification version counters
//   - GET  /api/v1/devices — all devices with live active-session
//     counts, newest-seen first
//   - GET  /api/v1/devices/{device_id}/sessions?active=true&limit= —
//     sessions for one device, last_event descending
//   - GET  /api/v1/sessions?active=true&limit= — sessions across all
//     devices
//   - GET  /api/v1/sessions/{session_id}/events?limit=&before= —
//     events newest-first by insertion id; before is an exclusive id
//     cursor for paging backwards
//   - GET  /api/v1/notifications?after=&limit= — derived notification
//     records after a created_at cursor
//   - POST /api/v1/notifications/ack — mark notifications acknowledged
//   - POST /api/v1/push/register — upsert a push token keyed by
//     (device_id, platform, sandbox)
//
// # Projection
//
// Session status is a function of the most recent relevant event only:
// SessionStart, UserPromptSubmit, and subagent activity mark a session
// active; Stop means waiting_for_input; SessionEnd means ended;
// permission requests and permission-prompt notifications mean
// waiting_for_permission; idle-prompt notifications mean idle. Events
// of any other kind are recorded without touching the status. A
// session's title is captured once, from its first non-empty
// UserPromptSubmit prompt; cwd is captured once from the first event
// that carries it.
//
// Ingestion is order-independent: an event for an unknown session or
// device creates the row, so out-of-order delivery over a flaky
// network converges to the same end state.
//
// # Storage
//
// A single SQLite database in WAL mode behind a fixed-size connection
// pool. Each ingested event commits the event insert, device upsert,
// session upsert, and data-version bump in one IMMEDIATE transaction;
// transient BUSY errors retry the whole transaction a bounded number
// of times. A background sweeper prunes old events, notifications,
// idle sessions, and unseen devices on configured retention windows.
package main
