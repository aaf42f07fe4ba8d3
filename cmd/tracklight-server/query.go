// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"strconv"

	"github.com/tracklight/tracklight/lib/schema/track"
	"github.com/tracklight/tracklight/lib/version"
)

// handlePing reports liveness plus the version counters clients poll
// to decide whether to refetch.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, track.StatusResponse{
		Status:              "ok",
		ServerVersion:       version.Short(),
		DataVersion:         s.store.DataVersion(),
		NotificationVersion: s.store.NotificationVersion(),
	})
}

// handleListDevices returns all devices, most recently seen first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("device listing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to list devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

// handleDeviceSessions returns one device's sessions, most recent
// activity first. An unknown device yields an empty list.
func (s *Server) handleDeviceSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	activeOnly := queryBool(r, "active")
	limit := queryLimit(r, defaultSessionLimit)

	sessions, err := s.store.ListDeviceSessions(r.Context(), deviceID, activeOnly, limit)
	if err != nil {
		s.logger.Error("session listing failed", "device_id", deviceID, "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to list sessions")
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// handleListSessions returns sessions across all devices.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := queryBool(r, "active")
	limit := queryLimit(r, defaultSessionLimit)

	sessions, err := s.store.ListSessions(r.Context(), activeOnly, limit)
	if err != nil {
		s.logger.Error("session listing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to list sessions")
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// handleSessionEvents returns a session's events newest first. The
// optional before parameter is an exclusive id cursor for paging
// backwards through history.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	limit := queryLimit(r, defaultEventLimit)

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "before must be a positive integer")
			return
		}
		before = parsed
	}

	events, err := s.store.ListEvents(r.Context(), sessionID, before, limit)
	if err != nil {
		s.logger.Error("event listing failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to list events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// handleListNotifications returns unacknowledged notifications oldest
// first. The optional after parameter is an exclusive created_at
// cursor.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultNotificationLimit)
	after := r.URL.Query().Get("after")

	notifications, err := s.store.ListUnacknowledgedNotifications(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("notification listing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to list notifications")
		return
	}
	respondJSON(w, http.StatusOK, notifications)
}
