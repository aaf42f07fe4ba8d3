// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"time"

	"github.com/tracklight/tracklight/lib/schema/track"
)

// handleIngest accepts one event envelope, projects it onto its
// session, and commits everything atomically. Responds 201 with the
// new event's id and the client timestamp as stored.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var envelope track.EventEnvelope
	if !decodeBody(w, r, &envelope) {
		return
	}
	if message := validateEnvelope(&envelope); message != "" {
		respondError(w, http.StatusBadRequest, "invalid_request", message)
		return
	}

	projected := deriveProjection(&envelope.Event)
	eventID, err := s.store.IngestEvent(r.Context(), &envelope, projected)
	if err != nil {
		s.logger.Error("event ingest failed",
			"device_id", envelope.Device.DeviceID,
			"session_id", envelope.Event.SessionID,
			"error", err,
		)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to store event")
		return
	}

	s.logger.Info("event ingested",
		"id", eventID,
		"device_id", envelope.Device.DeviceID,
		"session_id", envelope.Event.SessionID,
		"hook_event_name", envelope.Event.HookEventName,
	)

	// Notification derivation runs after the commit so it can read the
	// session title the event may have just set.
	s.notifier.HandleEvent(r.Context(), eventID, &envelope)

	respondJSON(w, http.StatusCreated, track.IngestResponse{
		ID:        eventID,
		Timestamp: envelope.Timestamp,
	})
}

// validateEnvelope checks the required envelope fields and returns a
// message naming the first problem found, or empty when valid.
func validateEnvelope(envelope *track.EventEnvelope) string {
	switch {
	case envelope.Device.DeviceID == "":
		return "device.device_id is required"
	case envelope.Event.SessionID == "":
		return "event.session_id is required"
	case envelope.Event.HookEventName == "":
		return "event.hook_event_name is required"
	case envelope.Timestamp == "":
		return "timestamp is required"
	}
	if _, err := time.Parse(time.RFC3339, envelope.Timestamp); err != nil {
		return "timestamp must be RFC 3339"
	}
	return ""
}

// handlePushRegister upserts a push token for a device and platform.
func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	var request track.PushRegisterRequest
	if !decodeBody(w, r, &request) {
		return
	}
	switch {
	case request.DeviceID == "":
		respondError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	case request.Platform == "":
		respondError(w, http.StatusBadRequest, "invalid_request", "platform is required")
		return
	case request.Token == "":
		respondError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	if err := s.store.RegisterPushToken(r.Context(), &request); err != nil {
		s.logger.Error("push token registration failed",
			"device_id", request.DeviceID,
			"platform", request.Platform,
			"error", err,
		)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to store push token")
		return
	}

	s.logger.Info("push token registered",
		"device_id", request.DeviceID,
		"platform", request.Platform,
		"sandbox", request.Sandbox,
	)
	respondJSON(w, http.StatusOK, track.StatusResponse{Status: "ok"})
}

// handleAckNotifications marks notifications as acknowledged. Unknown
// ids are ignored so clients can ack idempotently.
func (s *Server) handleAckNotifications(w http.ResponseWriter, r *http.Request) {
	var request track.AckRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if len(request.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "ids must not be empty")
		return
	}

	if err := s.store.AcknowledgeNotifications(r.Context(), request.IDs); err != nil {
		s.logger.Error("notification ack failed", "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "failed to acknowledge notifications")
		return
	}
	respondJSON(w, http.StatusOK, track.StatusResponse{Status: "ok"})
}
