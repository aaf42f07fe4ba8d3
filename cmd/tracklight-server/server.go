// Copyright 2026 The Tracklight Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracklight/tracklight/lib/schema/track"
)

// maxRequestBody bounds request bodies on the write endpoints. Event
// payloads are small; anything near this limit is malformed or
// hostile.
const maxRequestBody = 1 << 20

// Default and maximum page sizes for the list endpoints.
const (
	defaultSessionLimit = 50
	defaultEventLimit   = 100
	maxListLimit        = 1000

	defaultNotificationLimit = 100
)

// Server wires the HTTP API to the store and notifier. One instance
// serves all routes; handlers hold no per-request state.
type Server struct {
	store    *Store
	notifier *Notifier
	logger   *slog.Logger
	token    []byte
}

// NewServer returns a Server authenticating requests against the given
// bearer token.
func NewServer(store *Store, notifier *Notifier, logger *slog.Logger, token string) *Server {
	return &Server{
		store:    store,
		notifier: notifier,
		logger:   logger,
		token:    []byte(token),
	}
}

// Handler builds the route table. Every route sits behind bearer
// authentication, including ping: the version counters it returns
// describe private activity.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/ping", s.handlePing)
	mux.HandleFunc("POST /api/v1/events", s.handleIngest)
	mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/v1/devices/{device_id}/sessions", s.handleDeviceSessions)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{session_id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /api/v1/notifications", s.handleListNotifications)
	mux.HandleFunc("POST /api/v1/notifications/ack", s.handleAckNotifications)
	mux.HandleFunc("POST /api/v1/push/register", s.handlePushRegister)

	return s.requireAuth(mux)
}

// requireAuth rejects requests whose Authorization header does not
// carry the configured bearer token. The comparison is constant time.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), s.token) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondJSON writes a JSON response body with the given status.
func respondJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(value)
}

// respondError writes the standard JSON error shape: a stable machine
// code plus a human-readable message.
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, track.ErrorResponse{Error: code, Message: message})
}

// decodeBody decodes a bounded JSON request body into value. On
// failure it writes a 400 response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, value any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(value); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// queryLimit parses the limit query parameter, falling back to a
// default and clamping to the maximum page size.
func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return min(limit, maxListLimit)
}

// queryBool reports whether a query parameter is set to "true".
func queryBool(r *http.Request, name string) bool {
	return r.URL.Query().Get(name) == "true"
}
