// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ClientHealth reports whether the torrent client connection is up.
type ClientHealth interface {
	Healthy() bool
}

type HealthHandler struct {
	db     *sql.DB
	client ClientHealth
}

func NewHealthHandler(db *sql.DB, client ClientHealth) *HealthHandler {
	return &HealthHandler{db: db, client: client}
}

func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/liveness", h.Liveness)
	r.Get("/readiness", h.Readiness)
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		RespondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if h.client != nil && !h.client.Healthy() {
		RespondError(w, http.StatusServiceUnavailable, "torrent client unavailable")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
