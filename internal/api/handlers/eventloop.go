// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fetcharr/fetcharr/internal/services/eventloop"
)

type EventLoopHandler struct {
	manager *eventloop.Manager
}

func NewEventLoopHandler(manager *eventloop.Manager) *EventLoopHandler {
	return &EventLoopHandler{manager: manager}
}

func (h *EventLoopHandler) Routes(r chi.Router) {
	r.Post("/start", h.Start)
	r.Post("/stop", h.Stop)
	r.Get("/status", h.Status)
}

func (h *EventLoopHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Start(r.Context()); err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to start event loop")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *EventLoopHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Stop(r.Context()); err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to stop event loop")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *EventLoopHandler) Status(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"running":     h.manager.Running(),
		"queueLength": h.manager.QueueLength(),
	})
}
