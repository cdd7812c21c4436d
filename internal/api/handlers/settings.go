// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/services/settings"
)

type SettingsHandler struct {
	settings *settings.Service
}

func NewSettingsHandler(settingsSvc *settings.Service) *SettingsHandler {
	return &SettingsHandler{settings: settingsSvc}
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{key}", h.Get)
	r.Put("/{key}", h.Set)
}

func (h *SettingsHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.settings.All(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list settings")
		RespondError(w, http.StatusInternalServerError, "Failed to list settings")
		return
	}
	RespondJSON(w, http.StatusOK, all)
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := h.settings.Get(r.Context(), key)
	if errors.Is(err, settings.ErrUnknownKey) {
		RespondError(w, http.StatusBadRequest, "Unknown setting key")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to get setting")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (h *SettingsHandler) Set(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var input struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.settings.Set(r.Context(), key, input.Value); err != nil {
		if errors.Is(err, settings.ErrUnknownKey) {
			RespondError(w, http.StatusBadRequest, "Unknown setting key")
			return
		}
		log.Error().Err(err).Str("key", key).Msg("failed to set setting")
		RespondError(w, http.StatusInternalServerError, "Failed to set setting")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"key": key, "value": input.Value})
}
