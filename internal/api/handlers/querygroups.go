// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

type QueryGroupsHandler struct {
	groups  *models.QueryGroupStore
	queries *models.QueryStore
}

func NewQueryGroupsHandler(groups *models.QueryGroupStore, queries *models.QueryStore) *QueryGroupsHandler {
	return &QueryGroupsHandler{groups: groups, queries: queries}
}

func (h *QueryGroupsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)

	r.Route("/{groupID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
		r.Get("/queries", h.Queries)
	})
}

type queryGroupInput struct {
	Name            string `json:"name"`
	ProwlarrTag     string `json:"prowlarrTag"`
	Indexers        string `json:"indexers"`
	TargetQuality   string `json:"targetQuality"`
	SearchFrequency int    `json:"searchFrequency"`
	IncludesRegex   string `json:"includesRegex"`
	ExcludesRegex   string `json:"excludesRegex"`
	SourceURL       string `json:"sourceUrl"`
	ScraperURL      string `json:"scraperUrl"`
}

func (in *queryGroupInput) toGroup() *models.QueryGroup {
	return &models.QueryGroup{
		Name:            strings.TrimSpace(in.Name),
		ProwlarrTag:     in.ProwlarrTag,
		Indexers:        in.Indexers,
		TargetQuality:   in.TargetQuality,
		SearchFrequency: in.SearchFrequency,
		IncludesRegex:   in.IncludesRegex,
		ExcludesRegex:   in.ExcludesRegex,
		SourceURL:       in.SourceURL,
		ScraperURL:      in.ScraperURL,
	}
}

func groupIDParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "groupID"))
}

func (h *QueryGroupsHandler) List(w http.ResponseWriter, r *http.Request) {
	groups, err := h.groups.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list query groups")
		RespondError(w, http.StatusInternalServerError, "Failed to list query groups")
		return
	}
	RespondJSON(w, http.StatusOK, groups)
}

func (h *QueryGroupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input queryGroupInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(input.Name) == "" {
		RespondError(w, http.StatusBadRequest, "name is required")
		return
	}

	group, err := h.groups.Create(r.Context(), input.toGroup())
	if err != nil {
		log.Error().Err(err).Msg("failed to create query group")
		RespondError(w, http.StatusInternalServerError, "Failed to create query group")
		return
	}
	RespondJSON(w, http.StatusCreated, group)
}

func (h *QueryGroupsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	group, err := h.groups.Get(r.Context(), id)
	if errors.Is(err, models.ErrQueryGroupNotFound) {
		RespondError(w, http.StatusNotFound, "Query group not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to get query group")
		return
	}
	RespondJSON(w, http.StatusOK, group)
}

func (h *QueryGroupsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	var input queryGroupInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	group := input.toGroup()
	group.ID = id

	updated, err := h.groups.Update(r.Context(), group)
	if errors.Is(err, models.ErrQueryGroupNotFound) {
		RespondError(w, http.StatusNotFound, "Query group not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Int("groupID", id).Msg("failed to update query group")
		RespondError(w, http.StatusInternalServerError, "Failed to update query group")
		return
	}
	RespondJSON(w, http.StatusOK, updated)
}

func (h *QueryGroupsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	if err := h.groups.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrQueryGroupNotFound) {
			RespondError(w, http.StatusNotFound, "Query group not found")
			return
		}
		log.Error().Err(err).Int("groupID", id).Msg("failed to delete query group")
		RespondError(w, http.StatusInternalServerError, "Failed to delete query group")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *QueryGroupsHandler) Queries(w http.ResponseWriter, r *http.Request) {
	id, err := groupIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	queries, err := h.queries.ListByGroup(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Int("groupID", id).Msg("failed to list group queries")
		RespondError(w, http.StatusInternalServerError, "Failed to list group queries")
		return
	}
	RespondJSON(w, http.StatusOK, queries)
}
