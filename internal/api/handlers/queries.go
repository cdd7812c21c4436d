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
	"github.com/fetcharr/fetcharr/internal/services/eventloop"
	"github.com/fetcharr/fetcharr/internal/services/search"
)

type QueriesHandler struct {
	queries *models.QueryStore
	results *models.SearchResultStore
	search  *search.Service
	loop    *eventloop.Manager
}

func NewQueriesHandler(
	queries *models.QueryStore,
	results *models.SearchResultStore,
	searchSvc *search.Service,
	loop *eventloop.Manager,
) *QueriesHandler {
	return &QueriesHandler{
		queries: queries,
		results: results,
		search:  searchSvc,
		loop:    loop,
	}
}

func (h *QueriesHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/bulk", h.BulkCreate)

	r.Route("/{queryID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
		r.Get("/results", h.Results)
		r.Post("/search", h.Search)
		r.Post("/start-loop", h.StartLoop)
		r.Post("/stop-loop", h.StopLoop)
		r.Get("/loop-status", h.LoopStatus)
	})
}

type queryInput struct {
	SearchQuery     string `json:"searchQuery"`
	ProwlarrTag     string `json:"prowlarrTag"`
	TargetQuality   string `json:"targetQuality"`
	SearchFrequency int    `json:"searchFrequency"`
	IncludesRegex   string `json:"includesRegex"`
	ExcludesRegex   string `json:"excludesRegex"`
	QueryGroupID    *int   `json:"queryGroupId"`
	StartLoop       bool   `json:"startLoop"`
}

func (in *queryInput) toQuery() *models.Query {
	return &models.Query{
		SearchQuery:     strings.TrimSpace(in.SearchQuery),
		ProwlarrTag:     in.ProwlarrTag,
		TargetQuality:   in.TargetQuality,
		SearchFrequency: in.SearchFrequency,
		IncludesRegex:   in.IncludesRegex,
		ExcludesRegex:   in.ExcludesRegex,
		QueryGroupID:    in.QueryGroupID,
	}
}

func queryIDParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "queryID"))
}

func (h *QueriesHandler) List(w http.ResponseWriter, r *http.Request) {
	queries, err := h.queries.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list queries")
		RespondError(w, http.StatusInternalServerError, "Failed to list queries")
		return
	}
	RespondJSON(w, http.StatusOK, queries)
}

func (h *QueriesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input queryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(input.SearchQuery) == "" {
		RespondError(w, http.StatusBadRequest, "searchQuery is required")
		return
	}

	query, err := h.queries.Create(r.Context(), input.toQuery())
	if err != nil {
		log.Error().Err(err).Msg("failed to create query")
		RespondError(w, http.StatusInternalServerError, "Failed to create query")
		return
	}

	if input.StartLoop {
		if err := h.loop.StartQueryLoop(r.Context(), query.ID); err != nil {
			log.Error().Err(err).Int("queryID", query.ID).Msg("failed to start loop for new query")
		} else {
			query.LoopRunning = true
		}
	}

	RespondJSON(w, http.StatusCreated, query)
}

type bulkQueryInput struct {
	// one search query per line, blank lines skipped
	QueryList string `json:"queryList"`

	ProwlarrTag     string `json:"prowlarrTag"`
	TargetQuality   string `json:"targetQuality"`
	SearchFrequency int    `json:"searchFrequency"`
	IncludesRegex   string `json:"includesRegex"`
	ExcludesRegex   string `json:"excludesRegex"`
	QueryGroupID    *int   `json:"queryGroupId"`
	StartLoop       bool   `json:"startLoop"`
}

func (h *QueriesHandler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	var input bulkQueryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	var created []*models.Query
	for line := range strings.Lines(input.QueryList) {
		searchQuery := strings.TrimSpace(line)
		if searchQuery == "" {
			continue
		}

		query, err := h.queries.Create(r.Context(), &models.Query{
			SearchQuery:     searchQuery,
			ProwlarrTag:     input.ProwlarrTag,
			TargetQuality:   input.TargetQuality,
			SearchFrequency: input.SearchFrequency,
			IncludesRegex:   input.IncludesRegex,
			ExcludesRegex:   input.ExcludesRegex,
			QueryGroupID:    input.QueryGroupID,
		})
		if err != nil {
			log.Error().Err(err).Str("searchQuery", searchQuery).Msg("failed to create query in bulk")
			RespondError(w, http.StatusInternalServerError, "Failed to create queries")
			return
		}

		if input.StartLoop {
			if err := h.loop.StartQueryLoop(r.Context(), query.ID); err != nil {
				log.Error().Err(err).Int("queryID", query.ID).Msg("failed to start loop for new query")
			} else {
				query.LoopRunning = true
			}
		}
		created = append(created, query)
	}

	if len(created) == 0 {
		RespondError(w, http.StatusBadRequest, "queryList contains no queries")
		return
	}
	RespondJSON(w, http.StatusCreated, created)
}

func (h *QueriesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	query, err := h.queries.Get(r.Context(), id)
	if errors.Is(err, models.ErrQueryNotFound) {
		RespondError(w, http.StatusNotFound, "Query not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Int("queryID", id).Msg("failed to get query")
		RespondError(w, http.StatusInternalServerError, "Failed to get query")
		return
	}
	RespondJSON(w, http.StatusOK, query)
}

func (h *QueriesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	existing, err := h.queries.Get(r.Context(), id)
	if errors.Is(err, models.ErrQueryNotFound) {
		RespondError(w, http.StatusNotFound, "Query not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to get query")
		return
	}

	var input queryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	updated := input.toQuery()
	updated.ID = id
	updated.LoopRunning = existing.LoopRunning
	updated.DownloadComplete = existing.DownloadComplete

	query, err := h.queries.Update(r.Context(), updated)
	if err != nil {
		log.Error().Err(err).Int("queryID", id).Msg("failed to update query")
		RespondError(w, http.StatusInternalServerError, "Failed to update query")
		return
	}
	RespondJSON(w, http.StatusOK, query)
}

func (h *QueriesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	// drop any scheduled check before the row disappears
	if err := h.loop.StopQueryLoop(r.Context(), id); err != nil && !errors.Is(err, models.ErrQueryNotFound) {
		log.Warn().Err(err).Int("queryID", id).Msg("failed to stop loop before deleting query")
	}

	if err := h.queries.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrQueryNotFound) {
			RespondError(w, http.StatusNotFound, "Query not found")
			return
		}
		log.Error().Err(err).Int("queryID", id).Msg("failed to delete query")
		RespondError(w, http.StatusInternalServerError, "Failed to delete query")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *QueriesHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	results, err := h.results.ListByQuery(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Int("queryID", id).Msg("failed to list results")
		RespondError(w, http.StatusInternalServerError, "Failed to list results")
		return
	}
	RespondJSON(w, http.StatusOK, results)
}

// Search triggers an immediate search round for the query and returns the
// fresh results.
func (h *QueriesHandler) Search(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	results, err := h.search.Run(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrQueryNotFound) {
			RespondError(w, http.StatusNotFound, "Query not found")
			return
		}
		if errors.Is(err, search.ErrNoIndexers) {
			RespondError(w, http.StatusBadRequest, "No indexer tag or indexer list configured")
			return
		}
		log.Error().Err(err).Int("queryID", id).Msg("search failed")
		RespondError(w, http.StatusInternalServerError, "Search failed")
		return
	}
	RespondJSON(w, http.StatusOK, results)
}

func (h *QueriesHandler) StartLoop(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	if err := h.loop.StartQueryLoop(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrQueryNotFound) {
			RespondError(w, http.StatusNotFound, "Query not found")
			return
		}
		log.Error().Err(err).Int("queryID", id).Msg("failed to start query loop")
		RespondError(w, http.StatusInternalServerError, "Failed to start loop")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]bool{"loopRunning": true})
}

func (h *QueriesHandler) StopLoop(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	if err := h.loop.StopQueryLoop(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrQueryNotFound) {
			RespondError(w, http.StatusNotFound, "Query not found")
			return
		}
		log.Error().Err(err).Int("queryID", id).Msg("failed to stop query loop")
		RespondError(w, http.StatusInternalServerError, "Failed to stop loop")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]bool{"loopRunning": false})
}

func (h *QueriesHandler) LoopStatus(w http.ResponseWriter, r *http.Request) {
	id, err := queryIDParam(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid query ID")
		return
	}

	query, err := h.queries.Get(r.Context(), id)
	if errors.Is(err, models.ErrQueryNotFound) {
		RespondError(w, http.StatusNotFound, "Query not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to get query")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{
		"loopRunning":      query.LoopRunning,
		"downloadComplete": query.DownloadComplete,
	})
}
