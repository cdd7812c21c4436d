// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/linker"
	"github.com/fetcharr/fetcharr/internal/services/settings"
	"github.com/fetcharr/fetcharr/internal/services/torrents"
)

type TorrentsHandler struct {
	service  *torrents.Service
	linker   *linker.Service
	torrents *models.TorrentStore
	contents *models.TorrentContentStore
	results  *models.SearchResultStore
	settings *settings.Service
}

func NewTorrentsHandler(
	service *torrents.Service,
	linkerSvc *linker.Service,
	torrentStore *models.TorrentStore,
	contentStore *models.TorrentContentStore,
	results *models.SearchResultStore,
	settingsSvc *settings.Service,
) *TorrentsHandler {
	return &TorrentsHandler{
		service:  service,
		linker:   linkerSvc,
		torrents: torrentStore,
		contents: contentStore,
		results:  results,
		settings: settingsSvc,
	}
}

func (h *TorrentsHandler) Routes(r chi.Router) {
	r.Post("/add-from-result", h.AddFromResult)
	r.Post("/update-statuses", h.UpdateStatuses)
	r.Get("/get-statuses", h.GetStatuses)

	r.Route("/{hash}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/link", h.Link)
		r.Post("/pause", h.Pause)
		r.Post("/start", h.Start)
		r.Get("/contents", h.Contents)
		r.Get("/files/{index}/availability", h.FileAvailability)
		r.Get("/files/{index}/stream", h.StreamFile)
	})
}

func (h *TorrentsHandler) AddFromResult(w http.ResponseWriter, r *http.Request) {
	var input struct {
		GUID string `json:"guid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.GUID == "" {
		RespondError(w, http.StatusBadRequest, "guid is required")
		return
	}

	result, err := h.results.Get(r.Context(), input.GUID)
	if errors.Is(err, models.ErrSearchResultNotFound) {
		RespondError(w, http.StatusNotFound, "Search result not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to load search result")
		return
	}

	if err := h.service.AddTorrentFromResult(r.Context(), result); err != nil {
		if errors.Is(err, torrents.ErrInfoHashMismatch) {
			RespondError(w, http.StatusConflict, "Info-hash mismatch between indexer and download")
			return
		}
		log.Error().Err(err).Str("guid", input.GUID).Msg("failed to add torrent from result")
		RespondError(w, http.StatusInternalServerError, "Failed to add torrent")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (h *TorrentsHandler) UpdateStatuses(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Hashes []string `json:"hashes"`
	}
	// empty body means refresh everything
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.service.UpdateStatuses(r.Context(), input.Hashes); err != nil {
		log.Error().Err(err).Msg("failed to update torrent statuses")
		RespondError(w, http.StatusInternalServerError, "Failed to update statuses")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *TorrentsHandler) GetStatuses(w http.ResponseWriter, r *http.Request) {
	filter := torrents.StatusFilter{
		Category: r.URL.Query().Get("category"),
	}
	if hashes := r.URL.Query().Get("hashes"); hashes != "" {
		filter.Hashes = strings.Split(hashes, ",")
	}
	if raw := r.URL.Query().Get("queryId"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid queryId")
			return
		}
		filter.QueryID = id
	}
	if raw := r.URL.Query().Get("queryGroupId"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid queryGroupId")
			return
		}
		filter.QueryGroupID = id
	}

	list, err := h.service.GetStatuses(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to get torrent statuses")
		RespondError(w, http.StatusInternalServerError, "Failed to get statuses")
		return
	}
	RespondJSON(w, http.StatusOK, list)
}

func (h *TorrentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	torrent, err := h.torrents.Get(r.Context(), hash)
	if errors.Is(err, models.ErrTorrentNotFound) {
		RespondError(w, http.StatusNotFound, "Torrent not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to get torrent")
		return
	}
	RespondJSON(w, http.StatusOK, torrent)
}

func (h *TorrentsHandler) Contents(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	contents, err := h.contents.ListByTorrent(r.Context(), hash)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to list contents")
		return
	}
	RespondJSON(w, http.StatusOK, contents)
}

// Link hardlinks the torrent's finished media files into the destination
// library. The destination directory defaults to the owning query group's
// name.
func (h *TorrentsHandler) Link(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	var input struct {
		DestDir string `json:"destDir"`
	}
	if r.Body != nil {
		// optional body
		_ = json.NewDecoder(r.Body).Decode(&input)
	}

	destDir := strings.TrimSpace(input.DestDir)
	if destDir == "" {
		resolved, err := h.service.DestinationDirForHash(r.Context(), hash)
		if err != nil {
			if errors.Is(err, torrents.ErrNoQueryGroup) {
				RespondError(w, http.StatusBadRequest, "Torrent has no query group, pass destDir explicitly")
				return
			}
			RespondError(w, http.StatusInternalServerError, "Failed to resolve destination")
			return
		}
		destDir = resolved
	}

	if err := h.linker.LinkTorrentFiles(r.Context(), hash, destDir); err != nil {
		if errors.Is(err, models.ErrTorrentNotFound) {
			RespondError(w, http.StatusNotFound, "Torrent not found")
			return
		}
		if errors.Is(err, linker.ErrNoDestination) {
			RespondError(w, http.StatusBadRequest, "destinationSavePath is not configured")
			return
		}
		log.Error().Err(err).Str("hash", hash).Msg("failed to link torrent files")
		RespondError(w, http.StatusInternalServerError, "Failed to link files")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "linked", "destDir": destDir})
}

func (h *TorrentsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if err := h.service.StopTorrent(r.Context(), hash); err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("failed to pause torrent")
		RespondError(w, http.StatusInternalServerError, "Failed to pause torrent")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *TorrentsHandler) Start(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	if err := h.service.StartTorrent(r.Context(), hash); err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("failed to start torrent")
		RespondError(w, http.StatusInternalServerError, "Failed to start torrent")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *TorrentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	deleteFiles := r.URL.Query().Get("deleteFiles") == "true"

	if err := h.service.RemoveTorrent(r.Context(), hash, deleteFiles); err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("failed to delete torrent")
		RespondError(w, http.StatusInternalServerError, "Failed to delete torrent")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
