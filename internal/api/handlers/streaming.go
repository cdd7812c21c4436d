// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/pieces"
	"github.com/fetcharr/fetcharr/internal/qbittorrent"
)

// byteRange is a contiguous fully-downloaded region of a file, end exclusive.
type byteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type fileAvailability struct {
	TorrentHash    string      `json:"torrentHash"`
	FileIndex      int         `json:"fileIndex"`
	Name           string      `json:"name"`
	FileSize       int64       `json:"fileSize"`
	PieceSize      int64       `json:"pieceSize"`
	Progress       float64     `json:"progress"`
	AvailableBytes int64       `json:"availableBytes"`
	Ranges         []byteRange `json:"ranges"`
}

func (h *TorrentsHandler) fileForRequest(r *http.Request) (*models.Torrent, *models.TorrentContent, pieces.FileSpan, error) {
	hash := chi.URLParam(r, "hash")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return nil, nil, pieces.FileSpan{}, errors.Wrap(err, "invalid file index")
	}

	torrent, err := h.torrents.Get(r.Context(), hash)
	if err != nil {
		return nil, nil, pieces.FileSpan{}, err
	}
	content, err := h.contents.Get(r.Context(), hash, index)
	if err != nil {
		return nil, nil, pieces.FileSpan{}, err
	}

	// files sit back to back in the piece space, so the offset into the
	// first piece is determined by every file before this one
	siblings, err := h.contents.ListByTorrent(r.Context(), hash)
	if err != nil {
		return nil, nil, pieces.FileSpan{}, err
	}
	var preceding int64
	for _, c := range siblings {
		if c.FileIndex < index {
			preceding += c.Size
		}
	}

	return torrent, content, qbittorrent.SpanForContent(content, preceding), nil
}

func (h *TorrentsHandler) FileAvailability(w http.ResponseWriter, r *http.Request) {
	torrent, content, span, err := h.fileForRequest(r)
	if err != nil {
		respondFileError(w, err)
		return
	}

	states, err := pieces.DecodeStates(torrent.PieceStates)
	if err != nil {
		log.Error().Err(err).Str("hash", torrent.Hash).Msg("failed to decode piece states")
		RespondError(w, http.StatusInternalServerError, "Failed to decode piece states")
		return
	}

	avail := fileAvailability{
		TorrentHash: torrent.Hash,
		FileIndex:   content.FileIndex,
		Name:        content.Name,
		FileSize:    content.Size,
		PieceSize:   content.PieceSize,
		Progress:    content.Progress,
		Ranges:      []byteRange{},
	}

	for _, seg := range span.Segments() {
		if seg.PieceIndex >= len(states) || states[seg.PieceIndex] != pieces.StateComplete {
			continue
		}
		avail.AvailableBytes += seg.Length()

		if n := len(avail.Ranges); n > 0 && avail.Ranges[n-1].End == seg.Start {
			avail.Ranges[n-1].End = seg.End
		} else {
			avail.Ranges = append(avail.Ranges, byteRange{Start: seg.Start, End: seg.End})
		}
	}

	RespondJSON(w, http.StatusOK, avail)
}

// StreamFile serves a (possibly still downloading) media file with range
// support. When piece states are known, requests are trimmed to the region
// backed by complete pieces; a request landing on an incomplete piece gets a
// 416 telling the player where playable data resumes.
func (h *TorrentsHandler) StreamFile(w http.ResponseWriter, r *http.Request) {
	torrent, content, span, err := h.fileForRequest(r)
	if err != nil {
		respondFileError(w, err)
		return
	}

	basePath := h.settings.TorrentClientBasePath(r.Context())
	path := filepath.Join(basePath, torrent.SavePath, content.Name)

	file, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to open media file")
		RespondError(w, http.StatusNotFound, "Media file not found on disk")
		return
	}
	defer file.Close()

	states, err := pieces.DecodeStates(torrent.PieceStates)
	if err != nil {
		log.Error().Err(err).Str("hash", torrent.Hash).Msg("failed to decode piece states")
		states = nil
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")

	// without piece information, fall back to serving the raw file
	if len(states) == 0 {
		var modTime time.Time
		if info, statErr := file.Stat(); statErr == nil {
			modTime = info.ModTime()
		}
		http.ServeContent(w, r, content.Name, modTime, file)
		return
	}

	start, reqEnd, err := parseByteRange(r.Header.Get("Range"), content.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", content.Size))
		RespondError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	availStart, availEnd, err := span.AvailableRange(states, start)
	if err != nil {
		var rangeErr *pieces.RangeError
		if errors.As(err, &rangeErr) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", content.Size))
			RespondJSON(w, http.StatusRequestedRangeNotSatisfiable, rangeErr)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", content.Size))
		RespondError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	end := availEnd
	if reqEnd > 0 && reqEnd < end {
		end = reqEnd
	}

	if _, err := file.Seek(availStart, io.SeekStart); err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to seek media file")
		return
	}

	length := end - availStart
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	if availStart == 0 && end == content.Size && r.Header.Get("Range") == "" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", availStart, end-1, content.Size))
		w.WriteHeader(http.StatusPartialContent)
	}

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyN(w, file, length); err != nil {
		// client went away or disk error, nothing sane to send anymore
		log.Debug().Err(err).Str("hash", torrent.Hash).Int("file", content.FileIndex).Msg("stream aborted")
	}
}

// parseByteRange parses the first range of a Range header. The returned end is
// exclusive, 0 meaning the caller did not bound the range.
func parseByteRange(header string, size int64) (int64, int64, error) {
	if header == "" {
		return 0, 0, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, errors.Errorf("unsupported range unit in %q", header)
	}
	// multiple ranges are not worth supporting for media playback
	spec, _, _ = strings.Cut(spec, ",")

	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, errors.Errorf("malformed range %q", header)
	}

	if startRaw == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errors.Errorf("malformed range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, size, nil
	}

	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errors.Errorf("malformed range %q", header)
	}
	if start >= size {
		return 0, 0, errors.Errorf("range start %d beyond file size %d", start, size)
	}

	if endRaw == "" {
		return start, 0, nil
	}
	end, err := strconv.ParseInt(endRaw, 10, 64)
	if err != nil || end < start {
		return 0, 0, errors.Errorf("malformed range %q", header)
	}
	if end >= size {
		end = size - 1
	}
	return start, end + 1, nil
}

func respondFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrTorrentNotFound):
		RespondError(w, http.StatusNotFound, "Torrent not found")
	case errors.Is(err, models.ErrTorrentContentNotFound):
		RespondError(w, http.StatusNotFound, "Torrent file not found")
	case strings.Contains(err.Error(), "invalid file index"):
		RespondError(w, http.StatusBadRequest, "Invalid file index")
	default:
		log.Error().Err(err).Msg("failed to resolve torrent file")
		RespondError(w, http.StatusInternalServerError, "Failed to resolve torrent file")
	}
}
