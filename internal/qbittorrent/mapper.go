// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/pieces"
)

// ToModel converts a live client torrent into its stored representation.
// Piece states are synced separately and left untouched here.
func ToModel(t qbt.Torrent) *models.Torrent {
	return &models.Torrent{
		Hash:         t.Hash,
		Name:         t.Name,
		Category:     t.Category,
		State:        string(t.State),
		Progress:     t.Progress,
		Size:         t.Size,
		TotalSize:    t.TotalSize,
		DlSpeed:      t.DlSpeed,
		UpSpeed:      t.UpSpeed,
		ETA:          t.ETA,
		Availability: t.Availability,
		NumSeeds:     int(t.NumSeeds),
		NumLeechs:    int(t.NumLeechs),
		AddedOn:      t.AddedOn,
		CompletionOn: t.CompletionOn,
		TimeActive:   t.TimeActive,
		SavePath:     t.SavePath,
		Tracker:      t.Tracker,
		Tags:         t.Tags,
		SequentialDl: t.SequentialDownload,
		FLPiecePrio:  t.FirstLastPiecePrio,
	}
}

// ContentsToModel converts the client's file listing into stored torrent
// contents, attaching the piece size from the torrent properties.
func ContentsToModel(hash string, files *qbt.TorrentFiles, pieceSize int64) []*models.TorrentContent {
	if files == nil {
		return nil
	}

	contents := make([]*models.TorrentContent, 0, len(*files))
	for _, f := range *files {
		content := &models.TorrentContent{
			ID:           models.ContentID(hash, f.Index),
			TorrentHash:  hash,
			FileIndex:    f.Index,
			Name:         f.Name,
			Size:         f.Size,
			Progress:     float64(f.Progress),
			Priority:     f.Priority,
			IsSeed:       f.IsSeed,
			PieceSize:    pieceSize,
			Availability: float64(f.Availability),
		}
		if len(f.PieceRange) == 2 {
			content.PieceStart = f.PieceRange[0]
			content.PieceEnd = f.PieceRange[1]
		}
		contents = append(contents, content)
	}
	return contents
}

// SpanForContent rebuilds the piece-space placement of a stored file so byte
// ranges can be resolved against piece states.
func SpanForContent(c *models.TorrentContent, precedingBytes int64) pieces.FileSpan {
	span := pieces.FileSpan{
		FirstPiece: c.PieceStart,
		LastPiece:  c.PieceEnd,
		PieceSize:  c.PieceSize,
		FileSize:   c.Size,
	}
	if c.PieceSize > 0 {
		span.FirstPieceOffset = precedingBytes % c.PieceSize
	}
	return span
}
