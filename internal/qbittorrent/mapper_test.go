// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToModel(t *testing.T) {
	torrent := qbt.Torrent{
		Hash:               "aabbcc",
		Name:               "Test Torrent",
		Category:           "fetcharr",
		State:              qbt.TorrentStateDownloading,
		Progress:           0.42,
		Size:               1000,
		TotalSize:          1200,
		DlSpeed:            50000,
		Availability:       1.5,
		NumSeeds:           7,
		NumLeechs:          3,
		SavePath:           "/downloads",
		SequentialDownload: true,
		FirstLastPiecePrio: true,
	}

	m := ToModel(torrent)

	assert.Equal(t, "aabbcc", m.Hash)
	assert.Equal(t, "downloading", m.State)
	assert.Equal(t, 0.42, m.Progress)
	assert.Equal(t, 7, m.NumSeeds)
	assert.True(t, m.SequentialDl)
	assert.True(t, m.FLPiecePrio)
	assert.Empty(t, m.PieceStates)
}

func TestContentsToModel(t *testing.T) {
	files := qbt.TorrentFiles{
		{Index: 0, Name: "Show/Episode.mkv", Size: 55000, PieceRange: []int{4, 7}, Progress: 1},
		{Index: 1, Name: "Show/Sample.mkv", Size: 100, PieceRange: []int{7, 7}},
	}

	contents := ContentsToModel("aabbcc", &files, 16384)

	require.Len(t, contents, 2)
	assert.Equal(t, "aabbcc_0", contents[0].ID)
	assert.Equal(t, 4, contents[0].PieceStart)
	assert.Equal(t, 7, contents[0].PieceEnd)
	assert.Equal(t, int64(16384), contents[0].PieceSize)
	assert.Equal(t, 1.0, contents[0].Progress)
	assert.Equal(t, "aabbcc_1", contents[1].ID)

	assert.Nil(t, ContentsToModel("aabbcc", nil, 16384))
}

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		name        string
		torrent     qbt.Torrent
		downloading bool
		waiting     bool
		completed   bool
		started     bool
	}{
		{
			name:        "downloading with availability",
			torrent:     qbt.Torrent{State: qbt.TorrentStateDownloading, Availability: 1.2},
			downloading: true,
			started:     true,
		},
		{
			name:    "downloading without full availability",
			torrent: qbt.Torrent{State: qbt.TorrentStateDownloading, Availability: 0.4},
			started: true,
		},
		{
			name:    "queued for download",
			torrent: qbt.Torrent{State: qbt.TorrentStateQueuedDl},
			waiting: true,
		},
		{
			name:    "fetching metadata",
			torrent: qbt.Torrent{State: qbt.TorrentStateMetaDl},
			waiting: true,
		},
		{
			name:      "seeding after completion",
			torrent:   qbt.Torrent{State: qbt.TorrentStateUploading, Progress: 1},
			completed: true,
			started:   true,
		},
		{
			name:      "stalled seed",
			torrent:   qbt.Torrent{State: qbt.TorrentStateStalledUp, Progress: 1},
			completed: true,
			started:   true,
		},
		{
			name:    "uploading but not fully downloaded",
			torrent: qbt.Torrent{State: qbt.TorrentStateUploading, Progress: 0.99},
			started: true,
		},
		{
			name:    "stalled download",
			torrent: qbt.Torrent{State: qbt.TorrentStateStalledDl},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.downloading, IsActivelyDownloading(tt.torrent))
			assert.Equal(t, tt.waiting, IsWaiting(tt.torrent))
			assert.Equal(t, tt.completed, IsCompleted(tt.torrent))
			assert.Equal(t, tt.started, HasStartedTransfer(tt.torrent))
		})
	}
}
