// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"math"

	qbt "github.com/autobrr/go-qbittorrent"
)

// IsActivelyDownloading reports whether a torrent is making progress and has
// at least one full copy of the data reachable in the swarm.
func IsActivelyDownloading(t qbt.Torrent) bool {
	switch t.State {
	case qbt.TorrentStateCheckingDl, qbt.TorrentStateDownloading:
		return math.Abs(t.Availability) >= 1
	default:
		return false
	}
}

// IsWaiting reports whether a torrent is in a pre-download holding state
// where no transfer judgment can be made yet.
func IsWaiting(t qbt.Torrent) bool {
	switch t.State {
	case qbt.TorrentStateAllocating,
		qbt.TorrentStateMetaDl,
		qbt.TorrentStateQueuedDl,
		qbt.TorrentStateCheckingResumeData:
		return true
	default:
		return false
	}
}

// IsCompleted reports whether a torrent finished downloading and moved into
// a seeding state.
func IsCompleted(t qbt.Torrent) bool {
	if t.Progress != 1 {
		return false
	}
	switch t.State {
	case qbt.TorrentStateQueuedUp, qbt.TorrentStateUploading, qbt.TorrentStateStalledUp:
		return true
	default:
		return false
	}
}

// HasStartedTransfer reports whether the client has begun moving data for a
// torrent, which is when the download-start watcher considers it live.
func HasStartedTransfer(t qbt.Torrent) bool {
	switch t.State {
	case qbt.TorrentStateDownloading,
		qbt.TorrentStateCheckingDl,
		qbt.TorrentStateCheckingUp,
		qbt.TorrentStateUploading,
		qbt.TorrentStateStalledUp:
		return true
	default:
		return false
	}
}
