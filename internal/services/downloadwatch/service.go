// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloadwatch polls the torrent client for results that were
// added but have not started transferring yet, and promotes them once the
// client begins moving data.
package downloadwatch

import (
	"context"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/qbittorrent"
)

const defaultInterval = 5 * time.Second

// Client is the gateway slice the watcher needs.
type Client interface {
	ListTorrents(ctx context.Context, hashes []string) ([]qbt.Torrent, error)
}

// ContentSyncer mirrors a torrent's file list, implemented by the torrents
// service.
type ContentSyncer interface {
	SyncContents(ctx context.Context, hash string) error
}

// OnStarted fires once per result when its torrent begins transferring.
type OnStarted func(ctx context.Context, hash, guid string)

type Service struct {
	client   Client
	results  *models.SearchResultStore
	torrents *models.TorrentStore
	syncer   ContentSyncer

	onStarted OnStarted
	interval  time.Duration
}

func NewService(
	client Client,
	results *models.SearchResultStore,
	torrents *models.TorrentStore,
	syncer ContentSyncer,
	onStarted OnStarted,
) *Service {
	return &Service{
		client:    client,
		results:   results,
		torrents:  torrents,
		syncer:    syncer,
		onStarted: onStarted,
		interval:  defaultInterval,
	}
}

// Start runs the poll loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Debug().Dur("interval", s.interval).Msg("Download watcher started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Download watcher stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every added-but-not-downloading result against the client.
// Failures are logged and retried next cycle.
func (s *Service) Tick(ctx context.Context) {
	metrics.WatchCycles.Inc()

	pending, err := s.results.ListAdded(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending results")
		return
	}
	if len(pending) == 0 {
		return
	}

	hashSet := make(map[string]struct{}, len(pending))
	hashes := make([]string, 0, len(pending))
	for _, r := range pending {
		if r.InfoHash == "" {
			continue
		}
		if _, ok := hashSet[r.InfoHash]; ok {
			continue
		}
		hashSet[r.InfoHash] = struct{}{}
		hashes = append(hashes, r.InfoHash)
	}
	if len(hashes) == 0 {
		return
	}

	live, err := s.client.ListTorrents(ctx, hashes)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch torrent state for pending results")
		return
	}

	liveByHash := make(map[string]qbt.Torrent, len(live))
	for _, t := range live {
		liveByHash[t.Hash] = t
	}

	handled := make(map[string]struct{}, len(pending))
	for _, r := range pending {
		if r.InfoHash == "" {
			continue
		}
		if _, ok := handled[r.InfoHash]; ok {
			continue
		}

		t, ok := liveByHash[r.InfoHash]
		if !ok {
			handled[r.InfoHash] = struct{}{}
			log.Info().Str("hash", r.InfoHash).Str("guid", r.GUID).Msg("Pending torrent vanished from client")
			if err := s.results.MarkDeletedByHash(ctx, r.InfoHash); err != nil {
				log.Error().Err(err).Str("hash", r.InfoHash).Msg("Failed to flag vanished torrent's results")
			}
			continue
		}

		if !qbittorrent.HasStartedTransfer(t) {
			continue
		}
		handled[r.InfoHash] = struct{}{}

		if err := s.promote(ctx, t, r.GUID); err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("Failed to promote started download")
		}
	}
}

func (s *Service) promote(ctx context.Context, t qbt.Torrent, guid string) error {
	if err := s.torrents.Upsert(ctx, qbittorrent.ToModel(t)); err != nil {
		return err
	}
	if err := s.syncer.SyncContents(ctx, t.Hash); err != nil {
		// contents catch up on the next sync, the download still counts as
		// started
		log.Warn().Err(err).Str("hash", t.Hash).Msg("Could not sync contents for started download")
	}
	if err := s.results.SetDownloadingByHash(ctx, t.Hash, true); err != nil {
		return err
	}

	log.Info().Str("hash", t.Hash).Str("name", t.Name).Msg("Download started")

	if s.onStarted != nil {
		s.onStarted(ctx, t.Hash, guid)
	}
	return nil
}
