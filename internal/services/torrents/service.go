// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrents orchestrates the torrent client gateway against the
// stored torrent state: adding picked results, syncing mirrors and contents,
// and cleaning up losers.
package torrents

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/avast/retry-go"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/pieces"
	"github.com/fetcharr/fetcharr/internal/qbittorrent"
	"github.com/fetcharr/fetcharr/internal/services/settings"
)

var (
	// ErrInfoHashMismatch means the indexer declared one info-hash but the
	// magnet or .torrent behind the link carries another. The result is not
	// added.
	ErrInfoHashMismatch = errors.New("info-hash on tracker mismatch")

	// ErrNoQueryGroup means a torrent cannot be traced back to a query group
	// for link destination resolution.
	ErrNoQueryGroup = errors.New("torrent has no associated query group")
)

const (
	pollAttempts = 30
	pollDelay    = 2 * time.Second

	// safety limit for .torrent blobs fetched during hash verification
	maxTorrentDownloadBytes int64 = 16 << 20
)

// Client is the slice of the gateway this service depends on.
type Client interface {
	ListTorrents(ctx context.Context, hashes []string) ([]qbt.Torrent, error)
	ListTorrentsByCategory(ctx context.Context, category string) ([]qbt.Torrent, error)
	GetTorrent(ctx context.Context, hash string) (*qbt.Torrent, error)
	AddTorrent(ctx context.Context, url string, opts qbittorrent.AddOptions) error
	PauseTorrents(ctx context.Context, hashes []string) error
	ResumeTorrents(ctx context.Context, hashes []string) error
	DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error
	Files(ctx context.Context, hash string) (*qbt.TorrentFiles, error)
	PieceStates(ctx context.Context, hash string) ([]pieces.State, error)
	PieceSize(ctx context.Context, hash string) (int64, error)
}

type Service struct {
	client   Client
	settings *settings.Service
	torrents *models.TorrentStore
	contents *models.TorrentContentStore
	results  *models.SearchResultStore
	queries  *models.QueryStore
	groups   *models.QueryGroupStore

	// redirect resolution must observe the Location header, not follow it
	noFollowClient *http.Client

	pollAttempts uint
	pollDelay    time.Duration
}

func NewService(
	client Client,
	settingsSvc *settings.Service,
	torrents *models.TorrentStore,
	contents *models.TorrentContentStore,
	results *models.SearchResultStore,
	queries *models.QueryStore,
	groups *models.QueryGroupStore,
) *Service {
	return &Service{
		client:   client,
		settings: settingsSvc,
		torrents: torrents,
		contents: contents,
		results:  results,
		queries:  queries,
		groups:   groups,
		noFollowClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pollAttempts: pollAttempts,
		pollDelay:    pollDelay,
	}
}

// resolveRedirect performs a single-hop redirect resolution: indexer
// download links commonly redirect to a magnet URI. Any failure falls back
// to the original link.
func (s *Service) resolveRedirect(ctx context.Context, link string) string {
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		return link
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return link
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.noFollowClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("link", link).Msg("Redirect resolution failed, using original link")
		return link
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if location := resp.Header.Get("Location"); location != "" {
			return location
		}
	}
	return link
}

// parseInfoHash extracts the info-hash from a magnet URI or a downloadable
// .torrent. Returns "" when nothing can be parsed.
func (s *Service) parseInfoHash(ctx context.Context, source string) string {
	if strings.HasPrefix(source, "magnet:") {
		m, err := metainfo.ParseMagnetUri(source)
		if err != nil {
			log.Debug().Err(err).Msg("Could not parse magnet URI")
			return ""
		}
		return strings.ToLower(m.InfoHash.HexString())
	}

	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.noFollowClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("source", source).Msg("Could not download torrent for hash verification")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentDownloadBytes))
	if err != nil {
		log.Debug().Err(err).Str("source", source).Msg("Could not parse downloaded torrent")
		return ""
	}
	return strings.ToLower(mi.HashInfoBytes().HexString())
}

// AddTorrentFromResult sends a search result to the torrent client, waits
// for the torrent to appear, mirrors it and marks the result added. When the
// declared info-hash does not match the one behind the link the result is
// rejected outright.
func (s *Service) AddTorrentFromResult(ctx context.Context, result *models.SearchResult) error {
	source := result.Magnet
	if source == "" {
		source = result.Link
	}
	if source == "" {
		return errors.Errorf("result %s has neither magnet nor link", result.GUID)
	}

	source = s.resolveRedirect(ctx, source)

	parsed := s.parseInfoHash(ctx, source)
	if parsed == "" && result.Magnet != "" && source != result.Magnet {
		parsed = s.parseInfoHash(ctx, result.Magnet)
	}

	declared := strings.ToLower(result.InfoHash)
	if declared != "" && parsed != "" && declared != parsed {
		log.Warn().
			Str("guid", result.GUID).
			Str("declared", declared).
			Str("parsed", parsed).
			Msg("Info-hash mismatch between indexer and download, refusing to add")
		return ErrInfoHashMismatch
	}

	hash := parsed
	if hash == "" {
		hash = declared
	}
	if hash == "" {
		return errors.Errorf("could not determine info-hash for result %s", result.GUID)
	}

	opts := qbittorrent.AddOptions{
		Category:           s.settings.DefaultTorrentCategory(ctx),
		SavePath:           s.settings.TorrentClientSavePath(ctx),
		SequentialDownload: s.settings.SequentialDownload(ctx),
		FirstLastPiecePrio: true,
	}
	if err := s.client.AddTorrent(ctx, source, opts); err != nil {
		return err
	}

	live, err := s.pollForTorrent(ctx, hash)
	if err != nil {
		// the add may still land later, leave the result untouched and let
		// the next round reconcile
		log.Warn().Err(err).Str("hash", hash).Str("guid", result.GUID).Msg("Added torrent never appeared in client")
		return nil
	}

	if err := s.torrents.Upsert(ctx, qbittorrent.ToModel(*live)); err != nil {
		return err
	}
	if err := s.results.MarkAdded(ctx, result.GUID, hash); err != nil {
		return err
	}

	if err := s.client.ResumeTorrents(ctx, []string{hash}); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Could not resume freshly added torrent")
	}

	metrics.Grabs.Inc()
	log.Info().Str("hash", hash).Str("title", result.Title).Msg("Torrent added")
	return nil
}

func (s *Service) pollForTorrent(ctx context.Context, hash string) (*qbt.Torrent, error) {
	var live *qbt.Torrent

	err := retry.Do(
		func() error {
			t, err := s.client.GetTorrent(ctx, hash)
			if err != nil {
				return err
			}
			if t == nil {
				return errors.Errorf("torrent %s not yet visible", hash)
			}
			live = t
			return nil
		},
		retry.Attempts(s.pollAttempts),
		retry.Delay(s.pollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return live, nil
}

// UpdateStatuses refreshes stored torrent state from the client for the
// given hashes (all stored torrents when empty). Hashes the client no longer
// knows get their results flagged deleted.
func (s *Service) UpdateStatuses(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		stored, err := s.torrents.List(ctx)
		if err != nil {
			return err
		}
		for _, t := range stored {
			hashes = append(hashes, t.Hash)
		}
	}
	if len(hashes) == 0 {
		return nil
	}

	live, err := s.client.ListTorrents(ctx, hashes)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(live))
	for _, t := range live {
		seen[t.Hash] = struct{}{}
		if err := s.torrents.Upsert(ctx, qbittorrent.ToModel(t)); err != nil {
			return err
		}
	}

	for _, hash := range hashes {
		if _, ok := seen[hash]; ok {
			continue
		}
		log.Info().Str("hash", hash).Msg("Torrent no longer in client, flagging its results")
		if err := s.results.MarkDeletedByHash(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// StatusFilter narrows GetStatuses. The first non-empty field wins, in
// declaration order.
type StatusFilter struct {
	Hashes       []string
	QueryID      int
	Category     string
	QueryGroupID int
}

func (s *Service) GetStatuses(ctx context.Context, filter StatusFilter) ([]*models.Torrent, error) {
	switch {
	case len(filter.Hashes) > 0:
		return s.torrents.ListByHashes(ctx, filter.Hashes)
	case filter.QueryID != 0:
		return s.torrents.ListByQuery(ctx, filter.QueryID)
	case filter.Category != "":
		return s.torrents.ListByCategory(ctx, filter.Category)
	case filter.QueryGroupID != 0:
		return s.torrents.ListByQueryGroup(ctx, filter.QueryGroupID)
	default:
		return s.torrents.List(ctx)
	}
}

// SyncContents mirrors a torrent's file list and piece states into the
// database.
func (s *Service) SyncContents(ctx context.Context, hash string) error {
	files, err := s.client.Files(ctx, hash)
	if err != nil {
		return err
	}

	pieceSize, err := s.client.PieceSize(ctx, hash)
	if err != nil {
		return err
	}

	for _, content := range qbittorrent.ContentsToModel(hash, files, pieceSize) {
		if err := s.contents.Upsert(ctx, content); err != nil {
			return err
		}
	}

	states, err := s.client.PieceStates(ctx, hash)
	if err != nil {
		return err
	}
	return s.torrents.SetPieceStates(ctx, hash, pieces.EncodeStates(states))
}

func (s *Service) StopTorrent(ctx context.Context, hash string) error {
	return s.client.PauseTorrents(ctx, []string{hash})
}

func (s *Service) StartTorrent(ctx context.Context, hash string) error {
	return s.client.ResumeTorrents(ctx, []string{hash})
}

// RemoveTorrent deletes a torrent (and its data) from the client and drops
// the stored mirror, flagging its results.
func (s *Service) RemoveTorrent(ctx context.Context, hash string, deleteFiles bool) error {
	if err := s.client.DeleteTorrents(ctx, []string{hash}, deleteFiles); err != nil {
		return err
	}

	if err := s.torrents.Delete(ctx, hash); err != nil && !errors.Is(err, models.ErrTorrentNotFound) {
		return err
	}
	return s.results.MarkDeletedByHash(ctx, hash)
}

// LiveForQuery fetches current client state for every torrent associated
// with a query.
func (s *Service) LiveForQuery(ctx context.Context, queryID int) ([]qbt.Torrent, error) {
	stored, err := s.torrents.ListByQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(stored))
	for _, t := range stored {
		hashes = append(hashes, t.Hash)
	}
	return s.client.ListTorrents(ctx, hashes)
}

// DeleteCompetingTorrents removes a query's also-ran torrents once one of
// them completed: anything no larger than the winner that either finished
// too or is still actively pulling data. Stale zero-progress leftovers are
// kept for the stalled checks to retry.
func (s *Service) DeleteCompetingTorrents(ctx context.Context, queryID int) error {
	stored, err := s.torrents.ListByQuery(ctx, queryID)
	if err != nil {
		return err
	}

	// largest completed torrent wins
	var winner *models.Torrent
	for _, t := range stored {
		if t.Progress == 1 && (winner == nil || t.Size > winner.Size) {
			winner = t
		}
	}
	if winner == nil {
		return nil
	}

	for _, t := range stored {
		if t.Hash == winner.Hash || t.Size > winner.Size {
			continue
		}
		if (t.DlSpeed > 10 && t.Progress > 0.1) || t.Progress == 1 {
			log.Info().
				Int("queryID", queryID).
				Str("hash", t.Hash).
				Str("winner", winner.Hash).
				Msg("Removing competing torrent after completion")
			if err := s.RemoveTorrent(ctx, t.Hash, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// DestinationDirForHash traces a torrent back through its results to the
// owning query group, whose name is the link destination directory.
func (s *Service) DestinationDirForHash(ctx context.Context, hash string) (string, error) {
	queryIDs, err := s.results.QueryIDsForHash(ctx, hash)
	if err != nil {
		return "", err
	}

	for _, id := range queryIDs {
		query, err := s.queries.Get(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrQueryNotFound) {
				continue
			}
			return "", err
		}
		group, err := s.groups.GetForQuery(ctx, query)
		if err != nil {
			return "", err
		}
		if group != nil {
			return group.Name, nil
		}
	}
	return "", ErrNoQueryGroup
}
