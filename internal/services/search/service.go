// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search finds release candidates on the indexers and ranks them.
package search

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
)

var ErrNoIndexers = errors.New("no indexer tag or indexer list configured for query")

// Indexer is the slice of the Prowlarr client the service depends on.
type Indexer interface {
	TagIndexerIDs(ctx context.Context, label string) ([]int, error)
	Search(ctx context.Context, query string, indexerIDs []int) ([]*models.SearchResult, error)
}

// Downloader hands a picked result to the torrent client. Implemented by the
// torrents service.
type Downloader interface {
	AddTorrentFromResult(ctx context.Context, result *models.SearchResult) error
}

type Service struct {
	indexer    Indexer
	queries    *models.QueryStore
	groups     *models.QueryGroupStore
	results    *models.SearchResultStore
	torrents   *models.TorrentStore
	downloader Downloader
	defaultTag string
}

func NewService(
	indexer Indexer,
	queries *models.QueryStore,
	groups *models.QueryGroupStore,
	results *models.SearchResultStore,
	torrents *models.TorrentStore,
	defaultTag string,
) *Service {
	return &Service{
		indexer:    indexer,
		queries:    queries,
		groups:     groups,
		results:    results,
		torrents:   torrents,
		defaultTag: defaultTag,
	}
}

// SetDownloader wires the torrents service in after construction, breaking
// the circular dependency between search and torrents.
func (s *Service) SetDownloader(d Downloader) {
	s.downloader = d
}

// resolveIndexerIDs picks the indexers for a query: its own tag, then the
// group's tag, then the configured default tag, then the group's explicit
// indexer id list.
func (s *Service) resolveIndexerIDs(ctx context.Context, query *models.Query, group *models.QueryGroup) ([]int, error) {
	tag := query.EffectiveTag(group)
	if tag == "" {
		tag = s.defaultTag
	}

	if tag != "" {
		return s.indexer.TagIndexerIDs(ctx, tag)
	}

	if group != nil && group.Indexers != "" {
		var ids []int
		for _, part := range strings.Split(group.Indexers, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid indexer id %q in group %q", part, group.Name)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	return nil, ErrNoIndexers
}

// Run searches the indexers for a query and persists any new results. A
// failing indexer round is logged and treated as an empty result set, only
// configuration problems surface as errors.
func (s *Service) Run(ctx context.Context, queryID int) ([]*models.SearchResult, error) {
	query, err := s.queries.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	group, err := s.groups.GetForQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	indexerIDs, err := s.resolveIndexerIDs(ctx, query, group)
	if err != nil {
		if errors.Is(err, ErrNoIndexers) {
			return nil, err
		}
		log.Error().Err(err).Int("queryID", queryID).Msg("Failed to resolve indexers, skipping search round")
		return nil, nil
	}

	metrics.Searches.Inc()
	results, err := s.indexer.Search(ctx, query.SearchQuery, indexerIDs)
	if err != nil {
		log.Error().Err(err).Int("queryID", queryID).Str("query", query.SearchQuery).Msg("Indexer search failed, skipping search round")
		return nil, nil
	}

	if err := s.results.BulkCreate(ctx, queryID, results); err != nil {
		return nil, errors.Wrap(err, "failed to persist search results")
	}

	log.Debug().Int("queryID", queryID).Int("results", len(results)).Msg("Search round finished")
	return results, nil
}

// Score rates a result by swarm health. Seederless results are halved so a
// well-seeded release always wins over a dead one of equal size.
func Score(seeders, leechers int) float64 {
	multiplier := 0.5
	if seeders >= 1 {
		multiplier = 1
	}
	ratio := float64(seeders) / float64(leechers+1)
	return multiplier * (2*float64(seeders) + ratio*float64(seeders+leechers))
}

// SelectBest ranks a query's stored results and returns the winner, or nil
// when nothing passes the filters.
func (s *Service) SelectBest(ctx context.Context, queryID int) (*models.SearchResult, error) {
	query, err := s.queries.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	group, err := s.groups.GetForQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := s.results.ListByQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}

	// a broken pattern must not wedge the whole query, filter is skipped
	var includes, excludes *regexp.Regexp
	if pattern := query.EffectiveIncludesRegex(group); pattern != "" {
		if includes, err = regexp.Compile("(?i)" + pattern); err != nil {
			log.Warn().Err(err).Int("queryID", queryID).Str("pattern", pattern).Msg("Invalid includes regex, ignoring filter")
			includes = nil
		}
	}
	if pattern := query.EffectiveExcludesRegex(group); pattern != "" {
		if excludes, err = regexp.Compile("(?i)" + pattern); err != nil {
			log.Warn().Err(err).Int("queryID", queryID).Str("pattern", pattern).Msg("Invalid excludes regex, ignoring filter")
			excludes = nil
		}
	}

	hashes := make([]string, 0, len(results))
	for _, r := range results {
		if r.InfoHash != "" {
			hashes = append(hashes, r.InfoHash)
		}
	}
	existing, err := s.torrents.ExistingHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	candidates := results[:0:0]
	for _, r := range results {
		if r.State == models.ResultStateDeleted {
			continue
		}
		if r.InfoHash != "" {
			if _, ok := existing[r.InfoHash]; ok {
				continue
			}
		}
		if includes != nil && !includes.MatchString(r.Title) {
			continue
		}
		if excludes != nil && excludes.MatchString(r.Title) {
			continue
		}
		candidates = append(candidates, r)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return Score(candidates[i].Seeders, candidates[i].Leechers) > Score(candidates[j].Seeders, candidates[j].Leechers)
	})

	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// RunAndDownload performs one search round and hands the best candidate to
// the torrent client. A round with no acceptable candidate is not an error.
func (s *Service) RunAndDownload(ctx context.Context, queryID int) error {
	if _, err := s.Run(ctx, queryID); err != nil {
		return err
	}

	best, err := s.SelectBest(ctx, queryID)
	if err != nil {
		return err
	}
	if best == nil {
		log.Debug().Int("queryID", queryID).Msg("No acceptable candidate this round")
		return nil
	}

	if s.downloader == nil {
		return errors.New("no downloader wired")
	}

	log.Info().
		Int("queryID", queryID).
		Str("title", best.Title).
		Int("seeders", best.Seeders).
		Msg("Sending best candidate to torrent client")

	return s.downloader.AddTorrentFromResult(ctx, best)
}
