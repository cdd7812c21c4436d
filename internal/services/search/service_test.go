// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
)

type fakeIndexer struct {
	tags       map[string][]int
	results    []*models.SearchResult
	searchErr  error
	lastQuery  string
	lastIDs    []int
	tagLookups []string
}

func (f *fakeIndexer) TagIndexerIDs(_ context.Context, label string) ([]int, error) {
	f.tagLookups = append(f.tagLookups, label)
	ids, ok := f.tags[label]
	if !ok {
		return nil, errors.Errorf("no prowlarr tag with label %q", label)
	}
	return ids, nil
}

func (f *fakeIndexer) Search(_ context.Context, query string, indexerIDs []int) ([]*models.SearchResult, error) {
	f.lastQuery = query
	f.lastIDs = indexerIDs
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

type testEnv struct {
	svc     *Service
	indexer *fakeIndexer
	queries *models.QueryStore
	groups  *models.QueryGroupStore
	results *models.SearchResultStore
	stored  *models.TorrentStore
}

func newTestEnv(t *testing.T, defaultTag string) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		indexer: &fakeIndexer{tags: map[string][]int{"linux": {1, 2}}},
		queries: models.NewQueryStore(db),
		groups:  models.NewQueryGroupStore(db),
		results: models.NewSearchResultStore(db),
		stored:  models.NewTorrentStore(db),
	}
	env.svc = NewService(env.indexer, env.queries, env.groups, env.results, env.stored, defaultTag)
	return env
}

func TestScore(t *testing.T) {
	// seeded beats seederless regardless of swarm size
	assert.Greater(t, Score(1, 0), Score(0, 100))
	// more seeders beats fewer at equal leechers
	assert.Greater(t, Score(50, 10), Score(5, 10))
	assert.Equal(t, 0.0, Score(0, 0))
}

func TestRunPersistsResults(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "ubuntu", ProwlarrTag: "linux"})
	require.NoError(t, err)

	env.indexer.results = []*models.SearchResult{
		{GUID: "g1", Title: "Ubuntu 24.04", Seeders: 10},
		{GUID: "g2", Title: "Ubuntu 23.10", Seeders: 2},
	}

	results, err := env.svc.Run(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "ubuntu", env.indexer.lastQuery)
	assert.Equal(t, []int{1, 2}, env.indexer.lastIDs)

	stored, err := env.results.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRunSwallowsIndexerErrors(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "ubuntu", ProwlarrTag: "linux"})
	require.NoError(t, err)

	env.indexer.searchErr = errors.New("connection refused")

	results, err := env.svc.Run(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunNoIndexersConfigured(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "ubuntu"})
	require.NoError(t, err)

	_, err = env.svc.Run(ctx, q.ID)
	assert.ErrorIs(t, err, ErrNoIndexers)
}

func TestRunFallsBackToDefaultTag(t *testing.T) {
	env := newTestEnv(t, "linux")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "ubuntu"})
	require.NoError(t, err)

	_, err = env.svc.Run(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"linux"}, env.indexer.tagLookups)
}

func TestRunUsesGroupIndexerList(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	group, err := env.groups.Create(ctx, &models.QueryGroup{Name: "isos", Indexers: "3, 5"})
	require.NoError(t, err)
	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "ubuntu", QueryGroupID: &group.ID})
	require.NoError(t, err)

	_, err = env.svc.Run(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, env.indexer.tagLookups)
	assert.Equal(t, []int{3, 5}, env.indexer.lastIDs)
}

func TestSelectBest(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{
		SearchQuery:   "show s01e01",
		IncludesRegex: "1080p",
		ExcludesRegex: "cam",
	})
	require.NoError(t, err)

	require.NoError(t, env.results.BulkCreate(ctx, q.ID, []*models.SearchResult{
		{GUID: "best", Title: "Show S01E01 1080p WEB", Seeders: 50, Leechers: 5},
		{GUID: "fewer-seeders", Title: "Show S01E01 1080p HDTV", Seeders: 10, Leechers: 5},
		{GUID: "wrong-quality", Title: "Show S01E01 720p WEB", Seeders: 500},
		{GUID: "excluded", Title: "Show S01E01 1080p CAM", Seeders: 500},
		{GUID: "already-added", Title: "Show S01E01 1080p BluRay", Seeders: 500, InfoHash: "aabbcc"},
		{GUID: "gone", Title: "Show S01E01 1080p WEBRip", Seeders: 500},
	}))
	require.NoError(t, env.stored.Upsert(ctx, &models.Torrent{Hash: "aabbcc"}))
	require.NoError(t, env.results.MarkAdded(ctx, "gone", "ddeeff"))
	require.NoError(t, env.results.MarkDeletedByHash(ctx, "ddeeff"))

	best, err := env.svc.SelectBest(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "best", best.GUID)
}

func TestSelectBestCaseInsensitiveIncludes(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "show", IncludesRegex: "WEB-DL"})
	require.NoError(t, err)

	require.NoError(t, env.results.BulkCreate(ctx, q.ID, []*models.SearchResult{
		{GUID: "g1", Title: "Show 1080p web-dl", Seeders: 1},
	}))

	best, err := env.svc.SelectBest(ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "g1", best.GUID)
}

func TestSelectBestNothingLeft(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "show", IncludesRegex: "2160p"})
	require.NoError(t, err)

	require.NoError(t, env.results.BulkCreate(ctx, q.ID, []*models.SearchResult{
		{GUID: "g1", Title: "Show 1080p", Seeders: 10},
	}))

	best, err := env.svc.SelectBest(ctx, q.ID)
	require.NoError(t, err)
	assert.Nil(t, best)
}

type recordingDownloader struct {
	added []string
	err   error
}

func (r *recordingDownloader) AddTorrentFromResult(_ context.Context, result *models.SearchResult) error {
	if r.err != nil {
		return r.err
	}
	r.added = append(r.added, result.GUID)
	return nil
}

func TestRunAndDownload(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "ubuntu", ProwlarrTag: "linux"})
	require.NoError(t, err)

	env.indexer.results = []*models.SearchResult{
		{GUID: "g1", Title: "Ubuntu 24.04", Seeders: 10},
	}
	downloader := &recordingDownloader{}
	env.svc.SetDownloader(downloader)

	require.NoError(t, env.svc.RunAndDownload(ctx, q.ID))
	assert.Equal(t, []string{"g1"}, downloader.added)

	// empty round is not an error
	env.indexer.results = nil
	q2, err := env.queries.Create(ctx, &models.Query{SearchQuery: "nothing", ProwlarrTag: "linux"})
	require.NoError(t, err)
	require.NoError(t, env.svc.RunAndDownload(ctx, q2.ID))
	assert.Len(t, downloader.added, 1)
}
