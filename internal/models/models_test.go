// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestQueryStoreCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := models.NewQueryStore(db)

	created, err := store.Create(ctx, &models.Query{
		SearchQuery:   "ubuntu 24.04",
		ProwlarrTag:   "linux",
		IncludesRegex: "amd64",
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "ubuntu 24.04", created.SearchQuery)
	assert.False(t, created.LoopRunning)

	created.SearchQuery = "ubuntu 24.10"
	updated, err := store.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu 24.10", updated.SearchQuery)

	require.NoError(t, store.SetLoopRunning(ctx, created.ID, true))
	running, err := store.ListLoopRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, created.ID, running[0].ID)

	require.NoError(t, store.MarkDone(ctx, created.ID))
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.DownloadComplete)
	assert.False(t, got.LoopRunning)

	require.NoError(t, store.Delete(ctx, created.ID))
	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, models.ErrQueryNotFound)
	assert.ErrorIs(t, store.Delete(ctx, created.ID), models.ErrQueryNotFound)
}

func TestQueryGroupFallbacks(t *testing.T) {
	group := &models.QueryGroup{ProwlarrTag: "tv", IncludesRegex: "1080p", ExcludesRegex: "cam"}

	tests := []struct {
		name        string
		query       models.Query
		group       *models.QueryGroup
		wantTag     string
		wantInclude string
		wantExclude string
	}{
		{
			name:        "query overrides group",
			query:       models.Query{ProwlarrTag: "movies", IncludesRegex: "2160p", ExcludesRegex: "hdcam"},
			group:       group,
			wantTag:     "movies",
			wantInclude: "2160p",
			wantExclude: "hdcam",
		},
		{
			name:        "empty query falls back to group",
			query:       models.Query{},
			group:       group,
			wantTag:     "tv",
			wantInclude: "1080p",
			wantExclude: "cam",
		},
		{
			name:  "no group",
			query: models.Query{},
			group: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTag, tt.query.EffectiveTag(tt.group))
			assert.Equal(t, tt.wantInclude, tt.query.EffectiveIncludesRegex(tt.group))
			assert.Equal(t, tt.wantExclude, tt.query.EffectiveExcludesRegex(tt.group))
		})
	}
}

func TestQueryGroupDeleteDetachesQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	queries := models.NewQueryStore(db)
	groups := models.NewQueryGroupStore(db)

	group, err := groups.Create(ctx, &models.QueryGroup{Name: "distros"})
	require.NoError(t, err)

	q, err := queries.Create(ctx, &models.Query{SearchQuery: "debian", QueryGroupID: &group.ID})
	require.NoError(t, err)

	resolved, err := groups.GetForQuery(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "distros", resolved.Name)

	require.NoError(t, groups.Delete(ctx, group.ID))

	got, err := queries.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Nil(t, got.QueryGroupID)
}

func TestSearchResultLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	queries := models.NewQueryStore(db)
	results := models.NewSearchResultStore(db)

	q, err := queries.Create(ctx, &models.Query{SearchQuery: "arch"})
	require.NoError(t, err)

	err = results.BulkCreate(ctx, q.ID, []*models.SearchResult{
		{GUID: "guid-1", Title: "Arch 2025.08", Seeders: 10},
		{GUID: "guid-2", Title: "Arch 2025.07", Seeders: 3},
	})
	require.NoError(t, err)

	// duplicate guid is ignored, association still recorded
	err = results.BulkCreate(ctx, q.ID, []*models.SearchResult{
		{GUID: "guid-1", Title: "Arch 2025.08 renamed"},
	})
	require.NoError(t, err)

	list, err := results.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Arch 2025.08", list[0].Title)

	require.NoError(t, results.MarkAdded(ctx, "guid-1", "aabbcc"))

	added, err := results.ListAdded(ctx)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "guid-1", added[0].GUID)
	assert.Equal(t, "aabbcc", added[0].InfoHash)

	require.NoError(t, results.SetDownloadingByHash(ctx, "aabbcc", true))
	added, err = results.ListAdded(ctx)
	require.NoError(t, err)
	assert.Empty(t, added)

	ids, err := results.QueryIDsForHash(ctx, "aabbcc")
	require.NoError(t, err)
	assert.Equal(t, []int{q.ID}, ids)

	require.NoError(t, results.MarkDeletedByHash(ctx, "aabbcc"))
	got, err := results.Get(ctx, "guid-1")
	require.NoError(t, err)
	assert.Equal(t, models.ResultStateDeleted, got.State)
	assert.False(t, got.Downloading)
}

func TestTorrentStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := models.NewTorrentStore(db)

	torrent := &models.Torrent{
		Hash:     "aabbcc",
		Name:     "test torrent",
		Category: "fetcharr",
		State:    "downloading",
		Progress: 0.5,
		Size:     1000,
		DlSpeed:  50000,
	}
	require.NoError(t, store.Upsert(ctx, torrent))

	torrent.Progress = 1
	torrent.State = "uploading"
	require.NoError(t, store.Upsert(ctx, torrent))

	got, err := store.Get(ctx, "aabbcc")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "uploading", got.State)

	byCategory, err := store.ListByCategory(ctx, "fetcharr")
	require.NoError(t, err)
	assert.Len(t, byCategory, 1)

	existing, err := store.ExistingHashes(ctx, []string{"aabbcc", "unknown"})
	require.NoError(t, err)
	assert.Contains(t, existing, "aabbcc")
	assert.NotContains(t, existing, "unknown")

	require.NoError(t, store.SetPieceStates(ctx, "aabbcc", "[2,2,1,0]"))
	got, err = store.Get(ctx, "aabbcc")
	require.NoError(t, err)
	assert.Equal(t, "[2,2,1,0]", got.PieceStates)

	// snapshot upsert must not clobber the stored piece states
	require.NoError(t, store.Upsert(ctx, torrent))
	got, err = store.Get(ctx, "aabbcc")
	require.NoError(t, err)
	assert.Equal(t, "[2,2,1,0]", got.PieceStates)

	require.NoError(t, store.Delete(ctx, "aabbcc"))
	_, err = store.Get(ctx, "aabbcc")
	assert.ErrorIs(t, err, models.ErrTorrentNotFound)
}

func TestTorrentListByQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	queries := models.NewQueryStore(db)
	groups := models.NewQueryGroupStore(db)
	results := models.NewSearchResultStore(db)
	torrents := models.NewTorrentStore(db)

	group, err := groups.Create(ctx, &models.QueryGroup{Name: "isos"})
	require.NoError(t, err)
	q, err := queries.Create(ctx, &models.Query{SearchQuery: "fedora", QueryGroupID: &group.ID})
	require.NoError(t, err)

	require.NoError(t, results.BulkCreate(ctx, q.ID, []*models.SearchResult{
		{GUID: "g1", Title: "Fedora 42", InfoHash: "hash1"},
	}))
	require.NoError(t, torrents.Upsert(ctx, &models.Torrent{Hash: "hash1", Name: "Fedora 42"}))
	require.NoError(t, torrents.Upsert(ctx, &models.Torrent{Hash: "hash2", Name: "unrelated"}))

	byQuery, err := torrents.ListByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "hash1", byQuery[0].Hash)

	byGroup, err := torrents.ListByQueryGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, byGroup, 1)
	assert.Equal(t, "hash1", byGroup[0].Hash)
}

func TestTorrentContentStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	torrents := models.NewTorrentStore(db)
	contents := models.NewTorrentContentStore(db)

	require.NoError(t, torrents.Upsert(ctx, &models.Torrent{Hash: "aabbcc"}))

	content := &models.TorrentContent{
		TorrentHash: "aabbcc",
		FileIndex:   0,
		Name:        "Show/Episode.mkv",
		Size:        55000,
		PieceStart:  4,
		PieceEnd:    7,
		PieceSize:   16384,
	}
	require.NoError(t, contents.Upsert(ctx, content))
	assert.Equal(t, "aabbcc_0", content.ID)

	content.Progress = 1
	require.NoError(t, contents.Upsert(ctx, content))

	list, err := contents.ListByTorrent(ctx, "aabbcc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1.0, list[0].Progress)

	require.NoError(t, contents.SetHardlinkPath(ctx, "aabbcc", 0, "/dst/Show_Episode.mkv"))
	got, err := contents.Get(ctx, "aabbcc", 0)
	require.NoError(t, err)
	assert.Equal(t, "/dst/Show_Episode.mkv", got.HardlinkPath)

	// contents cascade with the torrent row
	require.NoError(t, torrents.Delete(ctx, "aabbcc"))
	list, err = contents.ListByTorrent(ctx, "aabbcc")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSettingStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := models.NewSettingStore(db)

	_, err := store.Get(ctx, "eventLoopInterval")
	assert.ErrorIs(t, err, models.ErrSettingNotFound)

	require.NoError(t, store.Set(ctx, "eventLoopInterval", "30"))
	require.NoError(t, store.Set(ctx, "eventLoopInterval", "60"))

	value, err := store.Get(ctx, "eventLoopInterval")
	require.NoError(t, err)
	assert.Equal(t, "60", value)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"eventLoopInterval": "60"}, all)
}
