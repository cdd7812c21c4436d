// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadwatch

import (
	"context"
	"path/filepath"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
)

type fakeClient struct {
	torrents map[string]qbt.Torrent
}

func (f *fakeClient) ListTorrents(_ context.Context, hashes []string) ([]qbt.Torrent, error) {
	var out []qbt.Torrent
	for _, hash := range hashes {
		if t, ok := f.torrents[hash]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeSyncer struct {
	synced []string
}

func (f *fakeSyncer) SyncContents(_ context.Context, hash string) error {
	f.synced = append(f.synced, hash)
	return nil
}

type started struct {
	hash, guid string
}

type testEnv struct {
	svc      *Service
	client   *fakeClient
	syncer   *fakeSyncer
	results  *models.SearchResultStore
	torrents *models.TorrentStore
	queries  *models.QueryStore
	started  []started
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		client:   &fakeClient{torrents: make(map[string]qbt.Torrent)},
		syncer:   &fakeSyncer{},
		results:  models.NewSearchResultStore(db),
		torrents: models.NewTorrentStore(db),
		queries:  models.NewQueryStore(db),
	}
	env.svc = NewService(env.client, env.results, env.torrents, env.syncer,
		func(_ context.Context, hash, guid string) {
			env.started = append(env.started, started{hash: hash, guid: guid})
		})
	return env
}

func (env *testEnv) seedAddedResult(t *testing.T, guid, hash string) {
	t.Helper()
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: guid})
	require.NoError(t, err)
	require.NoError(t, env.results.BulkCreate(ctx, q.ID, []*models.SearchResult{{GUID: guid, Title: guid}}))
	require.NoError(t, env.results.MarkAdded(ctx, guid, hash))
}

func TestTickPromotesStartedDownloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAddedResult(t, "g1", "hash1")
	env.client.torrents["hash1"] = qbt.Torrent{Hash: "hash1", Name: "Started", State: qbt.TorrentStateDownloading}

	env.svc.Tick(ctx)

	stored, err := env.torrents.Get(ctx, "hash1")
	require.NoError(t, err)
	assert.Equal(t, "Started", stored.Name)

	got, err := env.results.Get(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.Downloading)

	assert.Equal(t, []string{"hash1"}, env.syncer.synced)
	require.Len(t, env.started, 1)
	assert.Equal(t, started{hash: "hash1", guid: "g1"}, env.started[0])

	// promoted result leaves the pending set, the next tick is a no-op
	env.svc.Tick(ctx)
	assert.Len(t, env.started, 1)
}

func TestTickLeavesNotStartedAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAddedResult(t, "g1", "hash1")
	env.client.torrents["hash1"] = qbt.Torrent{Hash: "hash1", State: qbt.TorrentStateQueuedDl}

	env.svc.Tick(ctx)

	got, err := env.results.Get(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, got.Downloading)
	assert.Equal(t, models.ResultStateAdded, got.State)
	assert.Empty(t, env.started)
}

func TestTickFlagsVanishedTorrents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAddedResult(t, "g1", "hash1")

	env.svc.Tick(ctx)

	got, err := env.results.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.ResultStateDeleted, got.State)
	assert.Empty(t, env.started)
}

func TestTickDeduplicatesByHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// two results pointing at the same torrent fire the callback once
	env.seedAddedResult(t, "g1", "hash1")
	env.seedAddedResult(t, "g2", "hash1")
	env.client.torrents["hash1"] = qbt.Torrent{Hash: "hash1", State: qbt.TorrentStateDownloading}

	env.svc.Tick(ctx)

	assert.Len(t, env.started, 1)
	assert.Equal(t, []string{"hash1"}, env.syncer.synced)

	for _, guid := range []string{"g1", "g2"} {
		got, err := env.results.Get(ctx, guid)
		require.NoError(t, err)
		assert.True(t, got.Downloading, guid)
	}
}
