// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package eventloop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/settings"
)

type fakeSearch struct {
	runs []int
	err  error
}

func (f *fakeSearch) RunAndDownload(_ context.Context, queryID int) error {
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, queryID)
	return nil
}

type fakeTorrents struct {
	live    map[int][]qbt.Torrent
	cleaned []int
	liveErr error
}

func (f *fakeTorrents) LiveForQuery(_ context.Context, queryID int) ([]qbt.Torrent, error) {
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	return f.live[queryID], nil
}

func (f *fakeTorrents) DeleteCompetingTorrents(_ context.Context, queryID int) error {
	f.cleaned = append(f.cleaned, queryID)
	return nil
}

type testEnv struct {
	manager  *Manager
	search   *fakeSearch
	torrents *fakeTorrents
	queries  *models.QueryStore
	settings *settings.Service
	now      time.Time
}

func newTestEnv(t *testing.T, requeueOnError bool) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		search:   &fakeSearch{},
		torrents: &fakeTorrents{live: make(map[int][]qbt.Torrent)},
		queries:  models.NewQueryStore(db),
		settings: settings.NewService(models.NewSettingStore(db)),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.manager = NewManager(env.queries, env.settings, env.search, env.torrents, requeueOnError)
	env.manager.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) newRunningQuery(t *testing.T) int {
	t.Helper()
	ctx := context.Background()

	q, err := env.queries.Create(ctx, &models.Query{SearchQuery: "test", LoopRunning: true})
	require.NoError(t, err)
	return q.ID
}

// torrent helpers: recent means added just now, old means past the stale age
func (env *testEnv) recent(state qbt.TorrentState, dlspeed int64, avail float64) qbt.Torrent {
	return qbt.Torrent{State: state, DlSpeed: dlspeed, Availability: avail, AddedOn: env.now.Unix()}
}

func (env *testEnv) old(state qbt.TorrentState, dlspeed int64, avail float64) qbt.Torrent {
	return qbt.Torrent{State: state, DlSpeed: dlspeed, Availability: avail, AddedOn: env.now.Add(-time.Hour).Unix()}
}

func TestCheckNoTorrentsSearches(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.Equal(t, []int{id}, env.search.runs)
}

func TestCheckActiveDownloadDoesNothing(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)
	env.torrents.live[id] = []qbt.Torrent{
		env.old(qbt.TorrentStateDownloading, 0, 1.2),
	}

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.Empty(t, env.search.runs)
}

func TestCheckAllWaitingDoesNothing(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)
	env.torrents.live[id] = []qbt.Torrent{
		env.recent(qbt.TorrentStateQueuedDl, 0, 0),
		env.recent(qbt.TorrentStateMetaDl, 0, 0),
	}

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.Empty(t, env.search.runs)
}

func TestCheckCompletedFinishesQuery(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)

	completed := env.old(qbt.TorrentStateUploading, 0, 0)
	completed.Progress = 1
	env.torrents.live[id] = []qbt.Torrent{completed}

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, rearm)
	assert.Equal(t, []int{id}, env.torrents.cleaned)
	assert.Empty(t, env.search.runs)

	q, err := env.queries.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, q.DownloadComplete)
	assert.False(t, q.LoopRunning)

	// terminal: a later check is a no-op
	rearm, err = env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, rearm)
}

func TestCheckAllStaleSearchesOnce(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)
	env.torrents.live[id] = []qbt.Torrent{
		env.old(qbt.TorrentStateStalledDl, 100, 0.4),
		env.old(qbt.TorrentStateStalledDl, 0, 0.2),
	}

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.Equal(t, []int{id}, env.search.runs)
}

func TestCheckAllSlowSearches(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)
	// fresh but crawling below the 40 kB/s default
	env.torrents.live[id] = []qbt.Torrent{
		env.recent(qbt.TorrentStateStalledDl, 1000, 0.4),
	}

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.Equal(t, []int{id}, env.search.runs)
}

func TestCheckHealthyInProgress(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.newRunningQuery(t)
	// fast but availability below 1: not "active", not waiting, not stale
	env.torrents.live[id] = []qbt.Torrent{
		env.recent(qbt.TorrentStateDownloading, 500000, 0.6),
	}

	rearm, err := env.manager.check(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.Empty(t, env.search.runs)
}

func TestCheckDeletedQueryDropsTask(t *testing.T) {
	env := newTestEnv(t, false)

	rearm, err := env.manager.check(context.Background(), 9999)
	require.NoError(t, err)
	assert.False(t, rearm)
}

func TestTickProcessesOneTaskPerTick(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	first := env.newRunningQuery(t)
	second := env.newRunningQuery(t)

	require.NoError(t, env.manager.StartQueryLoop(ctx, first))
	require.NoError(t, env.manager.StartQueryLoop(ctx, second))
	assert.Equal(t, 2, env.manager.QueueLength())

	env.manager.Tick(ctx)
	assert.Len(t, env.search.runs, 1)
	// the processed query re-armed itself behind the remaining one
	assert.Equal(t, 2, env.manager.QueueLength())

	env.manager.Tick(ctx)
	assert.ElementsMatch(t, []int{first, second}, env.search.runs)
}

func TestTickErrorFailClosed(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	id := env.newRunningQuery(t)
	env.torrents.liveErr = errors.New("client down")

	require.NoError(t, env.manager.StartQueryLoop(ctx, id))
	env.manager.Tick(ctx)

	assert.Equal(t, 0, env.manager.QueueLength())
}

func TestTickErrorRequeues(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	id := env.newRunningQuery(t)
	env.torrents.liveErr = errors.New("client down")

	require.NoError(t, env.manager.StartQueryLoop(ctx, id))
	env.manager.Tick(ctx)

	assert.Equal(t, 1, env.manager.QueueLength())
}

func TestStopQueryLoopRemovesTask(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	id := env.newRunningQuery(t)

	require.NoError(t, env.manager.StartQueryLoop(ctx, id))
	require.NoError(t, env.manager.StopQueryLoop(ctx, id))
	assert.Equal(t, 0, env.manager.QueueLength())

	q, err := env.queries.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, q.LoopRunning)

	// a stopped loop is skipped even if something re-enqueues it
	env.manager.enqueue(id)
	env.manager.Tick(ctx)
	assert.Empty(t, env.search.runs)
}

func TestStartStopPersistsState(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx))
	assert.True(t, env.manager.Running())
	assert.True(t, env.settings.GlobalEventLoopRunning(ctx))

	// idempotent
	require.NoError(t, env.manager.Start(ctx))

	require.NoError(t, env.manager.Stop(ctx))
	assert.False(t, env.manager.Running())
	assert.False(t, env.settings.GlobalEventLoopRunning(ctx))
	require.NoError(t, env.manager.Stop(ctx))
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	running := env.newRunningQuery(t)
	_, err := env.queries.Create(ctx, &models.Query{SearchQuery: "stopped"})
	require.NoError(t, err)
	require.NoError(t, env.settings.SetGlobalEventLoopRunning(ctx, true))

	require.NoError(t, env.manager.Restore(ctx))
	t.Cleanup(func() { env.manager.Stop(ctx) })

	assert.True(t, env.manager.Running())
	assert.Equal(t, 1, env.manager.QueueLength())

	env.manager.Tick(ctx)
	assert.Equal(t, []int{running}, env.search.runs)
}

func TestStartPersistFailureLeavesStopped(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	// a closed database makes the state write fail
	broken, err := database.New(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	require.NoError(t, broken.Close())

	env.manager.settings = settings.NewService(models.NewSettingStore(broken))
	require.Error(t, env.manager.Start(ctx))
	assert.False(t, env.manager.Running())

	// once the store is healthy again a retry must actually start the loop
	env.manager.settings = env.settings
	require.NoError(t, env.manager.Start(ctx))
	assert.True(t, env.manager.Running())
	require.NoError(t, env.manager.Stop(ctx))
}
