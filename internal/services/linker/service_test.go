// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package linker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/settings"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{name: "plain file", in: "episode.mkv", expected: "episode.mkv"},
		{name: "nested path", in: "Show/Season 1/episode.mkv", expected: "Show_Season 1_episode.mkv"},
		{name: "windows separators", in: `Show\episode.mkv`, expected: "Show_episode.mkv"},
		{name: "illegal characters", in: `what? is:this<name>.mkv`, expected: "what_ is_this_name_.mkv"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, flatten(tt.in))
		})
	}
}

func TestLinkable(t *testing.T) {
	assert.True(t, linkable(&models.TorrentContent{Name: "a.mkv", Size: 20000, Progress: 1}))
	assert.True(t, linkable(&models.TorrentContent{Name: "b.MP4", Size: 20000, Progress: 0.995}))
	// wrong extension
	assert.False(t, linkable(&models.TorrentContent{Name: "a.nfo", Size: 20000, Progress: 1}))
	// too small
	assert.False(t, linkable(&models.TorrentContent{Name: "sample.mkv", Size: 5000, Progress: 1}))
	// unfinished
	assert.False(t, linkable(&models.TorrentContent{Name: "a.mkv", Size: 20000, Progress: 0.5}))
}

type testEnv struct {
	svc      *Service
	torrents *models.TorrentStore
	contents *models.TorrentContentStore
	settings *settings.Service
	baseDir  string
	destDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		torrents: models.NewTorrentStore(db),
		contents: models.NewTorrentContentStore(db),
		settings: settings.NewService(models.NewSettingStore(db)),
		baseDir:  t.TempDir(),
		destDir:  t.TempDir(),
	}
	env.svc = NewService(env.torrents, env.contents, env.settings)

	require.NoError(t, env.settings.Set(ctx, settings.KeyTorrentClientBasePath, env.baseDir))
	require.NoError(t, env.settings.Set(ctx, settings.KeyDestinationSavePath, env.destDir))
	return env
}

func (env *testEnv) writeSourceFile(t *testing.T, savePath, name string, size int) {
	t.Helper()

	full := filepath.Join(env.baseDir, savePath, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, make([]byte, size), 0o644))
}

func TestLinkTorrentFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.torrents.Upsert(ctx, &models.Torrent{Hash: "hash1", SavePath: "downloads"}))
	require.NoError(t, env.contents.Upsert(ctx, &models.TorrentContent{
		TorrentHash: "hash1", FileIndex: 0, Name: "Show/Episode.mkv", Size: 20000, Progress: 1,
	}))
	require.NoError(t, env.contents.Upsert(ctx, &models.TorrentContent{
		TorrentHash: "hash1", FileIndex: 1, Name: "Show/notes.nfo", Size: 20000, Progress: 1,
	}))
	require.NoError(t, env.contents.Upsert(ctx, &models.TorrentContent{
		TorrentHash: "hash1", FileIndex: 2, Name: "Show/Unfinished.mkv", Size: 20000, Progress: 0.2,
	}))

	env.writeSourceFile(t, "downloads", "Show/Episode.mkv", 20000)

	require.NoError(t, env.svc.LinkTorrentFiles(ctx, "hash1", "My Show"))

	linked := filepath.Join(env.destDir, "My Show", "Show_Episode.mkv")
	info, err := os.Stat(linked)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), info.Size())

	content, err := env.contents.Get(ctx, "hash1", 0)
	require.NoError(t, err)
	assert.Equal(t, linked, content.HardlinkPath)

	// the filtered files were not linked
	_, err = os.Stat(filepath.Join(env.destDir, "My Show", "Show_notes.nfo"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.destDir, "My Show", "Show_Unfinished.mkv"))
	assert.True(t, os.IsNotExist(err))

	// relinking is a quiet no-op
	require.NoError(t, env.svc.LinkTorrentFiles(ctx, "hash1", "My Show"))
}

func TestLinkTorrentFilesNoDestination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.settings.Set(ctx, settings.KeyDestinationSavePath, ""))
	err := env.svc.LinkTorrentFiles(ctx, "hash1", "My Show")
	assert.ErrorIs(t, err, ErrNoDestination)
}
