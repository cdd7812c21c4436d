// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package linker hardlinks finished media files out of the torrent client's
// save path into the destination library.
package linker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/settings"
)

var (
	mediaFileRe   = regexp.MustCompile(`(?i)\.(mp4|mkv|avi|mpg|mpeg|mov|asf|mp3|hevc)$`)
	illegalCharRe = regexp.MustCompile(`[\\/:*?"<>|]`)
)

const (
	// junk below this size is skipped (samples, nfo renames, etc.)
	minLinkSize int64 = 10000

	minLinkProgress = 0.99
)

var ErrNoDestination = errors.New("destinationSavePath is not configured")

type Service struct {
	torrents *models.TorrentStore
	contents *models.TorrentContentStore
	settings *settings.Service
}

func NewService(torrents *models.TorrentStore, contents *models.TorrentContentStore, settingsSvc *settings.Service) *Service {
	return &Service{
		torrents: torrents,
		contents: contents,
		settings: settingsSvc,
	}
}

// flatten turns a path inside the torrent into a single file name, joining
// the components with underscores and stripping illegal characters.
func flatten(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	return illegalCharRe.ReplaceAllString(strings.Join(parts, "_"), "_")
}

// linkable filters for finished media files worth exporting.
func linkable(c *models.TorrentContent) bool {
	return mediaFileRe.MatchString(c.Name) && c.Size > minLinkSize && c.Progress > minLinkProgress
}

// LinkTorrentFiles hardlinks a torrent's finished media files into
// <destinationSavePath>/<destDir>/. Existing links are left alone, per-file
// failures are logged and do not stop the rest.
func (s *Service) LinkTorrentFiles(ctx context.Context, hash, destDir string) error {
	destRoot := s.settings.DestinationSavePath(ctx)
	if destRoot == "" {
		return ErrNoDestination
	}

	torrent, err := s.torrents.Get(ctx, hash)
	if err != nil {
		return err
	}

	contents, err := s.contents.ListByTorrent(ctx, hash)
	if err != nil {
		return err
	}

	destPath := filepath.Join(destRoot, flatten(destDir))
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return errors.Wrap(err, "could not create destination directory")
	}

	basePath := s.settings.TorrentClientBasePath(ctx)

	linked := 0
	for _, c := range contents {
		if !linkable(c) {
			continue
		}

		src := filepath.Join(basePath, torrent.SavePath, c.Name)
		dst := filepath.Join(destPath, flatten(c.Name))

		if err := os.Link(src, dst); err != nil {
			if errors.Is(err, fs.ErrExist) {
				log.Debug().Str("dst", dst).Msg("Hardlink already exists")
			} else {
				log.Error().Err(err).Str("src", src).Str("dst", dst).Msg("Failed to hardlink file")
				continue
			}
		} else {
			linked++
		}

		if err := s.contents.SetHardlinkPath(ctx, hash, c.FileIndex, dst); err != nil {
			log.Error().Err(err).Str("dst", dst).Msg("Failed to record hardlink path")
		}
	}

	log.Info().Str("hash", hash).Str("dest", destPath).Int("linked", linked).Msg("Linked torrent files")
	return nil
}
