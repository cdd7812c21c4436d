// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package settings exposes the runtime-tunable key/value settings backed by
// the database. Keys are enumerated, anything else is rejected.
package settings

import (
	"context"
	"strconv"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/models"
)

// cacheTTL bounds how long a hot setting is served from memory. Writes
// through this service update the cache immediately.
const cacheTTL = 30 * time.Second

// Public setting keys. These are the only keys accepted over the API.
const (
	KeyTorrentClientBasePath  = "torrentClientBasePath"
	KeyTorrentClientSavePath  = "torrentClientSavePath"
	KeyDestinationSavePath    = "destinationSavePath"
	KeyPreviewSavePath        = "previewSavePath"
	KeyDefaultTorrentCategory = "defaultTorrentCategory"
	KeyDefaultRenameTemplate  = "defaultRenameTemplate"
	KeyEventLoopInterval      = "eventLoopInterval"
	KeyMinDlSpeed             = "minDlSpeed"
	KeySequentialDownload     = "sequentialDownload"
)

// keyGlobalEventLoopRunning persists the scheduler state across restarts.
// Internal, not settable over the API.
const keyGlobalEventLoopRunning = "globalEventLoopRunning"

var ErrUnknownKey = errors.New("unknown setting key")

var allowedKeys = map[string]struct{}{
	KeyTorrentClientBasePath:  {},
	KeyTorrentClientSavePath:  {},
	KeyDestinationSavePath:    {},
	KeyPreviewSavePath:        {},
	KeyDefaultTorrentCategory: {},
	KeyDefaultRenameTemplate:  {},
	KeyEventLoopInterval:      {},
	KeyMinDlSpeed:             {},
	KeySequentialDownload:     {},
}

var defaults = map[string]string{
	KeyDefaultTorrentCategory: "fetcharr",
	KeyEventLoopInterval:      "30",
	KeyMinDlSpeed:             "40000",
	KeySequentialDownload:     "false",
}

type Service struct {
	store *models.SettingStore
	cache *ttlcache.Cache[string, string]
}

func NewService(store *models.SettingStore) *Service {
	return &Service{
		store: store,
		cache: ttlcache.New(ttlcache.Options[string, string]{}.SetDefaultTTL(cacheTTL)),
	}
}

// Get returns a public setting value, falling back to its default when
// unset. Unknown keys are rejected.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if _, ok := allowedKeys[key]; !ok {
		return "", ErrUnknownKey
	}
	return s.lookup(ctx, key), nil
}

// Set stores a public setting value. Unknown keys are rejected.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if _, ok := allowedKeys[key]; !ok {
		return ErrUnknownKey
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	s.cache.Set(key, value, cacheTTL)
	return nil
}

// All returns every public setting, merged over the defaults.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	stored, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(allowedKeys))
	for key := range allowedKeys {
		merged[key] = defaults[key]
	}
	for key, value := range stored {
		if _, ok := allowedKeys[key]; ok {
			merged[key] = value
		}
	}
	return merged, nil
}

func (s *Service) lookup(ctx context.Context, key string) string {
	if value, ok := s.cache.Get(key); ok {
		return value
	}
	value, err := s.store.Get(ctx, key)
	if err != nil {
		return defaults[key]
	}
	s.cache.Set(key, value, cacheTTL)
	return value
}

func (s *Service) TorrentClientBasePath(ctx context.Context) string {
	return s.lookup(ctx, KeyTorrentClientBasePath)
}

func (s *Service) TorrentClientSavePath(ctx context.Context) string {
	return s.lookup(ctx, KeyTorrentClientSavePath)
}

func (s *Service) DestinationSavePath(ctx context.Context) string {
	return s.lookup(ctx, KeyDestinationSavePath)
}

func (s *Service) PreviewSavePath(ctx context.Context) string {
	return s.lookup(ctx, KeyPreviewSavePath)
}

func (s *Service) DefaultTorrentCategory(ctx context.Context) string {
	return s.lookup(ctx, KeyDefaultTorrentCategory)
}

func (s *Service) DefaultRenameTemplate(ctx context.Context) string {
	return s.lookup(ctx, KeyDefaultRenameTemplate)
}

// EventLoopInterval is the scheduler tick, in seconds in storage.
func (s *Service) EventLoopInterval(ctx context.Context) time.Duration {
	seconds, err := strconv.Atoi(s.lookup(ctx, KeyEventLoopInterval))
	if err != nil || seconds <= 0 {
		seconds, _ = strconv.Atoi(defaults[KeyEventLoopInterval])
	}
	return time.Duration(seconds) * time.Second
}

// MinDlSpeed is the slow-transfer threshold in bytes per second.
func (s *Service) MinDlSpeed(ctx context.Context) int64 {
	speed, err := strconv.ParseInt(s.lookup(ctx, KeyMinDlSpeed), 10, 64)
	if err != nil || speed <= 0 {
		speed, _ = strconv.ParseInt(defaults[KeyMinDlSpeed], 10, 64)
	}
	return speed
}

func (s *Service) SequentialDownload(ctx context.Context) bool {
	return s.lookup(ctx, KeySequentialDownload) == "true"
}

func (s *Service) GlobalEventLoopRunning(ctx context.Context) bool {
	value, err := s.store.Get(ctx, keyGlobalEventLoopRunning)
	if err != nil {
		return false
	}
	return value == "true"
}

func (s *Service) SetGlobalEventLoopRunning(ctx context.Context, running bool) error {
	return s.store.Set(ctx, keyGlobalEventLoopRunning, strconv.FormatBool(running))
}
