// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent wraps the qBittorrent Web API client with the handful
// of operations the reconciliation loop and pollers need.
package qbittorrent

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/pieces"
)

var minWebAPIVersion = semver.MustParse("2.8.3")

type Client struct {
	*qbt.Client

	host string

	mu            sync.RWMutex
	webAPIVersion string
	healthy       bool
}

func NewClient(ctx context.Context, host, username, password string) (*Client, error) {
	qbtClient := qbt.NewClient(qbt.Config{
		Host:     host,
		Username: username,
		Password: password,
		Timeout:  60,
	})

	if err := qbtClient.LoginCtx(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to connect to qBittorrent")
	}

	client := &Client{
		Client: qbtClient,
		host:   host,
	}

	if err := client.refreshVersion(ctx); err != nil {
		log.Warn().Err(err).Str("host", host).Msg("Failed to read qBittorrent Web API version")
	}

	return client, nil
}

func (c *Client) refreshVersion(ctx context.Context) error {
	version, err := c.GetWebAPIVersionCtx(ctx)
	if err != nil {
		c.setHealthy(false)
		return err
	}

	c.mu.Lock()
	c.webAPIVersion = version
	c.mu.Unlock()
	c.setHealthy(true)

	if v, err := semver.NewVersion(version); err == nil && v.LessThan(minWebAPIVersion) {
		log.Warn().
			Str("version", version).
			Str("minimum", minWebAPIVersion.String()).
			Msg("qBittorrent Web API version is older than supported, expect degraded behavior")
	}

	return nil
}

func (c *Client) WebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Client) setHealthy(healthy bool) {
	c.mu.Lock()
	c.healthy = healthy
	c.mu.Unlock()
}

// HealthCheck pings the Web API and records the result.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.refreshVersion(ctx)
}

// ListTorrents fetches live torrent state for the given hashes, or every
// torrent when hashes is empty.
func (c *Client) ListTorrents(ctx context.Context, hashes []string) ([]qbt.Torrent, error) {
	torrents, err := c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: hashes})
	if err != nil {
		c.setHealthy(false)
		return nil, errors.Wrap(err, "failed to list torrents")
	}
	c.setHealthy(true)
	return torrents, nil
}

func (c *Client) ListTorrentsByCategory(ctx context.Context, category string) ([]qbt.Torrent, error) {
	torrents, err := c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Category: category})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list torrents by category")
	}
	return torrents, nil
}

// GetTorrent returns the torrent for a hash, or nil when the client does not
// know it.
func (c *Client) GetTorrent(ctx context.Context, hash string) (*qbt.Torrent, error) {
	torrents, err := c.ListTorrents(ctx, []string{hash})
	if err != nil {
		return nil, err
	}
	for i := range torrents {
		if torrents[i].Hash == hash {
			return &torrents[i], nil
		}
	}
	return nil, nil
}

// AddOptions control how a torrent is added to the client.
type AddOptions struct {
	Category           string
	SavePath           string
	SequentialDownload bool
	FirstLastPiecePrio bool
	Paused             bool
}

// AddTorrent adds a torrent by magnet URI or .torrent URL.
func (c *Client) AddTorrent(ctx context.Context, url string, opts AddOptions) error {
	options := map[string]string{
		"category":           opts.Category,
		"sequentialDownload": strconv.FormatBool(opts.SequentialDownload),
		"firstLastPiecePrio": strconv.FormatBool(opts.FirstLastPiecePrio),
	}
	if opts.SavePath != "" {
		options["savepath"] = opts.SavePath
		options["autoTMM"] = "false"
	}
	if opts.Paused {
		// qBittorrent 5 renamed the option, send both
		options["paused"] = "true"
		options["stopped"] = "true"
	}

	if err := c.AddTorrentFromUrlCtx(ctx, url, options); err != nil {
		return errors.Wrap(err, "failed to add torrent")
	}
	return nil
}

func (c *Client) PauseTorrents(ctx context.Context, hashes []string) error {
	return errors.Wrap(c.PauseCtx(ctx, hashes), "failed to pause torrents")
}

func (c *Client) ResumeTorrents(ctx context.Context, hashes []string) error {
	return errors.Wrap(c.ResumeCtx(ctx, hashes), "failed to resume torrents")
}

func (c *Client) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	return errors.Wrap(c.DeleteTorrentsCtx(ctx, hashes, deleteFiles), "failed to delete torrents")
}

// Files returns per-file metadata including the piece range each file spans.
func (c *Client) Files(ctx context.Context, hash string) (*qbt.TorrentFiles, error) {
	files, err := c.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get torrent files")
	}
	return files, nil
}

// PieceStates returns the per-piece download state of a torrent.
func (c *Client) PieceStates(ctx context.Context, hash string) ([]pieces.State, error) {
	raw, err := c.GetTorrentPieceStatesCtx(ctx, hash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get piece states")
	}

	states := make([]pieces.State, len(raw))
	for i, s := range raw {
		states[i] = pieces.State(s)
	}
	return states, nil
}

// PieceSize reads the piece size of a torrent from its properties.
func (c *Client) PieceSize(ctx context.Context, hash string) (int64, error) {
	props, err := c.GetTorrentPropertiesCtx(ctx, hash)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get torrent properties")
	}
	return props.PieceSize, nil
}

// WaitHealthy blocks until the client responds or the context expires,
// retrying on an interval. Used at startup when qBittorrent may still be
// coming up.
func (c *Client) WaitHealthy(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.HealthCheck(ctx); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
