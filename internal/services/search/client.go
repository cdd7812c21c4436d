// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/models"
)

const tagCacheTTL = 5 * time.Minute

// ProwlarrClient talks to a Prowlarr instance over its v1 API.
type ProwlarrClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// tag label -> indexer ids, tags rarely change
	tagCache *ttlcache.Cache[string, []int]
}

func NewProwlarrClient(baseURL, apiKey string, timeout time.Duration) *ProwlarrClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &ProwlarrClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		tagCache:   ttlcache.New(ttlcache.Options[string, []int]{}.SetDefaultTTL(tagCacheTTL)),
	}
}

type tagDetail struct {
	ID         int    `json:"id"`
	Label      string `json:"label"`
	IndexerIDs []int  `json:"indexerIds"`
}

type releaseResource struct {
	GUID        string `json:"guid"`
	Title       string `json:"title"`
	DownloadURL string `json:"downloadUrl"`
	MagnetURL   string `json:"magnetUrl"`
	InfoURL     string `json:"infoUrl"`
	InfoHash    string `json:"infoHash"`
	Indexer     string `json:"indexer"`
	IndexerID   int    `json:"indexerId"`
	Seeders     int    `json:"seeders"`
	Leechers    int    `json:"leechers"`
	Size        int64  `json:"size"`
	Age         int    `json:"age"`
	Protocol    string `json:"protocol"`
}

func (c *ProwlarrClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := fmt.Sprintf("%s%s", c.baseURL, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errors.Errorf("prowlarr %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "could not decode %s response", path)
	}
	return nil
}

// TagIndexerIDs resolves a tag label (case-insensitive) to the indexer ids
// carrying that tag. Results are cached briefly.
func (c *ProwlarrClient) TagIndexerIDs(ctx context.Context, label string) ([]int, error) {
	key := strings.ToLower(label)
	if ids, ok := c.tagCache.Get(key); ok {
		return ids, nil
	}

	var tags []tagDetail
	if err := c.get(ctx, "/api/v1/tag/detail", nil, &tags); err != nil {
		return nil, err
	}

	for _, tag := range tags {
		if strings.EqualFold(tag.Label, label) {
			c.tagCache.Set(key, tag.IndexerIDs, tagCacheTTL)
			return tag.IndexerIDs, nil
		}
	}

	return nil, errors.Errorf("no prowlarr tag with label %q", label)
}

// Search runs a query against the given indexers and maps the releases into
// search results.
func (c *ProwlarrClient) Search(ctx context.Context, query string, indexerIDs []int) ([]*models.SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("apikey", c.apiKey)
	for _, id := range indexerIDs {
		params.Add("indexerIds", strconv.Itoa(id))
	}

	var releases []releaseResource
	if err := c.get(ctx, "/api/v1/search", params, &releases); err != nil {
		return nil, err
	}

	results := make([]*models.SearchResult, 0, len(releases))
	for _, release := range releases {
		if release.GUID == "" {
			continue
		}
		results = append(results, &models.SearchResult{
			GUID:     release.GUID,
			Title:    release.Title,
			Link:     release.DownloadURL,
			Magnet:   release.MagnetURL,
			InfoURL:  release.InfoURL,
			InfoHash: strings.ToLower(release.InfoHash),
			Seeders:  release.Seeders,
			Leechers: release.Leechers,
			Size:     release.Size,
			Age:      release.Age,
			Indexer:  release.Indexer,
			State:    models.ResultStateNew,
		})
	}
	return results, nil
}
