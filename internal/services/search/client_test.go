// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagIndexerIDs(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tag/detail", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		hits++

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": 1, "label": "Movies", "indexerIds": [3, 5]},
			{"id": 2, "label": "tv", "indexerIds": [7]}
		]`))
	}))
	defer srv.Close()

	client := NewProwlarrClient(srv.URL, "test-key", time.Second)

	ids, err := client.TagIndexerIDs(t.Context(), "movies")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, ids)

	// second lookup is served from cache
	ids, err = client.TagIndexerIDs(t.Context(), "MOVIES")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, ids)
	assert.Equal(t, 1, hits)

	_, err = client.TagIndexerIDs(t.Context(), "books")
	assert.ErrorContains(t, err, "no prowlarr tag")
}

func TestSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/search", r.URL.Path)

		q := r.URL.Query()
		require.Equal(t, "big buck bunny", q.Get("query"))
		require.Equal(t, []string{"3", "5"}, q["indexerIds"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"guid": "guid-1", "title": "Big Buck Bunny 1080p", "downloadUrl": "http://dl/1",
			 "infoHash": "ABCDEF", "seeders": 12, "leechers": 3, "size": 1000, "indexer": "idx"},
			{"guid": "", "title": "broken release"},
			{"guid": "guid-2", "title": "Big Buck Bunny 720p", "magnetUrl": "magnet:?xt=urn:btih:cafe"}
		]`))
	}))
	defer srv.Close()

	client := NewProwlarrClient(srv.URL, "test-key", time.Second)

	results, err := client.Search(t.Context(), "big buck bunny", []int{3, 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "guid-1", results[0].GUID)
	assert.Equal(t, "http://dl/1", results[0].Link)
	assert.Equal(t, "abcdef", results[0].InfoHash)
	assert.Equal(t, 12, results[0].Seeders)
	assert.Equal(t, "guid-2", results[1].GUID)
	assert.Equal(t, "magnet:?xt=urn:btih:cafe", results[1].Magnet)
}

func TestSearchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewProwlarrClient(srv.URL, "test-key", time.Second)

	_, err := client.Search(t.Context(), "anything", nil)
	assert.ErrorContains(t, err, "status 500")
}
