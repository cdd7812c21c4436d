// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

var ErrSearchResultNotFound = errors.New("search result not found")

// SearchResult lifecycle states. State transitions only move forward except
// the explicit deleted-from-client reset when the torrent vanishes.
const (
	ResultStateNew     = ""
	ResultStateAdded   = "added"
	ResultStateDeleted = "deleted from client"
)

// SearchResult is one candidate download discovered on an indexer.
type SearchResult struct {
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Link        string    `json:"link,omitempty"`
	Magnet      string    `json:"magnet,omitempty"`
	InfoURL     string    `json:"infoUrl,omitempty"`
	InfoHash    string    `json:"infoHash,omitempty"`
	Seeders     int       `json:"seeders"`
	Leechers    int       `json:"leechers"`
	Size        int64     `json:"size"`
	Age         int       `json:"age"`
	Indexer     string    `json:"indexer,omitempty"`
	State       string    `json:"state"`
	Downloading bool      `json:"downloading"`
	CreatedAt   time.Time `json:"createdAt"`
}

type SearchResultStore struct {
	db dbinterface.Querier
}

func NewSearchResultStore(db dbinterface.Querier) *SearchResultStore {
	return &SearchResultStore{db: db}
}

const searchResultColumns = `guid, title, link, magnet, info_url, info_hash, seeders, leechers,
	size, age, indexer, state, downloading, created_at`

func scanSearchResult(row interface{ Scan(...any) error }) (*SearchResult, error) {
	var r SearchResult
	err := row.Scan(
		&r.GUID, &r.Title, &r.Link, &r.Magnet, &r.InfoURL, &r.InfoHash, &r.Seeders, &r.Leechers,
		&r.Size, &r.Age, &r.Indexer, &r.State, &r.Downloading, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SearchResultStore) Get(ctx context.Context, guid string) (*SearchResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+searchResultColumns+` FROM search_results WHERE guid = ?`, guid)
	r, err := scanSearchResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSearchResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// BulkCreate inserts results, ignoring duplicates by guid, and associates
// each with the given query.
func (s *SearchResultStore) BulkCreate(ctx context.Context, queryID int, results []*SearchResult) error {
	for _, r := range results {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO search_results (guid, title, link, magnet, info_url, info_hash,
			                                      seeders, leechers, size, age, indexer, state, downloading)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.GUID, r.Title, r.Link, r.Magnet, r.InfoURL, r.InfoHash,
			r.Seeders, r.Leechers, r.Size, r.Age, r.Indexer, r.State, r.Downloading)
		if err != nil {
			return err
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO query_results (query_id, guid) VALUES (?, ?)`, queryID, r.GUID)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListByQuery returns all results associated with a query.
func (s *SearchResultStore) ListByQuery(ctx context.Context, queryID int) ([]*SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedSearchResultColumns+`
		FROM search_results r
		JOIN query_results qr ON qr.guid = r.guid
		WHERE qr.query_id = ?
		ORDER BY r.created_at
	`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSearchResults(rows)
}

const prefixedSearchResultColumns = `r.guid, r.title, r.link, r.magnet, r.info_url, r.info_hash,
	r.seeders, r.leechers, r.size, r.age, r.indexer, r.state, r.downloading, r.created_at`

// ListAdded returns results in state "added" that have not started
// downloading yet. The download-start poller works off this set.
func (s *SearchResultStore) ListAdded(ctx context.Context) ([]*SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchResultColumns+` FROM search_results WHERE state = ? AND downloading = 0`,
		ResultStateAdded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSearchResults(rows)
}

func collectSearchResults(rows *sql.Rows) ([]*SearchResult, error) {
	var results []*SearchResult
	for rows.Next() {
		r, err := scanSearchResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// MarkAdded records a successful client add for a result and backfills the
// parsed info-hash.
func (s *SearchResultStore) MarkAdded(ctx context.Context, guid, infoHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_results SET info_hash = ?, state = ?, downloading = 0 WHERE guid = ?`,
		infoHash, ResultStateAdded, guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSearchResultNotFound
	}
	return nil
}

// SetDownloadingByHash flips the downloading flag on every result sharing an
// info-hash.
func (s *SearchResultStore) SetDownloadingByHash(ctx context.Context, infoHash string, downloading bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE search_results SET downloading = ? WHERE info_hash = ?`, downloading, infoHash)
	return err
}

// MarkDeletedByHash resets results whose torrent was removed from the client.
func (s *SearchResultStore) MarkDeletedByHash(ctx context.Context, infoHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE search_results SET state = ?, downloading = 0 WHERE info_hash = ?`,
		ResultStateDeleted, infoHash)
	return err
}

// QueryIDsForHash returns the ids of queries associated with a result
// info-hash, used to resolve the destination group after a download starts.
func (s *SearchResultStore) QueryIDsForHash(ctx context.Context, infoHash string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT qr.query_id
		FROM query_results qr
		JOIN search_results r ON r.guid = qr.guid
		WHERE r.info_hash = ?
	`, infoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
