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

var (
	ErrQueryNotFound      = errors.New("query not found")
	ErrQueryGroupNotFound = errors.New("query group not found")
)

// Query is a saved search intent. Fields left empty inherit the group's
// value, resolved via the Effective* helpers.
type Query struct {
	ID               int       `json:"id"`
	SearchQuery      string    `json:"searchQuery"`
	ProwlarrTag      string    `json:"prowlarrTag,omitempty"`
	TargetQuality    string    `json:"targetQuality,omitempty"`
	SearchFrequency  int       `json:"searchFrequency,omitempty"`
	IncludesRegex    string    `json:"includesRegex,omitempty"`
	ExcludesRegex    string    `json:"excludesRegex,omitempty"`
	LoopRunning      bool      `json:"loopRunning"`
	DownloadComplete bool      `json:"downloadComplete"`
	QueryGroupID     *int      `json:"queryGroupId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// QueryGroup bundles default search settings shared by member queries.
type QueryGroup struct {
	ID              int       `json:"id"`
	Name            string    `json:"name"`
	ProwlarrTag     string    `json:"prowlarrTag,omitempty"`
	Indexers        string    `json:"indexers,omitempty"`
	TargetQuality   string    `json:"targetQuality,omitempty"`
	SearchFrequency int       `json:"searchFrequency,omitempty"`
	IncludesRegex   string    `json:"includesRegex,omitempty"`
	ExcludesRegex   string    `json:"excludesRegex,omitempty"`
	SourceURL       string    `json:"sourceUrl,omitempty"`
	ScraperURL      string    `json:"scraperUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// EffectiveTag returns the query's indexer tag, falling back to the group's.
func (q *Query) EffectiveTag(group *QueryGroup) string {
	if q.ProwlarrTag != "" {
		return q.ProwlarrTag
	}
	if group != nil {
		return group.ProwlarrTag
	}
	return ""
}

func (q *Query) EffectiveIncludesRegex(group *QueryGroup) string {
	if q.IncludesRegex != "" {
		return q.IncludesRegex
	}
	if group != nil {
		return group.IncludesRegex
	}
	return ""
}

func (q *Query) EffectiveExcludesRegex(group *QueryGroup) string {
	if q.ExcludesRegex != "" {
		return q.ExcludesRegex
	}
	if group != nil {
		return group.ExcludesRegex
	}
	return ""
}

type QueryStore struct {
	db dbinterface.Querier
}

func NewQueryStore(db dbinterface.Querier) *QueryStore {
	return &QueryStore{db: db}
}

const queryColumns = `id, search_query, prowlarr_tag, target_quality, search_frequency,
	includes_regex, excludes_regex, loop_running, download_complete, query_group_id,
	created_at, updated_at`

func scanQuery(row interface{ Scan(...any) error }) (*Query, error) {
	var q Query
	var groupID sql.NullInt64
	err := row.Scan(
		&q.ID, &q.SearchQuery, &q.ProwlarrTag, &q.TargetQuality, &q.SearchFrequency,
		&q.IncludesRegex, &q.ExcludesRegex, &q.LoopRunning, &q.DownloadComplete, &groupID,
		&q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if groupID.Valid {
		id := int(groupID.Int64)
		q.QueryGroupID = &id
	}
	return &q, nil
}

func (s *QueryStore) Create(ctx context.Context, q *Query) (*Query, error) {
	var groupID sql.NullInt64
	if q.QueryGroupID != nil {
		groupID = sql.NullInt64{Int64: int64(*q.QueryGroupID), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (search_query, prowlarr_tag, target_quality, search_frequency,
		                     includes_regex, excludes_regex, loop_running, download_complete, query_group_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.SearchQuery, q.ProwlarrTag, q.TargetQuality, q.SearchFrequency,
		q.IncludesRegex, q.ExcludesRegex, q.LoopRunning, q.DownloadComplete, groupID)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *QueryStore) Get(ctx context.Context, id int) (*Query, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = ?`, id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueryNotFound
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *QueryStore) List(ctx context.Context) ([]*Query, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queryColumns+` FROM queries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// ListLoopRunning returns queries whose reconciliation loop flag is set.
func (s *QueryStore) ListLoopRunning(ctx context.Context) ([]*Query, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE loop_running = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

func (s *QueryStore) ListByGroup(ctx context.Context, groupID int) ([]*Query, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE query_group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []*Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

func (s *QueryStore) Update(ctx context.Context, q *Query) (*Query, error) {
	var groupID sql.NullInt64
	if q.QueryGroupID != nil {
		groupID = sql.NullInt64{Int64: int64(*q.QueryGroupID), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET search_query = ?, prowlarr_tag = ?, target_quality = ?, search_frequency = ?,
		    includes_regex = ?, excludes_regex = ?, loop_running = ?, download_complete = ?,
		    query_group_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, q.SearchQuery, q.ProwlarrTag, q.TargetQuality, q.SearchFrequency,
		q.IncludesRegex, q.ExcludesRegex, q.LoopRunning, q.DownloadComplete, groupID, q.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrQueryNotFound
	}

	return s.Get(ctx, q.ID)
}

// SetLoopRunning flips only the loop flag.
func (s *QueryStore) SetLoopRunning(ctx context.Context, id int, running bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET loop_running = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, running, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueryNotFound
	}
	return nil
}

// MarkDone records a finished download: downloadComplete set, loop stopped.
func (s *QueryStore) MarkDone(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET download_complete = 1, loop_running = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueryNotFound
	}
	return nil
}

func (s *QueryStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueryNotFound
	}
	return nil
}

type QueryGroupStore struct {
	db dbinterface.Querier
}

func NewQueryGroupStore(db dbinterface.Querier) *QueryGroupStore {
	return &QueryGroupStore{db: db}
}

const queryGroupColumns = `id, name, prowlarr_tag, indexers, target_quality, search_frequency,
	includes_regex, excludes_regex, source_url, scraper_url, created_at, updated_at`

func scanQueryGroup(row interface{ Scan(...any) error }) (*QueryGroup, error) {
	var g QueryGroup
	err := row.Scan(
		&g.ID, &g.Name, &g.ProwlarrTag, &g.Indexers, &g.TargetQuality, &g.SearchFrequency,
		&g.IncludesRegex, &g.ExcludesRegex, &g.SourceURL, &g.ScraperURL, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *QueryGroupStore) Create(ctx context.Context, g *QueryGroup) (*QueryGroup, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO query_groups (name, prowlarr_tag, indexers, target_quality, search_frequency,
		                          includes_regex, excludes_regex, source_url, scraper_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.Name, g.ProwlarrTag, g.Indexers, g.TargetQuality, g.SearchFrequency,
		g.IncludesRegex, g.ExcludesRegex, g.SourceURL, g.ScraperURL)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *QueryGroupStore) Get(ctx context.Context, id int) (*QueryGroup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryGroupColumns+` FROM query_groups WHERE id = ?`, id)
	g, err := scanQueryGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueryGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetForQuery resolves the group a query belongs to, or nil when ungrouped.
func (s *QueryGroupStore) GetForQuery(ctx context.Context, q *Query) (*QueryGroup, error) {
	if q == nil || q.QueryGroupID == nil {
		return nil, nil
	}
	group, err := s.Get(ctx, *q.QueryGroupID)
	if errors.Is(err, ErrQueryGroupNotFound) {
		return nil, nil
	}
	return group, err
}

func (s *QueryGroupStore) List(ctx context.Context) ([]*QueryGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queryGroupColumns+` FROM query_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*QueryGroup
	for rows.Next() {
		g, err := scanQueryGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *QueryGroupStore) Update(ctx context.Context, g *QueryGroup) (*QueryGroup, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_groups
		SET name = ?, prowlarr_tag = ?, indexers = ?, target_quality = ?, search_frequency = ?,
		    includes_regex = ?, excludes_regex = ?, source_url = ?, scraper_url = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, g.Name, g.ProwlarrTag, g.Indexers, g.TargetQuality, g.SearchFrequency,
		g.IncludesRegex, g.ExcludesRegex, g.SourceURL, g.ScraperURL, g.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrQueryGroupNotFound
	}

	return s.Get(ctx, g.ID)
}

func (s *QueryGroupStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueryGroupNotFound
	}
	return nil
}
