// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

var (
	ErrTorrentNotFound        = errors.New("torrent not found")
	ErrTorrentContentNotFound = errors.New("torrent content not found")
)

// Torrent mirrors live client state for one info-hash. PieceStates stays an
// encoded JSON blob at this boundary; decode with pieces.DecodeStates before
// doing any range math.
type Torrent struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	Category     string  `json:"category"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	Size         int64   `json:"size"`
	TotalSize    int64   `json:"totalSize"`
	DlSpeed      int64   `json:"dlspeed"`
	UpSpeed      int64   `json:"upspeed"`
	ETA          int64   `json:"eta"`
	Availability float64 `json:"availability"`
	NumSeeds     int     `json:"numSeeds"`
	NumLeechs    int     `json:"numLeechs"`
	AddedOn      int64   `json:"addedOn"`
	CompletionOn int64   `json:"completionOn"`
	TimeActive   int64   `json:"timeActive"`
	SavePath     string  `json:"savePath"`
	Tracker      string  `json:"tracker"`
	Tags         string  `json:"tags"`
	SequentialDl bool    `json:"seqDl"`
	FLPiecePrio  bool    `json:"flPiecePrio"`
	PieceStates  string  `json:"-"`
}

// TorrentContent is one file inside a torrent. PieceStart/PieceEnd is the
// inclusive piece range covering this file.
type TorrentContent struct {
	ID           string  `json:"id"`
	TorrentHash  string  `json:"torrentHash"`
	FileIndex    int     `json:"fileIndex"`
	Name         string  `json:"name"`
	Size         int64   `json:"size"`
	Progress     float64 `json:"progress"`
	Priority     int     `json:"priority"`
	IsSeed       bool    `json:"isSeed"`
	PieceStart   int     `json:"pieceStart"`
	PieceEnd     int     `json:"pieceEnd"`
	PieceSize    int64   `json:"pieceSize"`
	Availability float64 `json:"availability"`
	HardlinkPath string  `json:"hardlinkPath,omitempty"`
}

// ContentID builds the composite torrent-content key.
func ContentID(hash string, index int) string {
	return fmt.Sprintf("%s_%d", hash, index)
}

type TorrentStore struct {
	db dbinterface.Querier
}

func NewTorrentStore(db dbinterface.Querier) *TorrentStore {
	return &TorrentStore{db: db}
}

const torrentColumns = `hash, name, category, state, progress, size, total_size, dlspeed, upspeed,
	eta, availability, num_seeds, num_leechs, added_on, completion_on, time_active,
	save_path, tracker, tags, seq_dl, f_l_piece_prio, piece_states`

func scanTorrent(row interface{ Scan(...any) error }) (*Torrent, error) {
	var t Torrent
	err := row.Scan(
		&t.Hash, &t.Name, &t.Category, &t.State, &t.Progress, &t.Size, &t.TotalSize, &t.DlSpeed, &t.UpSpeed,
		&t.ETA, &t.Availability, &t.NumSeeds, &t.NumLeechs, &t.AddedOn, &t.CompletionOn, &t.TimeActive,
		&t.SavePath, &t.Tracker, &t.Tags, &t.SequentialDl, &t.FLPiecePrio, &t.PieceStates,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Upsert writes the client snapshot for a torrent, preserving the stored
// piece-state blob (that is updated separately by SetPieceStates).
func (s *TorrentStore) Upsert(ctx context.Context, t *Torrent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrents (hash, name, category, state, progress, size, total_size, dlspeed, upspeed,
		                      eta, availability, num_seeds, num_leechs, added_on, completion_on, time_active,
		                      save_path, tracker, tags, seq_dl, f_l_piece_prio, piece_states)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			name = excluded.name, category = excluded.category, state = excluded.state,
			progress = excluded.progress, size = excluded.size, total_size = excluded.total_size,
			dlspeed = excluded.dlspeed, upspeed = excluded.upspeed, eta = excluded.eta,
			availability = excluded.availability, num_seeds = excluded.num_seeds,
			num_leechs = excluded.num_leechs, added_on = excluded.added_on,
			completion_on = excluded.completion_on, time_active = excluded.time_active,
			save_path = excluded.save_path, tracker = excluded.tracker, tags = excluded.tags,
			seq_dl = excluded.seq_dl, f_l_piece_prio = excluded.f_l_piece_prio,
			updated_at = CURRENT_TIMESTAMP
	`, t.Hash, t.Name, t.Category, t.State, t.Progress, t.Size, t.TotalSize, t.DlSpeed, t.UpSpeed,
		t.ETA, t.Availability, t.NumSeeds, t.NumLeechs, t.AddedOn, t.CompletionOn, t.TimeActive,
		t.SavePath, t.Tracker, t.Tags, t.SequentialDl, t.FLPiecePrio, t.PieceStates)
	return err
}

func (s *TorrentStore) Get(ctx context.Context, hash string) (*Torrent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE hash = ?`, hash)
	t, err := scanTorrent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTorrentNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TorrentStore) List(ctx context.Context) ([]*Torrent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+torrentColumns+` FROM torrents ORDER BY hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTorrents(rows)
}

func (s *TorrentStore) ListByHashes(ctx context.Context, hashes []string) ([]*Torrent, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	query := dbinterface.BuildQueryWithPlaceholders(
		`SELECT `+torrentColumns+` FROM torrents WHERE hash IN (%s)`, len(hashes), 1)
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTorrents(rows)
}

func (s *TorrentStore) ListByCategory(ctx context.Context, category string) ([]*Torrent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE category = ?`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTorrents(rows)
}

// ListByQuery joins torrents to a query through the result association.
func (s *TorrentStore) ListByQuery(ctx context.Context, queryID int) ([]*Torrent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedTorrentColumns+`
		FROM torrents t
		JOIN search_results r ON r.info_hash = t.hash
		JOIN query_results qr ON qr.guid = r.guid
		WHERE qr.query_id = ?
	`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTorrents(rows)
}

// ListByQueryGroup joins torrents to every query in a group.
func (s *TorrentStore) ListByQueryGroup(ctx context.Context, groupID int) ([]*Torrent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedTorrentColumns+`
		FROM torrents t
		JOIN search_results r ON r.info_hash = t.hash
		JOIN query_results qr ON qr.guid = r.guid
		JOIN queries q ON q.id = qr.query_id
		WHERE q.query_group_id = ?
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTorrents(rows)
}

const prefixedTorrentColumns = `t.hash, t.name, t.category, t.state, t.progress, t.size, t.total_size,
	t.dlspeed, t.upspeed, t.eta, t.availability, t.num_seeds, t.num_leechs, t.added_on,
	t.completion_on, t.time_active, t.save_path, t.tracker, t.tags, t.seq_dl, t.f_l_piece_prio,
	t.piece_states`

func collectTorrents(rows *sql.Rows) ([]*Torrent, error) {
	var torrents []*Torrent
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, err
		}
		torrents = append(torrents, t)
	}
	return torrents, rows.Err()
}

// ExistingHashes filters the given info-hashes down to those with a torrent
// row. The ranking engine uses this to skip already-added results.
func (s *TorrentStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(hashes) == 0 {
		return existing, nil
	}

	for start := 0; start < len(hashes); start += dbinterface.MaxParams {
		end := min(start+dbinterface.MaxParams, len(hashes))
		chunk := hashes[start:end]

		query := dbinterface.BuildQueryWithPlaceholders(
			`SELECT hash FROM torrents WHERE hash IN (%s)`, len(chunk), 1)
		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var hash string
			if err := rows.Scan(&hash); err != nil {
				rows.Close()
				return nil, err
			}
			existing[hash] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return existing, nil
}

// SetPieceStates stores the encoded piece-state blob for a torrent.
func (s *TorrentStore) SetPieceStates(ctx context.Context, hash, encoded string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE torrents SET piece_states = ?, updated_at = CURRENT_TIMESTAMP WHERE hash = ?`, encoded, hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTorrentNotFound
	}
	return nil
}

func (s *TorrentStore) SetState(ctx context.Context, hash, state string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE torrents SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE hash = ?`, state, hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTorrentNotFound
	}
	return nil
}

func (s *TorrentStore) Delete(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM torrents WHERE hash = ?`, hash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTorrentNotFound
	}
	return nil
}

type TorrentContentStore struct {
	db dbinterface.Querier
}

func NewTorrentContentStore(db dbinterface.Querier) *TorrentContentStore {
	return &TorrentContentStore{db: db}
}

const contentColumns = `id, torrent_hash, file_index, name, size, progress, priority, is_seed,
	piece_start, piece_end, piece_size, availability, hardlink_path`

func scanContent(row interface{ Scan(...any) error }) (*TorrentContent, error) {
	var c TorrentContent
	err := row.Scan(
		&c.ID, &c.TorrentHash, &c.FileIndex, &c.Name, &c.Size, &c.Progress, &c.Priority, &c.IsSeed,
		&c.PieceStart, &c.PieceEnd, &c.PieceSize, &c.Availability, &c.HardlinkPath,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *TorrentContentStore) Upsert(ctx context.Context, c *TorrentContent) error {
	if c.ID == "" {
		c.ID = ContentID(c.TorrentHash, c.FileIndex)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrent_contents (id, torrent_hash, file_index, name, size, progress, priority,
		                              is_seed, piece_start, piece_end, piece_size, availability, hardlink_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, size = excluded.size, progress = excluded.progress,
			priority = excluded.priority, is_seed = excluded.is_seed,
			piece_start = excluded.piece_start, piece_end = excluded.piece_end,
			piece_size = excluded.piece_size, availability = excluded.availability
	`, c.ID, c.TorrentHash, c.FileIndex, c.Name, c.Size, c.Progress, c.Priority,
		c.IsSeed, c.PieceStart, c.PieceEnd, c.PieceSize, c.Availability, c.HardlinkPath)
	return err
}

func (s *TorrentContentStore) Get(ctx context.Context, hash string, index int) (*TorrentContent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM torrent_contents WHERE id = ?`,
		ContentID(hash, index))
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTorrentContentNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *TorrentContentStore) ListByTorrent(ctx context.Context, hash string) ([]*TorrentContent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM torrent_contents WHERE torrent_hash = ? ORDER BY file_index`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contents []*TorrentContent
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// SetHardlinkPath persists the reverse lookup after the linker creates a
// hardlink.
func (s *TorrentContentStore) SetHardlinkPath(ctx context.Context, hash string, index int, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE torrent_contents SET hardlink_path = ? WHERE id = ?`, path, ContentID(hash, index))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTorrentContentNotFound
	}
	return nil
}
