// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// New opens (or creates) the sqlite database at path and applies pending
// migrations.
func New(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc sqlite is not safe for concurrent writers on one connection
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`
	CREATE TABLE query_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		prowlarr_tag TEXT NOT NULL DEFAULT '',
		indexers TEXT NOT NULL DEFAULT '',
		target_quality TEXT NOT NULL DEFAULT '',
		search_frequency INTEGER NOT NULL DEFAULT 0,
		includes_regex TEXT NOT NULL DEFAULT '',
		excludes_regex TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		scraper_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		search_query TEXT NOT NULL,
		prowlarr_tag TEXT NOT NULL DEFAULT '',
		target_quality TEXT NOT NULL DEFAULT '',
		search_frequency INTEGER NOT NULL DEFAULT 0,
		includes_regex TEXT NOT NULL DEFAULT '',
		excludes_regex TEXT NOT NULL DEFAULT '',
		loop_running BOOLEAN NOT NULL DEFAULT 0,
		download_complete BOOLEAN NOT NULL DEFAULT 0,
		query_group_id INTEGER REFERENCES query_groups(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_queries_loop_running ON queries(loop_running);
	CREATE INDEX idx_queries_query_group_id ON queries(query_group_id);

	CREATE TABLE search_results (
		guid TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		magnet TEXT NOT NULL DEFAULT '',
		info_url TEXT NOT NULL DEFAULT '',
		info_hash TEXT NOT NULL DEFAULT '',
		seeders INTEGER NOT NULL DEFAULT 0,
		leechers INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		age INTEGER NOT NULL DEFAULT 0,
		indexer TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		downloading BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_search_results_info_hash ON search_results(info_hash);
	CREATE INDEX idx_search_results_state ON search_results(state);

	CREATE TABLE query_results (
		query_id INTEGER NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
		guid TEXT NOT NULL REFERENCES search_results(guid) ON DELETE CASCADE,
		PRIMARY KEY (query_id, guid)
	);

	CREATE TABLE torrents (
		hash TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		total_size INTEGER NOT NULL DEFAULT 0,
		dlspeed INTEGER NOT NULL DEFAULT 0,
		upspeed INTEGER NOT NULL DEFAULT 0,
		eta INTEGER NOT NULL DEFAULT 0,
		availability REAL NOT NULL DEFAULT 0,
		num_seeds INTEGER NOT NULL DEFAULT 0,
		num_leechs INTEGER NOT NULL DEFAULT 0,
		added_on INTEGER NOT NULL DEFAULT 0,
		completion_on INTEGER NOT NULL DEFAULT 0,
		time_active INTEGER NOT NULL DEFAULT 0,
		save_path TEXT NOT NULL DEFAULT '',
		tracker TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		seq_dl BOOLEAN NOT NULL DEFAULT 0,
		f_l_piece_prio BOOLEAN NOT NULL DEFAULT 0,
		piece_states TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_torrents_category ON torrents(category);

	CREATE TABLE torrent_contents (
		id TEXT PRIMARY KEY,
		torrent_hash TEXT NOT NULL REFERENCES torrents(hash) ON DELETE CASCADE,
		file_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		is_seed BOOLEAN NOT NULL DEFAULT 0,
		piece_start INTEGER NOT NULL DEFAULT 0,
		piece_end INTEGER NOT NULL DEFAULT 0,
		piece_size INTEGER NOT NULL DEFAULT 0,
		availability REAL NOT NULL DEFAULT 0,
		hardlink_path TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX idx_torrent_contents_hash ON torrent_contents(torrent_hash);

	CREATE TABLE global_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);
	`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version == len(migrations) {
		return nil
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		log.Debug().Int("version", i+1).Msg("Applying database migration")
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}

	// PRAGMA does not support bind parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}

	return tx.Commit()
}
