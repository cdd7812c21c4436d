// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eventloop runs the per-query reconciliation scheduler: a single
// ticker working through a queue of query checks, one per tick.
package eventloop

import (
	"context"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/qbittorrent"
	"github.com/fetcharr/fetcharr/internal/services/settings"
)

// staleAge is how long a torrent may sit without finishing before every
// torrent of the query being stale triggers another search round.
const staleAge = 30 * time.Minute

// SearchRunner triggers one search-and-download round for a query.
type SearchRunner interface {
	RunAndDownload(ctx context.Context, queryID int) error
}

// TorrentChecker is the slice of the torrents service the loop needs.
type TorrentChecker interface {
	LiveForQuery(ctx context.Context, queryID int) ([]qbt.Torrent, error)
	DeleteCompetingTorrents(ctx context.Context, queryID int) error
}

type Manager struct {
	queries  *models.QueryStore
	settings *settings.Service
	search   SearchRunner
	torrents TorrentChecker

	// re-enqueue a query whose check errored instead of dropping it
	requeueOnError bool

	mu      sync.Mutex
	queue   []int
	queued  map[int]struct{}
	cancel  context.CancelFunc
	running bool

	now func() time.Time
}

func NewManager(
	queries *models.QueryStore,
	settingsSvc *settings.Service,
	search SearchRunner,
	torrents TorrentChecker,
	requeueOnError bool,
) *Manager {
	return &Manager{
		queries:        queries,
		settings:       settingsSvc,
		search:         search,
		torrents:       torrents,
		requeueOnError: requeueOnError,
		queued:         make(map[int]struct{}),
		now:            time.Now,
	}
}

// enqueue adds a query to the front of the queue. Idempotent.
func (m *Manager) enqueue(queryID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queued[queryID]; ok {
		return
	}
	m.queue = append([]int{queryID}, m.queue...)
	m.queued[queryID] = struct{}{}
}

// requeue re-arms a query at the back of the queue after a completed check.
func (m *Manager) requeue(queryID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queued[queryID]; ok {
		return
	}
	m.queue = append(m.queue, queryID)
	m.queued[queryID] = struct{}{}
}

func (m *Manager) dequeue(queryID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queued[queryID]; !ok {
		return
	}
	delete(m.queued, queryID)
	for i, id := range m.queue {
		if id == queryID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

// pop takes the next query off the queue, or false when it is empty.
func (m *Manager) pop() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return 0, false
	}
	queryID := m.queue[0]
	m.queue = m.queue[1:]
	delete(m.queued, queryID)
	return queryID, true
}

// QueueLength reports how many queries are waiting for a check.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the scheduler goroutine and persists the state so it can be
// restored after a restart. Starting twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	if err := m.settings.SetGlobalEventLoopRunning(ctx, true); err != nil {
		// roll the reservation back so a later Start can retry
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
		cancel()
		return err
	}

	interval := m.settings.EventLoopInterval(ctx)
	go m.run(loopCtx, interval)

	log.Info().Dur("interval", interval).Msg("Event loop started")
	return nil
}

// Stop halts the scheduler. Queued tasks stay queued so a later Start picks
// them back up.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	log.Info().Msg("Event loop stopped")
	return m.settings.SetGlobalEventLoopRunning(ctx, false)
}

func (m *Manager) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs at most one queued check to completion.
func (m *Manager) Tick(ctx context.Context) {
	queryID, ok := m.pop()
	if !ok {
		return
	}
	metrics.LoopTicks.Inc()

	rearm, err := m.check(ctx, queryID)
	if err != nil {
		log.Error().Err(err).Int("queryID", queryID).Msg("Query check failed")
		if m.requeueOnError {
			m.requeue(queryID)
		}
		return
	}
	if rearm {
		m.requeue(queryID)
	}
}

// StartQueryLoop flags a query's loop and schedules its first check.
func (m *Manager) StartQueryLoop(ctx context.Context, queryID int) error {
	if err := m.queries.SetLoopRunning(ctx, queryID, true); err != nil {
		return err
	}
	m.enqueue(queryID)
	log.Info().Int("queryID", queryID).Msg("Query loop started")
	return nil
}

// StopQueryLoop clears the flag and removes any pending check.
func (m *Manager) StopQueryLoop(ctx context.Context, queryID int) error {
	if err := m.queries.SetLoopRunning(ctx, queryID, false); err != nil {
		return err
	}
	m.dequeue(queryID)
	log.Info().Int("queryID", queryID).Msg("Query loop stopped")
	return nil
}

// Restore brings the scheduler back to its persisted state: the global loop
// flag and every query whose loop was running.
func (m *Manager) Restore(ctx context.Context) error {
	queries, err := m.queries.ListLoopRunning(ctx)
	if err != nil {
		return err
	}
	for _, q := range queries {
		m.enqueue(q.ID)
	}

	if m.settings.GlobalEventLoopRunning(ctx) {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}

	if len(queries) > 0 {
		log.Info().Int("queries", len(queries)).Msg("Restored query loops")
	}
	return nil
}

// check classifies the query's torrents and acts on the result. The bool
// says whether the query should be re-armed for another round.
func (m *Manager) check(ctx context.Context, queryID int) (bool, error) {
	query, err := m.queries.Get(ctx, queryID)
	if err != nil {
		if errors.Is(err, models.ErrQueryNotFound) {
			// query was deleted, drop the task
			return false, nil
		}
		return false, err
	}
	if query.DownloadComplete || !query.LoopRunning {
		return false, nil
	}

	live, err := m.torrents.LiveForQuery(ctx, queryID)
	if err != nil {
		return false, err
	}

	if len(live) == 0 {
		// nothing in flight, go find something
		return true, m.search.RunAndDownload(ctx, queryID)
	}

	hasActive := false
	allWaiting := true
	hasCompleted := false
	allOld := true
	allSlow := true
	minSpeed := m.settings.MinDlSpeed(ctx)
	now := m.now()

	for _, t := range live {
		if qbittorrent.IsActivelyDownloading(t) {
			hasActive = true
		}
		if !qbittorrent.IsWaiting(t) {
			allWaiting = false
		}
		if qbittorrent.IsCompleted(t) {
			hasCompleted = true
		}
		if now.Sub(time.Unix(t.AddedOn, 0)) <= staleAge {
			allOld = false
		}
		if t.DlSpeed >= minSpeed {
			allSlow = false
		}
	}

	switch {
	case hasActive || allWaiting:
		// a healthy or not-yet-judgeable download, leave it alone
		return true, nil

	case hasCompleted:
		if err := m.torrents.DeleteCompetingTorrents(ctx, queryID); err != nil {
			return false, err
		}
		if err := m.queries.MarkDone(ctx, queryID); err != nil {
			return false, err
		}
		log.Info().Int("queryID", queryID).Msg("Query download complete")
		return false, nil

	case allOld || allSlow:
		// everything in flight is stale, try for a better release
		log.Debug().
			Int("queryID", queryID).
			Bool("allOld", allOld).
			Bool("allSlow", allSlow).
			Msg("All torrents stale, running another search round")
		return true, m.search.RunAndDownload(ctx, queryID)

	default:
		return true, nil
	}
}
