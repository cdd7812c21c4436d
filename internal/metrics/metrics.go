// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus metrics on a separate listener.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
)

// Event counters incremented by the background services. Registered on the
// manager's registry so they only show up when metrics are enabled.
var (
	LoopTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_event_loop_ticks_total",
		Help: "Reconciliation ticks processed by the event loop.",
	})
	Searches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_searches_total",
		Help: "Indexer search rounds executed.",
	})
	Grabs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_grabs_total",
		Help: "Torrents added to the client from search results.",
	})
	WatchCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_download_watch_cycles_total",
		Help: "Download-start poller cycles completed.",
	})
)

type Manager struct {
	registry *prometheus.Registry
}

func NewManager(db *sql.DB) *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStateCollector(db),
		LoopTicks,
		Searches,
		Grabs,
		WatchCycles,
	)

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "fetcharr_build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": buildinfo.Version, "commit": buildinfo.Commit},
	})
	info.Set(1)
	registry.MustRegister(info)

	return &Manager{registry: registry}
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// stateCollector reads application counts straight from the database at
// scrape time.
type stateCollector struct {
	db *sql.DB

	queriesDesc  *prometheus.Desc
	resultsDesc  *prometheus.Desc
	torrentsDesc *prometheus.Desc
}

func newStateCollector(db *sql.DB) *stateCollector {
	return &stateCollector{
		db: db,
		queriesDesc: prometheus.NewDesc(
			"fetcharr_queries",
			"Number of queries by status.",
			[]string{"status"}, nil,
		),
		resultsDesc: prometheus.NewDesc(
			"fetcharr_search_results",
			"Number of search results by state.",
			[]string{"state"}, nil,
		),
		torrentsDesc: prometheus.NewDesc(
			"fetcharr_torrents",
			"Number of tracked torrents.",
			nil, nil,
		),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queriesDesc
	ch <- c.resultsDesc
	ch <- c.torrentsDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectCount(ctx, ch, c.queriesDesc, `SELECT COUNT(*) FROM queries`, "total")
	c.collectCount(ctx, ch, c.queriesDesc, `SELECT COUNT(*) FROM queries WHERE loop_running = 1`, "loop_running")
	c.collectCount(ctx, ch, c.queriesDesc, `SELECT COUNT(*) FROM queries WHERE download_complete = 1`, "complete")

	c.collectCount(ctx, ch, c.resultsDesc, `SELECT COUNT(*) FROM search_results WHERE state = ''`, "new")
	c.collectCount(ctx, ch, c.resultsDesc, `SELECT COUNT(*) FROM search_results WHERE state = 'added'`, "added")
	c.collectCount(ctx, ch, c.resultsDesc, `SELECT COUNT(*) FROM search_results WHERE state = 'deleted from client'`, "deleted")

	c.collectCount(ctx, ch, c.torrentsDesc, `SELECT COUNT(*) FROM torrents`)
}

func (c *stateCollector) collectCount(ctx context.Context, ch chan<- prometheus.Metric, desc *prometheus.Desc, query string, labels ...string) {
	var count float64
	if err := c.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		log.Debug().Err(err).Msg("Failed to collect metric")
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, count, labels...)
}

type Server struct {
	manager *Manager
	host    string
	port    int
}

func NewServer(manager *Manager, host string, port int) *Server {
	return &Server{
		manager: manager,
		host:    host,
		port:    port,
	}
}

func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.manager.Registry(), promhttp.HandlerOpts{
		Registry: s.manager.Registry(),
	}))

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
