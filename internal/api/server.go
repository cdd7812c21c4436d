// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/api/handlers"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/eventloop"
	"github.com/fetcharr/fetcharr/internal/services/linker"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/services/settings"
	"github.com/fetcharr/fetcharr/internal/services/torrents"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	db                *sql.DB
	clientHealth      handlers.ClientHealth
	queryStore        *models.QueryStore
	queryGroupStore   *models.QueryGroupStore
	searchResultStore *models.SearchResultStore
	torrentStore      *models.TorrentStore
	contentStore      *models.TorrentContentStore
	searchService     *search.Service
	torrentService    *torrents.Service
	linkerService     *linker.Service
	settingsService   *settings.Service
	eventLoop         *eventloop.Manager
}

type Dependencies struct {
	Config  *config.AppConfig
	Version string

	DB                *sql.DB
	ClientHealth      handlers.ClientHealth
	QueryStore        *models.QueryStore
	QueryGroupStore   *models.QueryGroupStore
	SearchResultStore *models.SearchResultStore
	TorrentStore      *models.TorrentStore
	ContentStore      *models.TorrentContentStore
	SearchService     *search.Service
	TorrentService    *torrents.Service
	LinkerService     *linker.Service
	SettingsService   *settings.Service
	EventLoop         *eventloop.Manager
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:            log.Logger.With().Str("module", "api").Logger(),
		config:            deps.Config,
		version:           deps.Version,
		db:                deps.DB,
		clientHealth:      deps.ClientHealth,
		queryStore:        deps.QueryStore,
		queryGroupStore:   deps.QueryGroupStore,
		searchResultStore: deps.SearchResultStore,
		torrentStore:      deps.TorrentStore,
		contentStore:      deps.ContentStore,
		searchService:     deps.SearchService,
		torrentService:    deps.TorrentService,
		linkerService:     deps.LinkerService,
		settingsService:   deps.SettingsService,
		eventLoop:         deps.EventLoop,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}
	clickableURL := fmt.Sprintf("http://%s%s", host, s.config.Config.BaseURL)

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: %s", clickableURL)

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// HTTP compression - handles gzip, brotli, zstd, deflate automatically
	// Use faster compression levels for better proxy performance
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
		Debug:            false,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.db, s.clientHealth)
	queriesHandler := handlers.NewQueriesHandler(s.queryStore, s.searchResultStore, s.searchService, s.eventLoop)
	queryGroupsHandler := handlers.NewQueryGroupsHandler(s.queryGroupStore, s.queryStore)
	torrentsHandler := handlers.NewTorrentsHandler(s.torrentService, s.linkerService, s.torrentStore, s.contentStore, s.searchResultStore, s.settingsService)
	settingsHandler := handlers.NewSettingsHandler(s.settingsService)
	eventLoopHandler := handlers.NewEventLoopHandler(s.eventLoop)

	apiRouter := chi.NewRouter()
	apiRouter.Use(middleware.Logger)

	apiRouter.Route("/health", healthHandler.Routes)
	apiRouter.Route("/queries", queriesHandler.Routes)
	apiRouter.Route("/querygroups", queryGroupsHandler.Routes)
	apiRouter.Route("/torrents", torrentsHandler.Routes)
	apiRouter.Route("/settings", settingsHandler.Routes)
	apiRouter.Route("/event-loop", eventLoopHandler.Routes)

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}

	r.Get("/health", healthHandler.Liveness)
	r.Get("/healthz/liveness", healthHandler.Liveness)
	r.Get("/healthz/readiness", healthHandler.Readiness)

	r.Mount(baseURL+"api", apiRouter)

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r, nil
}
