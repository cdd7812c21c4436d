// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/qbittorrent"
	"github.com/fetcharr/fetcharr/internal/services/downloadwatch"
	"github.com/fetcharr/fetcharr/internal/services/eventloop"
	"github.com/fetcharr/fetcharr/internal/services/linker"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/services/settings"
	"github.com/fetcharr/fetcharr/internal/services/torrents"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "fetcharr",
		Short: "Automated torrent search and download manager",
		Long: `fetcharr - keeps persistent search queries running against your
indexers and manages the resulting downloads in qBittorrent.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/fetcharr/ or %APPDATA%\\fetcharr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fetcharr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/fetcharr/config.toml
- Windows: %APPDATA%\fetcharr\config.toml

You can specify either a directory path or a direct file path:
- Directory: fetcharr generate-config --config-dir /path/to/config/
- File: fetcharr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("FETCHARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("FETCHARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting fetcharr")

	// Initialize database
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Initialize stores
	queryStore := models.NewQueryStore(db)
	queryGroupStore := models.NewQueryGroupStore(db)
	searchResultStore := models.NewSearchResultStore(db)
	torrentStore := models.NewTorrentStore(db)
	contentStore := models.NewTorrentContentStore(db)
	settingStore := models.NewSettingStore(db)

	settingsService := settings.NewService(settingStore)

	// Connect to qBittorrent. Login failures here are fatal since every
	// download operation depends on the client.
	loginCtx, cancelLogin := context.WithTimeout(context.Background(), 60*time.Second)
	qbtClient, err := qbittorrent.NewClient(loginCtx, cfg.Config.QbittorrentURL, cfg.Config.QbittorrentUsername, cfg.Config.QbittorrentPassword)
	cancelLogin()
	if err != nil {
		log.Fatal().Err(err).Str("host", cfg.Config.QbittorrentURL).Msg("Failed to connect to qBittorrent")
	}

	// Initialize services
	prowlarrClient := search.NewProwlarrClient(cfg.Config.ProwlarrURL, cfg.Config.ProwlarrAPIKey, 60*time.Second)
	searchService := search.NewService(prowlarrClient, queryStore, queryGroupStore, searchResultStore, torrentStore, cfg.Config.ProwlarrDefaultTag)
	torrentService := torrents.NewService(qbtClient, settingsService, torrentStore, contentStore, searchResultStore, queryStore, queryGroupStore)
	searchService.SetDownloader(torrentService)

	linkerService := linker.NewService(torrentStore, contentStore, settingsService)

	loopManager := eventloop.NewManager(queryStore, settingsService, searchService, torrentService, cfg.Config.EventLoopRequeueOnError)

	// Hardlink finished files into the destination library as soon as a
	// download starts producing complete pieces worth tracking.
	onStarted := func(ctx context.Context, hash, guid string) {
		destDir, err := torrentService.DestinationDirForHash(ctx, hash)
		if err != nil {
			if !errors.Is(err, torrents.ErrNoQueryGroup) {
				log.Warn().Err(err).Str("hash", hash).Msg("Failed to resolve destination for started download")
			}
			return
		}
		if err := linkerService.LinkTorrentFiles(ctx, hash, destDir); err != nil && !errors.Is(err, linker.ErrNoDestination) {
			log.Warn().Err(err).Str("hash", hash).Msg("Failed to link started download")
		}
	}
	watchService := downloadwatch.NewService(qbtClient, searchResultStore, torrentStore, torrentService, onStarted)

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	go watchService.Start(backgroundCtx)

	if err := loopManager.Restore(backgroundCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore event loop state")
	}
	defer loopManager.Stop(context.Background())

	// Start server in goroutine
	httpServer := api.NewServer(&api.Dependencies{
		Config:            cfg,
		Version:           buildinfo.Version,
		DB:                db,
		ClientHealth:      qbtClient,
		QueryStore:        queryStore,
		QueryGroupStore:   queryGroupStore,
		SearchResultStore: searchResultStore,
		TorrentStore:      torrentStore,
		ContentStore:      contentStore,
		SearchService:     searchService,
		TorrentService:    torrentService,
		LinkerService:     linkerService,
		SettingsService:   settingsService,
		EventLoop:         loopManager,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		metricsManager := metrics.NewManager(db)

		// Start metrics server on separate port
		go func() {
			metricsServer := metrics.NewServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	// Start profiling server if enabled
	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	cancelBackground()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	os.Exit(0)
}
