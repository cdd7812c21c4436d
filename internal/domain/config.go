// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshaled view of the TOML configuration file plus
// environment overrides.
type Config struct {
	Version string

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	// Torrent client connection.
	QbittorrentURL      string `mapstructure:"qbittorrentUrl"`
	QbittorrentUsername string `mapstructure:"qbittorrentUsername"`
	QbittorrentPassword string `mapstructure:"qbittorrentPassword"`

	// Indexer aggregation service (Prowlarr).
	ProwlarrURL        string `mapstructure:"prowlarrUrl"`
	ProwlarrAPIKey     string `mapstructure:"prowlarrApiKey"`
	ProwlarrDefaultTag string `mapstructure:"prowlarrDefaultTag"`

	// Event loop behavior. RequeueOnError controls whether a failed
	// reconciliation tick re-arms the query's task or fails closed.
	EventLoopRequeueOnError bool `mapstructure:"eventLoopRequeueOnError"`

	PprofEnabled bool `mapstructure:"pprofEnabled"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`
}
