package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server   ServerConfig   `toml:"server"`   // HTTP server settings
	Sources  []SourceConfig `toml:"sources"`  // Receiver feeds to ingest
	Ingest   IngestConfig   `toml:"ingest"`   // Aggregation and deduplication settings
	CPR      CPRConfig      `toml:"cpr"`      // Position resolution timeouts
	Tracking TrackingConfig `toml:"tracking"` // Aircraft store limits and schedules
	Station  StationConfig  `toml:"station"`  // Receiver location (CPR local decode reference)
	Storage  StorageConfig  `toml:"storage"`  // Event journal settings
	Logging  LoggingConfig  `toml:"logging"`  // Application logging settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // Primary HTTP port for the server
	Host             string `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	AdditionalPorts  []int  `toml:"additional_ports"`      // Additional HTTP ports to listen on (useful for multiple interfaces)
}

// SourceConfig describes one receiver feed
type SourceConfig struct {
	Name    string `toml:"name"`    // Unique identifier for this feed (used in logs, stats, dedup attribution)
	Address string `toml:"address"` // host:port of the receiver's TCP output
	Format  string `toml:"format"`  // Stream format: "avr", "beast", or "jsonl"
}

// IngestConfig contains aggregation and reconnection settings
type IngestConfig struct {
	MaxSources          int `toml:"max_sources"`            // Source registry capacity (default: 8)
	DedupWindowMs       int `toml:"dedup_window_ms"`        // Cross-source duplicate suppression window in milliseconds (default: 1000)
	QueueSize           int `toml:"queue_size"`             // Output queue capacity in batches; oldest shed when full (default: 64)
	PollIntervalMs      int `toml:"poll_interval_ms"`       // Coordinating cycle interval in milliseconds (default: 50)
	HealthIntervalSecs  int `toml:"health_interval_secs"`   // How often unhealthy sources are retried (default: 5)
	ConnectTimeoutSecs  int `toml:"connect_timeout_secs"`   // TCP connect timeout in seconds (default: 10)
	BackoffInitialSecs  int `toml:"backoff_initial_secs"`   // First reconnect delay in seconds (default: 1)
	BackoffMaxSecs      int `toml:"backoff_max_secs"`       // Reconnect delay cap in seconds (default: 60)
	MaxReconnectTries   int `toml:"max_reconnect_attempts"` // Attempts before a source is marked unhealthy (default: 10)
	MinRetrySpacingSecs int `toml:"min_retry_spacing_secs"` // Floor between reconnect attempts in seconds (default: 5)
}

// CPRConfig contains position resolution timeouts
type CPRConfig struct {
	GlobalAirborneSecs int `toml:"global_airborne_secs"` // Max even/odd pair age spread for airborne global decode (default: 10)
	GlobalSurfaceSecs  int `toml:"global_surface_secs"`  // Max pair age spread for surface global decode (default: 5)
	LocalSecs          int `toml:"local_secs"`           // Max half-frame age for local decode against a reference (default: 30)
}

// TrackingConfig contains aircraft store limits and maintenance schedules
type TrackingConfig struct {
	MaxAircraft         int     `toml:"max_aircraft"`          // Live aircraft cap; exceeding it triggers batch eviction (default: 1000)
	EvictTargetFraction float64 `toml:"evict_target_fraction"` // Fraction of max_aircraft to shrink to when evicting (default: 0.7)
	ExpirySurfaceSecs   int     `toml:"expiry_surface_secs"`   // Stale timeout for surface aircraft (default: 60)
	ExpiryAirborneSecs  int     `toml:"expiry_airborne_secs"`  // Stale timeout for airborne aircraft (default: 300)
	ExpiryDefaultSecs   int     `toml:"expiry_default_secs"`   // Stale timeout when category is unknown (default: 120)
	CleanupIntervalSecs int     `toml:"cleanup_interval_secs"` // Expiry/eviction schedule in seconds (default: 10)
	StatsIntervalSecs   int     `toml:"stats_interval_secs"`   // Stats reporting and counter reset interval in seconds (default: 60)
}

// StationConfig contains the receiver location, used as the CPR local
// decode reference. Leave latitude/longitude at zero to disable local
// decoding (global pairs still resolve).
type StationConfig struct {
	Latitude      float64 `toml:"latitude"`       // Receiver latitude in decimal degrees
	Longitude     float64 `toml:"longitude"`      // Receiver longitude in decimal degrees
	ElevationFeet int     `toml:"elevation_feet"` // Receiver elevation above sea level in feet
}

// StorageConfig contains event journal settings
type StorageConfig struct {
	SQLitePath   string `toml:"sqlite_path"`   // Path to the SQLite event journal (":memory:" for ephemeral)
	MaxEventsAPI int    `toml:"max_events_api"` // Maximum events returned by the /events API (default: 100)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	var lastErr error
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		if _, err := os.Stat(path); err != nil {
			lastErr = fmt.Errorf("config file not found: %s", path)
			continue
		}
		config, err := Load(path)
		if err != nil {
			lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
			continue
		}
		return config, nil
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations. Last error: %w", lastErr)
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	portsSeen := map[int]bool{c.Server.Port: true}
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid additional server port: %d", p)
		}
		if portsSeen[p] {
			return fmt.Errorf("duplicate port configured: %d (primary or additional)", p)
		}
		portsSeen[p] = true
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	names := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate source name: %s", s.Name)
		}
		names[s.Name] = true
		if s.Address == "" {
			return fmt.Errorf("source %s: address is required", s.Name)
		}
		switch s.Format {
		case "avr", "beast", "jsonl":
		default:
			return fmt.Errorf("source %s: invalid format %q (must be 'avr', 'beast', or 'jsonl')", s.Name, s.Format)
		}
	}

	if c.Ingest.MaxSources == 0 {
		c.Ingest.MaxSources = 8
	}
	if len(c.Sources) > c.Ingest.MaxSources {
		return fmt.Errorf("too many sources: %d configured, max_sources is %d", len(c.Sources), c.Ingest.MaxSources)
	}
	if c.Ingest.DedupWindowMs == 0 {
		c.Ingest.DedupWindowMs = 1000
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = 64
	}
	if c.Ingest.PollIntervalMs == 0 {
		c.Ingest.PollIntervalMs = 50
	}
	if c.Ingest.HealthIntervalSecs == 0 {
		c.Ingest.HealthIntervalSecs = 5
	}
	if c.Ingest.ConnectTimeoutSecs == 0 {
		c.Ingest.ConnectTimeoutSecs = 10
	}
	if c.Ingest.BackoffInitialSecs == 0 {
		c.Ingest.BackoffInitialSecs = 1
	}
	if c.Ingest.BackoffMaxSecs == 0 {
		c.Ingest.BackoffMaxSecs = 60
	}
	if c.Ingest.MaxReconnectTries == 0 {
		c.Ingest.MaxReconnectTries = 10
	}
	if c.Ingest.MinRetrySpacingSecs == 0 {
		c.Ingest.MinRetrySpacingSecs = 5
	}

	if c.CPR.GlobalAirborneSecs == 0 {
		c.CPR.GlobalAirborneSecs = 10
	}
	if c.CPR.GlobalSurfaceSecs == 0 {
		c.CPR.GlobalSurfaceSecs = 5
	}
	if c.CPR.LocalSecs == 0 {
		c.CPR.LocalSecs = 30
	}

	if c.Tracking.MaxAircraft == 0 {
		c.Tracking.MaxAircraft = 1000
	}
	if c.Tracking.EvictTargetFraction == 0 {
		c.Tracking.EvictTargetFraction = 0.7
	}
	if c.Tracking.EvictTargetFraction <= 0 || c.Tracking.EvictTargetFraction >= 1 {
		return fmt.Errorf("evict_target_fraction must be in (0, 1): %f", c.Tracking.EvictTargetFraction)
	}
	if c.Tracking.ExpirySurfaceSecs == 0 {
		c.Tracking.ExpirySurfaceSecs = 60
	}
	if c.Tracking.ExpiryAirborneSecs == 0 {
		c.Tracking.ExpiryAirborneSecs = 300
	}
	if c.Tracking.ExpiryDefaultSecs == 0 {
		c.Tracking.ExpiryDefaultSecs = 120
	}
	if c.Tracking.CleanupIntervalSecs == 0 {
		c.Tracking.CleanupIntervalSecs = 10
	}
	if c.Tracking.StatsIntervalSecs == 0 {
		c.Tracking.StatsIntervalSecs = 60
	}

	if c.Station.Latitude < -90 || c.Station.Latitude > 90 {
		return fmt.Errorf("invalid station latitude: %f", c.Station.Latitude)
	}
	if c.Station.Longitude < -180 || c.Station.Longitude > 180 {
		return fmt.Errorf("invalid station longitude: %f", c.Station.Longitude)
	}

	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required")
	}
	if c.Storage.MaxEventsAPI == 0 {
		c.Storage.MaxEventsAPI = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// HasReference reports whether a CPR local decode reference is configured.
func (c *Config) HasReference() bool {
	return c.Station.Latitude != 0 || c.Station.Longitude != 0
}

// Duration helpers, so callers do not repeat the seconds-to-Duration dance.

func (c *IngestConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

func (c *IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
