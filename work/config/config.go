package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"lumos-proxy/work/logger"
)

// DefaultPath is where the container image mounts its settings volume.
const DefaultPath = "/settings/config.json"

// Config holds all application configuration values for the relay.
type Config struct {
	BaseURL               string         `json:"baseURL"`               // Base URL used when writing playlist links
	ListenAddr            string         `json:"listenAddr"`            // Address the HTTP server binds to
	BufferSizePerStream   int64          `json:"bufferSizePerStream"`   // Ring buffer size per channel in MB
	CacheDuration         time.Duration  `json:"cacheDuration"`         // Lifetime of cached source playlists
	ImportRefreshInterval time.Duration  `json:"importRefreshInterval"` // Interval for re-importing sources
	WorkerThreads         int            `json:"workerThreads"`         // Import worker pool size
	LogLevel              string         `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls         bool           `json:"obfuscateUrls"`         // Obfuscate URLs in logs
	SortField             string         `json:"sortField"`             // Attribute channels are sorted by
	SortDirection         string         `json:"sortDirection"`         // "asc" or "desc"
	StreamTimeout         time.Duration  `json:"streamTimeout"`         // Per-request timeout for manifests and segments
	MaxConnectionsToApp   int            `json:"maxConnectionsToApp"`   // Maximum concurrent viewers
	DatabasePath          string         `json:"databasePath"`          // SQLite file for orders, dead streams and outcomes
	AdminTokenHash        string         `json:"adminTokenHash"`        // bcrypt hash guarding /api; empty disables auth
	Playback              PlaybackConfig `json:"playback"`
	Sources               []SourceConfig `json:"sources"`
}

// PlaybackConfig tunes the session controller and the HLS decoder.
type PlaybackConfig struct {
	RecoveryCooldown        time.Duration // Window in which repeated recoveries count toward the limit
	MaxRecoveryAttempts     int           // Recoveries allowed inside the window before giving up
	ResetRecoveryOnCooldown bool          // Reset the attempt counter once the window lapses
	FallbackDelay           time.Duration // Pause before advancing to the next candidate
	StallTimeout            time.Duration // Live playlist without new segments for this long is stalled
	SegmentRetries          int           // Consecutive segment failures tolerated before a fatal error
	IdleTimeout             time.Duration // Relay without viewers for this long is torn down
	Fullscreen              bool          // Viewer displays honour fullscreen requests
}

// SourceConfig represents the configuration for a single M3U source.
type SourceConfig struct {
	Name              string        `json:"name"`
	URL               string        `json:"url"`
	Order             int           `json:"order"`             // Priority when building candidate lists
	MaxConnections    int           `json:"maxConnections"`    // Concurrent sessions allowed against this source
	RequestsPerSecond int           `json:"requestsPerSecond"` // Pacing of manifest and playlist fetches
	MaxRetries        int           `json:"maxRetries"`        // Import retries
	RetryDelay        time.Duration `json:"retryDelay"`        // Delay between import retries
	UserAgent         string        `json:"userAgent"`
	ReqOrigin         string        `json:"reqOrigin"`
	ReqReferrer       string        `json:"reqReferrer"`
	IncludeRegex      string        `json:"includeRegex,omitempty"`
	ExcludeRegex      string        `json:"excludeRegex,omitempty"`
}

// ConfigFile is the on-disk shape of Config. Durations are strings ("30s").
type ConfigFile struct {
	BaseURL               string             `json:"baseURL"`
	ListenAddr            string             `json:"listenAddr"`
	BufferSizePerStream   int64              `json:"bufferSizePerStream"`
	CacheDuration         string             `json:"cacheDuration"`
	ImportRefreshInterval string             `json:"importRefreshInterval"`
	WorkerThreads         int                `json:"workerThreads"`
	LogLevel              string             `json:"logLevel"`
	ObfuscateUrls         bool               `json:"obfuscateUrls"`
	SortField             string             `json:"sortField"`
	SortDirection         string             `json:"sortDirection"`
	StreamTimeout         string             `json:"streamTimeout"`
	MaxConnectionsToApp   int                `json:"maxConnectionsToApp"`
	DatabasePath          string             `json:"databasePath"`
	AdminTokenHash        string             `json:"adminTokenHash"`
	Playback              PlaybackConfigFile `json:"playback"`
	Sources               []SourceConfigFile `json:"sources"`
}

// PlaybackConfigFile is the on-disk shape of PlaybackConfig.
type PlaybackConfigFile struct {
	RecoveryCooldown        string `json:"recoveryCooldown"`
	MaxRecoveryAttempts     int    `json:"maxRecoveryAttempts"`
	ResetRecoveryOnCooldown bool   `json:"resetRecoveryOnCooldown"`
	FallbackDelay           string `json:"fallbackDelay"`
	StallTimeout            string `json:"stallTimeout"`
	SegmentRetries          int    `json:"segmentRetries"`
	IdleTimeout             string `json:"idleTimeout"`
	Fullscreen              bool   `json:"fullscreen"`
}

// SourceConfigFile is the on-disk shape of SourceConfig.
type SourceConfigFile struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	Order             int    `json:"order"`
	MaxConnections    int    `json:"maxConnections"`
	RequestsPerSecond int    `json:"requestsPerSecond"`
	MaxRetries        int    `json:"maxRetries"`
	RetryDelay        string `json:"retryDelay"`
	UserAgent         string `json:"userAgent"`
	ReqOrigin         string `json:"reqOrigin"`
	ReqReferrer       string `json:"reqReferrer"`
	IncludeRegex      string `json:"includeRegex,omitempty"`
	ExcludeRegex      string `json:"excludeRegex,omitempty"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig loads the configuration from path or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		logger.Warn("{config - LoadConfig} failed to load config from %s: %v", path, err)
		logger.Warn("{config - LoadConfig} falling back to default configuration")
		cfg = GetDefaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg

	logger.Debug("{config - LoadConfig} %d sources configured", len(cfg.Sources))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		logger.Debug("{config - LoadConfig} source %d (%s): %s (max connections: %d, order: %d)",
			i+1, src.Name, obfuscateURL(src.URL), src.MaxConnections, src.Order)
	}
	logger.Debug("{config - LoadConfig} recovery policy: %d attempts per %v (reset on cooldown: %v)",
		cfg.Playback.MaxRecoveryAttempts, cfg.Playback.RecoveryCooldown, cfg.Playback.ResetRecoveryOnCooldown)

	return cfg
}

// LoadFromFile reads and parses a JSON configuration without touching the cache.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(cfg)
	return cfg, nil
}

// parseDuration treats an empty string as "use the default".
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:             cf.BaseURL,
		ListenAddr:          cf.ListenAddr,
		BufferSizePerStream: cf.BufferSizePerStream,
		WorkerThreads:       cf.WorkerThreads,
		LogLevel:            cf.LogLevel,
		ObfuscateUrls:       cf.ObfuscateUrls,
		SortField:           cf.SortField,
		SortDirection:       cf.SortDirection,
		MaxConnectionsToApp: cf.MaxConnectionsToApp,
		DatabasePath:        cf.DatabasePath,
		AdminTokenHash:      cf.AdminTokenHash,
		Playback: PlaybackConfig{
			MaxRecoveryAttempts:     cf.Playback.MaxRecoveryAttempts,
			ResetRecoveryOnCooldown: cf.Playback.ResetRecoveryOnCooldown,
			SegmentRetries:          cf.Playback.SegmentRetries,
			Fullscreen:              cf.Playback.Fullscreen,
		},
	}

	var err error
	if cfg.CacheDuration, err = parseDuration("cacheDuration", cf.CacheDuration); err != nil {
		return nil, err
	}
	if cfg.ImportRefreshInterval, err = parseDuration("importRefreshInterval", cf.ImportRefreshInterval); err != nil {
		return nil, err
	}
	if cfg.StreamTimeout, err = parseDuration("streamTimeout", cf.StreamTimeout); err != nil {
		return nil, err
	}
	if cfg.Playback.RecoveryCooldown, err = parseDuration("playback.recoveryCooldown", cf.Playback.RecoveryCooldown); err != nil {
		return nil, err
	}
	if cfg.Playback.FallbackDelay, err = parseDuration("playback.fallbackDelay", cf.Playback.FallbackDelay); err != nil {
		return nil, err
	}
	if cfg.Playback.StallTimeout, err = parseDuration("playback.stallTimeout", cf.Playback.StallTimeout); err != nil {
		return nil, err
	}
	if cfg.Playback.IdleTimeout, err = parseDuration("playback.idleTimeout", cf.Playback.IdleTimeout); err != nil {
		return nil, err
	}

	cfg.Sources = make([]SourceConfig, len(cf.Sources))
	for i, srcFile := range cf.Sources {
		src := &cfg.Sources[i]
		src.Name = srcFile.Name
		src.URL = srcFile.URL
		src.Order = srcFile.Order
		src.MaxConnections = srcFile.MaxConnections
		src.RequestsPerSecond = srcFile.RequestsPerSecond
		src.MaxRetries = srcFile.MaxRetries
		src.UserAgent = srcFile.UserAgent
		src.ReqOrigin = srcFile.ReqOrigin
		src.ReqReferrer = srcFile.ReqReferrer
		src.IncludeRegex = srcFile.IncludeRegex
		src.ExcludeRegex = srcFile.ExcludeRegex

		if src.RetryDelay, err = parseDuration("retryDelay for source "+src.Name, srcFile.RetryDelay); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// GetDefaultConfig returns the configuration used when no file is present.
func GetDefaultConfig() *Config {
	cfg := &Config{Sources: []SourceConfig{}}
	validateAndSetDefaults(cfg)
	return cfg
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.BufferSizePerStream <= 0 {
		cfg.BufferSizePerStream = 1
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = 30 * time.Minute
	}
	if cfg.ImportRefreshInterval <= 0 {
		cfg.ImportRefreshInterval = 12 * time.Hour
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.SortField == "" {
		cfg.SortField = "tvg-name"
	}
	if cfg.SortDirection != "desc" {
		cfg.SortDirection = "asc"
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 10 * time.Second
	}
	if cfg.MaxConnectionsToApp <= 0 {
		cfg.MaxConnectionsToApp = 100
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/settings/lumos.db"
	}

	pb := &cfg.Playback
	if pb.RecoveryCooldown <= 0 {
		pb.RecoveryCooldown = 30 * time.Second
	}
	if pb.MaxRecoveryAttempts <= 0 {
		pb.MaxRecoveryAttempts = 3
	}
	if pb.FallbackDelay < 0 {
		pb.FallbackDelay = 0
	}
	if pb.StallTimeout <= 0 {
		pb.StallTimeout = 20 * time.Second
	}
	if pb.SegmentRetries <= 0 {
		pb.SegmentRetries = 3
	}
	if pb.IdleTimeout <= 0 {
		pb.IdleTimeout = 30 * time.Second
	}

	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.Order <= 0 {
			src.Order = i + 1
		}
		if src.MaxConnections <= 0 {
			src.MaxConnections = 5
		}
		if src.RequestsPerSecond <= 0 {
			src.RequestsPerSecond = 10
		}
		if src.MaxRetries <= 0 {
			src.MaxRetries = 3
		}
		if src.RetryDelay <= 0 {
			src.RetryDelay = 5 * time.Second
		}
		if src.UserAgent == "" {
			src.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
		}
	}
}

// GetSourceByURL returns the source whose playlist URL matches, or nil.
func (c *Config) GetSourceByURL(url string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].URL == url {
			return &c.Sources[i]
		}
	}
	return nil
}

// GetSourcesByOrder returns a copy of sources sorted by their Order field.
func (c *Config) GetSourcesByOrder() []SourceConfig {
	sources := make([]SourceConfig, len(c.Sources))
	copy(sources, c.Sources)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Order < sources[j].Order
	})
	return sources
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:               "http://localhost:8080",
		ListenAddr:            ":8080",
		BufferSizePerStream:   4,
		CacheDuration:         "30m",
		ImportRefreshInterval: "12h",
		WorkerThreads:         4,
		LogLevel:              "INFO",
		ObfuscateUrls:         true,
		SortField:             "tvg-name",
		SortDirection:         "asc",
		StreamTimeout:         "10s",
		MaxConnectionsToApp:   100,
		DatabasePath:          "/settings/lumos.db",
		Playback: PlaybackConfigFile{
			RecoveryCooldown:    "30s",
			MaxRecoveryAttempts: 3,
			FallbackDelay:       "0s",
			StallTimeout:        "20s",
			SegmentRetries:      3,
			IdleTimeout:         "30s",
		},
		Sources: []SourceConfigFile{
			{
				Name:              "Primary IPTV Source",
				URL:               "http://example.com/playlist1.m3u",
				Order:             1,
				MaxConnections:    5,
				RequestsPerSecond: 10,
				MaxRetries:        3,
				RetryDelay:        "5s",
				UserAgent:         "VLC/3.0.18 LibVLC/3.0.18",
			},
			{
				Name:              "Backup IPTV Source",
				URL:               "http://example.com/playlist2.m3u",
				Order:             2,
				MaxConnections:    10,
				RequestsPerSecond: 5,
				MaxRetries:        2,
				RetryDelay:        "10s",
				UserAgent:         "Mozilla/5.0 (Smart TV; Linux)",
				ReqOrigin:         "https://provider2.com",
				ReqReferrer:       "https://provider2.com/player",
				ExcludeRegex:      "(?i)adult",
			},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache forces a reload on the next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks the path and query of a source URL for logging.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
