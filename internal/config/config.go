package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3280)
	Port string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DataDir is the directory for persistent data (database, logs, central thumbnail cache)
	// Default: /config in Docker, ./config locally
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/shelfarr.db)
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// CacheRoot is the central thumbnail cache directory, used when a thumbnail
	// cannot be placed beside its asset (default: <DataDir>/thumbnails)
	CacheRoot string

	// RendererPath is the external preview renderer binary (default: "shelfarr-render")
	RendererPath string

	// RenderTimeout is the wall-clock budget for one renderer invocation (default: 2m)
	RenderTimeout time.Duration

	// RenderSmallWorkers is the number of workers in the wide render lane (default: 4)
	RenderSmallWorkers int

	// RenderLargeWorkers is the number of workers in the narrow render lane (default: 1)
	RenderLargeWorkers int

	// RenderSizeThreshold splits render jobs between lanes by source size (default: 32 MiB)
	RenderSizeThreshold int64

	// VolumeCheckInterval is how often volume reachability is re-evaluated (default: 1m)
	VolumeCheckInterval time.Duration

	// MaintenanceCron schedules database maintenance (default: daily at 04:30)
	MaintenanceCron string

	// RetentionDays is the number of days to keep old events and scan history (default: 90)
	// Set to 0 to disable automatic pruning
	RetentionDays int

	// ScanErrorSampleLimit bounds how many per-item error reasons a scan keeps (default: 20)
	ScanErrorSampleLimit int

	// NotifyURLs is a comma-separated list of shoutrrr service URLs (default: none)
	NotifyURLs []string
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	// Determine DataDir - this is where all persistent data lives
	dataDir := getEnvOrDefault("SHELFARR_DATA_DIR", "")
	if dataDir == "" {
		// Check if we're in Docker (has /config directory)
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if execPath, err := os.Executable(); err == nil {
			dataDir = filepath.Join(filepath.Dir(execPath), "config")
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}
	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("SHELFARR_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "shelfarr.db")
	}

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	cacheRoot := getEnvOrDefault("SHELFARR_CACHE_ROOT", "")
	if cacheRoot == "" {
		cacheRoot = filepath.Join(dataDir, "thumbnails")
	}

	var notifyURLs []string
	if raw := os.Getenv("SHELFARR_NOTIFY_URLS"); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				notifyURLs = append(notifyURLs, u)
			}
		}
	}

	cfg = &Config{
		Port:                 getEnvOrDefault("SHELFARR_PORT", "3280"),
		LogLevel:             strings.ToLower(getEnvOrDefault("SHELFARR_LOG_LEVEL", "info")),
		DataDir:              dataDir,
		DatabasePath:         dbPath,
		LogDir:               logDir,
		CacheRoot:            cacheRoot,
		RendererPath:         getEnvOrDefault("SHELFARR_RENDERER_PATH", "shelfarr-render"),
		RenderTimeout:        getEnvDurationOrDefault("SHELFARR_RENDER_TIMEOUT", 2*time.Minute),
		RenderSmallWorkers:   getEnvIntOrDefault("SHELFARR_RENDER_SMALL_WORKERS", 4),
		RenderLargeWorkers:   getEnvIntOrDefault("SHELFARR_RENDER_LARGE_WORKERS", 1),
		RenderSizeThreshold:  getEnvInt64OrDefault("SHELFARR_RENDER_SIZE_THRESHOLD", 32<<20),
		VolumeCheckInterval:  getEnvDurationOrDefault("SHELFARR_VOLUME_CHECK_INTERVAL", time.Minute),
		MaintenanceCron:      getEnvOrDefault("SHELFARR_MAINTENANCE_CRON", "30 4 * * *"),
		RetentionDays:        getEnvIntOrDefault("SHELFARR_RETENTION_DAYS", 90),
		ScanErrorSampleLimit: getEnvIntOrDefault("SHELFARR_SCAN_ERROR_SAMPLE_LIMIT", 20),
		NotifyURLs:           notifyURLs,
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		cfg.LogLevel = "info"
	}

	return cfg
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                 "8080",
		LogLevel:             "debug",
		DataDir:              "/tmp/shelfarr-test",
		DatabasePath:         "/tmp/shelfarr-test/shelfarr.db",
		LogDir:               "/tmp/shelfarr-test/logs",
		CacheRoot:            "/tmp/shelfarr-test/thumbnails",
		RendererPath:         "shelfarr-render",
		RenderTimeout:        2 * time.Minute,
		RenderSmallWorkers:   4,
		RenderLargeWorkers:   1,
		RenderSizeThreshold:  32 << 20,
		VolumeCheckInterval:  time.Minute,
		MaintenanceCron:      "30 4 * * *",
		RetentionDays:        90,
		ScanErrorSampleLimit: 20,
	}
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port                *string
	LogLevel            *string
	DataDir             *string
	DatabasePath        *string
	CacheRoot           *string
	RendererPath        *string
	RenderTimeout       *time.Duration
	VolumeCheckInterval *time.Duration
	RetentionDays       *int
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
// Only non-nil values with non-default flag values will override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.CacheRoot != nil && *flags.CacheRoot != "" {
		cfg.CacheRoot = *flags.CacheRoot
	}
	if flags.RendererPath != nil && *flags.RendererPath != "" {
		cfg.RendererPath = *flags.RendererPath
	}
	if flags.RenderTimeout != nil && *flags.RenderTimeout != 0 {
		cfg.RenderTimeout = *flags.RenderTimeout
	}
	if flags.VolumeCheckInterval != nil && *flags.VolumeCheckInterval != 0 {
		cfg.VolumeCheckInterval = *flags.VolumeCheckInterval
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable as an int64 or the default if not set/invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
