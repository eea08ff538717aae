package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shelfarr/Shelfarr/internal/api"
	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/config"
	"github.com/shelfarr/Shelfarr/internal/db"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/integration"
	"github.com/shelfarr/Shelfarr/internal/logger"
	"github.com/shelfarr/Shelfarr/internal/metrics"
	"github.com/shelfarr/Shelfarr/internal/notifier"
	"github.com/shelfarr/Shelfarr/internal/services"
	"github.com/shelfarr/Shelfarr/internal/volumes"
)

func main() {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (SHELFARR_*)
	flagPort := flag.String("port", "", "HTTP server port (env: SHELFARR_PORT, default: 3280)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: SHELFARR_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: SHELFARR_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: SHELFARR_DATABASE_PATH)")
	flagCacheRoot := flag.String("cache-root", "", "Central thumbnail cache directory (env: SHELFARR_CACHE_ROOT)")
	flagRendererPath := flag.String("renderer-path", "", "Preview renderer binary (env: SHELFARR_RENDERER_PATH, default: shelfarr-render)")
	flagRenderTimeout := flag.Duration("render-timeout", 0, "Wall-clock budget per render (env: SHELFARR_RENDER_TIMEOUT, default: 2m)")
	flagVolumeCheckInterval := flag.Duration("volume-check-interval", 0, "Volume reachability check interval (env: SHELFARR_VOLUME_CHECK_INTERVAL, default: 1m)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep old events and scan history, 0 to disable pruning (env: SHELFARR_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Shelfarr %s\n", config.Version)
		os.Exit(0)
	}

	// Load configuration from environment variables
	config.Load()

	// Apply command-line flag overrides
	flagOverrides := config.FlagOverrides{
		Port:                flagPort,
		LogLevel:            flagLogLevel,
		DataDir:             flagDataDir,
		DatabasePath:        flagDatabasePath,
		CacheRoot:           flagCacheRoot,
		RendererPath:        flagRendererPath,
		RenderTimeout:       flagRenderTimeout,
		VolumeCheckInterval: flagVolumeCheckInterval,
	}
	// Special handling for retention days: -1 means not set (use default), 0 means disable
	if *flagRetentionDays >= 0 {
		flagOverrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(flagOverrides)

	cfg := config.Get()

	// Initialize logger with configured log directory
	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Shelfarr %s...", config.Version)
	logger.Infof("Asset catalog for documents and 3D models")
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Thumbnail Cache: %s", cfg.CacheRoot)
	logger.Infof("  Renderer: %s (timeout %s)", cfg.RendererPath, cfg.RenderTimeout)
	logger.Infof("  Render Lanes: %d small / %d large (split at %d bytes)",
		cfg.RenderSmallWorkers, cfg.RenderLargeWorkers, cfg.RenderSizeThreshold)
	logger.Infof("  Volume Check Interval: %s", cfg.VolumeCheckInterval)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}
	if len(cfg.NotifyURLs) > 0 {
		logger.Infof("  Notification Targets: %d", len(cfg.NotifyURLs))
	}

	// Initialize Database
	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Infof("✓ Database initialized successfully")

	// Create a database backup on startup
	if backupPath, err := repo.Backup(cfg.DatabasePath); err != nil {
		logger.Errorf("Failed to create startup backup: %v", err)
	} else {
		logger.Infof("✓ Database backup created: %s", backupPath)
	}

	// Scheduled backups (every 6 hours); maintenance runs on the scheduler cron
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := repo.Backup(cfg.DatabasePath); err != nil {
				logger.Errorf("Scheduled backup failed: %v", err)
			}
		}
	}()

	// Initialize Event Bus
	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus(repo.DB)
	logger.Infof("✓ Event Bus initialized")

	// Catalog store and volume registry
	store := catalog.NewStore(repo.DB)
	registry := volumes.NewRegistry(store, eb)
	logger.Infof("✓ Catalog store and volume registry initialized")

	// Initialize core services
	logger.Infof("Initializing core services...")
	clk := clock.NewRealClock()

	scannerService := services.NewScannerService(store, eb, clk, cfg.ScanErrorSampleLimit)
	logger.Infof("✓ Scanner Service (walks volumes, reconciles the catalog)")

	// Scans interrupted by the previous shutdown are still recorded as running.
	recoveryService := services.NewRecoveryService(store, eb)
	recoveryService.Run()

	trackerService := services.NewTrackerService(store, registry, eb)
	trackerService.Start()
	logger.Infof("✓ Tracker Service (missing/offline lifecycle)")

	dedupService := services.NewDedupService(store, eb)
	logger.Infof("✓ Dedup Service (full-fingerprint collision resolution)")

	resolver := services.NewThumbnailResolver(cfg.CacheRoot)

	if status := integration.CheckRenderer(cfg.RendererPath); status.Available {
		if status.Version != "" {
			logger.Infof("✓ Renderer found: %s (version %s)", status.Path, status.Version)
		} else {
			logger.Infof("✓ Renderer found: %s", status.Path)
		}
	} else {
		logger.Warnf("Renderer binary %q not found; preview rendering will fail until it is installed", cfg.RendererPath)
	}
	renderer := integration.NewGuardedRenderer(
		integration.NewRenderer(cfg.RendererPath, cfg.RenderTimeout),
		integration.DefaultCircuitBreakerConfig())
	renderPool := services.NewRenderPool(store, resolver, renderer, eb,
		cfg.RenderSmallWorkers, cfg.RenderLargeWorkers, cfg.RenderSizeThreshold)
	logger.Infof("✓ Render Pool (two-lane preview rendering)")

	renderRetry := services.NewRenderRetryService(store, renderPool, eb)
	renderRetry.Start()
	logger.Infof("✓ Render Retry (backoff re-renders for transient failures)")

	schedulerService := services.NewSchedulerService(repo, scannerService, trackerService,
		cfg.VolumeCheckInterval, cfg.MaintenanceCron, cfg.RetentionDays)
	schedulerService.Start()
	logger.Infof("✓ Scheduler Service (volume checks, cron scans, maintenance)")

	// Mount watcher: re-check reachability as soon as a mount root appears or
	// disappears instead of waiting for the next periodic sweep.
	mountWatcher, err := volumes.NewMountWatcher(func(mountRoot string) {
		if _, err := trackerService.CheckVolumes(); err != nil {
			logger.Errorf("Mount-triggered volume check failed: %v", err)
		}
	})
	if err != nil {
		logger.Warnf("Mount watcher unavailable: %v (periodic checks still run)", err)
	} else {
		vols, err := store.ListVolumes()
		if err != nil {
			logger.Errorf("Failed to list volumes for mount watcher: %v", err)
		} else {
			for _, v := range vols {
				if err := mountWatcher.Watch(v.MountRoot); err != nil {
					logger.Warnf("Cannot watch mount root %s: %v", v.MountRoot, err)
				}
			}
		}
		// Newly registered volumes get watched as they appear.
		eb.Subscribe(domain.VolumeRegistered, func(e domain.Event) {
			if root, ok := e.GetString("mount_root"); ok {
				if err := mountWatcher.Watch(root); err != nil {
					logger.Warnf("Cannot watch mount root %s: %v", root, err)
				}
			}
		})
		mountWatcher.Start()
		logger.Infof("✓ Mount Watcher (fsnotify on mount-root parents)")
	}

	// Initialize Notifier Service
	notifierService := notifier.NewNotifier(eb, cfg.NotifyURLs)
	notifierService.Start()

	// Initialize Metrics Service (Prometheus metrics)
	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	healthMonitor := services.NewHealthMonitorService(repo.DB, eb)
	healthMonitor.Start()

	// Start API Server
	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		DB:         repo.DB,
		Store:      store,
		Registry:   registry,
		EventBus:   eb,
		Scanner:    scannerService,
		Tracker:    trackerService,
		Dedup:      dedupService,
		Resolver:   resolver,
		RenderPool: renderPool,
		Scheduler:  schedulerService,
		Notifier:   notifierService,
		Metrics:    metricsService,
		Version:    config.Version,
	})
	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ Shelfarr %s started successfully", config.Version)
	logger.Infof("✓ Server listening on port %s", cfg.Port)
	logger.Infof("========================================")

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("========================================")
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof("========================================")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown in reverse order of startup
	logger.Infof("Stopping Scheduler Service...")
	schedulerService.Stop()
	logger.Infof("✓ Scheduler Service stopped")

	if mountWatcher != nil {
		mountWatcher.Stop()
		logger.Infof("✓ Mount Watcher stopped")
	}

	logger.Infof("Stopping Scanner Service (interrupting active scans)...")
	scannerService.Shutdown()
	logger.Infof("✓ Scanner Service stopped")

	renderRetry.Stop()
	logger.Infof("✓ Render Retry stopped")

	healthMonitor.Shutdown()
	logger.Infof("✓ Health Monitor stopped")

	logger.Infof("Stopping Notification Service...")
	notifierService.Stop()
	logger.Infof("✓ Notification Service stopped")

	logger.Infof("Stopping Event Bus...")
	eb.Shutdown()
	logger.Infof("✓ Event Bus stopped")

	logger.Infof("Stopping API Server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	logger.Infof("Closing database connection...")
	if err := repo.Close(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}

	logger.Infof("========================================")
	logger.Infof("✓ Shelfarr shutdown complete")
	logger.Infof("========================================")
}
