// Package api provides the REST surface and WebSocket stream for Shelfarr.
// It is a thin collaborator over the catalog services: trigger and inspect
// scans, dedup passes and render batches, manage volumes, and expose metrics.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
	"github.com/shelfarr/Shelfarr/internal/metrics"
	"github.com/shelfarr/Shelfarr/internal/notifier"
	"github.com/shelfarr/Shelfarr/internal/services"
	"github.com/shelfarr/Shelfarr/internal/volumes"
)

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	db         *sql.DB
	store      *catalog.Store
	registry   *volumes.Registry
	eventBus   eventbus.Publisher
	scanner    *services.ScannerService
	tracker    *services.TrackerService
	dedup      *services.DedupService
	resolver   *services.ThumbnailResolver
	renderPool *services.RenderPool
	scheduler  *services.SchedulerService
	notifier   *notifier.Notifier
	metrics    *metrics.MetricsService
	hub        *WebSocketHub
	startTime  time.Time
	version    string
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	DB         *sql.DB
	Store      *catalog.Store
	Registry   *volumes.Registry
	EventBus   eventbus.Publisher
	Scanner    *services.ScannerService
	Tracker    *services.TrackerService
	Dedup      *services.DedupService
	Resolver   *services.ThumbnailResolver
	RenderPool *services.RenderPool
	Scheduler  *services.SchedulerService
	Notifier   *notifier.Notifier
	Metrics    *metrics.MetricsService
	Version    string
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Set Gin to release mode for production (suppresses debug warnings)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	// Custom recovery middleware with enhanced logging
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal server error",
			"request_id": reqID,
		})
	}))

	// CORS middleware - configurable via SHELFARR_CORS_ORIGIN env var.
	// If not set, no CORS header is emitted and the browser enforces
	// same-origin. Set to "*" only for development.
	corsOrigins := os.Getenv("SHELFARR_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s := &RESTServer{
		router:     r,
		db:         deps.DB,
		store:      deps.Store,
		registry:   deps.Registry,
		eventBus:   deps.EventBus,
		scanner:    deps.Scanner,
		tracker:    deps.Tracker,
		dedup:      deps.Dedup,
		resolver:   deps.Resolver,
		renderPool: deps.RenderPool,
		scheduler:  deps.Scheduler,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		hub:        NewWebSocketHub(deps.EventBus),
		startTime:  time.Now(),
		version:    deps.Version,
	}

	s.setupRoutes()

	return s
}

func (s *RESTServer) setupRoutes() {
	// Prometheus metrics endpoint at root level (standard scrape convention)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.router.Group("/api")
	api.Use(APILimiter.Middleware())
	{
		api.GET("/health", s.handleHealth)
		api.GET("/system/info", s.handleSystemInfo)
		api.GET("/stats", s.getStats)

		// Volumes
		api.GET("/volumes", s.getVolumes)
		api.POST("/volumes", s.registerVolume)
		api.GET("/volumes/:id", s.getVolume)
		api.POST("/volumes/check", s.checkVolumes)
		api.POST("/volumes/:id/schedule", s.scheduleVolumeScan)
		api.DELETE("/volumes/:id/schedule", s.unscheduleVolumeScan)

		// Scans
		api.GET("/scans", s.getScans)
		api.GET("/scans/active", s.getActiveScans)
		api.POST("/scans", TriggerLimiter.Middleware(), s.triggerScan)
		// Specific routes MUST come before :scan_id parameter routes
		api.POST("/scans/cancel-all", s.cancelAllScans)
		api.GET("/scans/:scan_id", s.getScanDetails)
		api.DELETE("/scans/:scan_id", s.cancelScan)
		api.POST("/scans/:scan_id/pause", s.pauseScan)
		api.POST("/scans/:scan_id/resume", s.resumeScan)

		// Entries
		api.GET("/entries", s.getEntries)
		api.GET("/entries/:id", s.getEntry)
		api.GET("/entries/:id/thumbnail", s.getEntryThumbnail)

		// Background jobs
		api.POST("/verify", TriggerLimiter.Middleware(), s.runVerify)
		api.POST("/dedup", TriggerLimiter.Middleware(), s.runDedup)
		api.POST("/renders", TriggerLimiter.Middleware(), s.triggerRenderBatch)

		// Notifications
		api.POST("/notifications/test", s.testNotification)

		// Live progress stream
		api.GET("/ws", func(c *gin.Context) {
			s.hub.HandleConnection(c)
		})
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
