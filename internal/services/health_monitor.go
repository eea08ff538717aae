package services

import (
	"database/sql"
	"sync"
	"time"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// HealthMonitorService watches for conditions that no single service notices
// on its own: scans that never finish, entries whose previews keep failing,
// and database connection pool pressure. Findings are published as
// SystemHealthDegraded events so the notifier and WebSocket clients see them.
type HealthMonitorService struct {
	db         *sql.DB
	bus        eventbus.Publisher
	clk        clock.Clock
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	checkInterval          time.Duration
	staleScanThreshold     time.Duration
	renderFailureThreshold int
	renderFailureWindow    time.Duration
}

// NewHealthMonitorService creates a health monitor. An optional Clock can be
// provided for testing; if none is provided, RealClock is used.
func NewHealthMonitorService(db *sql.DB, bus eventbus.Publisher, clocks ...clock.Clock) *HealthMonitorService {
	var c clock.Clock = clock.NewRealClock()
	if len(clocks) > 0 && clocks[0] != nil {
		c = clocks[0]
	}
	return &HealthMonitorService{
		db:                     db,
		bus:                    bus,
		clk:                    c,
		shutdownCh:             make(chan struct{}),
		checkInterval:          15 * time.Minute,
		staleScanThreshold:     6 * time.Hour,
		renderFailureThreshold: 3,
		renderFailureWindow:    7 * 24 * time.Hour,
	}
}

// Start begins periodic health checks.
func (h *HealthMonitorService) Start() {
	h.wg.Add(1)
	go h.run()
	logger.Infof("Health monitor started (check interval: %s, stale scan threshold: %s)",
		h.checkInterval, h.staleScanThreshold)
}

// Shutdown stops the health monitor and waits for the check loop to exit.
func (h *HealthMonitorService) Shutdown() {
	close(h.shutdownCh)
	h.wg.Wait()
	logger.Infof("Health monitor: shutdown complete")
}

func (h *HealthMonitorService) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	// First check after a short delay so startup recovery settles first.
	select {
	case <-h.shutdownCh:
		return
	case <-time.After(30 * time.Second):
		h.performHealthChecks()
	}

	for {
		select {
		case <-h.shutdownCh:
			return
		case <-ticker.C:
			h.performHealthChecks()
		}
	}
}

func (h *HealthMonitorService) performHealthChecks() {
	h.checkStaleScans()
	h.checkRepeatedRenderFailures()
	h.checkDatabaseHealth()
}

// checkStaleScans finds scans that have been running far longer than any
// plausible walk of a volume. The scanner updates the record when it finishes;
// a record this old means the in-memory scan is gone or wedged.
func (h *HealthMonitorService) checkStaleScans() {
	cutoff := h.clk.Now().UTC().Add(-h.staleScanThreshold)
	rows, err := h.db.Query(`SELECT id, volume_id, started_at FROM scans
		WHERE status = ? AND started_at < ?`, catalog.ScanRunning, cutoff)
	if err != nil {
		logger.Debugf("Health monitor: failed to check stale scans: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var scanID string
		var volumeID int64
		var startedAt time.Time
		if err := rows.Scan(&scanID, &volumeID, &startedAt); err != nil {
			continue
		}

		runningFor := h.clk.Now().UTC().Sub(startedAt)
		logger.Warnf("STALE SCAN: %s on volume %d has been running for %s", scanID, volumeID, runningFor)

		if err := h.bus.Publish(domain.Event{
			AggregateType: "health",
			AggregateID:   "stale_scan_" + scanID,
			EventType:     domain.SystemHealthDegraded,
			EventData: map[string]interface{}{
				"type":          "stale_scan",
				"scan_id":       scanID,
				"volume_id":     volumeID,
				"running_hours": int(runningFor.Hours()),
				"message":       "Scan has exceeded the stale threshold and may be wedged",
			},
		}); err != nil {
			logger.Errorf("Failed to publish SystemHealthDegraded event for stale scan: %v", err)
		}
	}
}

// checkRepeatedRenderFailures finds entries whose preview renders keep
// failing. One failure is routine (transient mount glitch, renderer restart);
// the same identity failing repeatedly inside the window points at a bad
// asset or a renderer that cannot handle its format.
func (h *HealthMonitorService) checkRepeatedRenderFailures() {
	since := h.clk.Now().UTC().Add(-h.renderFailureWindow)
	rows, err := h.db.Query(`
		SELECT json_extract(event_data, '$.identity') AS identity, COUNT(*) AS failures
		FROM events
		WHERE event_type = ? AND created_at > ?
		AND json_extract(event_data, '$.identity') IS NOT NULL
		GROUP BY identity
		HAVING COUNT(*) >= ?`, domain.RenderFailed, since, h.renderFailureThreshold)
	if err != nil {
		logger.Debugf("Health monitor: failed to check render failures: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var identity sql.NullString
		var failures int
		if err := rows.Scan(&identity, &failures); err != nil {
			continue
		}

		logger.Warnf("REPEATED RENDER FAILURE: %s has failed %d times", identity.String, failures)

		if err := h.bus.Publish(domain.Event{
			AggregateType: "health",
			AggregateID:   "render_failure_" + identity.String,
			EventType:     domain.SystemHealthDegraded,
			EventData: map[string]interface{}{
				"type":          "repeated_render_failure",
				"identity":      identity.String,
				"failure_count": failures,
				"message":       "Preview rendering keeps failing for this entry - the asset may be unreadable",
			},
		}); err != nil {
			logger.Errorf("Failed to publish SystemHealthDegraded event for render failures: %v", err)
		}
	}
}

// checkDatabaseHealth checks connection pool pressure.
func (h *HealthMonitorService) checkDatabaseHealth() {
	stats := h.db.Stats()

	logger.Debugf("Database health: open=%d, in_use=%d, idle=%d, wait_count=%d, wait_duration=%s",
		stats.OpenConnections, stats.InUse, stats.Idle, stats.WaitCount, stats.WaitDuration)

	if stats.OpenConnections > 0 && stats.InUse == stats.OpenConnections {
		logger.Warnf("Database connection pool exhausted: all %d connections in use", stats.OpenConnections)

		if err := h.bus.Publish(domain.Event{
			AggregateType: "health",
			AggregateID:   "database_pool",
			EventType:     domain.SystemHealthDegraded,
			EventData: map[string]interface{}{
				"type":             "database_pool_exhausted",
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
			},
		}); err != nil {
			logger.Errorf("Failed to publish SystemHealthDegraded event for database pool: %v", err)
		}
	}

	if stats.WaitDuration > 5*time.Second {
		logger.Warnf("Database connection wait time high: %s (waited %d times)", stats.WaitDuration, stats.WaitCount)
	}
}
