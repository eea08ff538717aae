// Package metrics exposes Prometheus metrics derived from the event stream.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// MetricsService exposes Prometheus metrics for Shelfarr. All metrics are
// fed from the event bus; the service holds no catalog handle of its own.
type MetricsService struct {
	bus      eventbus.Publisher
	registry *prometheus.Registry

	// Counters
	scansTotal          *prometheus.CounterVec
	scanActionsTotal    *prometheus.CounterVec
	entriesMissingTotal prometheus.Counter
	entriesRecovered    prometheus.Counter
	duplicatesConfirmed prometheus.Counter
	rendersTotal        *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec

	// Gauges
	volumesOffline      prometheus.Gauge
	currentScanProgress prometheus.Gauge

	// Histograms
	renderDuration prometheus.Histogram

	mu                 sync.Mutex
	offlineVolumeCount int
}

// NewMetricsService creates and registers the Shelfarr metrics on a private
// registry, so multiple instances (as in tests) never collide.
func NewMetricsService(bus eventbus.Publisher) *MetricsService {
	m := &MetricsService{
		bus:      bus,
		registry: prometheus.NewRegistry(),

		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfarr_scans_total",
				Help: "Total number of scans by outcome",
			},
			[]string{"outcome"}, // completed, failed
		),

		scanActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfarr_scan_actions_total",
				Help: "Total scan item outcomes by action",
			},
			[]string{"action"}, // new, updated, moved, missing, duplicates, skipped, errors
		),

		entriesMissingTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shelfarr_entries_missing_total",
				Help: "Total number of entries that went missing",
			},
		),

		entriesRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shelfarr_entries_recovered_total",
				Help: "Total number of missing entries that were recovered",
			},
		),

		duplicatesConfirmed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shelfarr_duplicates_confirmed_total",
				Help: "Total number of duplicates confirmed by full fingerprint",
			},
		),

		rendersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfarr_renders_total",
				Help: "Total number of thumbnail renders by outcome",
			},
			[]string{"outcome"}, // rendered, failed
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfarr_notifications_total",
				Help: "Total number of notifications sent by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		volumesOffline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfarr_volumes_offline",
				Help: "Number of volumes currently unreachable",
			},
		),

		currentScanProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfarr_scan_progress_percent",
				Help: "Current scan progress percentage (0-100)",
			},
		),

		renderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shelfarr_render_duration_seconds",
				Help:    "Duration of thumbnail renders in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
			},
		),
	}

	m.registry.MustRegister(
		m.scansTotal,
		m.scanActionsTotal,
		m.entriesMissingTotal,
		m.entriesRecovered,
		m.duplicatesConfirmed,
		m.rendersTotal,
		m.notificationsTotal,
		m.volumesOffline,
		m.currentScanProgress,
		m.renderDuration,
	)

	return m
}

// Start subscribes to events and updates metrics.
func (m *MetricsService) Start() {
	m.bus.Subscribe(domain.ScanStarted, m.handleScanStarted)
	m.bus.Subscribe(domain.ScanProgress, m.handleScanProgress)
	m.bus.Subscribe(domain.ScanCompleted, m.handleScanCompleted)
	m.bus.Subscribe(domain.ScanFailed, m.handleScanFailed)
	m.bus.Subscribe(domain.EntryWentMissing, m.handleEntryWentMissing)
	m.bus.Subscribe(domain.EntryRecovered, m.handleEntryRecovered)
	m.bus.Subscribe(domain.DuplicateConfirmed, m.handleDuplicateConfirmed)
	m.bus.Subscribe(domain.ThumbnailRendered, m.handleThumbnailRendered)
	m.bus.Subscribe(domain.RenderFailed, m.handleRenderFailed)
	m.bus.Subscribe(domain.VolumeWentOffline, m.handleVolumeWentOffline)
	m.bus.Subscribe(domain.VolumeBackOnline, m.handleVolumeBackOnline)
	m.bus.Subscribe(domain.NotificationSent, m.handleNotificationSent)
	m.bus.Subscribe(domain.NotificationFailed, m.handleNotificationFailed)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsService) handleScanStarted(event domain.Event) {
	m.currentScanProgress.Set(0)
}

func (m *MetricsService) handleScanProgress(event domain.Event) {
	total, _ := event.GetInt64("total_items")
	done, _ := event.GetInt64("items_done")
	if total > 0 {
		m.currentScanProgress.Set(float64(done) / float64(total) * 100)
	}
}

func (m *MetricsService) handleScanCompleted(event domain.Event) {
	m.scansTotal.WithLabelValues("completed").Inc()
	m.currentScanProgress.Set(100)

	for _, action := range []string{"new", "updated", "moved", "missing", "duplicates", "skipped", "errors"} {
		if n, ok := event.GetInt64(action); ok && n > 0 {
			m.scanActionsTotal.WithLabelValues(action).Add(float64(n))
		}
	}
}

func (m *MetricsService) handleScanFailed(event domain.Event) {
	m.scansTotal.WithLabelValues("failed").Inc()
	m.currentScanProgress.Set(0)
}

func (m *MetricsService) handleEntryWentMissing(event domain.Event) {
	m.entriesMissingTotal.Inc()
}

func (m *MetricsService) handleEntryRecovered(event domain.Event) {
	m.entriesRecovered.Inc()
}

func (m *MetricsService) handleDuplicateConfirmed(event domain.Event) {
	m.duplicatesConfirmed.Inc()
}

func (m *MetricsService) handleThumbnailRendered(event domain.Event) {
	m.rendersTotal.WithLabelValues("rendered").Inc()
	if secs, ok := event.EventData["duration_seconds"].(float64); ok {
		m.renderDuration.Observe(secs)
	}
}

func (m *MetricsService) handleRenderFailed(event domain.Event) {
	m.rendersTotal.WithLabelValues("failed").Inc()
}

func (m *MetricsService) handleVolumeWentOffline(event domain.Event) {
	m.mu.Lock()
	m.offlineVolumeCount++
	m.volumesOffline.Set(float64(m.offlineVolumeCount))
	m.mu.Unlock()
}

func (m *MetricsService) handleVolumeBackOnline(event domain.Event) {
	m.mu.Lock()
	if m.offlineVolumeCount > 0 {
		m.offlineVolumeCount--
		m.volumesOffline.Set(float64(m.offlineVolumeCount))
	}
	m.mu.Unlock()
}

func (m *MetricsService) handleNotificationSent(event domain.Event) {
	m.notificationsTotal.WithLabelValues("sent").Inc()
}

func (m *MetricsService) handleNotificationFailed(event domain.Event) {
	m.notificationsTotal.WithLabelValues("failed").Inc()
}
