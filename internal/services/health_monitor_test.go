package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/testutil"
)

func TestHealthMonitorDetectsStaleScan(t *testing.T) {
	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := catalog.NewStore(db)
	bus := testutil.NewMockEventBus()
	clk := testutil.NewMockClock()

	volID, err := testutil.SeedVolume(db, "shelf", t.TempDir())
	require.NoError(t, err)

	hm := NewHealthMonitorService(db, bus, clk)

	// A scan started just beyond the stale threshold.
	stale := clk.Now().UTC().Add(-hm.staleScanThreshold - time.Hour)
	require.NoError(t, store.CreateScan("scan-stale", volID, stale))

	// A fresh running scan must not be flagged.
	require.NoError(t, store.CreateScan("scan-fresh", volID, clk.Now().UTC()))

	hm.performHealthChecks()

	events := bus.GetEvents(domain.SystemHealthDegraded)
	require.Len(t, events, 1)
	assert.Equal(t, "stale_scan", events[0].EventData["type"])
	assert.Equal(t, "scan-stale", events[0].EventData["scan_id"])
}

func TestHealthMonitorDetectsRepeatedRenderFailures(t *testing.T) {
	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bus := testutil.NewMockEventBus()
	clk := testutil.NewMockClock()

	hm := NewHealthMonitorService(db, bus, clk)

	identity := "models/broken.stl"
	for i := 0; i < hm.renderFailureThreshold; i++ {
		_, err := testutil.SeedEvent(db, domain.Event{
			AggregateType: "entry",
			AggregateID:   "1",
			EventType:     domain.RenderFailed,
			EventData: map[string]interface{}{
				"entry_id": 1,
				"identity": identity,
				"error":    "render_failed: renderer crashed",
			},
			CreatedAt: clk.Now().UTC().Add(-time.Hour),
		})
		require.NoError(t, err)
	}

	// A single failure for another entry stays below the threshold.
	_, err = testutil.SeedEvent(db, domain.Event{
		AggregateType: "entry",
		AggregateID:   "2",
		EventType:     domain.RenderFailed,
		EventData: map[string]interface{}{
			"entry_id": 2,
			"identity": "docs/fine.pdf",
			"error":    "timeout: renderer timed out",
		},
		CreatedAt: clk.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	hm.performHealthChecks()

	events := bus.GetEvents(domain.SystemHealthDegraded)
	require.Len(t, events, 1)
	assert.Equal(t, "repeated_render_failure", events[0].EventData["type"])
	assert.Equal(t, identity, events[0].EventData["identity"])
}

func TestHealthMonitorIgnoresOldRenderFailures(t *testing.T) {
	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bus := testutil.NewMockEventBus()
	clk := testutil.NewMockClock()

	hm := NewHealthMonitorService(db, bus, clk)

	// Failures outside the window are history, not an active problem.
	old := clk.Now().UTC().Add(-hm.renderFailureWindow - 24*time.Hour)
	for i := 0; i < hm.renderFailureThreshold+1; i++ {
		_, err := testutil.SeedEvent(db, domain.Event{
			AggregateType: "entry",
			AggregateID:   "1",
			EventType:     domain.RenderFailed,
			EventData: map[string]interface{}{
				"entry_id": 1,
				"identity": "models/old.stl",
			},
			CreatedAt: old,
		})
		require.NoError(t, err)
	}

	hm.performHealthChecks()
	assert.Empty(t, bus.GetEvents(domain.SystemHealthDegraded))
}

func TestHealthMonitorStartShutdown(t *testing.T) {
	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bus := testutil.NewMockEventBus()

	hm := NewHealthMonitorService(db, bus)
	hm.Start()
	hm.Shutdown()
}
