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

func TestRecoveryMarksInterruptedScansFailed(t *testing.T) {
	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := catalog.NewStore(db)
	bus := testutil.NewMockEventBus()

	volID, err := testutil.SeedVolume(db, "shelf", t.TempDir())
	require.NoError(t, err)

	started := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateScan("scan-interrupted", volID, started))

	require.NoError(t, store.CreateScan("scan-done", volID, started))
	require.NoError(t, store.FinishScan("scan-done", catalog.ScanCompleted, catalog.ScanSummary{TotalItems: 3, New: 3}))

	recovery := NewRecoveryService(store, bus)
	assert.Equal(t, 1, recovery.Run())

	rec, err := store.GetScan("scan-interrupted")
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanFailed, rec.Status)
	assert.Contains(t, rec.Summary.ErrorSamples, "scan interrupted by shutdown")

	done, err := store.GetScan("scan-done")
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanCompleted, done.Status)
	assert.Equal(t, 3, done.Summary.New)

	events := bus.GetEvents(domain.ScanFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "scan-interrupted", events[0].AggregateID)
}

func TestRecoveryNoRunningScans(t *testing.T) {
	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := catalog.NewStore(db)
	bus := testutil.NewMockEventBus()

	recovery := NewRecoveryService(store, bus)
	assert.Equal(t, 0, recovery.Run())
	assert.Empty(t, bus.GetAllEvents())
}
