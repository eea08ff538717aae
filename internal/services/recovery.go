package services

import (
	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// RecoveryService reconciles scan history on startup. Scan progress lives in
// memory while a scan runs, so a process that dies mid-scan leaves the record
// stuck in the running state forever. It runs once, before the scheduler
// starts kicking off new scans.
type RecoveryService struct {
	store *catalog.Store
	bus   eventbus.Publisher
}

// NewRecoveryService creates a recovery service.
func NewRecoveryService(store *catalog.Store, bus eventbus.Publisher) *RecoveryService {
	return &RecoveryService{store: store, bus: bus}
}

// Run marks every scan still recorded as running as failed. Returns the
// number of scans reconciled.
func (r *RecoveryService) Run() int {
	stuck, err := r.store.ListScansByStatus(catalog.ScanRunning)
	if err != nil {
		logger.Errorf("Recovery: failed to list running scans: %v", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	reconciled := 0
	for _, rec := range stuck {
		summary := rec.Summary
		summary.ErrorSamples = append(summary.ErrorSamples, "scan interrupted by shutdown")
		if err := r.store.FinishScan(rec.ID, catalog.ScanFailed, summary); err != nil {
			logger.Errorf("Recovery: failed to mark scan %s as failed: %v", rec.ID, err)
			continue
		}
		r.bus.Emit("scan", rec.ID, domain.ScanFailed, map[string]interface{}{
			"scan_id":   rec.ID,
			"volume_id": rec.VolumeID,
			"error":     "interrupted by shutdown",
		})
		logger.Warnf("Recovery: scan %s (volume %d, started %s) was interrupted, marked as failed",
			rec.ID, rec.VolumeID, rec.StartedAt.Format("2006-01-02 15:04:05"))
		reconciled++
	}

	logger.Infof("Recovery: reconciled %d interrupted scan(s)", reconciled)
	return reconciled
}
