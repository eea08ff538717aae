package services

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shelfarr/Shelfarr/internal/archive"
	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
	"github.com/shelfarr/Shelfarr/internal/volumes"
)

// TrackerService keeps entry lifecycle states in step with volume
// reachability. When a volume drops offline its indexed entries become
// offline (not missing: the assets are presumed intact behind the dead
// mount); when it returns they flip back. Entries that were already missing
// keep their state and their original missing_since through both transitions.
type TrackerService struct {
	store    *catalog.Store
	registry *volumes.Registry
	bus      eventbus.Publisher
	clk      clock.Clock
}

// NewTrackerService creates a tracker. An optional Clock can be provided for
// testing; if none is provided, RealClock is used.
func NewTrackerService(store *catalog.Store, registry *volumes.Registry, bus eventbus.Publisher, clocks ...clock.Clock) *TrackerService {
	var c clock.Clock = clock.NewRealClock()
	if len(clocks) > 0 && clocks[0] != nil {
		c = clocks[0]
	}
	return &TrackerService{
		store:    store,
		registry: registry,
		bus:      bus,
		clk:      c,
	}
}

// Start subscribes to volume reachability transitions.
func (t *TrackerService) Start() {
	t.bus.Subscribe(domain.VolumeWentOffline, t.handleVolumeOffline)
	t.bus.Subscribe(domain.VolumeBackOnline, t.handleVolumeOnline)
}

func (t *TrackerService) handleVolumeOffline(event domain.Event) {
	volumeID, ok := event.GetInt64("volume_id")
	if !ok {
		logger.Errorf("VolumeWentOffline event without volume_id: %s", event.AggregateID)
		return
	}
	if err := t.MarkVolumeOffline(volumeID); err != nil {
		logger.Errorf("Failed to reclassify entries for offline volume %d: %v", volumeID, err)
	}
}

func (t *TrackerService) handleVolumeOnline(event domain.Event) {
	volumeID, ok := event.GetInt64("volume_id")
	if !ok {
		logger.Errorf("VolumeBackOnline event without volume_id: %s", event.AggregateID)
		return
	}
	if err := t.MarkVolumeOnline(volumeID); err != nil {
		logger.Errorf("Failed to reclassify entries for recovered volume %d: %v", volumeID, err)
		return
	}
	// A returning mount is the moment missing entries are most likely to
	// reappear, so sweep immediately instead of waiting for the next cron run.
	if report, err := t.Verify(); err != nil {
		logger.Errorf("Post-recovery verification sweep failed: %v", err)
	} else if report.Recovered > 0 {
		logger.Infof("Post-recovery sweep: %d of %d missing entries recovered", report.Recovered, report.Checked)
	}
}

// MarkVolumeOffline flips the volume's indexed entries to offline.
func (t *TrackerService) MarkVolumeOffline(volumeID int64) error {
	n, err := t.store.MarkVolumeEntries(volumeID, domain.EntryIndexed, domain.EntryOffline)
	if err != nil {
		return err
	}
	logger.Infof("Volume %d offline: %d entries reclassified", volumeID, n)
	return nil
}

// MarkVolumeOnline flips the volume's offline entries back to indexed.
func (t *TrackerService) MarkVolumeOnline(volumeID int64) error {
	n, err := t.store.MarkVolumeEntries(volumeID, domain.EntryOffline, domain.EntryIndexed)
	if err != nil {
		return err
	}
	logger.Infof("Volume %d back online: %d entries restored", volumeID, n)
	return nil
}

// CheckVolumes probes every registered volume and returns the transitions.
// Entry reclassification happens through the subscribed handlers.
func (t *TrackerService) CheckVolumes() ([]volumes.StatusChange, error) {
	return t.registry.CheckAll()
}

// VerifyReport summarizes one verification sweep.
type VerifyReport struct {
	Checked      int `json:"checked"`
	Recovered    int `json:"recovered"`
	StillMissing int `json:"still_missing"`
}

// Verify re-checks every missing entry on online volumes and recovers those
// whose location exists again. Volumes that are offline are skipped; their
// entries cannot be distinguished from present until the mount returns.
func (t *TrackerService) Verify() (VerifyReport, error) {
	var report VerifyReport

	vols, err := t.store.ListVolumes()
	if err != nil {
		return report, fmt.Errorf("failed to list volumes: %w", err)
	}

	now := t.clk.Now().UTC()
	for _, vol := range vols {
		if vol.Status != domain.VolumeOnline {
			continue
		}
		missing, err := t.store.ListByVolume(vol.ID, domain.EntryMissing)
		if err != nil {
			logger.Errorf("Verify: failed to list missing entries for volume %d: %v", vol.ID, err)
			continue
		}
		for _, e := range missing {
			report.Checked++
			if !identityOnDisk(vol, e) {
				report.StillMissing++
				continue
			}
			if err := t.store.MarkRecovered(e.ID, now); err != nil {
				logger.Errorf("Verify: failed to recover entry %d: %v", e.ID, err)
				report.StillMissing++
				continue
			}
			report.Recovered++
			t.bus.Emit("entry", fmt.Sprintf("%d", e.ID), domain.EntryRecovered, map[string]interface{}{
				"entry_id":  e.ID,
				"volume_id": e.VolumeID,
				"identity":  e.Identity.String(),
			})
			logger.Infof("Entry %d recovered: %s", e.ID, e.Identity)
		}
	}

	t.bus.Emit("verify", "sweep", domain.VerifyCompleted, map[string]interface{}{
		"checked":       report.Checked,
		"recovered":     report.Recovered,
		"still_missing": report.StillMissing,
	})
	return report, nil
}

// identityOnDisk reports whether an entry's recorded location currently
// exists under its volume's mount root.
func identityOnDisk(vol *domain.Volume, e *domain.CatalogEntry) bool {
	abs := filepath.Join(vol.MountRoot, filepath.FromSlash(e.Identity.ContainerPath))
	if e.Identity.Kind == domain.StandaloneFile {
		_, err := os.Stat(abs)
		return err == nil
	}
	members, err := archive.List(abs)
	if err != nil {
		return false
	}
	for _, m := range members {
		if m.Name == e.Identity.Member {
			return true
		}
	}
	return false
}
