// Package volumes tracks registered storage roots and their reachability.
// A volume that fails its probe goes offline as a whole; individual missing
// files are the scanner's business, not this package's.
package volumes

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// writeProbeName is the marker file used to test directory writability.
const writeProbeName = ".shelfarr-write-test"

// StatusChange describes one volume transition observed by a reachability sweep.
type StatusChange struct {
	Volume *domain.Volume
	From   domain.VolumeStatus
	To     domain.VolumeStatus
	Reason string
}

// Registry manages volume registration and reachability checks.
type Registry struct {
	store *catalog.Store
	bus   eventbus.Publisher
}

// NewRegistry creates a Registry over the given store and event bus.
func NewRegistry(store *catalog.Store, bus eventbus.Publisher) *Registry {
	return &Registry{store: store, bus: bus}
}

// Register registers a mount root, creating the volume on first sight.
// Registration is idempotent; repeating it with a changed label or read-only
// flag refreshes those fields.
func (r *Registry) Register(label, mountRoot string, readOnly bool) (*domain.Volume, error) {
	if mountRoot == "" {
		return nil, fmt.Errorf("mount root must not be empty")
	}
	abs, err := filepath.Abs(mountRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mount root %s: %w", mountRoot, err)
	}

	vol, created, err := r.store.RegisterVolume(label, abs, readOnly)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Infof("Registered volume %q at %s", label, abs)
		r.bus.Emit("volume", fmt.Sprintf("%d", vol.ID), domain.VolumeRegistered, map[string]interface{}{
			"volume_id":  vol.ID,
			"label":      label,
			"mount_root": abs,
			"read_only":  readOnly,
		})
	}
	return vol, nil
}

// Probe verifies that a mount root is reachable: it exists, is a directory,
// and can be listed. Listing matters because a stale network mount often
// stats fine but hangs or fails on readdir.
func Probe(mountRoot string) error {
	info, err := os.Stat(mountRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount root does not exist: %s", mountRoot)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied: %s", mountRoot)
		}
		if reason := classifyReachabilityError(err); reason != "" {
			return fmt.Errorf("%s: %v", reason, err)
		}
		return fmt.Errorf("cannot access mount root: %v", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mount root is not a directory: %s", mountRoot)
	}

	if _, err := os.ReadDir(mountRoot); err != nil {
		if reason := classifyReachabilityError(err); reason != "" {
			return fmt.Errorf("%s: %v", reason, err)
		}
		return fmt.Errorf("cannot list mount root (mount may be stale): %v", err)
	}

	return nil
}

// CheckStatus probes one volume and returns the observed status with a
// reason when offline. It does not persist anything.
func (r *Registry) CheckStatus(v *domain.Volume) (domain.VolumeStatus, string) {
	if err := Probe(v.MountRoot); err != nil {
		return domain.VolumeOffline, err.Error()
	}
	return domain.VolumeOnline, ""
}

// CheckAll probes every registered volume, persists status transitions, and
// returns them. Entry reclassification on transition is the tracker's job;
// callers feed the returned changes to it.
func (r *Registry) CheckAll() ([]StatusChange, error) {
	vols, err := r.store.ListVolumes()
	if err != nil {
		return nil, err
	}

	var changes []StatusChange
	for _, v := range vols {
		status, reason := r.CheckStatus(v)
		if status == v.Status {
			if status == domain.VolumeOnline {
				if err := r.store.TouchVolume(v.ID); err != nil {
					logger.Warnf("Failed to touch volume %d: %v", v.ID, err)
				}
			}
			continue
		}

		if err := r.store.SetVolumeStatus(v.ID, status, reason); err != nil {
			logger.Errorf("Failed to persist volume %d status: %v", v.ID, err)
			continue
		}

		change := StatusChange{Volume: v, From: v.Status, To: status, Reason: reason}
		changes = append(changes, change)

		if status == domain.VolumeOffline {
			logger.Warnf("Volume %q (%s) went offline: %s", v.Label, v.MountRoot, reason)
			r.bus.Emit("volume", fmt.Sprintf("%d", v.ID), domain.VolumeWentOffline, map[string]interface{}{
				"volume_id":  v.ID,
				"mount_root": v.MountRoot,
				"reason":     reason,
			})
		} else {
			logger.Infof("Volume %q (%s) back online", v.Label, v.MountRoot)
			r.bus.Emit("volume", fmt.Sprintf("%d", v.ID), domain.VolumeBackOnline, map[string]interface{}{
				"volume_id":  v.ID,
				"mount_root": v.MountRoot,
			})
		}
	}

	return changes, nil
}

// IsWritable reports whether the directory accepts writes, by creating and
// removing a marker file. Used to decide between sidecar and central
// thumbnail placement.
func IsWritable(dir string) bool {
	probe := filepath.Join(dir, writeProbeName)
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return false
	}
	f.Close()
	if err := os.Remove(probe); err != nil {
		logger.Debugf("Failed to remove write probe %s: %v", probe, err)
	}
	return true
}
