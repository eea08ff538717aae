package services

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"

	"github.com/shelfarr/Shelfarr/internal/archive"
	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/fingerprint"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// readAttempts bounds transient-read retries during full fingerprinting.
// Network mounts drop reads under load; a failed read here only postpones
// dedup until the next pass, so a short budget is enough.
const readAttempts = 3

// DedupReport summarizes one deduplication pass.
type DedupReport struct {
	GroupsExamined int `json:"groups_examined"`
	Fingerprinted  int `json:"fingerprinted"`
	Confirmed      int `json:"confirmed"`
	Errors         int `json:"errors"`
}

// DedupService confirms partial-fingerprint collisions by full content hash
// and folds verified copies under the oldest entry.
type DedupService struct {
	store *catalog.Store
	bus   eventbus.Publisher
}

// NewDedupService creates a dedup pass runner.
func NewDedupService(store *catalog.Store, bus eventbus.Publisher) *DedupService {
	return &DedupService{store: store, bus: bus}
}

// Run executes one dedup pass over every collision group. A partial
// fingerprint match is only a candidate; two entries are duplicates when
// their full fingerprints agree. The oldest entry of each verified group
// becomes canonical.
func (d *DedupService) Run(ctx context.Context) (DedupReport, error) {
	var report DedupReport

	groups, err := d.store.ListCollisionGroups()
	if err != nil {
		return report, fmt.Errorf("failed to list collision groups: %w", err)
	}

	volumeCache := make(map[int64]*domain.Volume)

	for _, group := range groups {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		report.GroupsExamined++
		d.resolveGroup(group, volumeCache, &report)
	}

	d.bus.Emit("dedup", "pass", domain.DedupCompleted, map[string]interface{}{
		"groups_examined": report.GroupsExamined,
		"fingerprinted":   report.Fingerprinted,
		"confirmed":       report.Confirmed,
		"errors":          report.Errors,
	})
	logger.Infof("Dedup pass: %d groups, %d fingerprinted, %d duplicates confirmed, %d errors",
		report.GroupsExamined, report.Fingerprinted, report.Confirmed, report.Errors)
	return report, nil
}

// resolveGroup fingerprints one collision group and links verified copies.
func (d *DedupService) resolveGroup(group []*domain.CatalogEntry, volumeCache map[int64]*domain.Volume, report *DedupReport) {
	// Bucket by full fingerprint. Entries that cannot be read right now are
	// left out; they stay in the collision group for the next pass.
	byFull := make(map[string][]*domain.CatalogEntry)
	for _, e := range group {
		full := e.FullFP
		if full == "" {
			vol, err := d.volume(e.VolumeID, volumeCache)
			if err != nil {
				logger.Errorf("Dedup: unknown volume %d for entry %d: %v", e.VolumeID, e.ID, err)
				report.Errors++
				continue
			}
			full, err = d.fullFingerprint(vol, e)
			if err != nil {
				logger.Warnf("Dedup: cannot fingerprint entry %d (%s): %v", e.ID, e.Identity, err)
				report.Errors++
				continue
			}
			if err := d.store.SetFullFingerprint(e.ID, full); err != nil {
				logger.Errorf("Dedup: failed to cache fingerprint for entry %d: %v", e.ID, err)
				report.Errors++
				continue
			}
			report.Fingerprinted++
		}
		byFull[full] = append(byFull[full], e)
	}

	for _, same := range byFull {
		if len(same) < 2 {
			continue
		}
		// ListCollisionGroups orders by id, so the first is the oldest.
		canonical := same[0]
		for _, dup := range same[1:] {
			if dup.DuplicateOf == canonical.ID {
				continue
			}
			if err := d.store.MarkDuplicate(dup.ID, canonical.ID); err != nil {
				logger.Errorf("Dedup: failed to link entry %d to %d: %v", dup.ID, canonical.ID, err)
				report.Errors++
				continue
			}
			report.Confirmed++
			d.bus.Emit("entry", fmt.Sprintf("%d", dup.ID), domain.DuplicateConfirmed, map[string]interface{}{
				"entry_id":     dup.ID,
				"canonical_id": canonical.ID,
				"identity":     dup.Identity.String(),
				"canonical":    canonical.Identity.String(),
			})
		}
	}
}

func (d *DedupService) volume(id int64, cache map[int64]*domain.Volume) (*domain.Volume, error) {
	if v, ok := cache[id]; ok {
		return v, nil
	}
	v, err := d.store.GetVolume(id)
	if err != nil {
		return nil, err
	}
	cache[id] = v
	return v, nil
}

// fullFingerprint hashes the entry's whole content, retrying transient read
// failures.
func (d *DedupService) fullFingerprint(vol *domain.Volume, e *domain.CatalogEntry) (string, error) {
	abs := filepath.Join(vol.MountRoot, filepath.FromSlash(e.Identity.ContainerPath))

	var fp string
	err := retry.Do(
		func() error {
			var err error
			fp, err = hashEntryContent(abs, e.Identity)
			return err
		},
		retry.Attempts(readAttempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return fp, err
}

func hashEntryContent(containerAbs string, identity domain.AssetIdentity) (string, error) {
	if identity.Kind == domain.ArchiveMember {
		r, err := archive.Open(containerAbs)
		if err != nil {
			return "", err
		}
		defer r.Close()
		rc, _, err := r.OpenMember(identity.Member)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return fingerprint.Full(rc)
	}
	return fingerprint.FullFile(containerAbs)
}
