package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/shelfarr/Shelfarr/internal/archive"
	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/integration"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// RenderJob pairs an entry with its volume for one preview render.
type RenderJob struct {
	Entry  *domain.CatalogEntry
	Volume *domain.Volume
}

// RenderUpdate is the per-job outcome delivered on the batch channel.
type RenderUpdate struct {
	EntryID  int64                `json:"entry_id"`
	Identity domain.AssetIdentity `json:"identity"`
	Path     string               `json:"path,omitempty"`
	Skipped  bool                 `json:"skipped,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// RenderPool renders previews through two concurrent lanes split by source
// size: a wide lane for small files and a narrow lane for large ones, so a
// handful of oversized assets cannot starve the queue of cheap jobs.
type RenderPool struct {
	store    *catalog.Store
	resolver *ThumbnailResolver
	renderer integration.Renderer
	bus      eventbus.Publisher
	clk      clock.Clock

	smallLane *semaphore.Weighted
	largeLane *semaphore.Weighted
	threshold int64
}

// NewRenderPool creates a pool with the given lane widths and size threshold.
// An optional Clock can be provided for testing; if none is provided,
// RealClock is used.
func NewRenderPool(store *catalog.Store, resolver *ThumbnailResolver, renderer integration.Renderer, bus eventbus.Publisher, smallWorkers, largeWorkers int, threshold int64, clocks ...clock.Clock) *RenderPool {
	if smallWorkers <= 0 {
		smallWorkers = 4
	}
	if largeWorkers <= 0 {
		largeWorkers = 1
	}
	var c clock.Clock = clock.NewRealClock()
	if len(clocks) > 0 && clocks[0] != nil {
		c = clocks[0]
	}
	return &RenderPool{
		store:     store,
		resolver:  resolver,
		renderer:  renderer,
		bus:       bus,
		clk:       c,
		smallLane: semaphore.NewWeighted(int64(smallWorkers)),
		largeLane: semaphore.NewWeighted(int64(largeWorkers)),
		threshold: threshold,
	}
}

// RenderBatch renders previews for all jobs and streams per-job outcomes on
// the returned channel, which is closed when the batch is done. Jobs whose
// preview already exists are skipped unless force is set. Each render is
// independent; one failure never stops the batch.
func (p *RenderPool) RenderBatch(ctx context.Context, jobs []RenderJob, force bool) <-chan RenderUpdate {
	updates := make(chan RenderUpdate, len(jobs))

	go func() {
		defer close(updates)
		var wg sync.WaitGroup

		rendered := 0
		skipped := 0
		failed := 0
		var mu sync.Mutex

		for _, job := range jobs {
			lane := p.smallLane
			if job.Entry.Size >= p.threshold {
				lane = p.largeLane
			}
			if err := lane.Acquire(ctx, 1); err != nil {
				updates <- RenderUpdate{EntryID: job.Entry.ID, Identity: job.Entry.Identity, Error: err.Error()}
				mu.Lock()
				failed++
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func(job RenderJob, lane *semaphore.Weighted) {
				defer wg.Done()
				defer lane.Release(1)

				update := p.renderOne(ctx, job, force)
				updates <- update

				mu.Lock()
				switch {
				case update.Skipped:
					skipped++
				case update.Error != "":
					failed++
				default:
					rendered++
				}
				mu.Unlock()
			}(job, lane)
		}

		wg.Wait()
		p.bus.Emit("render", "batch", domain.RenderBatchDone, map[string]interface{}{
			"total":    len(jobs),
			"rendered": rendered,
			"skipped":  skipped,
			"failed":   failed,
		})
		logger.Infof("Render batch done: %d jobs, %d rendered, %d skipped, %d failed",
			len(jobs), rendered, skipped, failed)
	}()

	return updates
}

// renderOne renders a single preview and commits the resulting descriptor.
func (p *RenderPool) renderOne(ctx context.Context, job RenderJob, force bool) RenderUpdate {
	e, vol := job.Entry, job.Volume

	if !force {
		if path, ok := p.resolver.Resolve(e, vol); ok {
			return RenderUpdate{EntryID: e.ID, Identity: e.Identity, Path: path, Skipped: true}
		}
	}

	placement := p.resolver.PlacementFor(e, vol)
	started := p.clk.Now()

	source, cleanup, err := p.sourcePath(e, vol)
	if err != nil {
		return p.fail(e, err)
	}
	defer cleanup()

	if err := p.renderer.Render(ctx, source, placement.Path); err != nil {
		return p.fail(e, err)
	}

	descriptor := &domain.ThumbnailDescriptor{
		Kind:        placement.Kind,
		Path:        placement.Path,
		RenderedAt:  p.clk.Now().UTC(),
		SourceMtime: e.Mtime,
	}
	if err := p.store.UpdateThumbnail(e.ID, descriptor); err != nil {
		return p.fail(e, fmt.Errorf("render succeeded but catalog update failed: %w", err))
	}

	p.bus.Emit("entry", fmt.Sprintf("%d", e.ID), domain.ThumbnailRendered, map[string]interface{}{
		"entry_id":         e.ID,
		"identity":         e.Identity.String(),
		"kind":             string(placement.Kind),
		"path":             placement.Path,
		"duration_seconds": p.clk.Now().Sub(started).Seconds(),
	})
	return RenderUpdate{EntryID: e.ID, Identity: e.Identity, Path: placement.Path}
}

func (p *RenderPool) fail(e *domain.CatalogEntry, err error) RenderUpdate {
	logger.Warnf("Render failed for entry %d (%s): %v", e.ID, e.Identity, err)
	p.bus.Emit("entry", fmt.Sprintf("%d", e.ID), domain.RenderFailed, map[string]interface{}{
		"entry_id": e.ID,
		"identity": e.Identity.String(),
		"error":    err.Error(),
	})
	return RenderUpdate{EntryID: e.ID, Identity: e.Identity, Error: err.Error()}
}

// sourcePath returns a filesystem path the renderer can read. Archive members
// are extracted to a temporary file first; the returned cleanup removes it.
func (p *RenderPool) sourcePath(e *domain.CatalogEntry, vol *domain.Volume) (string, func(), error) {
	containerAbs := filepath.Join(vol.MountRoot, filepath.FromSlash(e.Identity.ContainerPath))

	if e.Identity.Kind == domain.StandaloneFile {
		return containerAbs, func() {}, nil
	}

	data, err := archive.ReadMember(containerAbs, e.Identity.Member)
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to extract member for render: %w", err)
	}

	ext := filepath.Ext(e.Identity.Member)
	tmp, err := os.CreateTemp("", "shelfarr-render-*"+ext)
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", func() {}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", func() {}, err
	}
	name := tmp.Name()
	return name, func() {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			logger.Debugf("Failed to remove render temp file %s: %v", name, err)
		}
	}, nil
}

// StaleThumbnails lists entries whose recorded preview no longer matches the
// source mtime, as candidates for a re-render sweep.
func (p *RenderPool) StaleThumbnails(volumeID int64) ([]*domain.CatalogEntry, error) {
	entries, err := p.store.ListByVolume(volumeID, domain.EntryIndexed)
	if err != nil {
		return nil, err
	}
	var stale []*domain.CatalogEntry
	for _, e := range entries {
		if e.Thumbnail == nil {
			stale = append(stale, e)
			continue
		}
		if !e.Thumbnail.SourceMtime.Equal(e.Mtime) {
			stale = append(stale, e)
		}
	}
	return stale, nil
}
