package services

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfarr/Shelfarr/internal/archive"
	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/fingerprint"
	"github.com/shelfarr/Shelfarr/internal/logger"
	"github.com/shelfarr/Shelfarr/internal/volumes"
)

// Asset extensions the scanner indexes. Anything else is ignored entirely.
var assetExtensions = map[string]bool{
	".pdf":   true,
	".stl":   true,
	".3mf":   true,
	".obj":   true,
	".step":  true,
	".gcode": true,
}

// isAssetFile checks if a file has a supported asset extension
func isAssetFile(path string) bool {
	return assetExtensions[strings.ToLower(filepath.Ext(path))]
}

// isHiddenOrTempFile checks if a file should be skipped (hidden, temp, partial, etc.)
func isHiddenOrTempFile(path string) bool {
	name := filepath.Base(path)
	nameLower := strings.ToLower(name)

	// Skip hidden files (starting with .)
	if strings.HasPrefix(name, ".") {
		return true
	}
	// Skip FUSE temporary files
	if strings.HasPrefix(name, ".fuse_hidden") {
		return true
	}
	// Skip common temp file patterns
	if strings.HasSuffix(nameLower, ".tmp") || strings.HasSuffix(nameLower, ".temp") {
		return true
	}
	// Skip partial download files
	if strings.HasSuffix(nameLower, ".part") || strings.HasSuffix(nameLower, ".partial") {
		return true
	}
	// Skip editor backup files
	if strings.HasSuffix(nameLower, "~") || strings.HasSuffix(nameLower, ".bak") {
		return true
	}
	return false
}

// progressInterval is how often (in items) progress events are emitted.
const progressInterval = 10

// ScanOptions control one scan run.
type ScanOptions struct {
	// Force re-fingerprints every candidate even when size and mtime match
	// the catalog.
	Force bool

	// DuplicatePolicy decides what happens when a new path carries content
	// already catalogued elsewhere. Defaults to reject.
	DuplicatePolicy domain.DuplicatePolicy

	// Progress, when non-nil, receives the per-item outcome of every
	// candidate. Sends never block; a slow consumer misses results.
	Progress chan<- domain.ScanResult
}

// ScanProgress is the externally visible state of one running scan.
type ScanProgress struct {
	ID          string `json:"id"`
	VolumeID    int64  `json:"volume_id"`
	MountRoot   string `json:"mount_root"`
	TotalItems  int    `json:"total_items"`
	ItemsDone   int    `json:"items_done"`
	CurrentItem string `json:"current_item"`
	Status      string `json:"status"` // "enumerating", "scanning", "paused", "cancelled", "interrupted", "completed"
	StartTime   string `json:"start_time"`

	cancel     context.CancelFunc `json:"-"`
	resumeChan chan struct{}      `json:"-"`
	isPaused   bool               `json:"-"`
}

// ScannerService walks volumes and reconciles what it finds with the catalog.
type ScannerService struct {
	store            *catalog.Store
	bus              eventbus.Publisher
	clk              clock.Clock
	errorSampleLimit int

	activeScans map[string]*ScanProgress
	mu          sync.Mutex
	shutdownCh  chan struct{}
	wg          sync.WaitGroup
}

// NewScannerService creates a scanner over the given store and event bus.
func NewScannerService(store *catalog.Store, bus eventbus.Publisher, clk clock.Clock, errorSampleLimit int) *ScannerService {
	if errorSampleLimit <= 0 {
		errorSampleLimit = 20
	}
	return &ScannerService{
		store:            store,
		bus:              bus,
		clk:              clk,
		errorSampleLimit: errorSampleLimit,
		activeScans:      make(map[string]*ScanProgress),
		shutdownCh:       make(chan struct{}),
	}
}

// candidate is one enumerated asset awaiting classification.
type candidate struct {
	identity domain.AssetIdentity
	absPath  string // absolute path of the container on disk
	size     int64
	mtime    time.Time
}

// Scan starts a scan of one volume and returns the scan id. The scan runs in
// the background; per-item outcomes go to opts.Progress and summary events to
// the bus.
func (s *ScannerService) Scan(volumeID int64, opts ScanOptions) (string, error) {
	vol, err := s.store.GetVolume(volumeID)
	if err != nil {
		return "", fmt.Errorf("unknown volume %d: %w", volumeID, err)
	}
	if vol.Status == domain.VolumeOffline {
		return "", fmt.Errorf("volume %q is offline: %s", vol.Label, vol.StatusReason)
	}
	if opts.DuplicatePolicy == "" {
		opts.DuplicatePolicy = domain.DuplicateReject
	}
	if !opts.DuplicatePolicy.Valid() {
		return "", fmt.Errorf("invalid duplicate policy %q", opts.DuplicatePolicy)
	}

	// Pre-flight: refuse to scan an unreachable root rather than walking an
	// empty directory and marking the whole catalog missing.
	if err := volumes.Probe(vol.MountRoot); err != nil {
		s.bus.Emit("volume", fmt.Sprintf("%d", volumeID), domain.ScanFailed, map[string]interface{}{
			"volume_id": volumeID,
			"reason":    err.Error(),
		})
		return "", fmt.Errorf("mount root unreachable: %w", err)
	}

	s.mu.Lock()
	for _, p := range s.activeScans {
		if p.VolumeID == volumeID {
			s.mu.Unlock()
			return "", fmt.Errorf("volume %q is already being scanned", vol.Label)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	scanID := uuid.New().String()
	progress := &ScanProgress{
		ID:         scanID,
		VolumeID:   volumeID,
		MountRoot:  vol.MountRoot,
		Status:     "enumerating",
		StartTime:  s.clk.Now().Format(time.RFC3339),
		cancel:     cancel,
		resumeChan: make(chan struct{}, 1),
	}
	s.activeScans[scanID] = progress
	s.mu.Unlock()

	if err := s.store.CreateScan(scanID, volumeID, s.clk.Now().UTC()); err != nil {
		s.removeScan(scanID)
		cancel()
		return "", err
	}

	s.bus.Emit("scan", scanID, domain.ScanStarted, map[string]interface{}{
		"volume_id":  volumeID,
		"mount_root": vol.MountRoot,
		"force":      opts.Force,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeScan(scanID)
		s.runScan(ctx, progress, vol, opts)
	}()

	return scanID, nil
}

func (s *ScannerService) removeScan(scanID string) {
	s.mu.Lock()
	delete(s.activeScans, scanID)
	s.mu.Unlock()
}

func (s *ScannerService) runScan(ctx context.Context, progress *ScanProgress, vol *domain.Volume, opts ScanOptions) {
	summary := catalog.ScanSummary{}

	candidates, err := s.enumerate(vol)
	if err != nil {
		logger.Errorf("Scan %s: enumeration failed: %v", progress.ID, err)
		progress.Status = "error"
		summary.Errors++
		summary.ErrorSamples = append(summary.ErrorSamples, err.Error())
		s.finishScan(progress, catalog.ScanFailed, summary)
		return
	}

	progress.TotalItems = len(candidates)
	progress.Status = "scanning"
	s.emitProgress(progress)

	seen := make(map[string]bool, len(candidates))

	for i, cand := range candidates {
		if s.checkScanCancellation(ctx, progress, i, len(candidates)) == scanReturn {
			s.finishScan(progress, catalog.ScanCancelled, summary)
			return
		}
		if s.handleScanPause(ctx, progress, i) == scanReturn {
			s.finishScan(progress, catalog.ScanCancelled, summary)
			return
		}

		progress.ItemsDone = i + 1
		progress.CurrentItem = cand.identity.String()
		if i%progressInterval == 0 || i == len(candidates)-1 {
			s.emitProgress(progress)
		}

		seen[cand.identity.String()] = true
		summary.TotalItems++

		result := s.processCandidate(vol, cand, opts)
		s.deliverResult(opts, result)
		s.tally(&summary, result)
	}

	// Entries recorded on this volume but not seen by the walk have gone
	// missing. Re-stat before declaring it so an entry filtered out of the
	// walk by extension rules is not misreported.
	summary.Missing += s.sweepMissing(vol, seen, opts)

	progress.Status = "completed"
	s.finishScan(progress, catalog.ScanCompleted, summary)

	if err := s.store.TouchVolume(vol.ID); err != nil {
		logger.Warnf("Failed to touch volume %d after scan: %v", vol.ID, err)
	}
}

func (s *ScannerService) finishScan(progress *ScanProgress, recordStatus string, summary catalog.ScanSummary) {
	if err := s.store.FinishScan(progress.ID, recordStatus, summary); err != nil {
		logger.Errorf("Failed to persist scan %s result: %v", progress.ID, err)
	}
	s.emitProgress(progress)

	eventType := domain.ScanCompleted
	if recordStatus != catalog.ScanCompleted {
		eventType = domain.ScanFailed
	}
	s.bus.Emit("scan", progress.ID, eventType, map[string]interface{}{
		"volume_id":  progress.VolumeID,
		"status":     recordStatus,
		"total":      summary.TotalItems,
		"new":        summary.New,
		"updated":    summary.Updated,
		"moved":      summary.Moved,
		"missing":    summary.Missing,
		"duplicates": summary.Duplicates,
		"skipped":    summary.Skipped,
		"errors":     summary.Errors,
	})
	logger.Infof("Scan %s finished (%s): %d items, %d new, %d updated, %d moved, %d missing, %d duplicates, %d errors",
		progress.ID, recordStatus, summary.TotalItems, summary.New, summary.Updated,
		summary.Moved, summary.Missing, summary.Duplicates, summary.Errors)
}

// enumerate walks the volume root and returns every candidate asset,
// expanding archives into their members. Members inherit the archive's mtime;
// ZIP local timestamps are unreliable across tools and timezones.
func (s *ScannerService) enumerate(vol *domain.Volume) ([]candidate, error) {
	var candidates []candidate

	err := filepath.WalkDir(vol.MountRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warnf("Enumeration error at %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != vol.MountRoot && isHiddenOrTempFile(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHiddenOrTempFile(path) {
			return nil
		}

		rel, err := filepath.Rel(vol.MountRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			logger.Warnf("Cannot stat %s: %v", path, err)
			return nil
		}

		if archive.IsArchive(path) {
			members, err := archive.List(path)
			if err != nil {
				logger.Warnf("Cannot list archive %s: %v", path, err)
				// size -1 makes classification report the error.
				candidates = append(candidates, candidate{
					identity: domain.FileIdentity(rel),
					absPath:  path,
					size:     -1,
					mtime:    info.ModTime(),
				})
				return nil
			}
			for _, m := range members {
				if !isAssetFile(m.Name) || isHiddenOrTempFile(m.Name) {
					continue
				}
				candidates = append(candidates, candidate{
					identity: domain.MemberIdentity(rel, m.Name),
					absPath:  path,
					size:     m.Size,
					mtime:    info.ModTime(),
				})
			}
			return nil
		}

		if !isAssetFile(path) {
			return nil
		}
		candidates = append(candidates, candidate{
			identity: domain.FileIdentity(rel),
			absPath:  path,
			size:     info.Size(),
			mtime:    info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk failed: %w", err)
	}
	return candidates, nil
}

// processCandidate classifies one candidate against the catalog and applies
// the resulting mutation.
func (s *ScannerService) processCandidate(vol *domain.Volume, cand candidate, opts ScanOptions) domain.ScanResult {
	seenAt := s.clk.Now().UTC()

	if cand.size < 0 {
		return domain.ScanResult{Action: domain.ScanError, Identity: cand.identity, Reason: "unreadable archive"}
	}

	existing, err := s.store.GetByIdentity(vol.ID, cand.identity)
	if err != nil && err != catalog.ErrNotFound {
		return errResult(cand.identity, err)
	}

	if existing != nil {
		return s.reconcileKnown(existing, cand, opts, seenAt)
	}
	return s.classifyUnknown(vol, cand, opts, seenAt)
}

// reconcileKnown handles a candidate whose identity is already catalogued.
func (s *ScannerService) reconcileKnown(existing *domain.CatalogEntry, cand candidate, opts ScanOptions, seenAt time.Time) domain.ScanResult {
	unchanged := existing.Size == cand.size && existing.Mtime.Equal(cand.mtime)
	if unchanged && !opts.Force {
		if err := s.store.MarkSeen(existing.ID, seenAt); err != nil {
			return errResult(cand.identity, err)
		}
		if existing.Status == domain.EntryMissing {
			s.emitRecovered(existing)
		}
		return domain.ScanResult{Action: domain.ScanSkip, Identity: cand.identity, EntryID: existing.ID}
	}

	fp, err := s.partialFP(cand)
	if err != nil {
		return errResult(cand.identity, err)
	}

	if fp == existing.PartialFP {
		if unchanged {
			// Force re-verified the content and found it unchanged.
			if err := s.store.MarkSeen(existing.ID, seenAt); err != nil {
				return errResult(cand.identity, err)
			}
			if existing.Status == domain.EntryMissing {
				s.emitRecovered(existing)
			}
			return domain.ScanResult{Action: domain.ScanSkip, Identity: cand.identity, EntryID: existing.ID}
		}
		// Touched: stat changed, bytes did not. Keeps full fingerprint and
		// duplicate link intact.
		if err := s.store.UpdateStat(existing.ID, cand.size, cand.mtime, seenAt); err != nil {
			return errResult(cand.identity, err)
		}
		if existing.Status == domain.EntryMissing {
			s.emitRecovered(existing)
		}
		return domain.ScanResult{Action: domain.ScanUpdate, Identity: cand.identity, EntryID: existing.ID, Reason: "touched"}
	}

	// Modified: same identity, different content.
	if err := s.store.UpdateContent(existing.ID, cand.size, cand.mtime, fp, seenAt); err != nil {
		return errResult(cand.identity, err)
	}
	if existing.Status == domain.EntryMissing {
		s.emitRecovered(existing)
	}
	return domain.ScanResult{Action: domain.ScanUpdate, Identity: cand.identity, EntryID: existing.ID, Reason: "modified"}
}

// classifyUnknown handles a candidate at an identity the catalog has never
// seen: a move of known content, duplicate content, or something new.
func (s *ScannerService) classifyUnknown(vol *domain.Volume, cand candidate, opts ScanOptions, seenAt time.Time) domain.ScanResult {
	fp, err := s.partialFP(cand)
	if err != nil {
		return errResult(cand.identity, err)
	}

	matches, err := s.store.GetByPartialFP(fp)
	if err != nil {
		return errResult(cand.identity, err)
	}

	// Move resolution rewrites the matched entry's location, which only the
	// merge policy permits. It requires the old location to be gone;
	// otherwise the content exists in two places and the policy branch below
	// decides.
	if opts.DuplicatePolicy == domain.DuplicateMerge {
		for _, m := range matches {
			if m.VolumeID != vol.ID {
				continue
			}
			if identityOnDisk(vol, m) {
				continue
			}
			if !s.confirmSameContent(m, cand) {
				continue
			}
			if err := s.store.UpdateLocation(m.ID, vol.ID, cand.identity, seenAt); err != nil {
				return errResult(cand.identity, err)
			}
			logger.Infof("Entry %d moved: %s -> %s", m.ID, m.Identity, cand.identity)
			return domain.ScanResult{Action: domain.ScanMoved, Identity: cand.identity, EntryID: m.ID, Reason: "from " + m.Identity.String()}
		}
	}

	for _, m := range matches {
		if m.Status != domain.EntryIndexed {
			continue
		}
		return s.applyDuplicatePolicy(vol, m, cand, fp, opts, seenAt)
	}

	// Genuinely new.
	entry := &domain.CatalogEntry{
		VolumeID:    vol.ID,
		Identity:    cand.identity,
		Size:        cand.size,
		Mtime:       cand.mtime,
		PartialFP:   fp,
		Status:      domain.EntryIndexed,
		FirstSeenAt: seenAt,
		LastSeenAt:  seenAt,
	}
	id, err := s.store.Insert(entry)
	if err != nil {
		return errResult(cand.identity, err)
	}
	return domain.ScanResult{Action: domain.ScanNew, Identity: cand.identity, EntryID: id}
}

func (s *ScannerService) applyDuplicatePolicy(vol *domain.Volume, match *domain.CatalogEntry, cand candidate, fp string, opts ScanOptions, seenAt time.Time) domain.ScanResult {
	switch opts.DuplicatePolicy {
	case domain.DuplicateMerge:
		if err := s.store.UpdateLocation(match.ID, vol.ID, cand.identity, seenAt); err != nil {
			return errResult(cand.identity, err)
		}
		return domain.ScanResult{Action: domain.ScanMoved, Identity: cand.identity, EntryID: match.ID, Reason: "merged from " + match.Identity.String()}

	case domain.DuplicateWarn:
		entry := &domain.CatalogEntry{
			VolumeID:    vol.ID,
			Identity:    cand.identity,
			Size:        cand.size,
			Mtime:       cand.mtime,
			PartialFP:   fp,
			Status:      domain.EntryIndexed,
			FirstSeenAt: seenAt,
			LastSeenAt:  seenAt,
		}
		id, err := s.store.Insert(entry)
		if err != nil {
			return errResult(cand.identity, err)
		}
		if err := s.store.MarkDuplicate(id, match.ID); err != nil {
			return errResult(cand.identity, err)
		}
		// The candidate enters the catalog as its own entry, so the scan
		// reports it as new; the duplicate-of link carries the warning.
		return domain.ScanResult{Action: domain.ScanNew, Identity: cand.identity, EntryID: id, Reason: "duplicate of " + match.Identity.String()}

	default: // reject
		return domain.ScanResult{Action: domain.ScanDuplicate, Identity: cand.identity, EntryID: match.ID, Reason: "content already catalogued at " + match.Identity.String()}
	}
}

// confirmSameContent gates a move on a full-fingerprint comparison when the
// entry has one cached. Entries without a cached full fingerprint are accepted
// on the partial match alone; their old bytes are gone and nothing stronger is
// available.
func (s *ScannerService) confirmSameContent(e *domain.CatalogEntry, cand candidate) bool {
	if e.FullFP == "" {
		return true
	}
	fp, err := s.fullFP(cand)
	if err != nil {
		logger.Warnf("Cannot confirm move of %s: %v", cand.identity, err)
		return false
	}
	return fp == e.FullFP
}

func (s *ScannerService) partialFP(cand candidate) (string, error) {
	if cand.identity.Kind == domain.ArchiveMember {
		data, err := archive.ReadMember(cand.absPath, cand.identity.Member)
		if err != nil {
			return "", err
		}
		return fingerprint.PartialBytes(data), nil
	}
	return fingerprint.PartialFile(cand.absPath)
}

func (s *ScannerService) fullFP(cand candidate) (string, error) {
	if cand.identity.Kind == domain.ArchiveMember {
		r, err := archive.Open(cand.absPath)
		if err != nil {
			return "", err
		}
		defer r.Close()
		rc, _, err := r.OpenMember(cand.identity.Member)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return fingerprint.Full(rc)
	}
	return fingerprint.FullFile(cand.absPath)
}

// sweepMissing marks entries the walk did not see and whose location is
// confirmed gone. Returns how many went missing.
func (s *ScannerService) sweepMissing(vol *domain.Volume, seen map[string]bool, opts ScanOptions) int {
	entries, err := s.store.ListByVolume(vol.ID, domain.EntryIndexed)
	if err != nil {
		logger.Errorf("Missing sweep failed for volume %d: %v", vol.ID, err)
		return 0
	}

	count := 0
	now := s.clk.Now().UTC()
	for _, e := range entries {
		if seen[e.Identity.String()] {
			continue
		}
		if identityOnDisk(vol, e) {
			// Still present but filtered out of the walk by extension or
			// hidden-file rules; leave it alone.
			continue
		}
		if err := s.store.MarkMissing(e.ID, now); err != nil {
			logger.Errorf("Failed to mark entry %d missing: %v", e.ID, err)
			continue
		}
		count++
		s.deliverResult(opts, domain.ScanResult{Action: domain.ScanMissing, Identity: e.Identity, EntryID: e.ID})
		s.bus.Emit("entry", fmt.Sprintf("%d", e.ID), domain.EntryWentMissing, map[string]interface{}{
			"entry_id":  e.ID,
			"volume_id": e.VolumeID,
			"identity":  e.Identity.String(),
		})
	}
	return count
}

func (s *ScannerService) emitRecovered(e *domain.CatalogEntry) {
	s.bus.Emit("entry", fmt.Sprintf("%d", e.ID), domain.EntryRecovered, map[string]interface{}{
		"entry_id":  e.ID,
		"volume_id": e.VolumeID,
		"identity":  e.Identity.String(),
	})
}

func (s *ScannerService) deliverResult(opts ScanOptions, result domain.ScanResult) {
	if opts.Progress == nil {
		return
	}
	select {
	case opts.Progress <- result:
	default:
		// Never block the scan on a slow consumer.
	}
}

func (s *ScannerService) tally(summary *catalog.ScanSummary, result domain.ScanResult) {
	switch result.Action {
	case domain.ScanSkip:
		summary.Skipped++
	case domain.ScanNew:
		summary.New++
	case domain.ScanUpdate:
		summary.Updated++
	case domain.ScanMoved:
		summary.Moved++
	case domain.ScanDuplicate:
		summary.Duplicates++
	case domain.ScanError:
		summary.Errors++
		if len(summary.ErrorSamples) < s.errorSampleLimit {
			summary.ErrorSamples = append(summary.ErrorSamples,
				fmt.Sprintf("%s: %s", result.Identity, result.Reason))
		}
	}
}

func errResult(identity domain.AssetIdentity, err error) domain.ScanResult {
	return domain.ScanResult{Action: domain.ScanError, Identity: identity, Reason: err.Error()}
}

// scanLoopAction tells the scan loop what to do after a control check.
type scanLoopAction int

const (
	scanContinue scanLoopAction = iota
	scanReturn
)

func (s *ScannerService) checkScanCancellation(ctx context.Context, progress *ScanProgress, itemIndex, totalItems int) scanLoopAction {
	select {
	case <-ctx.Done():
		logger.Infof("Scan cancelled: %s", progress.MountRoot)
		progress.Status = "cancelled"
		return scanReturn
	case <-s.shutdownCh:
		logger.Infof("Scan interrupted for graceful shutdown: %s (at item %d/%d)", progress.MountRoot, itemIndex, totalItems)
		progress.Status = "interrupted"
		return scanReturn
	default:
		return scanContinue
	}
}

// handleScanPause blocks while the scan is paused.
// Returns scanReturn if the scan should exit, scanContinue otherwise.
func (s *ScannerService) handleScanPause(ctx context.Context, progress *ScanProgress, itemIndex int) scanLoopAction {
	s.mu.Lock()
	isPaused := progress.isPaused
	s.mu.Unlock()

	if !isPaused {
		return scanContinue
	}

	logger.Infof("Scan paused: %s (at item %d/%d)", progress.MountRoot, itemIndex+1, progress.TotalItems)
	progress.Status = "paused"
	s.emitProgress(progress)

	select {
	case <-progress.resumeChan:
		logger.Infof("Scan resumed: %s", progress.MountRoot)
		s.mu.Lock()
		progress.Status = "scanning"
		progress.isPaused = false
		s.mu.Unlock()
		s.emitProgress(progress)
		return scanContinue
	case <-ctx.Done():
		logger.Infof("Scan cancelled while paused: %s", progress.MountRoot)
		progress.Status = "cancelled"
		return scanReturn
	case <-s.shutdownCh:
		logger.Infof("Scan interrupted during pause: %s", progress.MountRoot)
		progress.Status = "interrupted"
		return scanReturn
	}
}

func (s *ScannerService) emitProgress(p *ScanProgress) {
	s.bus.Emit("scan", p.ID, domain.ScanProgress, map[string]interface{}{
		"id":           p.ID,
		"volume_id":    p.VolumeID,
		"mount_root":   p.MountRoot,
		"total_items":  p.TotalItems,
		"items_done":   p.ItemsDone,
		"current_item": p.CurrentItem,
		"status":       p.Status,
		"start_time":   p.StartTime,
	})
}

// GetActiveScans returns a snapshot of all running scans.
func (s *ScannerService) GetActiveScans() []ScanProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	scans := make([]ScanProgress, 0, len(s.activeScans))
	for _, p := range s.activeScans {
		scans = append(scans, *p)
	}
	return scans
}

// IsVolumeBeingScanned reports whether a scan is running on the volume.
func (s *ScannerService) IsVolumeBeingScanned(volumeID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.activeScans {
		if p.VolumeID == volumeID {
			return true
		}
	}
	return false
}

// CancelScan cancels a running scan.
func (s *ScannerService) CancelScan(scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.activeScans[scanID]
	if !ok {
		return fmt.Errorf("no active scan %s", scanID)
	}
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// PauseScan pauses a running scan at the next item boundary.
func (s *ScannerService) PauseScan(scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.activeScans[scanID]
	if !ok {
		return fmt.Errorf("no active scan %s", scanID)
	}
	if p.isPaused {
		return fmt.Errorf("scan %s is already paused", scanID)
	}
	p.isPaused = true
	return nil
}

// ResumeScan resumes a paused scan.
func (s *ScannerService) ResumeScan(scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.activeScans[scanID]
	if !ok {
		return fmt.Errorf("no active scan %s", scanID)
	}
	if !p.isPaused {
		return fmt.Errorf("scan %s is not paused", scanID)
	}
	select {
	case p.resumeChan <- struct{}{}:
	default:
	}
	return nil
}

// Shutdown interrupts all active scans and waits briefly for them to stop.
func (s *ScannerService) Shutdown() {
	logger.Infof("Scanner: initiating graceful shutdown...")
	close(s.shutdownCh)

	s.mu.Lock()
	for _, p := range s.activeScans {
		if p.cancel != nil {
			p.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("Scanner: all scans stopped")
	case <-time.After(2 * time.Second):
		logger.Infof("Scanner: timeout waiting for scans to stop")
	}
}
