package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/testutil"
)

func newTestScanner(t *testing.T) (*ScannerService, *catalog.Store, *testutil.MockEventBus, string, int64) {
	t.Helper()

	database, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := catalog.NewStore(database)
	bus := testutil.NewMockEventBus()
	dir := t.TempDir()

	volID, err := testutil.SeedVolume(database, "test-volume", dir)
	if err != nil {
		t.Fatalf("Failed to seed volume: %v", err)
	}

	svc := NewScannerService(store, bus, testutil.NewMockClock(), 20)
	return svc, store, bus, dir, volID
}

// waitForScan polls the scan record until the run leaves the running state.
func waitForScan(t *testing.T, store *catalog.Store, scanID string) *catalog.ScanRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetScan(scanID)
		if err == nil && rec.Status != catalog.ScanRunning {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Scan %s did not finish in time", scanID)
	return nil
}

func runScanAndWait(t *testing.T, svc *ScannerService, store *catalog.Store, volID int64, opts ScanOptions) *catalog.ScanRecord {
	t.Helper()
	scanID, err := svc.Scan(volID, opts)
	if err != nil {
		t.Fatalf("Scan failed to start: %v", err)
	}
	return waitForScan(t, store, scanID)
}

func mustWrite(t *testing.T, dir, rel string, content []byte) string {
	t.Helper()
	path, err := testutil.WriteFile(dir, rel, content)
	if err != nil {
		t.Fatalf("Failed to write %s: %v", rel, err)
	}
	return path
}

func TestScanIndexesNewFiles(t *testing.T) {
	svc, store, bus, dir, volID := newTestScanner(t)

	mustWrite(t, dir, "models/cube.stl", []byte("solid cube"))
	mustWrite(t, dir, "docs/manual.pdf", []byte("%PDF-1.4 manual"))
	mustWrite(t, dir, "notes.txt", []byte("not an asset"))
	mustWrite(t, dir, ".hidden.stl", []byte("hidden"))
	mustWrite(t, dir, "partial.stl.tmp", []byte("temp"))

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})

	if rec.Status != catalog.ScanCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
	if rec.Summary.New != 2 {
		t.Errorf("New = %d, want 2 (summary %+v)", rec.Summary.New, rec.Summary)
	}
	if rec.Summary.Errors != 0 {
		t.Errorf("Errors = %d: %v", rec.Summary.Errors, rec.Summary.ErrorSamples)
	}

	e, err := store.GetByIdentity(volID, domain.FileIdentity("models/cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}
	if e.Status != domain.EntryIndexed {
		t.Errorf("Status = %s, want indexed", e.Status)
	}
	if len(e.PartialFP) != 16 {
		t.Errorf("PartialFP = %q, want 16 hex chars", e.PartialFP)
	}
	if e.Size != int64(len("solid cube")) {
		t.Errorf("Size = %d", e.Size)
	}

	if bus.EventCount(domain.ScanStarted) != 1 {
		t.Error("Expected a ScanStarted event")
	}
	if bus.EventCount(domain.ScanCompleted) != 1 {
		t.Error("Expected a ScanCompleted event")
	}
}

func TestScanExpandsArchiveMembers(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	zipPath := filepath.Join(dir, "bundle.zip")
	if err := testutil.MakeZip(zipPath, map[string][]byte{
		"parts/bracket.stl": []byte("solid bracket"),
		"parts/readme.txt":  []byte("ignored"),
	}); err != nil {
		t.Fatalf("MakeZip failed: %v", err)
	}

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})

	if rec.Summary.New != 1 {
		t.Fatalf("New = %d, want 1 (only the .stl member)", rec.Summary.New)
	}

	e, err := store.GetByIdentity(volID, domain.MemberIdentity("bundle.zip", "parts/bracket.stl"))
	if err != nil {
		t.Fatalf("Archive member not catalogued: %v", err)
	}
	if e.Identity.Kind != domain.ArchiveMember {
		t.Errorf("Kind = %s", e.Identity.Kind)
	}
	if e.Size != int64(len("solid bracket")) {
		t.Errorf("Size = %d, want uncompressed member size", e.Size)
	}

	// The container itself is not an asset and must not be indexed.
	if _, err := store.GetByIdentity(volID, domain.FileIdentity("bundle.zip")); err != catalog.ErrNotFound {
		t.Errorf("Archive container was catalogued: %v", err)
	}
}

func TestRescanUnchangedSkips(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	mustWrite(t, dir, "cube.stl", []byte("solid cube"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.Skipped != 1 || rec.Summary.New != 0 {
		t.Errorf("Second scan summary = %+v, want 1 skipped", rec.Summary)
	}
}

func TestTouchedFilePreservesDedupState(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	path := mustWrite(t, dir, "cube.stl", []byte("solid cube"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	e, err := store.GetByIdentity(volID, domain.FileIdentity("cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}
	if err := store.SetFullFingerprint(e.ID, "deadbeefdeadbeef"); err != nil {
		t.Fatalf("SetFullFingerprint failed: %v", err)
	}

	// Same bytes, new mtime.
	touched := e.Mtime.Add(2 * time.Hour)
	if err := os.Chtimes(path, touched, touched); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.Updated != 1 {
		t.Fatalf("Updated = %d, want 1 (summary %+v)", rec.Summary.Updated, rec.Summary)
	}

	after, err := store.GetByID(e.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.FullFP != "deadbeefdeadbeef" {
		t.Errorf("FullFP = %q, content-identical touch must not clear it", after.FullFP)
	}
}

func TestModifiedFileInvalidatesFingerprints(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	path := mustWrite(t, dir, "cube.stl", []byte("solid cube version one"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	e, err := store.GetByIdentity(volID, domain.FileIdentity("cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}
	if err := store.SetFullFingerprint(e.ID, "deadbeefdeadbeef"); err != nil {
		t.Fatalf("SetFullFingerprint failed: %v", err)
	}
	oldFP := e.PartialFP

	mustWrite(t, dir, "cube.stl", []byte("solid cube version two, now different"))
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.Updated != 1 {
		t.Fatalf("Updated = %d (summary %+v)", rec.Summary.Updated, rec.Summary)
	}

	after, err := store.GetByID(e.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.PartialFP == oldFP {
		t.Error("PartialFP unchanged after content change")
	}
	if after.FullFP != "" {
		t.Errorf("FullFP = %q, want cleared after content change", after.FullFP)
	}
}

func TestMoveDetectionKeepsEntry(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	oldPath := mustWrite(t, dir, "inbox/cube.stl", []byte("solid cube, reasonably unique content"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	before, err := store.GetByIdentity(volID, domain.FileIdentity("inbox/cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}

	newPath := filepath.Join(dir, "library", "cube.stl")
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{DuplicatePolicy: domain.DuplicateMerge})
	if rec.Summary.Moved != 1 {
		t.Fatalf("Moved = %d (summary %+v)", rec.Summary.Moved, rec.Summary)
	}
	if rec.Summary.Missing != 0 {
		t.Errorf("Missing = %d, a detected move must not also count missing", rec.Summary.Missing)
	}

	after, err := store.GetByIdentity(volID, domain.FileIdentity("library/cube.stl"))
	if err != nil {
		t.Fatalf("Moved entry not found at new identity: %v", err)
	}
	if after.ID != before.ID {
		t.Errorf("Entry ID changed across move: %d -> %d", before.ID, after.ID)
	}
	if _, err := store.GetByIdentity(volID, domain.FileIdentity("inbox/cube.stl")); err != catalog.ErrNotFound {
		t.Errorf("Old identity still present: %v", err)
	}
}

func TestMissingSweep(t *testing.T) {
	svc, store, bus, dir, volID := newTestScanner(t)

	path := mustWrite(t, dir, "cube.stl", []byte("solid cube"))
	mustWrite(t, dir, "keep.stl", []byte("solid keeper"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.Missing != 1 {
		t.Fatalf("Missing = %d (summary %+v)", rec.Summary.Missing, rec.Summary)
	}

	e, err := store.GetByIdentity(volID, domain.FileIdentity("cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}
	if e.Status != domain.EntryMissing {
		t.Errorf("Status = %s, want missing", e.Status)
	}
	if e.MissingSince.IsZero() {
		t.Error("MissingSince not set")
	}
	if bus.EventCount(domain.EntryWentMissing) != 1 {
		t.Error("Expected an EntryWentMissing event")
	}

	// A further scan must not count the same absence again.
	rec = runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.Missing != 0 {
		t.Errorf("Third scan Missing = %d, want 0", rec.Summary.Missing)
	}
}

func TestMissingEntryRecovers(t *testing.T) {
	svc, store, bus, dir, volID := newTestScanner(t)

	path := mustWrite(t, dir, "cube.stl", []byte("solid cube"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	data, _ := os.ReadFile(path)
	os.Remove(path)
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	mustWrite(t, dir, "cube.stl", data)
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	e, err := store.GetByIdentity(volID, domain.FileIdentity("cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}
	if e.Status != domain.EntryIndexed {
		t.Errorf("Status = %s, want indexed after recovery", e.Status)
	}
	if !e.MissingSince.IsZero() {
		t.Errorf("MissingSince = %v, want cleared", e.MissingSince)
	}
	if bus.EventCount(domain.EntryRecovered) == 0 {
		t.Error("Expected an EntryRecovered event")
	}
}

func TestDuplicatePolicyReject(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	content := []byte("identical bytes in two places")
	mustWrite(t, dir, "a/model.stl", content)
	mustWrite(t, dir, "b/model.stl", content)

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.New != 1 || rec.Summary.Duplicates != 1 {
		t.Fatalf("summary = %+v, want 1 new + 1 duplicate", rec.Summary)
	}

	// Reject reports without cataloguing the second path.
	indexed, err := store.ListByVolume(volID, domain.EntryIndexed)
	if err != nil {
		t.Fatalf("ListByVolume failed: %v", err)
	}
	if len(indexed) != 1 {
		t.Errorf("Catalogued entries = %d, want 1", len(indexed))
	}
}

func TestDuplicatePolicyWarn(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	content := []byte("identical bytes in two places")
	mustWrite(t, dir, "a/model.stl", content)
	mustWrite(t, dir, "b/model.stl", content)

	rec := runScanAndWait(t, svc, store, volID, ScanOptions{DuplicatePolicy: domain.DuplicateWarn})
	// Warn catalogues the second path as its own entry, so both count as new;
	// the duplicate link below is where the warning lives.
	if rec.Summary.New != 2 || rec.Summary.Duplicates != 0 {
		t.Fatalf("summary = %+v", rec.Summary)
	}

	canonical, err := store.GetByIdentity(volID, domain.FileIdentity("a/model.stl"))
	if err != nil {
		t.Fatalf("canonical lookup failed: %v", err)
	}
	dup, err := store.GetByIdentity(volID, domain.FileIdentity("b/model.stl"))
	if err != nil {
		t.Fatalf("duplicate lookup failed: %v", err)
	}
	if dup.DuplicateOf != canonical.ID {
		t.Errorf("DuplicateOf = %d, want %d", dup.DuplicateOf, canonical.ID)
	}
}

func TestDuplicatePolicyMerge(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	content := []byte("identical bytes in two places")
	mustWrite(t, dir, "a/model.stl", content)
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	before, err := store.GetByIdentity(volID, domain.FileIdentity("a/model.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}

	mustWrite(t, dir, "b/model.stl", content)
	rec := runScanAndWait(t, svc, store, volID, ScanOptions{DuplicatePolicy: domain.DuplicateMerge})
	if rec.Summary.Moved != 1 {
		t.Fatalf("Moved = %d (summary %+v)", rec.Summary.Moved, rec.Summary)
	}
	if rec.Summary.New != 0 {
		t.Errorf("New = %d, merge must not create a second entry", rec.Summary.New)
	}

	after, err := store.GetByIdentity(volID, domain.FileIdentity("b/model.stl"))
	if err != nil {
		t.Fatalf("Merged entry not found at new identity: %v", err)
	}
	if after.ID != before.ID {
		t.Errorf("Entry ID changed across merge: %d -> %d", before.ID, after.ID)
	}
	if _, err := store.GetByIdentity(volID, domain.FileIdentity("a/model.stl")); err != catalog.ErrNotFound {
		t.Errorf("Old identity still present: %v", err)
	}

	indexed, err := store.ListByVolume(volID, domain.EntryIndexed)
	if err != nil {
		t.Fatalf("ListByVolume failed: %v", err)
	}
	if len(indexed) != 1 {
		t.Errorf("Catalogued entries = %d, want 1", len(indexed))
	}
}

func TestDuplicateMergeAcrossVolumesReassignsEntry(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	content := []byte("identical bytes on two volumes")
	mustWrite(t, dir, "a/model.stl", content)
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	before, err := store.GetByIdentity(volID, domain.FileIdentity("a/model.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}

	otherDir := t.TempDir()
	other, _, err := store.RegisterVolume("second-volume", otherDir, false)
	if err != nil {
		t.Fatalf("RegisterVolume failed: %v", err)
	}
	mustWrite(t, otherDir, "mirror/model.stl", content)

	rec := runScanAndWait(t, svc, store, other.ID, ScanOptions{DuplicatePolicy: domain.DuplicateMerge})
	if rec.Summary.Moved != 1 {
		t.Fatalf("Moved = %d (summary %+v)", rec.Summary.Moved, rec.Summary)
	}

	after, err := store.GetByIdentity(other.ID, domain.FileIdentity("mirror/model.stl"))
	if err != nil {
		t.Fatalf("Merged entry not found on destination volume: %v", err)
	}
	if after.ID != before.ID {
		t.Errorf("Entry ID changed across merge: %d -> %d", before.ID, after.ID)
	}
	if after.VolumeID != other.ID {
		t.Errorf("VolumeID = %d, want %d after cross-volume merge", after.VolumeID, other.ID)
	}
	if _, err := store.GetByIdentity(volID, domain.FileIdentity("a/model.stl")); err != catalog.ErrNotFound {
		t.Errorf("Entry still resolvable through its old volume: %v", err)
	}
}

func TestRejectPolicyLeavesVanishedLocationUntouched(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	oldPath := mustWrite(t, dir, "inbox/cube.stl", []byte("solid cube, reasonably unique content"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	before, err := store.GetByIdentity(volID, domain.FileIdentity("inbox/cube.stl"))
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}

	newPath := filepath.Join(dir, "library", "cube.stl")
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	// Without merge, a fingerprint match never rewrites the existing entry:
	// the new path is rejected and the old one goes missing.
	rec := runScanAndWait(t, svc, store, volID, ScanOptions{})
	if rec.Summary.Moved != 0 {
		t.Fatalf("Moved = %d, reject must not rewrite locations", rec.Summary.Moved)
	}
	if rec.Summary.Duplicates != 1 {
		t.Errorf("Duplicates = %d (summary %+v)", rec.Summary.Duplicates, rec.Summary)
	}
	if rec.Summary.Missing != 1 {
		t.Errorf("Missing = %d (summary %+v)", rec.Summary.Missing, rec.Summary)
	}

	after, err := store.GetByID(before.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.Identity.ContainerPath != "inbox/cube.stl" {
		t.Errorf("Identity = %s, want the original location", after.Identity)
	}
	if after.Status != domain.EntryMissing {
		t.Errorf("Status = %s, want missing", after.Status)
	}
}

func TestScanRefusesOfflineVolume(t *testing.T) {
	svc, store, _, _, volID := newTestScanner(t)

	if err := store.SetVolumeStatus(volID, domain.VolumeOffline, "mount root does not exist"); err != nil {
		t.Fatalf("SetVolumeStatus failed: %v", err)
	}
	if _, err := svc.Scan(volID, ScanOptions{}); err == nil {
		t.Error("Scan of offline volume should fail")
	}
}

func TestScanRejectsConcurrentScanOfSameVolume(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	// Enough items that the first scan is still running when the second starts.
	for i := 0; i < 50; i++ {
		mustWrite(t, dir, filepath.Join("many", string(rune('a'+i%26))+string(rune('a'+i/26))+".stl"), []byte{byte(i)})
	}

	scanID, err := svc.Scan(volID, ScanOptions{})
	if err != nil {
		t.Fatalf("First scan failed to start: %v", err)
	}
	if _, err := svc.Scan(volID, ScanOptions{}); err == nil {
		// The first scan may have already finished on a fast machine, in
		// which case a second scan is legitimate.
		if svc.IsVolumeBeingScanned(volID) {
			t.Error("Concurrent scan of the same volume was accepted")
		}
	}
	waitForScan(t, store, scanID)
}

func TestScanProgressChannel(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	mustWrite(t, dir, "one.stl", []byte("first"))
	mustWrite(t, dir, "two.stl", []byte("second"))

	progress := make(chan domain.ScanResult, 16)
	runScanAndWait(t, svc, store, volID, ScanOptions{Progress: progress})
	close(progress)

	actions := map[domain.ScanAction]int{}
	for r := range progress {
		actions[r.Action]++
	}
	if actions[domain.ScanNew] != 2 {
		t.Errorf("Progress reported %d new results, want 2", actions[domain.ScanNew])
	}
}

func TestForceRescanVerifiesContent(t *testing.T) {
	svc, store, _, dir, volID := newTestScanner(t)

	mustWrite(t, dir, "cube.stl", []byte("solid cube"))
	runScanAndWait(t, svc, store, volID, ScanOptions{})

	// Unchanged file under Force is fingerprinted but still counts as a skip.
	rec := runScanAndWait(t, svc, store, volID, ScanOptions{Force: true})
	if rec.Summary.Skipped != 1 || rec.Summary.Updated != 0 {
		t.Errorf("Force rescan summary = %+v, want 1 skipped", rec.Summary)
	}
}
