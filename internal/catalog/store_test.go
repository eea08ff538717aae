package catalog

import (
	"database/sql"
	"testing"
	"time"

	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *sql.DB, int64) {
	t.Helper()
	database, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := NewStore(database)
	vol, created, err := store.RegisterVolume("library", "/mnt/library", false)
	if err != nil {
		t.Fatalf("RegisterVolume failed: %v", err)
	}
	if !created {
		t.Fatal("Expected volume to be created")
	}
	return store, database, vol.ID
}

func newEntry(volumeID int64, identity domain.AssetIdentity, partialFP string) *domain.CatalogEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.CatalogEntry{
		VolumeID:    volumeID,
		Identity:    identity,
		Size:        1234,
		Mtime:       now,
		PartialFP:   partialFP,
		Status:      domain.EntryIndexed,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
}

func TestRegisterVolumeIdempotent(t *testing.T) {
	store, _, volID := setupStore(t)

	again, created, err := store.RegisterVolume("library-renamed", "/mnt/library", true)
	if err != nil {
		t.Fatalf("RegisterVolume failed: %v", err)
	}
	if created {
		t.Error("Re-registration should not create a new volume")
	}
	if again.ID != volID {
		t.Errorf("Expected same volume id %d, got %d", volID, again.ID)
	}
	if again.Label != "library-renamed" || !again.ReadOnly {
		t.Error("Re-registration should refresh label and read_only")
	}
}

func TestInsertAndGetByIdentity(t *testing.T) {
	store, _, volID := setupStore(t)

	fileID := domain.FileIdentity("docs/guide.pdf")
	memberID := domain.MemberIdentity("bundles/pack.zip", "part.stl")

	if _, err := store.Insert(newEntry(volID, fileID, "aaaa")); err != nil {
		t.Fatalf("Insert file entry failed: %v", err)
	}
	if _, err := store.Insert(newEntry(volID, memberID, "bbbb")); err != nil {
		t.Fatalf("Insert member entry failed: %v", err)
	}

	got, err := store.GetByIdentity(volID, fileID)
	if err != nil {
		t.Fatalf("GetByIdentity failed: %v", err)
	}
	if got.Identity.Kind != domain.StandaloneFile {
		t.Errorf("Kind = %s, want file", got.Identity.Kind)
	}

	gotMember, err := store.GetByIdentity(volID, memberID)
	if err != nil {
		t.Fatalf("GetByIdentity member failed: %v", err)
	}
	if gotMember.Identity.Kind != domain.ArchiveMember || gotMember.Identity.Member != "part.stl" {
		t.Errorf("Unexpected member identity: %+v", gotMember.Identity)
	}

	if _, err := store.GetByIdentity(volID, domain.FileIdentity("nope")); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestInsertRejectsInvalidIdentity(t *testing.T) {
	store, _, volID := setupStore(t)

	bad := newEntry(volID, domain.AssetIdentity{Kind: domain.ArchiveMember, ContainerPath: "a.zip"}, "cccc")
	if _, err := store.Insert(bad); err == nil {
		t.Error("Expected validation error for member identity without member name")
	}
}

func TestGetByPartialFPOrdering(t *testing.T) {
	store, database, volID := setupStore(t)

	old := newEntry(volID, domain.FileIdentity("old.stl"), "same-fp")
	old.LastSeenAt = time.Now().Add(-time.Hour).UTC()
	if _, err := testutil.SeedEntry(database, *old); err != nil {
		t.Fatalf("SeedEntry failed: %v", err)
	}
	recent := newEntry(volID, domain.FileIdentity("recent.stl"), "same-fp")
	if _, err := testutil.SeedEntry(database, *recent); err != nil {
		t.Fatalf("SeedEntry failed: %v", err)
	}

	matches, err := store.GetByPartialFP("same-fp")
	if err != nil {
		t.Fatalf("GetByPartialFP failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].Identity.ContainerPath != "recent.stl" {
		t.Errorf("Expected most recently seen first, got %s", matches[0].Identity.ContainerPath)
	}
}

func TestUpdateLocation(t *testing.T) {
	store, _, volID := setupStore(t)

	id, err := store.Insert(newEntry(volID, domain.FileIdentity("a/old.pdf"), "dddd"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.MarkMissing(id, time.Now()); err != nil {
		t.Fatalf("MarkMissing failed: %v", err)
	}

	if err := store.UpdateLocation(id, volID, domain.FileIdentity("b/new.pdf"), time.Now()); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	got, err := store.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Identity.ContainerPath != "b/new.pdf" {
		t.Errorf("ContainerPath = %s", got.Identity.ContainerPath)
	}
	if got.Status != domain.EntryIndexed {
		t.Errorf("Status = %s, want indexed after move", got.Status)
	}
	if !got.MissingSince.IsZero() {
		t.Error("missing_since should be cleared on move")
	}
}

func TestUpdateLocationReassignsVolume(t *testing.T) {
	store, _, volID := setupStore(t)

	other, _, err := store.RegisterVolume("archive", "/mnt/archive", false)
	if err != nil {
		t.Fatalf("RegisterVolume failed: %v", err)
	}

	id, err := store.Insert(newEntry(volID, domain.FileIdentity("a/cube.stl"), "eeee"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.UpdateLocation(id, other.ID, domain.FileIdentity("b/cube.stl"), time.Now()); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}

	got, err := store.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.VolumeID != other.ID {
		t.Errorf("VolumeID = %d, want %d after cross-volume move", got.VolumeID, other.ID)
	}
	if _, err := store.GetByIdentity(other.ID, domain.FileIdentity("b/cube.stl")); err != nil {
		t.Errorf("Entry should resolve through its new volume: %v", err)
	}
	if _, err := store.GetByIdentity(volID, domain.FileIdentity("a/cube.stl")); err != ErrNotFound {
		t.Errorf("Old identity should be gone, got err=%v", err)
	}
}

func TestUpdateContentInvalidatesDerivedState(t *testing.T) {
	store, _, volID := setupStore(t)

	canonical, err := store.Insert(newEntry(volID, domain.FileIdentity("canon.stl"), "eeee"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	id, err := store.Insert(newEntry(volID, domain.FileIdentity("dup.stl"), "eeee"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.SetFullFingerprint(id, "ffff0000ffff0000"); err != nil {
		t.Fatalf("SetFullFingerprint failed: %v", err)
	}
	if err := store.MarkDuplicate(id, canonical); err != nil {
		t.Fatalf("MarkDuplicate failed: %v", err)
	}

	if err := store.UpdateContent(id, 999, time.Now(), "new-fp", time.Now()); err != nil {
		t.Fatalf("UpdateContent failed: %v", err)
	}

	got, err := store.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.PartialFP != "new-fp" || got.Size != 999 {
		t.Error("Content fields not updated")
	}
	if got.FullFP != "" {
		t.Error("full_fp should be invalidated on content change")
	}
	if got.IsDuplicate() {
		t.Error("duplicate link should be cleared on content change")
	}
}

func TestMarkMissingKeepsFirstTimestamp(t *testing.T) {
	store, _, volID := setupStore(t)

	id, err := store.Insert(newEntry(volID, domain.FileIdentity("gone.pdf"), "gggg"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	first := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	if err := store.MarkMissing(id, first); err != nil {
		t.Fatalf("MarkMissing failed: %v", err)
	}
	if err := store.MarkMissing(id, time.Now()); err != nil {
		t.Fatalf("Second MarkMissing failed: %v", err)
	}

	got, err := store.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != domain.EntryMissing {
		t.Errorf("Status = %s", got.Status)
	}
	if !got.MissingSince.Equal(first) {
		t.Errorf("missing_since = %v, want first transition time %v", got.MissingSince, first)
	}

	if err := store.MarkRecovered(id, time.Now()); err != nil {
		t.Fatalf("MarkRecovered failed: %v", err)
	}
	got, _ = store.GetByID(id)
	if got.Status != domain.EntryIndexed || !got.MissingSince.IsZero() {
		t.Error("Recovery should restore indexed status and clear missing_since")
	}
}

func TestMarkVolumeEntries(t *testing.T) {
	store, _, volID := setupStore(t)

	indexed, _ := store.Insert(newEntry(volID, domain.FileIdentity("a.stl"), "h1"))
	missingID, _ := store.Insert(newEntry(volID, domain.FileIdentity("b.stl"), "h2"))
	if err := store.MarkMissing(missingID, time.Now()); err != nil {
		t.Fatalf("MarkMissing failed: %v", err)
	}

	n, err := store.MarkVolumeEntries(volID, domain.EntryIndexed, domain.EntryOffline)
	if err != nil {
		t.Fatalf("MarkVolumeEntries failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry parked offline, got %d", n)
	}

	got, _ := store.GetByID(indexed)
	if got.Status != domain.EntryOffline {
		t.Errorf("Status = %s, want offline", got.Status)
	}
	gotMissing, _ := store.GetByID(missingID)
	if gotMissing.Status != domain.EntryMissing {
		t.Error("Missing entries must not be parked offline")
	}

	if _, err := store.MarkVolumeEntries(volID, domain.EntryOffline, domain.EntryIndexed); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got, _ = store.GetByID(indexed)
	if got.Status != domain.EntryIndexed {
		t.Error("Entries should be restored when volume comes back")
	}
}

func TestMarkDuplicateSelfRejected(t *testing.T) {
	store, _, volID := setupStore(t)

	id, _ := store.Insert(newEntry(volID, domain.FileIdentity("x.stl"), "iiii"))
	if err := store.MarkDuplicate(id, id); err == nil {
		t.Error("Self-duplicate should be rejected")
	}
}

func TestUpdateThumbnail(t *testing.T) {
	store, _, volID := setupStore(t)

	id, _ := store.Insert(newEntry(volID, domain.FileIdentity("m.3mf"), "jjjj"))

	now := time.Now().UTC().Truncate(time.Second)
	thumb := &domain.ThumbnailDescriptor{
		Kind:        domain.ThumbSidecar,
		Path:        "/mnt/library/m.thumb.png",
		RenderedAt:  now,
		SourceMtime: now,
	}
	if err := store.UpdateThumbnail(id, thumb); err != nil {
		t.Fatalf("UpdateThumbnail failed: %v", err)
	}

	got, _ := store.GetByID(id)
	if got.Thumbnail == nil || got.Thumbnail.Kind != domain.ThumbSidecar {
		t.Fatalf("Thumbnail = %+v", got.Thumbnail)
	}

	if err := store.UpdateThumbnail(id, nil); err != nil {
		t.Fatalf("Clearing thumbnail failed: %v", err)
	}
	got, _ = store.GetByID(id)
	if got.Thumbnail != nil {
		t.Error("Thumbnail should be cleared")
	}
}

func TestListCollisionGroups(t *testing.T) {
	store, _, volID := setupStore(t)

	a, _ := store.Insert(newEntry(volID, domain.FileIdentity("one.stl"), "shared"))
	store.Insert(newEntry(volID, domain.FileIdentity("two.stl"), "shared"))
	store.Insert(newEntry(volID, domain.FileIdentity("three.stl"), "unique"))

	missingID, _ := store.Insert(newEntry(volID, domain.FileIdentity("four.stl"), "shared"))
	if err := store.MarkMissing(missingID, time.Now()); err != nil {
		t.Fatalf("MarkMissing failed: %v", err)
	}

	groups, err := store.ListCollisionGroups()
	if err != nil {
		t.Fatalf("ListCollisionGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("Expected 1 collision group, got %d", len(groups))
	}
	if len(groups[0]) != 2 {
		t.Errorf("Expected 2 entries in group (missing excluded), got %d", len(groups[0]))
	}
	if groups[0][0].ID != a {
		t.Error("Group should be ordered by id ascending")
	}

	// Confirmed duplicates drop out of future collision groups
	if err := store.MarkDuplicate(groups[0][1].ID, a); err != nil {
		t.Fatalf("MarkDuplicate failed: %v", err)
	}
	groups, _ = store.ListCollisionGroups()
	if len(groups) != 0 {
		t.Errorf("Expected no collision groups after dedup, got %d", len(groups))
	}
}

func TestScanRecords(t *testing.T) {
	store, _, volID := setupStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	if err := store.CreateScan("scan-1", volID, started); err != nil {
		t.Fatalf("CreateScan failed: %v", err)
	}

	summary := ScanSummary{
		TotalItems:   10,
		New:          3,
		Updated:      2,
		Skipped:      4,
		Errors:       1,
		ErrorSamples: []string{"bad.pdf: permission denied"},
	}
	if err := store.FinishScan("scan-1", ScanCompleted, summary); err != nil {
		t.Fatalf("FinishScan failed: %v", err)
	}

	rec, err := store.GetScan("scan-1")
	if err != nil {
		t.Fatalf("GetScan failed: %v", err)
	}
	if rec.Status != ScanCompleted {
		t.Errorf("Status = %s", rec.Status)
	}
	if rec.Summary.New != 3 || rec.Summary.Errors != 1 {
		t.Errorf("Summary = %+v", rec.Summary)
	}
	if len(rec.Summary.ErrorSamples) != 1 {
		t.Errorf("ErrorSamples = %v", rec.Summary.ErrorSamples)
	}

	list, err := store.ListScans(10)
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 scan record, got %d", len(list))
	}
}

func TestCountByStatus(t *testing.T) {
	store, _, volID := setupStore(t)

	store.Insert(newEntry(volID, domain.FileIdentity("a.pdf"), "k1"))
	id, _ := store.Insert(newEntry(volID, domain.FileIdentity("b.pdf"), "k2"))
	store.MarkMissing(id, time.Now())

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[domain.EntryIndexed] != 1 || counts[domain.EntryMissing] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
