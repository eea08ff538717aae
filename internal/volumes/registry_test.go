package volumes

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/testutil"
)

func setupRegistry(t *testing.T) (*Registry, *catalog.Store, *testutil.MockEventBus) {
	t.Helper()
	database, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := catalog.NewStore(database)
	bus := testutil.NewMockEventBus()
	return NewRegistry(store, bus), store, bus
}

func TestRegisterEmitsOnce(t *testing.T) {
	reg, _, bus := setupRegistry(t)
	root := t.TempDir()

	v, err := reg.Register("library", root, false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if v.ID == 0 {
		t.Fatal("Expected a volume id")
	}
	if bus.EventCount(domain.VolumeRegistered) != 1 {
		t.Errorf("Expected 1 VolumeRegistered event, got %d", bus.EventCount(domain.VolumeRegistered))
	}

	again, err := reg.Register("library", root, false)
	if err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	if again.ID != v.ID {
		t.Error("Re-registration should return the same volume")
	}
	if bus.EventCount(domain.VolumeRegistered) != 1 {
		t.Error("Re-registration should not emit again")
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	if err := Probe(dir); err != nil {
		t.Errorf("Probe of existing dir failed: %v", err)
	}

	if err := Probe(filepath.Join(dir, "missing")); err == nil {
		t.Error("Probe of missing path should fail")
	}

	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := Probe(file); err == nil {
		t.Error("Probe of a regular file should fail")
	}
}

func TestCheckAllTransitions(t *testing.T) {
	reg, store, bus := setupRegistry(t)

	parent := t.TempDir()
	root := filepath.Join(parent, "vol")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	v, err := reg.Register("library", root, false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Online volume stays online, no transition
	changes, err := reg.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("Expected no transitions, got %d", len(changes))
	}

	// Remove the root: volume goes offline
	if err := os.Remove(root); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	changes, err = reg.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if len(changes) != 1 || changes[0].To != domain.VolumeOffline {
		t.Fatalf("Expected offline transition, got %+v", changes)
	}
	if changes[0].Reason == "" {
		t.Error("Offline transition should carry a reason")
	}
	if bus.EventCount(domain.VolumeWentOffline) != 1 {
		t.Error("Expected VolumeWentOffline event")
	}

	persisted, err := store.GetVolume(v.ID)
	if err != nil {
		t.Fatalf("GetVolume failed: %v", err)
	}
	if persisted.Status != domain.VolumeOffline || persisted.StatusReason == "" {
		t.Errorf("Persisted volume = %+v", persisted)
	}

	// Restore the root: volume comes back
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	changes, err = reg.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll failed: %v", err)
	}
	if len(changes) != 1 || changes[0].To != domain.VolumeOnline {
		t.Fatalf("Expected online transition, got %+v", changes)
	}
	if bus.EventCount(domain.VolumeBackOnline) != 1 {
		t.Error("Expected VolumeBackOnline event")
	}

	persisted, _ = store.GetVolume(v.ID)
	if persisted.Status != domain.VolumeOnline || persisted.StatusReason != "" {
		t.Errorf("Persisted volume after recovery = %+v", persisted)
	}
}

func TestIsWritable(t *testing.T) {
	dir := t.TempDir()
	if !IsWritable(dir) {
		t.Error("Temp dir should be writable")
	}
	// Probe file must not be left behind
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Write probe left residue: %v", entries)
	}

	if IsWritable(filepath.Join(dir, "does-not-exist")) {
		t.Error("Missing dir should not be writable")
	}
}

func TestMountWatcherFiresOnRemove(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "vol")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	fired := make(chan string, 1)
	w, err := NewMountWatcher(func(mountRoot string) {
		select {
		case fired <- mountRoot:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewMountWatcher failed: %v", err)
	}
	defer w.Stop()

	if err := w.Watch(root); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	w.Start()

	if err := os.Remove(root); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	select {
	case got := <-fired:
		if got != root {
			t.Errorf("Callback root = %s, want %s", got, root)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not fire on mount root removal")
	}
}
