package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "shelfarr-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create repository: %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

func TestNewRepository(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if repo == nil {
		t.Fatal("Repository should not be nil")
	}

	if repo.DB == nil {
		t.Fatal("Repository.DB should not be nil")
	}
}

func TestRepository_WALMode(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	var journalMode string
	err := repo.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("Expected WAL mode, got %s", journalMode)
	}
}

func TestRepository_ForeignKeysEnabled(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	var foreignKeys int
	err := repo.DB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	if err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}

	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestRepository_TablesCreated(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	expectedTables := []string{
		"volumes",
		"entries",
		"scans",
		"events",
		"schema_migrations",
	}

	for _, table := range expectedTables {
		var name string
		err := repo.DB.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)

		if err == sql.ErrNoRows {
			t.Errorf("Table %s not found", table)
		} else if err != nil {
			t.Errorf("Error checking table %s: %v", table, err)
		}
	}
}

func TestRepository_IdentityUniqueness(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	res, err := repo.DB.Exec(`INSERT INTO volumes (label, mount_root) VALUES ('library', '/mnt/library')`)
	if err != nil {
		t.Fatalf("Failed to insert volume: %v", err)
	}
	volID, _ := res.LastInsertId()

	now := time.Now().UTC().Format(time.RFC3339)
	insert := `INSERT INTO entries
		(volume_id, container_path, archive_member, size, mtime, partial_fp, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, 10, ?, 'abc', ?, ?)`

	if _, err := repo.DB.Exec(insert, volID, "docs/a.pdf", nil, now, now, now); err != nil {
		t.Fatalf("Failed to insert standalone entry: %v", err)
	}
	// Same path with a member is a different identity
	if _, err := repo.DB.Exec(insert, volID, "docs/a.pdf", "inner.stl", now, now, now); err != nil {
		t.Fatalf("Failed to insert member entry: %v", err)
	}
	// Exact duplicate of the standalone identity must be rejected
	if _, err := repo.DB.Exec(insert, volID, "docs/a.pdf", nil, now, now, now); err == nil {
		t.Error("Expected unique constraint violation for duplicate identity")
	}
}

func TestRepository_RunMaintenancePrunesOldData(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	res, err := repo.DB.Exec(`INSERT INTO volumes (label, mount_root) VALUES ('library', '/mnt/library')`)
	if err != nil {
		t.Fatalf("Failed to insert volume: %v", err)
	}
	volID, _ := res.LastInsertId()

	old := time.Now().AddDate(0, 0, -120).Format(time.RFC3339)
	recent := time.Now().Format(time.RFC3339)

	_, err = repo.DB.Exec(`INSERT INTO events (aggregate_type, aggregate_id, event_type, created_at) VALUES
		('scan', 'a', 'ScanCompleted', ?), ('scan', 'b', 'ScanCompleted', ?)`, old, recent)
	if err != nil {
		t.Fatalf("Failed to insert events: %v", err)
	}
	_, err = repo.DB.Exec(`INSERT INTO scans (id, volume_id, status, started_at, completed_at) VALUES
		('old-scan', ?, 'completed', ?, ?), ('new-scan', ?, 'completed', ?, ?)`,
		volID, old, old, volID, recent, recent)
	if err != nil {
		t.Fatalf("Failed to insert scans: %v", err)
	}

	if err := repo.RunMaintenance(90); err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}

	var eventCount, scanCount int
	repo.DB.QueryRow("SELECT COUNT(*) FROM events").Scan(&eventCount)
	repo.DB.QueryRow("SELECT COUNT(*) FROM scans").Scan(&scanCount)

	if eventCount != 1 {
		t.Errorf("Expected 1 event after pruning, got %d", eventCount)
	}
	if scanCount != 1 {
		t.Errorf("Expected 1 scan after pruning, got %d", scanCount)
	}
}

func TestRepository_Backup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(dbPath)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	backupPath, err := repo.Backup(dbPath)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	if _, err := os.Stat(backupPath); err != nil {
		t.Errorf("Backup file not found: %v", err)
	}
	if err := verifyBackupIntegrity(backupPath); err != nil {
		t.Errorf("Backup integrity check failed: %v", err)
	}
}

func TestRepository_GracefulClose(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if err := repo.GracefulClose(); err != nil {
		t.Errorf("GracefulClose failed: %v", err)
	}
}

func TestRepository_GetDatabaseStats(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	stats, err := repo.GetDatabaseStats()
	if err != nil {
		t.Fatalf("GetDatabaseStats failed: %v", err)
	}

	if stats["journal_mode"] != "wal" {
		t.Errorf("journal_mode = %v, want wal", stats["journal_mode"])
	}
	counts, ok := stats["table_counts"].(map[string]int64)
	if !ok {
		t.Fatal("table_counts missing")
	}
	if _, ok := counts["entries"]; !ok {
		t.Error("table_counts should include entries")
	}
}
