package testutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shelfarr/Shelfarr/internal/domain"
	_ "modernc.org/sqlite"
)

// NewTestDB creates an in-memory SQLite database with the Shelfarr schema.
// Returns a database handle that should be closed by the caller.
func NewTestDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close() // Ignore close error since we're already returning an error
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initializeSchema creates all required tables for testing. Kept in sync with
// the embedded migrations by hand; schema drift shows up as failing store tests.
func initializeSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE volumes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL,
			mount_root TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'online',
			status_reason TEXT,
			read_only INTEGER NOT NULL DEFAULT 0,
			last_seen_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			volume_id INTEGER NOT NULL REFERENCES volumes(id) ON DELETE CASCADE,
			container_path TEXT NOT NULL,
			archive_member TEXT,
			size INTEGER NOT NULL,
			mtime TIMESTAMP NOT NULL,
			partial_fp TEXT NOT NULL,
			full_fp TEXT,
			status TEXT NOT NULL DEFAULT 'indexed',
			missing_since TIMESTAMP,
			duplicate_of INTEGER REFERENCES entries(id) ON DELETE SET NULL,
			thumb_kind TEXT,
			thumb_path TEXT,
			thumb_rendered_at TIMESTAMP,
			thumb_source_mtime TIMESTAMP,
			first_seen_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_entries_identity
			ON entries(volume_id, container_path, COALESCE(archive_member, ''))`,
		`CREATE INDEX idx_entries_partial_fp ON entries(partial_fp)`,
		`CREATE INDEX idx_entries_status ON entries(status)`,
		`CREATE TABLE scans (
			id TEXT PRIMARY KEY,
			volume_id INTEGER NOT NULL REFERENCES volumes(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'running',
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			total_items INTEGER NOT NULL DEFAULT 0,
			new_count INTEGER NOT NULL DEFAULT 0,
			updated_count INTEGER NOT NULL DEFAULT 0,
			moved_count INTEGER NOT NULL DEFAULT 0,
			missing_count INTEGER NOT NULL DEFAULT 0,
			duplicate_count INTEGER NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			error_samples TEXT
		)`,
		`CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT,
			event_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_events_aggregate ON events(aggregate_type, aggregate_id)`,
		`CREATE INDEX idx_events_type ON events(event_type)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// SeedVolume inserts a volume and returns its id.
func SeedVolume(db *sql.DB, label, mountRoot string) (int64, error) {
	res, err := db.Exec(`INSERT INTO volumes (label, mount_root, status, created_at)
		VALUES (?, ?, 'online', ?)`, label, mountRoot, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to seed volume: %w", err)
	}
	return res.LastInsertId()
}

// SeedEntry inserts a catalog entry and returns its id.
func SeedEntry(db *sql.DB, e domain.CatalogEntry) (int64, error) {
	var member interface{}
	if e.Identity.Kind == domain.ArchiveMember {
		member = e.Identity.Member
	}
	status := e.Status
	if status == "" {
		status = domain.EntryIndexed
	}
	now := time.Now().UTC()
	firstSeen := e.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = now
	}
	lastSeen := e.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = now
	}
	mtime := e.Mtime
	if mtime.IsZero() {
		mtime = now
	}

	res, err := db.Exec(`INSERT INTO entries
		(volume_id, container_path, archive_member, size, mtime, partial_fp, full_fp, status, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.VolumeID, e.Identity.ContainerPath, member, e.Size, mtime, e.PartialFP,
		nullableString(e.FullFP), string(status), firstSeen, lastSeen)
	if err != nil {
		return 0, fmt.Errorf("failed to seed entry: %w", err)
	}
	return res.LastInsertId()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SeedEvent inserts a single event into the test database.
func SeedEvent(db *sql.DB, event domain.Event) (int64, error) {
	eventDataJSON, err := json.Marshal(event.EventData)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	result, err := db.Exec(`
		INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.AggregateType, event.AggregateID, event.EventType, eventDataJSON, event.EventVersion, event.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	return result.LastInsertId()
}

// GetEventsByAggregate retrieves all events for a given aggregate ID.
func GetEventsByAggregate(db *sql.DB, aggregateID string) ([]domain.Event, error) {
	rows, err := db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at
		FROM events WHERE aggregate_id = ? ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventDataJSON string
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &eventDataJSON, &e.EventVersion, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(eventDataJSON), &e.EventData); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByType counts events of a given type.
func CountEventsByType(db *sql.DB, eventType domain.EventType) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM events WHERE event_type = ?", eventType).Scan(&count)
	return count, err
}

// ClearEvents removes all events from the database.
func ClearEvents(db *sql.DB) error {
	_, err := db.Exec("DELETE FROM events")
	return err
}

// ClearAllTables removes all data from all tables.
func ClearAllTables(db *sql.DB) error {
	tables := []string{"events", "scans", "entries", "volumes"}
	for _, table := range tables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
