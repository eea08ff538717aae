package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shelfarr/Shelfarr/internal/db"
)

// ScanSummary aggregates per-action counts for one scan run.
type ScanSummary struct {
	TotalItems   int      `json:"total_items"`
	New          int      `json:"new"`
	Updated      int      `json:"updated"`
	Moved        int      `json:"moved"`
	Missing      int      `json:"missing"`
	Duplicates   int      `json:"duplicates"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	ErrorSamples []string `json:"error_samples,omitempty"`
}

// ScanRecord is one row of scan history.
type ScanRecord struct {
	ID          string      `json:"id"`
	VolumeID    int64       `json:"volume_id"`
	Status      string      `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Summary     ScanSummary `json:"summary"`
}

// Scan lifecycle states.
const (
	ScanRunning   = "running"
	ScanCompleted = "completed"
	ScanCancelled = "cancelled"
	ScanFailed    = "error"
)

// CreateScan records the start of a scan run.
func (s *Store) CreateScan(id string, volumeID int64, startedAt time.Time) error {
	_, err := db.ExecWithRetry(s.db, `INSERT INTO scans (id, volume_id, status, started_at)
		VALUES (?, ?, ?, ?)`, id, volumeID, ScanRunning, startedAt)
	if err != nil {
		return fmt.Errorf("failed to create scan record: %w", err)
	}
	return nil
}

// FinishScan records the terminal state and summary of a scan run.
func (s *Store) FinishScan(id, status string, summary ScanSummary) error {
	var samples interface{}
	if len(summary.ErrorSamples) > 0 {
		data, err := json.Marshal(summary.ErrorSamples)
		if err != nil {
			return fmt.Errorf("failed to marshal error samples: %w", err)
		}
		samples = string(data)
	}

	_, err := db.ExecWithRetry(s.db, `UPDATE scans SET
		status = ?, completed_at = ?, total_items = ?,
		new_count = ?, updated_count = ?, moved_count = ?, missing_count = ?,
		duplicate_count = ?, skipped_count = ?, error_count = ?, error_samples = ?
		WHERE id = ?`,
		status, time.Now().UTC(), summary.TotalItems,
		summary.New, summary.Updated, summary.Moved, summary.Missing,
		summary.Duplicates, summary.Skipped, summary.Errors, samples, id)
	if err != nil {
		return fmt.Errorf("failed to finish scan record: %w", err)
	}
	return nil
}

// GetScan returns one scan record.
func (s *Store) GetScan(id string) (*ScanRecord, error) {
	row := s.db.QueryRow(`SELECT id, volume_id, status, started_at, completed_at,
		total_items, new_count, updated_count, moved_count, missing_count,
		duplicate_count, skipped_count, error_count, error_samples
		FROM scans WHERE id = ?`, id)
	return scanScanRecord(row)
}

// ListScans returns the most recent scan records, newest first.
func (s *Store) ListScans(limit int) ([]*ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryWithRetry(s.db, `SELECT id, volume_id, status, started_at, completed_at,
		total_items, new_count, updated_count, moved_count, missing_count,
		duplicate_count, skipped_count, error_count, error_samples
		FROM scans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var records []*ScanRecord
	for rows.Next() {
		rec, err := scanScanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListScansByStatus returns every scan in the given lifecycle state, oldest
// first.
func (s *Store) ListScansByStatus(status string) ([]*ScanRecord, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT id, volume_id, status, started_at, completed_at,
		total_items, new_count, updated_count, moved_count, missing_count,
		duplicate_count, skipped_count, error_count, error_samples
		FROM scans WHERE status = ? ORDER BY started_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans by status: %w", err)
	}
	defer rows.Close()

	var records []*ScanRecord
	for rows.Next() {
		rec, err := scanScanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanScanRecord(row rowScanner) (*ScanRecord, error) {
	var rec ScanRecord
	var completedAt sql.NullTime
	var samples sql.NullString

	err := row.Scan(&rec.ID, &rec.VolumeID, &rec.Status, &rec.StartedAt, &completedAt,
		&rec.Summary.TotalItems, &rec.Summary.New, &rec.Summary.Updated, &rec.Summary.Moved,
		&rec.Summary.Missing, &rec.Summary.Duplicates, &rec.Summary.Skipped,
		&rec.Summary.Errors, &samples)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scan record: %w", err)
	}

	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	if samples.Valid && samples.String != "" {
		if err := json.Unmarshal([]byte(samples.String), &rec.Summary.ErrorSamples); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error samples: %w", err)
		}
	}
	return &rec, nil
}
