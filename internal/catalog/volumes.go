package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shelfarr/Shelfarr/internal/db"
	"github.com/shelfarr/Shelfarr/internal/domain"
)

const volumeColumns = `id, label, mount_root, status, status_reason, read_only, last_seen_at, created_at`

func scanVolume(row rowScanner) (*domain.Volume, error) {
	var v domain.Volume
	var reason sql.NullString
	var lastSeen sql.NullTime
	var readOnly int

	err := row.Scan(&v.ID, &v.Label, &v.MountRoot, &v.Status, &reason, &readOnly, &lastSeen, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan volume: %w", err)
	}

	v.ReadOnly = readOnly != 0
	if reason.Valid {
		v.StatusReason = reason.String
	}
	if lastSeen.Valid {
		v.LastSeenAt = lastSeen.Time
	}
	return &v, nil
}

// RegisterVolume creates a volume for the mount root, or returns the existing
// one. Registration is idempotent on mount_root; label and read_only are
// refreshed on re-registration so config changes take effect.
func (s *Store) RegisterVolume(label, mountRoot string, readOnly bool) (*domain.Volume, bool, error) {
	if existing, err := s.GetVolumeByMountRoot(mountRoot); err == nil {
		if existing.Label != label || existing.ReadOnly != readOnly {
			_, err := db.ExecWithRetry(s.db, `UPDATE volumes SET label = ?, read_only = ? WHERE id = ?`,
				label, boolToInt(readOnly), existing.ID)
			if err != nil {
				return nil, false, fmt.Errorf("failed to refresh volume %s: %w", mountRoot, err)
			}
			existing.Label = label
			existing.ReadOnly = readOnly
		}
		return existing, false, nil
	} else if err != ErrNotFound {
		return nil, false, err
	}

	res, err := db.ExecWithRetry(s.db, `INSERT INTO volumes (label, mount_root, status, read_only, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		label, mountRoot, string(domain.VolumeOnline), boolToInt(readOnly), time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to register volume %s: %w", mountRoot, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get volume id: %w", err)
	}

	v, err := s.GetVolume(id)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// GetVolume returns the volume with the given id.
func (s *Store) GetVolume(id int64) (*domain.Volume, error) {
	row := s.db.QueryRow(`SELECT `+volumeColumns+` FROM volumes WHERE id = ?`, id)
	return scanVolume(row)
}

// GetVolumeByMountRoot returns the volume registered at the given mount root.
func (s *Store) GetVolumeByMountRoot(mountRoot string) (*domain.Volume, error) {
	row := s.db.QueryRow(`SELECT `+volumeColumns+` FROM volumes WHERE mount_root = ?`, mountRoot)
	return scanVolume(row)
}

// ListVolumes returns all registered volumes ordered by id.
func (s *Store) ListVolumes() ([]*domain.Volume, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT `+volumeColumns+` FROM volumes ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	defer rows.Close()

	var volumes []*domain.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// SetVolumeStatus records a reachability transition. Going online also
// refreshes last_seen_at and clears the stored reason.
func (s *Store) SetVolumeStatus(id int64, status domain.VolumeStatus, reason string) error {
	var err error
	if status == domain.VolumeOnline {
		_, err = db.ExecWithRetry(s.db, `UPDATE volumes SET status = ?, status_reason = NULL, last_seen_at = ?
			WHERE id = ?`, string(status), time.Now().UTC(), id)
	} else {
		_, err = db.ExecWithRetry(s.db, `UPDATE volumes SET status = ?, status_reason = ? WHERE id = ?`,
			string(status), reason, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set volume %d status: %w", id, err)
	}
	return nil
}

// TouchVolume refreshes last_seen_at without changing status. Called after a
// successful scan or reachability probe.
func (s *Store) TouchVolume(id int64) error {
	_, err := db.ExecWithRetry(s.db, `UPDATE volumes SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch volume %d: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
