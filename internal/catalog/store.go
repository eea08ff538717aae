// Package catalog persists volumes and asset entries in SQLite. The Store is
// the single write path for the entries table; services never touch the
// tables directly.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shelfarr/Shelfarr/internal/db"
	"github.com/shelfarr/Shelfarr/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("catalog: not found")

// Store provides catalog access over an injected database handle.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the given database handle.
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// entryColumns is the canonical column list shared by all entry queries.
const entryColumns = `id, volume_id, container_path, archive_member, size, mtime,
	partial_fp, full_fp, status, missing_since, duplicate_of,
	thumb_kind, thumb_path, thumb_rendered_at, thumb_source_mtime,
	first_seen_at, last_seen_at`

// memberKey folds the identity's member into the value used by the
// COALESCE-based uniqueness index: empty string for standalone files.
func memberKey(id domain.AssetIdentity) string {
	if id.Kind == domain.ArchiveMember {
		return id.Member
	}
	return ""
}

// memberColumn is the nullable archive_member value for inserts and updates.
func memberColumn(id domain.AssetIdentity) interface{} {
	if id.Kind == domain.ArchiveMember {
		return id.Member
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*domain.CatalogEntry, error) {
	var e domain.CatalogEntry
	var member sql.NullString
	var fullFP sql.NullString
	var missingSince sql.NullTime
	var duplicateOf sql.NullInt64
	var thumbKind, thumbPath sql.NullString
	var thumbRenderedAt, thumbSourceMtime sql.NullTime

	err := row.Scan(
		&e.ID, &e.VolumeID, &e.Identity.ContainerPath, &member, &e.Size, &e.Mtime,
		&e.PartialFP, &fullFP, &e.Status, &missingSince, &duplicateOf,
		&thumbKind, &thumbPath, &thumbRenderedAt, &thumbSourceMtime,
		&e.FirstSeenAt, &e.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	if member.Valid {
		e.Identity.Kind = domain.ArchiveMember
		e.Identity.Member = member.String
	} else {
		e.Identity.Kind = domain.StandaloneFile
	}
	if fullFP.Valid {
		e.FullFP = fullFP.String
	}
	if missingSince.Valid {
		e.MissingSince = missingSince.Time
	}
	if duplicateOf.Valid {
		e.DuplicateOf = duplicateOf.Int64
	}
	if thumbKind.Valid && thumbPath.Valid {
		e.Thumbnail = &domain.ThumbnailDescriptor{
			Kind: domain.ThumbnailKind(thumbKind.String),
			Path: thumbPath.String,
		}
		if thumbRenderedAt.Valid {
			e.Thumbnail.RenderedAt = thumbRenderedAt.Time
		}
		if thumbSourceMtime.Valid {
			e.Thumbnail.SourceMtime = thumbSourceMtime.Time
		}
	}

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*domain.CatalogEntry, error) {
	defer rows.Close()
	var entries []*domain.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetByID returns the entry with the given id.
func (s *Store) GetByID(id int64) (*domain.CatalogEntry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	return scanEntry(row)
}

// GetByIdentity returns the entry for the given identity on the given volume.
func (s *Store) GetByIdentity(volumeID int64, identity domain.AssetIdentity) (*domain.CatalogEntry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries
		WHERE volume_id = ? AND container_path = ? AND COALESCE(archive_member, '') = ?`,
		volumeID, identity.ContainerPath, memberKey(identity))
	return scanEntry(row)
}

// GetByPartialFP returns all entries sharing a partial fingerprint, most
// recently seen first. Callers confirming a suspected move use the first
// match as the strongest candidate.
func (s *Store) GetByPartialFP(partialFP string) ([]*domain.CatalogEntry, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT `+entryColumns+` FROM entries
		WHERE partial_fp = ? ORDER BY last_seen_at DESC, id ASC`, partialFP)
	if err != nil {
		return nil, fmt.Errorf("failed to query by fingerprint: %w", err)
	}
	return scanEntries(rows)
}

// Insert adds a new entry and returns its id. The identity must validate and
// must not already exist on the volume.
func (s *Store) Insert(e *domain.CatalogEntry) (int64, error) {
	if err := e.Identity.Validate(); err != nil {
		return 0, err
	}

	res, err := db.ExecWithRetry(s.db, `INSERT INTO entries
		(volume_id, container_path, archive_member, size, mtime, partial_fp, full_fp,
		 status, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.VolumeID, e.Identity.ContainerPath, memberColumn(e.Identity),
		e.Size, e.Mtime, e.PartialFP, nullIfEmpty(e.FullFP),
		string(e.Status), e.FirstSeenAt, e.LastSeenAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert entry %s: %w", e.Identity, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

// UpdateLocation moves an entry to a new identity, preserving its content
// fields and history. The owning volume is rewritten too: a merge can land an
// entry on a different volume than the one that first catalogued it, and an
// entry must always be resolvable through its own volume's mount root.
func (s *Store) UpdateLocation(id, volumeID int64, identity domain.AssetIdentity, seenAt time.Time) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET
		volume_id = ?, container_path = ?, archive_member = ?, status = ?, missing_since = NULL, last_seen_at = ?
		WHERE id = ?`,
		volumeID, identity.ContainerPath, memberColumn(identity), string(domain.EntryIndexed), seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %d location: %w", id, err)
	}
	return nil
}

// UpdateContent replaces an entry's content fields after its bytes changed.
// The full fingerprint and any duplicate link are invalidated because both
// describe the old content.
func (s *Store) UpdateContent(id int64, size int64, mtime time.Time, partialFP string, seenAt time.Time) error {
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET
		size = ?, mtime = ?, partial_fp = ?, full_fp = NULL, duplicate_of = NULL,
		status = ?, missing_since = NULL, last_seen_at = ?
		WHERE id = ?`,
		size, mtime, partialFP, string(domain.EntryIndexed), seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %d content: %w", id, err)
	}
	return nil
}

// UpdateStat refreshes size and mtime for an entry whose content fingerprint
// is unchanged (a "touched" file). Unlike UpdateContent this preserves the
// full fingerprint and duplicate link, which still describe the same bytes.
func (s *Store) UpdateStat(id int64, size int64, mtime time.Time, seenAt time.Time) error {
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET
		size = ?, mtime = ?, status = ?, missing_since = NULL, last_seen_at = ?
		WHERE id = ?`,
		size, mtime, string(domain.EntryIndexed), seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %d stat: %w", id, err)
	}
	return nil
}

// MarkSeen refreshes last_seen_at and clears any missing state for an entry
// whose content is unchanged.
func (s *Store) MarkSeen(id int64, seenAt time.Time) error {
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET
		status = ?, missing_since = NULL, last_seen_at = ? WHERE id = ?`,
		string(domain.EntryIndexed), seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d seen: %w", id, err)
	}
	return nil
}

// MarkMissing transitions an entry to missing. The missing_since timestamp is
// only set on the first transition so flapping does not reset it.
func (s *Store) MarkMissing(id int64, since time.Time) error {
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET
		status = ?, missing_since = COALESCE(missing_since, ?) WHERE id = ? AND status != ?`,
		string(domain.EntryMissing), since, id, string(domain.EntryMissing))
	if err != nil {
		return fmt.Errorf("failed to mark entry %d missing: %w", id, err)
	}
	return nil
}

// MarkRecovered transitions a missing entry back to indexed.
func (s *Store) MarkRecovered(id int64, seenAt time.Time) error {
	return s.MarkSeen(id, seenAt)
}

// MarkVolumeEntries flips all entries on a volume from one status to another.
// Going offline parks indexed entries; coming back online restores them
// without touching entries that were already missing.
func (s *Store) MarkVolumeEntries(volumeID int64, from, to domain.EntryStatus) (int64, error) {
	res, err := db.ExecWithRetry(s.db, `UPDATE entries SET status = ?
		WHERE volume_id = ? AND status = ?`,
		string(to), volumeID, string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to reclassify volume %d entries: %w", volumeID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetFullFingerprint caches a confirmed full fingerprint on an entry.
func (s *Store) SetFullFingerprint(id int64, fullFP string) error {
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET full_fp = ? WHERE id = ?`, fullFP, id)
	if err != nil {
		return fmt.Errorf("failed to set entry %d full fingerprint: %w", id, err)
	}
	return nil
}

// MarkDuplicate folds an entry under a canonical entry.
func (s *Store) MarkDuplicate(id, canonicalID int64) error {
	if id == canonicalID {
		return fmt.Errorf("entry %d cannot be a duplicate of itself", id)
	}
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET duplicate_of = ? WHERE id = ?`, canonicalID, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d duplicate: %w", id, err)
	}
	return nil
}

// UpdateThumbnail records where an entry's preview was placed. A nil
// descriptor clears the record.
func (s *Store) UpdateThumbnail(id int64, thumb *domain.ThumbnailDescriptor) error {
	var kind, path interface{}
	var renderedAt, sourceMtime interface{}
	if thumb != nil {
		kind = string(thumb.Kind)
		path = thumb.Path
		renderedAt = thumb.RenderedAt
		sourceMtime = thumb.SourceMtime
	}
	_, err := db.ExecWithRetry(s.db, `UPDATE entries SET
		thumb_kind = ?, thumb_path = ?, thumb_rendered_at = ?, thumb_source_mtime = ?
		WHERE id = ?`, kind, path, renderedAt, sourceMtime, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %d thumbnail: %w", id, err)
	}
	return nil
}

// ListByVolume returns all entries on a volume with the given status.
func (s *Store) ListByVolume(volumeID int64, status domain.EntryStatus) ([]*domain.CatalogEntry, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT `+entryColumns+` FROM entries
		WHERE volume_id = ? AND status = ? ORDER BY id ASC`, volumeID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list volume %d entries: %w", volumeID, err)
	}
	return scanEntries(rows)
}

// ListByStatus returns all entries with the given status across volumes.
func (s *Store) ListByStatus(status domain.EntryStatus) ([]*domain.CatalogEntry, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT `+entryColumns+` FROM entries
		WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list entries by status: %w", err)
	}
	return scanEntries(rows)
}

// ListCollisionGroups returns groups of indexed, not-yet-deduplicated entries
// that share a partial fingerprint. Each group is ordered by id ascending so
// the oldest entry is a stable canonical candidate.
func (s *Store) ListCollisionGroups() ([][]*domain.CatalogEntry, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT partial_fp FROM entries
		WHERE status = ? AND duplicate_of IS NULL
		GROUP BY partial_fp HAVING COUNT(*) > 1
		ORDER BY partial_fp`, string(domain.EntryIndexed))
	if err != nil {
		return nil, fmt.Errorf("failed to query collision groups: %w", err)
	}
	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups [][]*domain.CatalogEntry
	for _, fp := range fps {
		entryRows, err := db.QueryWithRetry(s.db, `SELECT `+entryColumns+` FROM entries
			WHERE partial_fp = ? AND status = ? AND duplicate_of IS NULL
			ORDER BY id ASC`, fp, string(domain.EntryIndexed))
		if err != nil {
			return nil, fmt.Errorf("failed to load collision group: %w", err)
		}
		group, err := scanEntries(entryRows)
		if err != nil {
			return nil, err
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// CountByStatus returns entry counts keyed by status, for dashboards and metrics.
func (s *Store) CountByStatus() (map[domain.EntryStatus]int64, error) {
	rows, err := db.QueryWithRetry(s.db, `SELECT status, COUNT(*) FROM entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EntryStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[domain.EntryStatus(status)] = count
	}
	return counts, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
