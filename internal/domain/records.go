package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// VolumeStatus is the reachability state of a storage root.
type VolumeStatus string

const (
	VolumeOnline  VolumeStatus = "online"
	VolumeOffline VolumeStatus = "offline"
)

// Volume is a registered storage root. Volumes are created once per configured
// mount root and are never deleted automatically; only their status changes.
type Volume struct {
	ID           int64        `json:"id"`
	Label        string       `json:"label"`
	MountRoot    string       `json:"mount_root"`
	Status       VolumeStatus `json:"status"`
	StatusReason string       `json:"status_reason,omitempty"`
	ReadOnly     bool         `json:"read_only"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

// IdentityKind distinguishes a standalone file from a member inside a container.
type IdentityKind string

const (
	StandaloneFile IdentityKind = "file"
	ArchiveMember  IdentityKind = "archive_member"
)

// AssetIdentity locates one asset on a volume: either a standalone file, or a
// named member inside an archive container. The distinction between "no member"
// and "member with an odd name" is carried by Kind, never by string emptiness.
type AssetIdentity struct {
	Kind          IdentityKind `json:"kind"`
	ContainerPath string       `json:"container_path"`
	Member        string       `json:"member,omitempty"`
}

// FileIdentity builds the identity of a standalone file.
func FileIdentity(path string) AssetIdentity {
	return AssetIdentity{Kind: StandaloneFile, ContainerPath: path}
}

// MemberIdentity builds the identity of an archive member.
func MemberIdentity(archivePath, member string) AssetIdentity {
	return AssetIdentity{Kind: ArchiveMember, ContainerPath: archivePath, Member: member}
}

// String renders the identity for logs and error messages.
func (id AssetIdentity) String() string {
	if id.Kind == ArchiveMember {
		return id.ContainerPath + "!" + id.Member
	}
	return id.ContainerPath
}

// AssetName is the file name of the asset itself: the member name for
// archive members, the container's base name otherwise.
func (id AssetIdentity) AssetName() string {
	if id.Kind == ArchiveMember {
		return id.Member
	}
	return filepath.Base(id.ContainerPath)
}

// Validate rejects malformed identities before they reach the catalog.
func (id AssetIdentity) Validate() error {
	if id.ContainerPath == "" {
		return fmt.Errorf("identity has empty container path")
	}
	switch id.Kind {
	case StandaloneFile:
		if id.Member != "" {
			return fmt.Errorf("standalone identity %s carries an archive member", id.ContainerPath)
		}
	case ArchiveMember:
		if id.Member == "" {
			return fmt.Errorf("archive identity %s has empty member name", id.ContainerPath)
		}
	default:
		return fmt.Errorf("unknown identity kind %q", id.Kind)
	}
	return nil
}

// EntryStatus is the lifecycle state of a catalog entry. Entries are never
// deleted by the core; they are only reclassified between these states.
type EntryStatus string

const (
	EntryIndexed EntryStatus = "indexed"
	EntryMissing EntryStatus = "missing"
	EntryOffline EntryStatus = "offline"
)

// ThumbnailKind says where a rendered preview lives relative to its asset.
type ThumbnailKind string

const (
	// ThumbSidecar sits directly beside a standalone file so it travels with it.
	ThumbSidecar ThumbnailKind = "sidecar"
	// ThumbArchiveSidecar sits in a metadata folder next to the archive.
	ThumbArchiveSidecar ThumbnailKind = "archive_sidecar"
	// ThumbCentral lives in the central cache, used when the natural
	// location is not writable.
	ThumbCentral ThumbnailKind = "central"
)

// ThumbnailDescriptor records where a preview was placed. It is always
// re-derivable from (entry, volume) and never independently authoritative.
type ThumbnailDescriptor struct {
	Kind        ThumbnailKind `json:"kind"`
	Path        string        `json:"path"`
	RenderedAt  time.Time     `json:"rendered_at"`
	SourceMtime time.Time     `json:"source_mtime"`
}

// CatalogEntry is the durable record for one indexed asset.
type CatalogEntry struct {
	ID           int64          `json:"id"`
	VolumeID     int64          `json:"volume_id"`
	Identity     AssetIdentity  `json:"identity"`
	Size         int64          `json:"size"`
	Mtime        time.Time      `json:"mtime"`
	PartialFP    string         `json:"partial_fp"`
	FullFP       string         `json:"full_fp,omitempty"`
	Status       EntryStatus    `json:"status"`
	MissingSince time.Time      `json:"missing_since,omitempty"`
	DuplicateOf  int64          `json:"duplicate_of,omitempty"`
	Thumbnail    *ThumbnailDescriptor `json:"thumbnail,omitempty"`
	FirstSeenAt  time.Time      `json:"first_seen_at"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
}

// IsDuplicate reports whether this entry has been folded under a canonical one.
func (e *CatalogEntry) IsDuplicate() bool { return e.DuplicateOf != 0 }

// ScanAction tags what the scanner decided for one candidate.
type ScanAction string

const (
	ScanSkip      ScanAction = "skip"
	ScanNew       ScanAction = "new"
	ScanUpdate    ScanAction = "update"
	ScanMoved     ScanAction = "moved"
	ScanMissing   ScanAction = "missing"
	ScanDuplicate ScanAction = "duplicate"
	ScanError     ScanAction = "error"
)

// ScanResult is the ephemeral outcome for one scanned candidate. It is consumed
// immediately by the caller and never persisted as-is.
type ScanResult struct {
	Action   ScanAction    `json:"action"`
	Identity AssetIdentity `json:"identity"`
	EntryID  int64         `json:"entry_id,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// DuplicatePolicy controls how the scanner treats a candidate whose content
// matches an entry catalogued elsewhere.
type DuplicatePolicy string

const (
	// DuplicateReject reports the candidate without mutating the catalog.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateWarn creates a new entry flagged duplicate-of the match.
	DuplicateWarn DuplicatePolicy = "warn"
	// DuplicateMerge rewrites the matching entry's location onto the new path.
	DuplicateMerge DuplicatePolicy = "merge"
)

// Valid reports whether p is one of the known policies.
func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DuplicateReject, DuplicateWarn, DuplicateMerge:
		return true
	}
	return false
}

// FormatFamily buckets asset extensions for central-cache partitioning.
func FormatFamily(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "document"
	case ".stl", ".3mf", ".obj", ".step", ".gcode":
		return "model"
	default:
		return "other"
	}
}
