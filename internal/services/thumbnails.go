package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/volumes"
)

// thumbSuffix is appended to an asset's stem to name its preview.
const thumbSuffix = ".thumb.png"

// archiveMetaSuffix names the metadata folder placed beside an archive for
// its members' previews.
const archiveMetaSuffix = ".shelfarr"

// ThumbnailResolver decides where a rendered preview lives and re-derives
// that location from current catalog and volume state. Placement prefers the
// most portable spot: a sidecar travels with the asset when someone copies
// the directory, the central cache does not.
type ThumbnailResolver struct {
	cacheRoot string
}

// NewThumbnailResolver creates a resolver over the central cache directory.
func NewThumbnailResolver(cacheRoot string) *ThumbnailResolver {
	return &ThumbnailResolver{cacheRoot: cacheRoot}
}

// PlacementFor picks where a new render for the entry should be written:
// the natural sidecar location when it is writable, the central cache
// otherwise. The result is deterministic for a given (entry, volume) pair.
func (r *ThumbnailResolver) PlacementFor(e *domain.CatalogEntry, vol *domain.Volume) domain.ThumbnailDescriptor {
	natural := r.naturalPath(e, vol)
	if !vol.ReadOnly && volumes.IsWritable(filepath.Dir(natural)) {
		kind := domain.ThumbSidecar
		if e.Identity.Kind == domain.ArchiveMember {
			kind = domain.ThumbArchiveSidecar
		}
		return domain.ThumbnailDescriptor{Kind: kind, Path: natural}
	}
	return domain.ThumbnailDescriptor{Kind: domain.ThumbCentral, Path: r.centralPath(e)}
}

// Resolve returns the existing preview for an entry, if any. Lookup order:
// the path recorded on the entry, the natural sidecar location, the central
// cache, and finally the legacy bare-id central path.
func (r *ThumbnailResolver) Resolve(e *domain.CatalogEntry, vol *domain.Volume) (string, bool) {
	if e.Thumbnail != nil && fileExists(e.Thumbnail.Path) {
		return e.Thumbnail.Path, true
	}
	if p := r.naturalPath(e, vol); fileExists(p) {
		return p, true
	}
	if p := r.centralPath(e); fileExists(p) {
		return p, true
	}
	if p := r.legacyPath(e); fileExists(p) {
		return p, true
	}
	return "", false
}

// naturalPath is the sidecar location beside the asset, computed without
// regard to writability.
func (r *ThumbnailResolver) naturalPath(e *domain.CatalogEntry, vol *domain.Volume) string {
	containerAbs := filepath.Join(vol.MountRoot, filepath.FromSlash(e.Identity.ContainerPath))

	if e.Identity.Kind == domain.ArchiveMember {
		// Previews for members live in a metadata folder next to the
		// archive. Member paths are flattened so nested members of one
		// archive share a single folder.
		metaDir := stripExt(containerAbs) + archiveMetaSuffix
		flat := strings.ReplaceAll(e.Identity.Member, "/", "_")
		return filepath.Join(metaDir, stripExt(flat)+thumbSuffix)
	}
	return stripExt(containerAbs) + thumbSuffix
}

// centralPath is the cache location keyed by content fingerprint, partitioned
// by format family. Entries without a fingerprint fall back to their catalog id.
func (r *ThumbnailResolver) centralPath(e *domain.CatalogEntry) string {
	family := domain.FormatFamily(e.Identity.AssetName())
	if fp := e.PartialFP; len(fp) >= 2 {
		return filepath.Join(r.cacheRoot, family, fp[:2], fp+".png")
	}
	return filepath.Join(r.cacheRoot, family, fmt.Sprintf("id-%d.png", e.ID))
}

// legacyPath is the flat central layout from before family partitioning.
func (r *ThumbnailResolver) legacyPath(e *domain.CatalogEntry) string {
	return filepath.Join(r.cacheRoot, fmt.Sprintf("%d.png", e.ID))
}

func stripExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
