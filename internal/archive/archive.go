// Package archive reads asset containers. Only ZIP is supported; members are
// catalogued individually so a bundle of models dedups against loose files.
package archive

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Member describes one file inside an archive.
type Member struct {
	Name string
	Size int64
}

// IsArchive reports whether the path names a supported container format.
func IsArchive(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// Reader provides access to the members of an open archive.
type Reader struct {
	rc *zip.ReadCloser
}

// Open opens an archive for member access. The caller must Close it.
func Open(path string) (*Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	return &Reader{rc: rc}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.rc.Close()
}

// Members lists the archive's file members in archive order. Directory
// entries are skipped; they carry no content to catalog.
func (r *Reader) Members() []Member {
	members := make([]Member, 0, len(r.rc.File))
	for _, f := range r.rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		members = append(members, Member{
			Name: f.Name,
			Size: int64(f.UncompressedSize64),
		})
	}
	return members
}

// OpenMember returns a reader over one member's decompressed content along
// with its uncompressed size.
func (r *Reader) OpenMember(name string) (io.ReadCloser, int64, error) {
	for _, f := range r.rc.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, 0, fmt.Errorf("failed to open member %s: %w", name, err)
			}
			return rc, int64(f.UncompressedSize64), nil
		}
	}
	return nil, 0, fmt.Errorf("archive has no member %s", name)
}

// ReadMember reads one member's decompressed content into memory.
func (r *Reader) ReadMember(name string) ([]byte, error) {
	rc, size, err := r.OpenMember(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, size+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read member %s: %w", name, err)
	}
	if int64(len(data)) > size {
		return nil, fmt.Errorf("member %s larger than its declared size", name)
	}
	return data, nil
}

// List opens an archive just long enough to list its members.
func List(path string) ([]Member, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Members(), nil
}

// ReadMember opens an archive just long enough to read one member.
func ReadMember(path, name string) ([]byte, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadMember(name)
}
