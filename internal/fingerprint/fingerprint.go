// Package fingerprint computes content fingerprints for catalog assets.
//
// Two strengths exist. The partial fingerprint hashes the first and last
// 64 KiB of the content plus its byte length and is cheap enough to compute
// for every asset on every scan. The full fingerprint hashes the entire
// stream and is reserved for confirming suspected duplicates. Both are
// rendered as 16-character lowercase hex.
package fingerprint

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ChunkSize is the number of bytes hashed from each end of the content for
// the partial fingerprint.
const ChunkSize = 64 << 10

// Partial computes the partial fingerprint of a seekable stream of known size.
// Content no larger than two chunks is hashed in full; larger content
// contributes only its first and last chunk. The byte length is always mixed
// in so same-prefix files of different sizes never collide.
func Partial(r io.ReadSeeker, size int64) (string, error) {
	h := xxhash.New()

	if size <= 2*ChunkSize {
		if _, err := io.Copy(h, io.LimitReader(r, size)); err != nil {
			return "", fmt.Errorf("failed to read content: %w", err)
		}
	} else {
		if _, err := io.CopyN(h, r, ChunkSize); err != nil {
			return "", fmt.Errorf("failed to read head chunk: %w", err)
		}
		if _, err := r.Seek(size-ChunkSize, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to seek to tail chunk: %w", err)
		}
		if _, err := io.CopyN(h, r, ChunkSize); err != nil {
			return "", fmt.Errorf("failed to read tail chunk: %w", err)
		}
	}

	h.WriteString(strconv.FormatInt(size, 10))
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// PartialBytes computes the partial fingerprint of an in-memory buffer.
// It is identical to Partial over the same bytes; callers with archive
// member content already in memory use this to avoid a temp file.
func PartialBytes(b []byte) string {
	// bytes.Reader cannot fail, so the error path is unreachable
	fp, _ := Partial(bytes.NewReader(b), int64(len(b)))
	return fp
}

// Full computes the full fingerprint over the entire stream.
func Full(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// PartialFile computes the partial fingerprint of a file on disk.
func PartialFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return Partial(f, info.Size())
}

// FullFile computes the full fingerprint of a file on disk.
func FullFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return Full(f)
}
