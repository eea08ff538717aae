package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/shelfarr/Shelfarr/internal/domain"
)

// EventOption is a functional option for configuring test events.
type EventOption func(*domain.Event)

// WithAggregateID sets a specific aggregate ID.
func WithAggregateID(id string) EventOption {
	return func(e *domain.Event) {
		e.AggregateID = id
	}
}

// WithCreatedAt sets the event creation time.
func WithCreatedAt(t time.Time) EventOption {
	return func(e *domain.Event) {
		e.CreatedAt = t
	}
}

// WithEventData merges additional data into EventData.
func WithEventData(data map[string]interface{}) EventOption {
	return func(e *domain.Event) {
		if e.EventData == nil {
			e.EventData = make(map[string]interface{})
		}
		for k, v := range data {
			e.EventData[k] = v
		}
	}
}

// NewScanCompletedEvent creates a ScanCompleted event for testing.
func NewScanCompletedEvent(volumeID int64, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "scan",
		AggregateID:   uuid.New().String(),
		EventType:     domain.ScanCompleted,
		EventVersion:  1,
		CreatedAt:     time.Now(),
		EventData: map[string]interface{}{
			"volume_id": volumeID,
			"new":       int64(0),
			"updated":   int64(0),
			"errors":    int64(0),
		},
	}

	for _, opt := range opts {
		opt(&event)
	}

	return event
}

// NewVolumeOfflineEvent creates a VolumeWentOffline event for testing.
func NewVolumeOfflineEvent(volumeID int64, mountRoot, reason string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "volume",
		AggregateID:   fmt.Sprintf("%d", volumeID),
		EventType:     domain.VolumeWentOffline,
		EventVersion:  1,
		CreatedAt:     time.Now(),
		EventData: map[string]interface{}{
			"volume_id":  volumeID,
			"mount_root": mountRoot,
			"reason":     reason,
		},
	}

	for _, opt := range opts {
		opt(&event)
	}

	return event
}

// WriteFile creates a file with the given content under dir, creating any
// missing parent directories.
func WriteFile(dir, rel string, content []byte) (string, error) {
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent dirs: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// MakeZip writes a zip archive at path containing the given members.
// Member names are used verbatim, so forward slashes build nested entries.
func MakeZip(path string, members map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range members {
		mw, err := w.Create(name)
		if err != nil {
			return fmt.Errorf("failed to create member %s: %w", name, err)
		}
		if _, err := mw.Write(content); err != nil {
			return fmt.Errorf("failed to write member %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// TestAssetPaths provides common asset paths for tests.
var TestAssetPaths = struct {
	Document string
	Model    string
	Archive  string
	Nested   string
}{
	Document: "docs/Handbook (2024).pdf",
	Model:    "models/bracket-v2.stl",
	Archive:  "bundles/printables-pack.zip",
	Nested:   "library/sets/calibration/cube.3mf",
}
