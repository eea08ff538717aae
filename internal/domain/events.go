package domain

import (
	"time"
)

type EventType string

const (
	ScanStarted   EventType = "ScanStarted"
	ScanProgress  EventType = "ScanProgress"
	ScanCompleted EventType = "ScanCompleted"
	ScanFailed    EventType = "ScanFailed"

	VolumeRegistered  EventType = "VolumeRegistered"
	VolumeWentOffline EventType = "VolumeWentOffline"
	VolumeBackOnline  EventType = "VolumeBackOnline"

	EntryWentMissing EventType = "EntryWentMissing"
	EntryRecovered   EventType = "EntryRecovered"
	VerifyCompleted  EventType = "VerifyCompleted"

	DuplicateConfirmed EventType = "DuplicateConfirmed"
	DedupCompleted     EventType = "DedupCompleted"

	ThumbnailRendered EventType = "ThumbnailRendered"
	RenderFailed      EventType = "RenderFailed"
	RenderBatchDone   EventType = "RenderBatchDone"

	SystemHealthDegraded EventType = "SystemHealthDegraded"
	NotificationSent     EventType = "NotificationSent"
	NotificationFailed   EventType = "NotificationFailed"
)

// Event is one persisted, broadcast state transition. The event log is the
// audit trail for every catalog mutation the services perform.
type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
}

// GetString safely extracts a string field from EventData.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an int64 field from EventData.
// Handles both int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetBool safely extracts a bool field from EventData.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.EventData == nil {
		return false, false
	}
	v, ok := e.EventData[key].(bool)
	return v, ok
}

// GetBoolOr extracts a bool field or returns the default value.
func (e *Event) GetBoolOr(key string, defaultVal bool) bool {
	if v, ok := e.GetBool(key); ok {
		return v
	}
	return defaultVal
}
