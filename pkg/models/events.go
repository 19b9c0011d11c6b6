package models

import (
	"strconv"
	"time"
)

type EventType string

const (
	// EventEntitySynced is emitted after an entity and its relations are saved
	EventEntitySynced EventType = "entity.synced"
	// EventPageFailed is emitted when a page job exhausts its retries
	EventPageFailed EventType = "sync.page_failed"
)

// SyncEvent is a pipeline lifecycle event for downstream consumers.
type SyncEvent struct {
	Type       EventType `json:"type"`
	Source     string    `json:"source"`
	SyncID     string    `json:"sync_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   int64     `json:"entity_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key partitions events of one entity (or one page) together.
func (e *SyncEvent) Key() string {
	if e.EntityType != "" {
		return e.Source + ":" + e.EntityType + ":" + strconv.FormatInt(e.EntityID, 10)
	}
	return e.Source + ":" + e.URL
}
