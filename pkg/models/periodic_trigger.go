package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// PeriodicTrigger fires Task with Kwargs every IntervalSeconds while enabled.
type PeriodicTrigger struct {
	ID              string                         `db:"id" json:"id"`
	Name            string                         `db:"name" json:"name"`
	Task            string                         `db:"task" json:"task"`
	IntervalSeconds int64                          `db:"interval_seconds" json:"interval_seconds"`
	Kwargs          database.JSONB[map[string]any] `db:"kwargs" json:"kwargs"`
	Enabled         bool                           `db:"enabled" json:"enabled"`
	LastRunAt       *time.Time                     `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt       time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (PeriodicTrigger) TableName() string {
	return "periodic_triggers"
}

// Interval returns IntervalSeconds as a duration.
func (t *PeriodicTrigger) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// IsDue reports whether an enabled trigger should fire at now. A trigger
// that never ran is due immediately.
func (t *PeriodicTrigger) IsDue(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.LastRunAt == nil {
		return true
	}
	return !now.Before(t.LastRunAt.Add(t.Interval()))
}

// KwargString returns a string keyword argument, or "".
func (t *PeriodicTrigger) KwargString(key string) string {
	value, _ := t.Kwargs.Data[key].(string)
	return value
}
