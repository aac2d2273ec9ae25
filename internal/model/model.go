package model

import "time"

// Instance is a single concrete calendar entry ready to be stored: either a
// non-recurring event or one occurrence of a recurring series after
// exclusions and overrides were applied.
type Instance struct {
	// UID is the storage identity. For series members it is the composite
	// BaseUID + "|" + RecurrenceKey, for single events the raw iCalendar UID.
	UID string `json:"uid"`

	// BaseUID is the iCalendar UID of the series master. Empty for singles.
	BaseUID string `json:"base_uid,omitempty"`

	// RecurrenceKey is the UTC occurrence key (YYYYMMDDTHHMMSSZ) of the slot
	// this instance fills. Empty for singles.
	RecurrenceKey string `json:"recurrence_key,omitempty"`

	Summary     string `json:"summary"`
	Location    string `json:"location"`
	Description string `json:"description"`

	AllDay bool `json:"all_day"`

	// Start / End are in the configured site timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// LastModified drives the "update only when strictly newer" rule.
	LastModified time.Time `json:"last_modified"`

	// RRule is the serialized rule of the owning series, empty for singles.
	RRule string `json:"rrule,omitempty"`
}

// IsSeries reports whether the instance belongs to a recurring series.
func (i Instance) IsSeries() bool { return i.BaseUID != "" }

// StoredEvent is an Instance as persisted by the store.
type StoredEvent struct {
	ID int64 `json:"id"`
	Instance
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImportLog records the outcome of one import run.
type ImportLog struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Imported   int       `json:"imported"`
	Deleted    int       `json:"deleted"`
}
