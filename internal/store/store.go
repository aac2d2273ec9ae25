package store

import (
	"context"
	"errors"
	"time"

	"gcalevents/internal/model"
)

// ErrNotFound is returned by Get when no row has the requested UID.
var ErrNotFound = errors.New("event not found")

// ListOptions filters List. Zero values disable a filter.
type ListOptions struct {
	// From keeps events that end at or after From.
	From time.Time
	// Until keeps events that start before Until.
	Until time.Time
	// Search matches summary, location or description, case-insensitively.
	Search string
	Limit  int
}

// Repository is the persistence boundary of the importer and the web API.
type Repository interface {
	Get(ctx context.Context, uid string) (model.StoredEvent, error)
	Insert(ctx context.Context, in model.Instance) error
	Update(ctx context.Context, in model.Instance) error

	// SeriesUIDs returns the UIDs of every stored series member.
	SeriesUIDs(ctx context.Context) ([]string, error)
	DeleteUIDs(ctx context.Context, uids []string) (int, error)
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// List returns stored events ordered by start ascending.
	List(ctx context.Context, opts ListOptions) ([]model.StoredEvent, error)

	AppendImportLog(ctx context.Context, entry model.ImportLog) error
	// ImportLogs returns the newest entries first.
	ImportLogs(ctx context.Context, limit int) ([]model.ImportLog, error)

	Ping(ctx context.Context) error
}
