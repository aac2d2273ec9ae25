package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gcalevents/internal/ics"
	appLog "gcalevents/internal/log"
	"gcalevents/internal/model"
	"gcalevents/internal/store"
)

var (
	// ErrImportRunning is returned when a run is requested while another is
	// still in progress.
	ErrImportRunning = errors.New("import already running")

	// ErrNoEventsFound means the document parsed but produced no instance.
	// The store is left untouched.
	ErrNoEventsFound = errors.New("no events found in calendar")

	// ErrNoSource means no calendar URL is configured.
	ErrNoSource = errors.New("no calendar URL configured")
)

// FetchError wraps a failure to obtain the calendar body.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch calendar: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher is satisfied by *ics.Fetcher.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Options configure an Importer.
type Options struct {
	Source          ics.Source
	Location        *time.Location
	LookaheadMonths int
	MaxInstances    int
	RetentionDays   int

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Imported counts inserted plus updated rows.
	Imported  int `json:"imported"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`

	Instances       int      `json:"instances"`
	TruncatedSeries []string `json:"truncated_series,omitempty"`
	FromCache       bool     `json:"from_cache"`
}

// Importer runs the fetch → parse → expand → reconcile → store pipeline.
// Runs are serialized; an overlapping trigger gets ErrImportRunning.
type Importer struct {
	repo    store.Repository
	fetcher Fetcher
	opts    Options

	mu sync.Mutex
}

func New(repo store.Repository, fetcher Fetcher, opts Options) *Importer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	return &Importer{repo: repo, fetcher: fetcher, opts: opts}
}

// Run fetches the configured source and imports it.
func (im *Importer) Run(ctx context.Context) (Summary, error) {
	if !im.mu.TryLock() {
		return Summary{}, ErrImportRunning
	}
	defer im.mu.Unlock()

	return im.run(ctx, func(s *Summary) ([]byte, error) {
		if im.opts.Source.URL == "" {
			return nil, ErrNoSource
		}
		if im.fetcher == nil {
			return nil, &FetchError{Err: errors.New("no fetcher configured")}
		}
		res, err := im.fetcher.FetchOne(ctx, im.opts.Source)
		if err != nil {
			return nil, &FetchError{Err: err}
		}
		s.FromCache = res.FromCache
		return res.Body, nil
	})
}

// Import imports an already loaded ICS body.
func (im *Importer) Import(ctx context.Context, body []byte) (Summary, error) {
	if !im.mu.TryLock() {
		return Summary{}, ErrImportRunning
	}
	defer im.mu.Unlock()

	return im.run(ctx, func(*Summary) ([]byte, error) { return body, nil })
}

func (im *Importer) run(ctx context.Context, load func(*Summary) ([]byte, error)) (Summary, error) {
	now := im.opts.Now()
	sum := Summary{RunID: uuid.NewString(), StartedAt: now}
	clockStart := time.Now()

	err := im.pipeline(ctx, now, &sum, load)

	runDuration.Observe(time.Since(clockStart).Seconds())
	sum.FinishedAt = im.opts.Now()

	entry := model.ImportLog{
		RunID:      sum.RunID,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Success:    err == nil,
		Imported:   sum.Imported,
		Deleted:    sum.Deleted,
	}
	if err != nil {
		runsTotal.WithLabelValues("failure").Inc()
		entry.Message = err.Error()
		appLog.Error("import failed", err, "run_id", sum.RunID)
	} else {
		runsTotal.WithLabelValues("success").Inc()
		entry.Message = fmt.Sprintf("imported %d, deleted %d, unchanged %d", sum.Imported, sum.Deleted, sum.Unchanged)
		appLog.Info("import finished",
			"run_id", sum.RunID,
			"instances", sum.Instances,
			"imported", sum.Imported,
			"deleted", sum.Deleted,
			"unchanged", sum.Unchanged,
			"failed", sum.Failed,
		)
	}
	if logErr := im.repo.AppendImportLog(ctx, entry); logErr != nil {
		appLog.Error("import log write failed", logErr, "run_id", sum.RunID)
	}
	return sum, err
}

func (im *Importer) pipeline(ctx context.Context, now time.Time, sum *Summary, load func(*Summary) ([]byte, error)) error {
	body, err := load(sum)
	if err != nil {
		return err
	}

	doc, err := ics.Parse(body, ics.ParseOptions{Location: im.opts.Location, Now: now})
	if err != nil {
		return err
	}

	flat := ics.Flatten(doc, ics.ExpandConfig{
		Now:             now,
		LookaheadMonths: im.opts.LookaheadMonths,
		MaxInstances:    im.opts.MaxInstances,
		Location:        im.opts.Location,
	})
	sum.Instances = len(flat.Instances)
	sum.TruncatedSeries = flat.Stats.TruncatedSeries
	truncatedSeriesTotal.Add(float64(len(flat.Stats.TruncatedSeries)))
	if len(flat.Instances) == 0 {
		return ErrNoEventsFound
	}

	cutoff := now.AddDate(0, 0, -im.opts.RetentionDays)
	res, err := store.Apply(ctx, im.repo, store.Batch{
		Instances:  flat.Instances,
		SeriesUIDs: flat.SeriesUIDs,
	}, cutoff)
	sum.Imported = res.Imported()
	sum.Deleted = res.Deleted
	sum.Unchanged = res.Unchanged
	sum.Failed = res.Failed

	rowsTotal.WithLabelValues("inserted").Add(float64(res.Inserted))
	rowsTotal.WithLabelValues("updated").Add(float64(res.Updated))
	rowsTotal.WithLabelValues("deleted").Add(float64(res.Deleted))
	rowsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	return err
}
