package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "gcalevents/internal/log"
	"gcalevents/internal/model"
)

// Batch is the full reconciled content of one feed.
type Batch struct {
	Instances []model.Instance
	// SeriesUIDs holds the master UIDs present in the feed.
	SeriesUIDs map[string]struct{}
}

// Result counts what Apply did.
type Result struct {
	Inserted  int
	Updated   int
	Unchanged int
	Deleted   int
	Failed    int
}

// Imported is the number of rows written.
func (r Result) Imported() int { return r.Inserted + r.Updated }

// Apply makes the store reflect batch:
//
//   - new UIDs are inserted
//   - existing rows are updated only when their last_modified is strictly
//     older than the instance's
//   - stored series members whose UID is not in the batch are deleted,
//     which covers excluded or cancelled occurrences as well as series
//     that vanished from the feed
//   - rows that ended before cutoff are deleted
//
// Single write failures are logged and counted in Failed; only a failure
// to read the store aborts.
func Apply(ctx context.Context, repo Repository, batch Batch, cutoff time.Time) (Result, error) {
	var res Result
	present := make(map[string]struct{}, len(batch.Instances))

	for _, in := range batch.Instances {
		present[in.UID] = struct{}{}

		stored, err := repo.Get(ctx, in.UID)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := repo.Insert(ctx, in); err != nil {
				res.Failed++
				appLog.Error("store: insert failed", err, "uid", in.UID)
				continue
			}
			res.Inserted++
		case err != nil:
			return res, fmt.Errorf("get %s: %w", in.UID, err)
		case stored.LastModified.Before(in.LastModified):
			if err := repo.Update(ctx, in); err != nil {
				res.Failed++
				appLog.Error("store: update failed", err, "uid", in.UID)
				continue
			}
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	series, err := repo.SeriesUIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list series rows: %w", err)
	}
	stale := make([]string, 0)
	vanished := make(map[string]struct{})
	for _, uid := range series {
		if _, ok := present[uid]; ok {
			continue
		}
		stale = append(stale, uid)
		if base := baseOf(uid); base != "" {
			if _, ok := batch.SeriesUIDs[base]; !ok {
				vanished[base] = struct{}{}
			}
		}
	}
	if len(stale) > 0 {
		n, err := repo.DeleteUIDs(ctx, stale)
		if err != nil {
			res.Failed += len(stale)
			appLog.Error("store: deleting stale series rows failed", err, "count", len(stale))
		} else {
			res.Deleted += n
			appLog.Debug("store: stale series rows deleted", "count", n, "vanished_series", len(vanished))
		}
	}

	if !cutoff.IsZero() {
		n, err := repo.DeleteEndedBefore(ctx, cutoff)
		if err != nil {
			res.Failed++
			appLog.Error("store: retention cleanup failed", err, "cutoff", cutoff.Format(time.RFC3339))
		} else {
			res.Deleted += n
		}
	}

	appLog.Info("store: batch applied",
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"deleted", res.Deleted,
		"failed", res.Failed,
	)
	return res, nil
}

// baseOf returns the series UID of a composite UID. Occurrence keys never
// contain the separator, so the last one splits.
func baseOf(uid string) string {
	i := strings.LastIndex(uid, "|")
	if i <= 0 {
		return ""
	}
	return uid[:i]
}
