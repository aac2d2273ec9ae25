package ics

import (
	"sort"

	appLog "gcalevents/internal/log"
	"gcalevents/internal/model"
)

// UIDSeparator joins a series UID and an occurrence key.
const UIDSeparator = "|"

// CompositeUID returns the storage identity of one occurrence of a series.
func CompositeUID(baseUID, key string) string {
	return baseUID + UIDSeparator + key
}

// Reconcile merges generated occurrences with EXDATE exclusions and
// RECURRENCE-ID exceptions of one series.
//
//   - generated slots whose key is in exdates are dropped
//   - a cancelled exception removes its slot
//   - any other exception replaces its slot, or adds one when the rule did
//     not generate it (moved into the window)
//
// Every returned instance has its composite UID set. Order is by start.
func Reconcile(master *MasterEvent, generated []model.Instance, exceptions map[string]*ExceptionEvent, exdates map[string]struct{}) []model.Instance {
	slots := make(map[string]model.Instance, len(generated))
	for _, in := range generated {
		if _, excluded := exdates[in.RecurrenceKey]; excluded {
			continue
		}
		slots[in.RecurrenceKey] = in
	}

	for key, ex := range exceptions {
		if ex.Cancelled() {
			delete(slots, key)
			continue
		}
		in := slots[key]
		in.BaseUID = master.UID
		in.RecurrenceKey = key
		in.Summary = ex.Summary
		in.Location = ex.Location
		in.Description = ex.Description
		in.Start = ex.Start
		in.End = ex.End
		in.AllDay = ex.AllDay
		in.LastModified = ex.LastModified
		if in.RRule == "" {
			in.RRule = master.Rule.String()
		}
		slots[key] = in
	}

	out := make([]model.Instance, 0, len(slots))
	for key, in := range slots {
		in.UID = CompositeUID(master.UID, key)
		out = append(out, in)
	}
	sortInstances(out)
	return out
}

// FlattenStats summarizes a Flatten pass.
type FlattenStats struct {
	Series            int
	Singles           int
	Instances         int
	TruncatedSeries   []string
	OrphanExceptions  int
	ExceptionsApplied int
}

// FlattenResult is the reconciled instance list of a whole document.
type FlattenResult struct {
	Instances []model.Instance
	// SeriesUIDs is the set of master UIDs present in the document.
	SeriesUIDs map[string]struct{}
	Stats      FlattenStats
}

// Flatten expands and reconciles every master of doc and appends the single
// events. Exceptions whose master is absent are dropped.
func Flatten(doc *Document, cfg ExpandConfig) FlattenResult {
	cfg = cfg.normalized()
	res := FlattenResult{SeriesUIDs: make(map[string]struct{}, len(doc.Masters))}

	for uid, master := range doc.Masters {
		res.SeriesUIDs[uid] = struct{}{}
		exp := Expand(master, cfg)
		if exp.Truncated {
			res.Stats.TruncatedSeries = append(res.Stats.TruncatedSeries, uid)
		}
		exceptions := doc.Exceptions[uid]
		res.Stats.ExceptionsApplied += len(exceptions)
		for _, in := range Reconcile(master, exp.Instances, exceptions, master.ExDates) {
			// Exceptions may move an occurrence before now; those are
			// treated like past singles.
			if !in.End.After(cfg.Now) {
				continue
			}
			in.Start = in.Start.In(cfg.Location)
			in.End = in.End.In(cfg.Location)
			res.Instances = append(res.Instances, in)
		}
		res.Stats.Series++
	}

	for uid, slots := range doc.Exceptions {
		if _, ok := doc.Masters[uid]; ok {
			continue
		}
		res.Stats.OrphanExceptions += len(slots)
		appLog.Warn("reconcile: exceptions without master dropped", "uid", uid, "count", len(slots))
	}

	for _, s := range doc.Singles {
		res.Instances = append(res.Instances, model.Instance{
			UID:          s.UID,
			Summary:      s.Summary,
			Location:     s.Location,
			Description:  s.Description,
			Start:        s.Start.In(cfg.Location),
			End:          s.End.In(cfg.Location),
			AllDay:       s.AllDay,
			LastModified: s.LastModified,
		})
		res.Stats.Singles++
	}

	sortInstances(res.Instances)
	sort.Strings(res.Stats.TruncatedSeries)
	res.Stats.Instances = len(res.Instances)
	return res
}

func sortInstances(in []model.Instance) {
	sort.SliceStable(in, func(i, j int) bool {
		if !in[i].Start.Equal(in[j].Start) {
			return in[i].Start.Before(in[j].Start)
		}
		return in[i].UID < in[j].UID
	})
}
