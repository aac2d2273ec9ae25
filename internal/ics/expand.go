package ics

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"gcalevents/internal/config"
	appLog "gcalevents/internal/log"
	"gcalevents/internal/model"
)

// rrulePassthrough lists the rule parts handed to rrule-go. UNTIL is
// applied as the expansion horizon instead; other keys (X-names, RSCALE,
// ...) would make rrule-go reject the whole rule.
var rrulePassthrough = []string{
	"FREQ", "INTERVAL", "COUNT", "WKST",
	"BYSECOND", "BYMINUTE", "BYHOUR", "BYDAY", "BYMONTHDAY",
	"BYYEARDAY", "BYWEEKNO", "BYMONTH", "BYSETPOS",
}

var supportedFreqs = map[string]bool{
	"DAILY":   true,
	"WEEKLY":  true,
	"MONTHLY": true,
	"YEARLY":  true,
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Now is the lower bound of the window; occurrences starting before it
	// are not emitted.
	Now time.Time

	// LookaheadMonths bounds the window to Now + N months. Clamped to [1,12].
	LookaheadMonths int

	// MaxInstances caps the occurrences of one series. Zero selects
	// config.DefaultMaxInstances.
	MaxInstances int

	// Location is the site timezone instances are converted to.
	Location *time.Location
}

func (c ExpandConfig) normalized() ExpandConfig {
	c.LookaheadMonths = config.ClampLookahead(c.LookaheadMonths)
	if c.MaxInstances <= 0 {
		c.MaxInstances = config.DefaultMaxInstances
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now.IsZero() {
		c.Now = time.Now()
	}
	return c
}

// Horizon returns Now + LookaheadMonths.
func (c ExpandConfig) Horizon() time.Time {
	c = c.normalized()
	return c.Now.AddDate(0, c.LookaheadMonths, 0)
}

// ExpandResult holds the generated occurrences of one master.
type ExpandResult struct {
	// Instances carry BaseUID and RecurrenceKey; UID is assigned by
	// Reconcile.
	Instances []model.Instance
	// Truncated reports that MaxInstances was hit.
	Truncated bool
}

// Expand generates the occurrences of master that start within
// [Now, min(Now+lookahead, UNTIL)].
//
// The rule is anchored at DTSTART in DTSTART's own zone, so the phase of
// INTERVAL > 1 rules and the wall-clock time across DST changes are kept.
// EXDATE and RECURRENCE-ID are not applied here; see Reconcile.
func Expand(master *MasterEvent, cfg ExpandConfig) ExpandResult {
	var result ExpandResult
	if master == nil || master.Start.IsZero() {
		return result
	}
	cfg = cfg.normalized()

	freq := master.Rule.Freq()
	if !supportedFreqs[freq] {
		appLog.Warn("expand: unsupported FREQ, series skipped", "uid", master.UID, "freq", freq)
		return result
	}

	horizon := cfg.Now.AddDate(0, cfg.LookaheadMonths, 0)
	if raw, ok := master.Rule.Until(); ok {
		until, err := ParseDateTimeIn(raw, "", master.Start.Location())
		if err != nil {
			appLog.Warn("expand: bad UNTIL ignored", "uid", master.UID, "until", raw)
		} else if until.Time.Before(horizon) {
			horizon = until.Time
		}
	}
	if horizon.Before(cfg.Now) {
		return result
	}

	opt, err := rrule.StrToROption(strings.ToUpper(rruleInput(master.Rule)))
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", master.UID, "rrule", master.Rule.String())
		return result
	}
	opt.Dtstart = master.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: failed to build RRULE", err, "uid", master.UID, "rrule", master.Rule.String())
		return result
	}

	loc := master.Start.Location()
	starts := r.Between(cfg.Now.In(loc), horizon.In(loc), true)

	if len(starts) > cfg.MaxInstances {
		starts = starts[:cfg.MaxInstances]
		result.Truncated = true
		appLog.Error("expand: truncated occurrences for UID due to cap",
			errors.New("max occurrences reached"),
			"uid", master.UID,
			"cap", cfg.MaxInstances,
		)
	}

	dur := master.End.Sub(master.Start)
	serialized := master.Rule.String()
	result.Instances = make([]model.Instance, 0, len(starts))
	days := int((dur + 12*time.Hour) / (24 * time.Hour))
	for _, s := range starts {
		end := s.Add(dur)
		if master.AllDay {
			// Calendar days, not 24h blocks, across DST changes.
			end = s.AddDate(0, 0, days)
		}
		result.Instances = append(result.Instances, model.Instance{
			BaseUID:       master.UID,
			RecurrenceKey: OccurrenceKey(s),
			Summary:       master.Summary,
			Location:      master.Location,
			Description:   master.Description,
			AllDay:        master.AllDay,
			Start:         s.In(cfg.Location),
			End:           end.In(cfg.Location),
			LastModified:  master.LastModified,
			RRule:         serialized,
		})
	}
	return result
}

func rruleInput(parts RuleParts) string {
	pass := make(RuleParts, len(rrulePassthrough))
	for _, k := range rrulePassthrough {
		if v, ok := parts[k]; ok {
			pass[k] = v
		}
	}
	return pass.String()
}
