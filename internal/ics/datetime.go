package ics

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "gcalevents/internal/log"
)

// OccurrenceKeyLayout is the canonical UTC form used to identify a slot of
// a recurring series, e.g. 20250106T180000Z.
const OccurrenceKeyLayout = "20060102T150405Z"

const (
	layoutDateTime      = "20060102T150405"
	layoutDateTimeNoSec = "20060102T1504"
	layoutDate          = "20060102"
)

var ErrMalformedDate = errors.New("malformed date token")

// DateTime is a normalized DTSTART/DTEND/EXDATE/RECURRENCE-ID value.
// On parse failure Time is zero and Raw keeps the original literal.
type DateTime struct {
	Time     time.Time
	Raw      string
	DateOnly bool
}

// IsZero reports whether the value could not be normalized.
func (d DateTime) IsZero() bool { return d.Time.IsZero() }

// ParseDateTime normalizes a raw ICS date token. The token may carry an
// inline "TZID=<zone>:" prefix as produced by unstructured exports.
func ParseDateTime(raw string, loc *time.Location) (DateTime, error) {
	v := strings.TrimSpace(raw)
	tzid := ""
	if rest, ok := cutPrefixFold(v, "TZID="); ok {
		zone, value, found := strings.Cut(rest, ":")
		if !found {
			return DateTime{Raw: raw}, fmt.Errorf("%w: %q", ErrMalformedDate, raw)
		}
		tzid, v = zone, value
	}
	dt, err := ParseDateTimeIn(v, tzid, loc)
	dt.Raw = raw
	return dt, err
}

// ParseDateTimeIn is ParseDateTime with the TZID supplied separately, as
// taken from a property parameter.
//
//   - trailing Z: parsed as UTC, converted to loc
//   - TZID: wall clock in that zone; unknown zones fall back to loc
//   - no zone: wall clock in loc
//   - 8-digit date: midnight in loc, DateOnly set
func ParseDateTimeIn(value, tzid string, loc *time.Location) (DateTime, error) {
	if loc == nil {
		loc = time.UTC
	}
	v := strings.TrimSpace(value)
	out := DateTime{Raw: value}
	if v == "" {
		return out, fmt.Errorf("%w: empty value", ErrMalformedDate)
	}

	if len(v) == len(layoutDate) && !strings.ContainsAny(v, "TZ") {
		t, err := time.ParseInLocation(layoutDate, v, loc)
		if err != nil {
			return out, fmt.Errorf("%w: %q", ErrMalformedDate, value)
		}
		out.Time = t
		out.DateOnly = true
		return out, nil
	}

	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		t, err := parseWallClock(v[:len(v)-1], time.UTC)
		if err != nil {
			return out, fmt.Errorf("%w: %q", ErrMalformedDate, value)
		}
		out.Time = t.In(loc)
		return out, nil
	}

	zone := loc
	if tzid = strings.Trim(strings.TrimSpace(tzid), `"`); tzid != "" {
		if z, err := loadLocation(tzid); err == nil {
			zone = z
		} else {
			appLog.Warn("unknown TZID, using site timezone", "tzid", tzid, "timezone", loc.String())
		}
	}

	t, err := parseWallClock(v, zone)
	if err != nil {
		return out, fmt.Errorf("%w: %q", ErrMalformedDate, value)
	}
	out.Time = t
	return out, nil
}

func parseWallClock(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(layoutDateTime, v, loc); err == nil {
		return t, nil
	}
	return time.ParseInLocation(layoutDateTimeNoSec, v, loc)
}

// OccurrenceKey renders t as a canonical UTC key. Two instants that are
// equal in UTC produce identical keys regardless of their zone.
func OccurrenceKey(t time.Time) string {
	return t.UTC().Format(OccurrenceKeyLayout)
}

// ResolveLocation loads an IANA zone name. Empty or unknown names yield UTC.
func ResolveLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := loadLocation(name)
	if err != nil {
		appLog.Error("invalid timezone, falling back to UTC", err, "timezone", name)
		return time.UTC
	}
	return loc
}

var (
	zoneMu    sync.Mutex
	zoneCache = map[string]*time.Location{}
)

// loadLocation memoizes time.LoadLocation; every DTSTART of a feed tends to
// name the same handful of zones.
func loadLocation(name string) (*time.Location, error) {
	zoneMu.Lock()
	defer zoneMu.Unlock()
	if loc, ok := zoneCache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	zoneCache[name] = loc
	return loc, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
