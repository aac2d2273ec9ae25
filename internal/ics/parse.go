package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "gcalevents/internal/log"
)

// ErrEmptyDocument is returned for a body that is empty or whitespace only.
var ErrEmptyDocument = errors.New("empty ICS document")

const statusCancelled = "CANCELLED"

// Property is one content line value with its parameters. Parameter names
// are uppercased.
type Property struct {
	Value  string
	Params map[string]string
}

// Param returns a parameter value (case-insensitive name).
func (p Property) Param(name string) string {
	return p.Params[strings.ToUpper(name)]
}

// Properties maps an uppercased property name to every occurrence of it
// inside one VEVENT block.
type Properties map[string][]Property

func (p Properties) add(name string, prop Property) {
	p[name] = append(p[name], prop)
}

// First returns the first occurrence of name.
func (p Properties) First(name string) (Property, bool) {
	vs := p[strings.ToUpper(name)]
	if len(vs) == 0 {
		return Property{}, false
	}
	return vs[0], true
}

// Text returns the value of the first occurrence of name with <br> tags
// turned into newlines. Escapes were already decoded by contentLine.
func (p Properties) Text(name string) string {
	prop, ok := p.First(name)
	if !ok {
		return ""
	}
	return textBreaks.Replace(prop.Value)
}

// Event holds the fields shared by every VEVENT kind.
type Event struct {
	UID         string
	Summary     string
	Location    string
	Description string

	Start  time.Time
	End    time.Time
	AllDay bool

	// LastModified is LAST-MODIFIED, or DTSTAMP when the former is absent.
	LastModified time.Time
	Status       string
}

// Cancelled reports STATUS:CANCELLED.
func (e Event) Cancelled() bool {
	return strings.EqualFold(e.Status, statusCancelled)
}

// MasterEvent is a VEVENT carrying an RRULE and no RECURRENCE-ID.
type MasterEvent struct {
	Event
	Rule RuleParts
	// ExDates holds occurrence keys excluded by EXDATE.
	ExDates map[string]struct{}
}

// ExceptionEvent overrides (or cancels) one occurrence of a series.
type ExceptionEvent struct {
	Event
	RecurrenceKey string
}

// SingleEvent is a VEVENT with neither RRULE nor RECURRENCE-ID.
type SingleEvent struct {
	Event
}

// ParseStats counts what happened to the VEVENT blocks of a document.
type ParseStats struct {
	Blocks        int
	Masters       int
	Exceptions    int
	Singles       int
	MissingUID    int
	MalformedDate int
	PastSingles   int
	Cancelled     int
	Unterminated  int
}

// Document is the classified content of one ICS body.
type Document struct {
	Masters    map[string]*MasterEvent
	Exceptions map[string]map[string]*ExceptionEvent
	Singles    []*SingleEvent
	Stats      ParseStats
}

// ParseOptions controls normalization during Parse.
type ParseOptions struct {
	// Location is the site timezone. Nil means UTC.
	Location *time.Location
	// Now decides which single events are already over. Zero means time.Now.
	Now time.Time
}

// Parse tokenizes an ICS body and classifies its VEVENT blocks into
// masters, exceptions and singles.
//
// Parsing is lenient: a block with a missing UID or an unusable DTSTART is
// dropped and logged, the rest of the document still parses. Components
// other than VEVENT (VCALENDAR properties, VTIMEZONE, VALARM, ...) are
// ignored; zone information comes from the TZID parameter alone.
func Parse(body []byte, opts ParseOptions) (*Document, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyDocument
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	doc := &Document{
		Masters:    make(map[string]*MasterEvent),
		Exceptions: make(map[string]map[string]*ExceptionEvent),
	}

	var (
		cur   Properties
		depth int
	)

	stream := ical.NewCalendarStream(bytes.NewReader(body))
	for {
		cl, err := stream.ReadLine()
		if cl != nil {
			name, prop, ok := contentLine(*cl)
			switch {
			case !ok:
				// Not a content line; nothing to recover.
			case name == "BEGIN":
				switch {
				case cur == nil && strings.EqualFold(prop.Value, "VEVENT"):
					cur = Properties{}
					depth = 0
				case cur != nil:
					depth++
				}
			case name == "END":
				switch {
				case cur != nil && depth > 0:
					depth--
				case cur != nil && strings.EqualFold(prop.Value, "VEVENT"):
					doc.Stats.Blocks++
					doc.classify(cur, opts)
					cur = nil
				}
			case cur != nil && depth == 0:
				cur.add(name, prop)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read ics: %w", err)
		}
	}
	if cur != nil {
		doc.Stats.Unterminated++
		appLog.Warn("ics: unterminated VEVENT dropped")
	}

	s := doc.Stats
	appLog.Info("ics parse completed",
		"blocks", s.Blocks,
		"masters", s.Masters,
		"exceptions", s.Exceptions,
		"singles", s.Singles,
		"missing_uid", s.MissingUID,
		"malformed_date", s.MalformedDate,
		"past_singles", s.PastSingles,
		"cancelled", s.Cancelled,
	)
	return doc, nil
}

func (d *Document) classify(props Properties, opts ParseOptions) {
	uid := strings.TrimSpace(props.Text("UID"))
	if uid == "" {
		d.Stats.MissingUID++
		appLog.Warn("ics: VEVENT without UID dropped", "summary", props.Text("SUMMARY"))
		return
	}

	ev, ok := d.baseEvent(uid, props, opts.Location)
	if !ok {
		return
	}

	if ridProp, isException := props.First("RECURRENCE-ID"); isException {
		rid, err := ParseDateTimeIn(ridProp.Value, ridProp.Param("TZID"), opts.Location)
		if err != nil {
			d.Stats.MalformedDate++
			appLog.Error("ics: bad RECURRENCE-ID, exception dropped", err, "uid", uid)
			return
		}
		ex := &ExceptionEvent{Event: ev, RecurrenceKey: OccurrenceKey(rid.Time)}
		slots := d.Exceptions[uid]
		if slots == nil {
			slots = make(map[string]*ExceptionEvent)
			d.Exceptions[uid] = slots
		}
		if prev, dup := slots[ex.RecurrenceKey]; !dup || !ex.LastModified.Before(prev.LastModified) {
			if !dup {
				d.Stats.Exceptions++
			}
			slots[ex.RecurrenceKey] = ex
		}
		return
	}

	if ev.Cancelled() {
		d.Stats.Cancelled++
		appLog.Debug("ics: cancelled event dropped", "uid", uid)
		return
	}

	if ruleProp, isMaster := props.First("RRULE"); isMaster {
		m := &MasterEvent{
			Event:   ev,
			Rule:    ParseRule(ruleProp.Value),
			ExDates: d.exdateKeys(uid, props, opts.Location),
		}
		if prev, dup := d.Masters[uid]; !dup || !m.LastModified.Before(prev.LastModified) {
			if !dup {
				d.Stats.Masters++
			}
			d.Masters[uid] = m
		}
		return
	}

	if !ev.End.After(opts.Now) {
		d.Stats.PastSingles++
		return
	}
	d.Stats.Singles++
	d.Singles = append(d.Singles, &SingleEvent{Event: ev})
}

func (d *Document) baseEvent(uid string, props Properties, loc *time.Location) (Event, bool) {
	ev := Event{
		UID:         uid,
		Summary:     props.Text("SUMMARY"),
		Location:    props.Text("LOCATION"),
		Description: props.Text("DESCRIPTION"),
		Status:      strings.ToUpper(strings.TrimSpace(props.Text("STATUS"))),
	}

	startProp, _ := props.First("DTSTART")
	start, err := ParseDateTimeIn(startProp.Value, startProp.Param("TZID"), loc)
	if err != nil {
		d.Stats.MalformedDate++
		appLog.Error("ics: bad DTSTART, event dropped", err, "uid", uid, "raw", startProp.Value)
		return Event{}, false
	}
	ev.Start = start.Time
	ev.AllDay = start.DateOnly || strings.EqualFold(startProp.Param("VALUE"), "DATE")

	if endProp, ok := props.First("DTEND"); ok {
		end, err := ParseDateTimeIn(endProp.Value, endProp.Param("TZID"), loc)
		if err != nil {
			appLog.Warn("ics: bad DTEND ignored", "uid", uid, "raw", endProp.Value)
		} else {
			ev.End = end.Time
		}
	}
	if ev.End.IsZero() {
		if ev.AllDay {
			ev.End = ev.Start.AddDate(0, 0, 1)
		} else {
			ev.End = ev.Start
		}
	}
	if ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}

	ev.LastModified = stampOf(props, "LAST-MODIFIED", loc)
	if ev.LastModified.IsZero() {
		ev.LastModified = stampOf(props, "DTSTAMP", loc)
	}
	return ev, true
}

func stampOf(props Properties, name string, loc *time.Location) time.Time {
	prop, ok := props.First(name)
	if !ok {
		return time.Time{}
	}
	dt, err := ParseDateTimeIn(prop.Value, prop.Param("TZID"), loc)
	if err != nil {
		return time.Time{}
	}
	return dt.Time
}

func (d *Document) exdateKeys(uid string, props Properties, loc *time.Location) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, prop := range props["EXDATE"] {
		for _, tok := range strings.Split(prop.Value, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			dt, err := ParseDateTimeIn(tok, prop.Param("TZID"), loc)
			if err != nil {
				appLog.Warn("ics: bad EXDATE token ignored", "uid", uid, "raw", tok)
				continue
			}
			keys[OccurrenceKey(dt.Time)] = struct{}{}
		}
	}
	return keys
}

// contentLine decodes one unfolded line with golang-ical. The name and
// parameter names are uppercased and only the first value of a
// multi-valued parameter is kept. TEXT values come back unescaped.
func contentLine(line ical.ContentLine) (string, Property, bool) {
	bp, err := ical.ParseProperty(line)
	if err != nil {
		appLog.Debug("ics: unparsable content line skipped", "err", err.Error())
		return "", Property{}, false
	}
	if bp == nil || bp.IANAToken == "" {
		return "", Property{}, false
	}

	prop := Property{Value: bp.Value}
	for k, vs := range bp.ICalParameters {
		if len(vs) == 0 {
			continue
		}
		if prop.Params == nil {
			prop.Params = make(map[string]string, len(bp.ICalParameters))
		}
		prop.Params[strings.ToUpper(k)] = vs[0]
	}
	return strings.ToUpper(bp.IANAToken), prop, true
}

// textBreaks turns the <br> tags some calendar UIs put into descriptions
// into newlines.
var textBreaks = strings.NewReplacer(
	"<br>", "\n",
	"<br/>", "\n",
	"<br />", "\n",
	"<BR>", "\n",
	"<BR/>", "\n",
	"<BR />", "\n",
)
