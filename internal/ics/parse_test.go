package ics

import (
	"errors"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// calendar joins lines with CRLF and wraps them in a VCALENDAR.
func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func parseUTC(t *testing.T, body []byte) *Document {
	t.Helper()
	doc, err := Parse(body, ParseOptions{Location: time.UTC, Now: testNow})
	require.NoError(t, err)
	return doc
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "   \r\n\t", "\xef\xbb\xbf\n"} {
		_, err := Parse([]byte(body), ParseOptions{})
		assert.True(t, errors.Is(err, ErrEmptyDocument), "%q", body)
	}
}

func TestParseClassifiesBlocks(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VTIMEZONE",
		"TZID:Europe/Berlin",
		"END:VTIMEZONE",
		"BEGIN:VEVENT",
		"UID:evt1",
		"SUMMARY:Weekly sync",
		"DTSTART:20250106T180000Z",
		"DTEND:20250106T190000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO",
		"EXDATE:20250113T180000Z,20250120T180000Z",
		"EXDATE:20250203T180000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:evt1",
		"RECURRENCE-ID:20250127T180000Z",
		"SUMMARY:Moved sync",
		"DTSTART:20250128T180000Z",
		"DTEND:20250128T190000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:single",
		"SUMMARY:Dentist",
		"DTSTART:20250110T090000Z",
		"DTEND:20250110T100000Z",
		"BEGIN:VALARM",
		"TRIGGER:-PT15M",
		"DESCRIPTION:alarm text",
		"END:VALARM",
		"END:VEVENT",
	))

	require.Len(t, doc.Masters, 1)
	m := doc.Masters["evt1"]
	require.NotNil(t, m)
	assert.Equal(t, "Weekly sync", m.Summary)
	assert.Equal(t, "WEEKLY", m.Rule.Freq())
	assert.Equal(t, time.Hour, m.End.Sub(m.Start))
	assert.Len(t, m.ExDates, 3)
	assert.Contains(t, m.ExDates, "20250113T180000Z")
	assert.Contains(t, m.ExDates, "20250203T180000Z")

	require.Contains(t, doc.Exceptions, "evt1")
	ex := doc.Exceptions["evt1"]["20250127T180000Z"]
	require.NotNil(t, ex)
	assert.Equal(t, "Moved sync", ex.Summary)

	require.Len(t, doc.Singles, 1)
	assert.Equal(t, "Dentist", doc.Singles[0].Summary)
	assert.Empty(t, doc.Singles[0].Description, "VALARM properties must not leak into the event")
	assert.Equal(t, 3, doc.Stats.Blocks)
}

func TestParseTextValues(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"UID:fold",
		`SUMMARY:Team\, planning\; Q1`,
		`DESCRIPTION:line one\nline two<br>line three \\n literal`,
		"LOCATION:Room ",
		" 42",
		"DTSTART:20250110T090000Z",
		"DTEND:20250110T100000Z",
		"END:VEVENT",
	))

	require.Len(t, doc.Singles, 1)
	ev := doc.Singles[0]
	assert.Equal(t, "Team, planning; Q1", ev.Summary)
	assert.Equal(t, "line one\nline two\nline three \\n literal", ev.Description)
	assert.Equal(t, "Room 42", ev.Location)
}

func TestParseCaseInsensitiveNamesAndQuotedParams(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"begin:vevent",
		"uid:lower",
		`dtstart;tzid="America/New_York":20250110T130000`,
		`dtend;TZID="America/New_York":20250110T140000`,
		`summary;ALTREP="cid:part1.0001@example.org":Quoted colon`,
		"end:vevent",
	))

	require.Len(t, doc.Singles, 1)
	ev := doc.Singles[0]
	assert.Equal(t, "Quoted colon", ev.Summary)
	assert.Equal(t, "20250110T180000Z", OccurrenceKey(ev.Start))
}

func TestParseDropsBadBlocksOnly(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"SUMMARY:No uid",
		"DTSTART:20250110T090000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:bad-date",
		"DTSTART:not-a-date",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:good",
		"DTSTART:20250110T090000Z",
		"DTEND:20250110T100000Z",
		"END:VEVENT",
	))

	require.Len(t, doc.Singles, 1)
	assert.Equal(t, "good", doc.Singles[0].UID)
	assert.Equal(t, 1, doc.Stats.MissingUID)
	assert.Equal(t, 1, doc.Stats.MalformedDate)
}

func TestParseSinglesEndingBeforeNowAreDropped(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"UID:past",
		"DTSTART:20241201T090000Z",
		"DTEND:20241201T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:running",
		"DTSTART:20241231T230000Z",
		"DTEND:20250101T010000Z",
		"END:VEVENT",
	))

	require.Len(t, doc.Singles, 1)
	assert.Equal(t, "running", doc.Singles[0].UID)
	assert.Equal(t, 1, doc.Stats.PastSingles)
}

func TestParseMissingDTEND(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"UID:allday",
		"DTSTART;VALUE=DATE:20250110",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:instant",
		"DTSTART:20250110T090000Z",
		"END:VEVENT",
	))

	require.Len(t, doc.Singles, 2)
	byUID := map[string]*SingleEvent{}
	for _, s := range doc.Singles {
		byUID[s.UID] = s
	}
	assert.True(t, byUID["allday"].AllDay)
	assert.Equal(t, 24*time.Hour, byUID["allday"].End.Sub(byUID["allday"].Start))
	assert.True(t, byUID["instant"].End.Equal(byUID["instant"].Start))
}

func TestParseDuplicateMastersLatestWins(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"UID:dup",
		"SUMMARY:newer",
		"LAST-MODIFIED:20241210T000000Z",
		"DTSTART:20250106T180000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:dup",
		"SUMMARY:older",
		"LAST-MODIFIED:20241201T000000Z",
		"DTSTART:20250106T180000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:tie",
		"SUMMARY:first",
		"DTSTAMP:20241201T000000Z",
		"DTSTART:20250106T180000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:tie",
		"SUMMARY:second",
		"DTSTAMP:20241201T000000Z",
		"DTSTART:20250106T180000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
	))

	require.Len(t, doc.Masters, 2)
	assert.Equal(t, "newer", doc.Masters["dup"].Summary)
	assert.Equal(t, "second", doc.Masters["tie"].Summary)
	assert.True(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).Equal(doc.Masters["tie"].LastModified))
}

func TestParseCancelledSingleAndMasterDropped(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"UID:gone",
		"STATUS:CANCELLED",
		"DTSTART:20250110T090000Z",
		"DTEND:20250110T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-gone",
		"STATUS:cancelled",
		"DTSTART:20250110T090000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
	))

	assert.Empty(t, doc.Singles)
	assert.Empty(t, doc.Masters)
	assert.Equal(t, 2, doc.Stats.Cancelled)
}

func TestParseUnterminatedBlockDropped(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, []byte("BEGIN:VCALENDAR\nBEGIN:VEVENT\nUID:x\nDTSTART:20250110T090000Z\n"))
	assert.Empty(t, doc.Singles)
	assert.Equal(t, 1, doc.Stats.Unterminated)
}

func TestContentLine(t *testing.T) {
	t.Parallel()

	name, prop, ok := contentLine(`dtend;TZID="America/New_York":20250110T140000`)
	require.True(t, ok)
	assert.Equal(t, "DTEND", name)
	assert.Equal(t, "America/New_York", prop.Param("tzid"))
	assert.Equal(t, "20250110T140000", prop.Value)

	name, prop, ok = contentLine("EXDATE;TZID=Europe/Berlin:20250113T190000,20250120T190000")
	require.True(t, ok)
	assert.Equal(t, "EXDATE", name)
	assert.Equal(t, "Europe/Berlin", prop.Param("TZID"))
	assert.Equal(t, "20250113T190000,20250120T190000", prop.Value)

	name, prop, ok = contentLine(`DESCRIPTION;ALTREP="cid:x:y":a\, b\; c\\n d`)
	require.True(t, ok)
	assert.Equal(t, "DESCRIPTION", name)
	assert.Equal(t, "cid:x:y", prop.Param("ALTREP"))
	assert.Equal(t, `a, b; c\n d`, prop.Value)

	for _, line := range []string{"", "no colon here", ";:"} {
		_, _, ok := contentLine(ical.ContentLine(line))
		assert.False(t, ok, "%q", line)
	}
}

func TestParseTextIsUnescapedOnce(t *testing.T) {
	t.Parallel()

	doc := parseUTC(t, calendar(
		"BEGIN:VEVENT",
		"UID:once",
		`SUMMARY:backslash \\n stays`,
		`DESCRIPTION:a<BR />b`,
		"DTSTART:20250110T090000Z",
		"END:VEVENT",
	))

	require.Len(t, doc.Singles, 1)
	assert.Equal(t, `backslash \n stays`, doc.Singles[0].Summary)
	assert.Equal(t, "a\nb", doc.Singles[0].Description)
}
