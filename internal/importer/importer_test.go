package importer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcalevents/internal/ics"
	"gcalevents/internal/store"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const exampleFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:evt1
SUMMARY:Weekly sync
DTSTART:20250106T180000Z
DTEND:20250106T190000Z
LAST-MODIFIED:20241201T000000Z
RRULE:FREQ=WEEKLY;BYDAY=MO
EXDATE:20250113T180000Z
END:VEVENT
END:VCALENDAR
`

type stubFetcher struct {
	body []byte
	err  error
}

func (f stubFetcher) FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error) {
	if f.err != nil {
		return ics.FetchResult{}, f.err
	}
	return ics.FetchResult{Source: src, Body: f.body}, nil
}

func newTestImporter(t *testing.T, fetcher Fetcher, url string) (*Importer, *store.SQLStore) {
	t.Helper()
	repo, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "events.db"), time.UTC)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	im := New(repo, fetcher, Options{
		Source:          ics.Source{URL: url},
		Location:        time.UTC,
		LookaheadMonths: 1,
		MaxInstances:    100,
		RetentionDays:   30,
		Now:             func() time.Time { return fixedNow },
	})
	return im, repo
}

func storedUIDs(t *testing.T, repo store.Repository) []string {
	t.Helper()
	events, err := repo.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.UID)
	}
	return out
}

func TestImportExampleScenario(t *testing.T) {
	im, repo := newTestImporter(t, nil, "")

	sum, err := im.Import(context.Background(), []byte(exampleFeed))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Imported)
	assert.Equal(t, 3, sum.Instances)
	assert.NotEmpty(t, sum.RunID)

	assert.Equal(t, []string{
		"evt1|20250106T180000Z",
		"evt1|20250120T180000Z",
		"evt1|20250127T180000Z",
	}, storedUIDs(t, repo))
}

func TestImportIsIdempotent(t *testing.T) {
	im, repo := newTestImporter(t, nil, "")
	ctx := context.Background()

	_, err := im.Import(ctx, []byte(exampleFeed))
	require.NoError(t, err)

	sum, err := im.Import(ctx, []byte(exampleFeed))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Imported)
	assert.Equal(t, 0, sum.Deleted)
	assert.Equal(t, 3, sum.Unchanged)

	logs, err := repo.ImportLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].Success)
}

func TestImportCancelledOccurrenceRemovesOneRow(t *testing.T) {
	im, repo := newTestImporter(t, nil, "")
	ctx := context.Background()

	_, err := im.Import(ctx, []byte(exampleFeed))
	require.NoError(t, err)

	cancelled := strings.Replace(exampleFeed, "END:VCALENDAR", `BEGIN:VEVENT
UID:evt1
RECURRENCE-ID:20250120T180000Z
STATUS:CANCELLED
DTSTART:20250120T180000Z
END:VEVENT
END:VCALENDAR`, 1)

	sum, err := im.Import(ctx, []byte(cancelled))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Deleted)
	assert.Equal(t, []string{
		"evt1|20250106T180000Z",
		"evt1|20250127T180000Z",
	}, storedUIDs(t, repo))
}

func TestImportEmptyDocumentLeavesStoreUntouched(t *testing.T) {
	im, repo := newTestImporter(t, nil, "")
	ctx := context.Background()

	_, err := im.Import(ctx, []byte(exampleFeed))
	require.NoError(t, err)

	_, err = im.Import(ctx, []byte("  \r\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ics.ErrEmptyDocument))
	assert.Len(t, storedUIDs(t, repo), 3)

	logs, err := repo.ImportLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].Message, "empty")
}

func TestImportNoEventsLeavesStoreUntouched(t *testing.T) {
	im, repo := newTestImporter(t, nil, "")
	ctx := context.Background()

	_, err := im.Import(ctx, []byte(exampleFeed))
	require.NoError(t, err)

	pastOnly := `BEGIN:VCALENDAR
BEGIN:VEVENT
UID:old
DTSTART:20241101T090000Z
DTEND:20241101T100000Z
END:VEVENT
END:VCALENDAR
`
	_, err = im.Import(ctx, []byte(pastOnly))
	assert.True(t, errors.Is(err, ErrNoEventsFound))
	assert.Len(t, storedUIDs(t, repo), 3)
}

func TestImportRunLock(t *testing.T) {
	im, _ := newTestImporter(t, nil, "")

	im.mu.Lock()
	_, err := im.Import(context.Background(), []byte(exampleFeed))
	assert.True(t, errors.Is(err, ErrImportRunning))
	_, err = im.Run(context.Background())
	assert.True(t, errors.Is(err, ErrImportRunning))
	im.mu.Unlock()

	_, err = im.Import(context.Background(), []byte(exampleFeed))
	assert.NoError(t, err)
}

func TestRunFetchesSource(t *testing.T) {
	im, repo := newTestImporter(t, stubFetcher{body: []byte(exampleFeed)}, "https://example.com/basic.ics")

	sum, err := im.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Imported)
	assert.Len(t, storedUIDs(t, repo), 3)
}

func TestRunFetchFailure(t *testing.T) {
	im, repo := newTestImporter(t, stubFetcher{err: errors.New("connection refused")}, "https://example.com/basic.ics")

	_, err := im.Run(context.Background())
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Error(), "connection refused")
	assert.Empty(t, storedUIDs(t, repo))
}

func TestRunWithoutSource(t *testing.T) {
	im, _ := newTestImporter(t, stubFetcher{}, "")

	_, err := im.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoSource))
}
