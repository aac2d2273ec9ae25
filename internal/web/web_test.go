package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcalevents/internal/config"
	"gcalevents/internal/importer"
	"gcalevents/internal/model"
	"gcalevents/internal/store"
)

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeImporter struct {
	sum importer.Summary
	err error
}

func (f *fakeImporter) Run(context.Context) (importer.Summary, error) {
	return f.sum, f.err
}

func newTestServer(t *testing.T, cfg *config.Config, imp ImportRunner) (*Server, *store.SQLStore) {
	t.Helper()
	repo, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "events.db"), time.UTC)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := NewServer(cfg, repo, imp)
	s.now = func() time.Time { return fixedNow }
	return s, repo
}

func seed(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2025, 1, 6, 18, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(ctx, model.Instance{
		UID: "evt1|20250106T180000Z", BaseUID: "evt1", RecurrenceKey: "20250106T180000Z",
		Summary: "Weekly sync", Location: "Room 42", Start: start, End: start.Add(time.Hour),
	}))
	require.NoError(t, repo.Insert(ctx, model.Instance{
		UID: "past", Summary: "Yesterday", Start: fixedNow.AddDate(0, 0, -1), End: fixedNow.Add(-23 * time.Hour),
	}))
	far := fixedNow.AddDate(0, 3, 0)
	require.NoError(t, repo.Insert(ctx, model.Instance{
		UID: "far", Summary: "Far away", Start: far, End: far.Add(time.Hour),
	}))
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	s, _ := newTestServer(t, cfg, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)

	rec := do(t, h, http.MethodGet, "/api/events")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsWindowAndSearch(t *testing.T) {
	s, repo := newTestServer(t, nil, nil)
	seed(t, repo)
	h := s.Handler()

	var resp eventsResponse
	rec := do(t, h, http.MethodGet, "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "evt1|20250106T180000Z", resp.Events[0].UID)
	assert.Equal(t, "UTC", resp.TimeZone)

	rec = do(t, h, http.MethodGet, "/api/events?days=120&past=2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 3)
	assert.Equal(t, "past", resp.Events[0].UID)

	rec = do(t, h, http.MethodGet, "/api/events?days=120&search=room")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "Room 42", resp.Events[0].Location)
}

func TestExportJSON(t *testing.T) {
	s, repo := newTestServer(t, nil, nil)
	seed(t, repo)

	rec := do(t, s.Handler(), http.MethodGet, "/api/events/export.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp exportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "2025-01-01 12:00:00", resp.Generated)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "Weekly sync", resp.Events[0].Title)
	assert.Equal(t, "2025-01-06 18:00:00", resp.Events[0].Start)
	assert.Equal(t, "far", resp.Events[1].UID)
}

func TestExportICS(t *testing.T) {
	s, repo := newTestServer(t, nil, nil)
	seed(t, repo)

	rec := do(t, s.Handler(), http.MethodGet, "/events.ics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	body := rec.Body.String()
	assert.Contains(t, body, "UID:evt1|20250106T180000Z")
	assert.NotContains(t, body, "UID:past")
}

func TestImportEndpoint(t *testing.T) {
	imp := &fakeImporter{sum: importer.Summary{RunID: "r1", Imported: 3}}
	s, _ := newTestServer(t, nil, imp)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/import")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp importResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 3, resp.Summary.Imported)

	imp.err = importer.ErrImportRunning
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/import").Code)

	imp.err = &importer.FetchError{Err: errors.New("dial tcp: refused")}
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/import").Code)

	imp.err = importer.ErrNoEventsFound
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/api/import").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/import").Code)
}

func TestImportEndpointWithoutImporter(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodPost, "/api/import").Code)
}

func TestLogs(t *testing.T) {
	s, repo := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, repo.AppendImportLog(context.Background(), model.ImportLog{
		RunID: "r1", StartedAt: fixedNow, FinishedAt: fixedNow, Success: true, Message: "imported 3, deleted 0, unchanged 0", Imported: 3,
	}))
	rec = do(t, h, http.MethodGet, "/api/logs?limit=5")
	var logs []model.ImportLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "r1", logs[0].RunID)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
