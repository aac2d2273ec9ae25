package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gcalevents/internal/config"
	"gcalevents/internal/ics"
	"gcalevents/internal/importer"
	appLog "gcalevents/internal/log"
	"gcalevents/internal/model"
	"gcalevents/internal/store"
)

// exportTimeLayout is the timestamp format of the JSON export feed.
const exportTimeLayout = "2006-01-02 15:04:05"

// ImportRunner triggers an import; satisfied by *importer.Importer.
type ImportRunner interface {
	Run(ctx context.Context) (importer.Summary, error)
}

// Server provides the HTTP API over the event store.
type Server struct {
	cfg      *config.Config
	repo     store.Repository
	importer ImportRunner
	loc      *time.Location
	now      func() time.Time
	router   *mux.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, repo store.Repository, imp ImportRunner) *Server {
	s := &Server{
		cfg:      cfg,
		repo:     repo,
		importer: imp,
		loc:      ics.ResolveLocation(cfg.Timezone),
		now:      time.Now,
		router:   mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gcalevents", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events/export.json", s.handleExportJSON).Methods(http.MethodGet)
	s.router.HandleFunc("/events.ics", s.handleExportICS).Methods(http.MethodGet)
	s.router.HandleFunc("/api/import", s.handleImport).Methods(http.MethodPost)
	s.router.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.repo.Ping(r.Context()); err != nil {
		appLog.Error("health: store ping failed", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events     []eventDTO `json:"events"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	TimeZone   string     `json:"timezone"`
}

// eventDTO is a JSON-friendly view of a stored event.
type eventDTO struct {
	ID            int64     `json:"id"`
	UID           string    `json:"uid"`
	BaseUID       string    `json:"base_uid,omitempty"`
	RecurrenceKey string    `json:"recurrence_key,omitempty"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	AllDay        bool      `json:"all_day"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	LastModified  time.Time `json:"last_modified"`
}

// handleEvents lists stored events within a window around now.
//
// GET /api/events?days=30&past=0&search=&limit=
//   - days:   how many days ahead to include (default 30)
//   - past:   how many days back to include (default 0)
//   - search: case-insensitive match on summary/location/description
//   - limit:  maximum number of events (default unlimited)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 30)
	if days <= 0 {
		days = 30
	}
	past := parseIntDefault(q.Get("past"), 0)
	if past < 0 {
		past = 0
	}

	now := s.now().In(s.loc)
	from := now.AddDate(0, 0, -past)
	until := now.AddDate(0, 0, days)

	events, err := s.repo.List(r.Context(), store.ListOptions{
		From:   from,
		Until:  until,
		Search: q.Get("search"),
		Limit:  parseIntDefault(q.Get("limit"), 0),
	})
	if err != nil {
		appLog.Error("api events: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{
			ID:            ev.ID,
			UID:           ev.UID,
			BaseUID:       ev.BaseUID,
			RecurrenceKey: ev.RecurrenceKey,
			Summary:       ev.Summary,
			Description:   ev.Description,
			Location:      ev.Location,
			AllDay:        ev.AllDay,
			Start:         ev.Start,
			End:           ev.End,
			LastModified:  ev.LastModified,
		})
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     dtos,
		RangeStart: from,
		RangeEnd:   until,
		TimeZone:   s.loc.String(),
	})
}

// exportResponse is the public feed consumed by displays and widgets.
type exportResponse struct {
	Status    string        `json:"status"`
	Generated string        `json:"generated"`
	Count     int           `json:"count"`
	Events    []exportEvent `json:"events"`
}

type exportEvent struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	Description string `json:"description"`
	UID         string `json:"uid"`
}

// handleExportJSON returns every event that has not ended yet, ordered by
// start. Timestamps are site-local wall clock.
func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	now := s.now().In(s.loc)
	events, err := s.repo.List(r.Context(), store.ListOptions{From: now})
	if err != nil {
		appLog.Error("api export: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	out := exportResponse{
		Status:    "success",
		Generated: now.Format(exportTimeLayout),
		Count:     len(events),
		Events:    make([]exportEvent, 0, len(events)),
	}
	for _, ev := range events {
		out.Events = append(out.Events, exportEvent{
			ID:          ev.ID,
			Title:       ev.Summary,
			Start:       ev.Start.In(s.loc).Format(exportTimeLayout),
			End:         ev.End.In(s.loc).Format(exportTimeLayout),
			Location:    ev.Location,
			Description: ev.Description,
			UID:         ev.UID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExportICS re-publishes upcoming events as an ICS feed.
func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	events, err := s.repo.List(r.Context(), store.ListOptions{From: now})
	if err != nil {
		appLog.Error("ics export: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	var buf bytes.Buffer
	if err := ics.WriteICS(&buf, events, ics.ExportOptions{Name: "gcalevents", Now: now}); err != nil {
		appLog.Error("ics export: serialize failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export events")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type importResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message,omitempty"`
	Summary importer.Summary `json:"summary"`
}

// handleImport runs an import synchronously.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "importer not configured")
		return
	}

	sum, err := s.importer.Run(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		var fetchErr *importer.FetchError
		switch {
		case errors.Is(err, importer.ErrImportRunning):
			status = http.StatusConflict
		case errors.As(err, &fetchErr):
			status = http.StatusBadGateway
		case errors.Is(err, ics.ErrEmptyDocument),
			errors.Is(err, importer.ErrNoEventsFound),
			errors.Is(err, importer.ErrNoSource):
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, importResponse{Status: "error", Message: err.Error(), Summary: sum})
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Status: "success", Summary: sum})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	logs, err := s.repo.ImportLogs(r.Context(), limit)
	if err != nil {
		appLog.Error("api logs: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list import logs")
		return
	}
	if logs == nil {
		logs = []model.ImportLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
