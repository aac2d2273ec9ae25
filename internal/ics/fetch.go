package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	appLog "gcalevents/internal/log"
)

// ErrBodyTooLarge is returned when a calendar exceeds the body limit. The
// body is not cached.
var ErrBodyTooLarge = errors.New("ics body exceeds size limit")

const (
	fetchTimeout     = 30 * time.Second
	fetchMaxRetries  = 3
	maxICSBodyLength = 32 << 20
)

// Source is the calendar feed location: http(s)://, file:// or a plain
// filesystem path.
type Source struct {
	URL string
}

// IsFile reports whether the source is read from the local filesystem.
func (s Source) IsFile() bool {
	u := strings.ToLower(s.URL)
	return !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://")
}

func (s Source) path() string {
	if strings.HasPrefix(strings.ToLower(s.URL), "file://") {
		if u, err := url.Parse(s.URL); err == nil && u.Path != "" {
			return u.Path
		}
		return s.URL[len("file://"):]
	}
	return s.URL
}

// FetchResult contains the outcome of fetching a source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches ICS feeds with HTTP caching (ETag / Last-Modified), a
// disk-backed body cache and retries on transient network failures.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	maxBody  int64

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewFetcher creates a new ICS Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. Example: "/var/lib/gcalevents/ics-cache".
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: fetchTimeout,
		},
		cacheDir: cacheDir,
		maxBody:  maxICSBodyLength,
		newBackOff: func() backoff.BackOff {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = 500 * time.Millisecond
			exp.MaxInterval = 5 * time.Second
			exp.MaxElapsedTime = fetchTimeout
			return backoff.WithMaxRetries(exp, fetchMaxRetries)
		},
	}
}

// FetchOne fetches a single ICS source. HTTP sources honour ETag and
// Last-Modified and fall back to the cached body when the server cannot be
// reached or answers with a non-OK status.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if strings.TrimSpace(src.URL) == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	if src.IsFile() {
		return f.readFile(src)
	}

	cachePath, err := f.cachePathForURL(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	appLog.Info("ics fetch start", "url", redactURL(src.URL))

	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		// Conditional headers from cache metadata.
		if meta.ETag != "" && len(cachedBody) > 0 {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" && len(cachedBody) > 0 {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
		req.Header.Set("Accept", "text/calendar, */*;q=0.5")

		r, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("server error: %s", r.Status)
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		appLog.Warn("ics fetch retry", "url", redactURL(src.URL), "attempt", attempt, "wait", wait.String(), "error", err.Error())
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(f.newBackOff(), ctx), notify); err != nil {
		// Network error; if we have a cached body, fall back to it.
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch failed, using cached body", err, "url", redactURL(src.URL))
			return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
		if readErr != nil {
			return FetchResult{}, readErr
		}
		if int64(len(body)) > f.maxBody {
			return FetchResult{}, fmt.Errorf("%w: more than %d bytes from %s", ErrBodyTooLarge, f.maxBody, redactURL(src.URL))
		}

		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "url", redactURL(src.URL))
		}

		appLog.Info("ics fetch success", "url", redactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(src.URL), "status", resp.StatusCode)
			return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, errors.New(resp.Status)
	}
}

func (f *Fetcher) readFile(src Source) (FetchResult, error) {
	body, err := os.ReadFile(src.path())
	if err != nil {
		return FetchResult{}, err
	}
	if int64(len(body)) > f.maxBody {
		return FetchResult{}, fmt.Errorf("%w: %s is %d bytes", ErrBodyTooLarge, src.path(), len(body))
	}
	appLog.Info("ics read from file", "path", src.path(), "bytes", len(body))
	return FetchResult{Source: src, Body: body}, nil
}

func (f *Fetcher) cachePathForURL(u string) (string, error) {
	if u == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8])), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of a feed URL for logging; private
// calendar URLs embed their secret there.
//
//	https://calendar.google.com/calendar/ical/x/private-abc/basic.ics
//	-> https://calendar.google.com/...(redacted)
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
