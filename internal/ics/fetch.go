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
	"os"
	"path/filepath"
	"time"

	appLog "calsync/internal/log"
)

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	URL       string
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body due to 304
}

// FeedFetchError means the feed could not be downloaded. Nothing has been
// written when it is returned; the sync can simply be tried again.
type FeedFetchError struct {
	URL    string // redacted
	Status int    // 0 for network errors
	Err    error
}

func (e *FeedFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FeedFetchError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *FeedFetchError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds with HTTP caching (ETag / Last-Modified)
// backed by a disk cache. A failed request is retried once.
type Fetcher struct {
	client     *http.Client
	cacheDir   string
	retryDelay time.Duration
}

// NewFetcher creates a new Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. Example: "/var/lib/calsync/ics-cache".
func NewFetcher(cacheDir string, timeout, retryDelay time.Duration) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		cacheDir:   cacheDir,
		retryDelay: retryDelay,
	}
}

// Fetch downloads url, honoring ETag and Last-Modified.
//
// A 304 reuses the cached body. A failure never falls back to the cache:
// serving a stale copy would make a failed fetch look like a sync.
func (f *Fetcher) Fetch(ctx context.Context, url string) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, &FeedFetchError{URL: "", Err: errors.New("feed URL is empty")}
	}

	res, err := f.fetchOnce(ctx, url)
	var fe *FeedFetchError
	if err == nil || !errors.As(err, &fe) || !fe.Retryable() || ctx.Err() != nil {
		return res, err
	}

	appLog.Warn("ics fetch failed, retrying", "url", redactURL(url), "status", fe.Status)
	select {
	case <-ctx.Done():
		return FetchResult{}, &FeedFetchError{URL: redactURL(url), Err: ctx.Err()}
	case <-time.After(f.retryDelay):
	}
	return f.fetchOnce(ctx, url)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (FetchResult, error) {
	cachePath, err := f.cachePathForURL(url)
	if err != nil {
		return FetchResult{}, err
	}

	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, &FeedFetchError{URL: redactURL(url), Err: err}
	}

	// Conditional headers only make sense when there is a body to reuse.
	if len(cachedBody) > 0 && meta.URL == url {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, &FeedFetchError{URL: redactURL(url), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, &FeedFetchError{URL: redactURL(url), Err: readErr}
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "url", redactURL(url))
		}

		appLog.Info("ics fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{URL: url, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, &FeedFetchError{
				URL:    redactURL(url),
				Status: resp.StatusCode,
				Err:    errors.New("received 304 Not Modified but no cached body available"),
			}
		}
		appLog.Info("ics fetch not modified; using cache", "url", redactURL(url))
		return FetchResult{URL: url, Body: cachedBody, FromCache: true}, nil

	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return FetchResult{}, &FeedFetchError{
			URL:    redactURL(url),
			Status: resp.StatusCode,
			Err:    errors.New(resp.Status),
		}
	}
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
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
	metaFile := filepath.Join(cachePath, "meta.json")
	bodyFile := filepath.Join(cachePath, "body.ics")

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(bodyFile, body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metaFile, data, 0o600)
}

// redactURL hides sensitive parts of a feed URL for logging. Platform
// export URLs embed a private token in the path or query.
//
//	https://www.airbnb.com/calendar/ical/123.ics?s=abcd
//	-> https://www.airbnb.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + redactedSuffix
}

// RedactURL is redactURL for other packages' log lines.
func RedactURL(u string) string { return redactURL(u) }
