// Package cache implements the crawler's content-addressed cache: a
// stable mapping from a URL's digest to on-disk body/headers/structured-
// result artifacts, with atomic writes and age-based expiry.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ddoxey/polite-crawler/internal/crawlerr"
	"github.com/ddoxey/polite-crawler/internal/httpmodel"
	"github.com/ddoxey/polite-crawler/internal/weburl"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manager is a content-addressed cache rooted at a directory, keyed by
// URL digest.
type Manager struct {
	dir    string
	maxAge time.Duration
}

// New constructs a Manager. dir is created on first write if missing.
func New(dir string, maxAge time.Duration) *Manager {
	return &Manager{dir: dir, maxAge: maxAge}
}

func (m *Manager) bodyPath(u weburl.URL) string {
	return filepath.Join(m.dir, u.Digest())
}

// IsCached reports whether the body file exists and is fresh.
func (m *Manager) IsCached(u weburl.URL) bool {
	info, err := os.Stat(m.bodyPath(u))
	if err != nil {
		return false
	}
	return !m.isExpired(info.ModTime())
}

func (m *Manager) isExpired(modTime time.Time) bool {
	if m.maxAge <= 0 {
		return false
	}
	return time.Since(modTime) > m.maxAge
}

// Fetch returns the cached body bytes if fresh, or (nil, false) otherwise.
// An unreadable timestamp is treated as expired, not an error.
func (m *Manager) Fetch(u weburl.URL) ([]byte, bool) {
	path := m.bodyPath(u)
	info, err := os.Stat(path)
	if err != nil || m.isExpired(info.ModTime()) {
		return nil, false
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return body, true
}

// StoreBody writes body atomically to the digest-keyed body file.
func (m *Manager) StoreBody(u weburl.URL, body []byte) error {
	return m.atomicWrite(m.bodyPath(u), body)
}

// StoreResponse writes both the body and a .headers JSON object mapping
// header names to their first value.
func (m *Manager) StoreResponse(u weburl.URL, resp *httpmodel.Response) error {
	if err := m.StoreBody(u, resp.Body()); err != nil {
		return fmt.Errorf("store body: %w", err)
	}
	headers := make(map[string]string)
	for _, h := range resp.Headers() {
		if _, exists := headers[h.Name]; !exists {
			headers[h.Name] = h.Value
		}
	}
	return m.StoreJSON(u, headers, "headers")
}

// StoreJSON writes a pretty-printed (2-space indent) structured result to
// <digest>.<ext>, defaulting ext to "json".
func (m *Manager) StoreJSON(u weburl.URL, data any, ext string) error {
	if ext == "" {
		ext = "json"
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	path := m.bodyPath(u) + "." + ext
	return m.atomicWrite(path, encoded)
}

// atomicWrite creates a temp file beside target, writes content, flushes,
// and renames it over target — the write is never observed partially.
// Every failure is wrapped in crawlerr.ErrCacheIO so callers can classify
// it with errors.Is regardless of which step failed.
func (m *Manager) atomicWrite(target string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: create cache dir: %v", crawlerr.ErrCacheIO, err)
	}
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", crawlerr.ErrCacheIO, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write temp file: %v", crawlerr.ErrCacheIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: flush temp file: %v", crawlerr.ErrCacheIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close temp file: %v", crawlerr.ErrCacheIO, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename temp file: %v", crawlerr.ErrCacheIO, err)
	}
	return nil
}
