// Package seeds implements the crawler's URLSeedStore: a directory of
// newline-delimited URL list files, loaded once at startup and grouped
// into per-domain batches, with a dedup-append writer for URLs
// discovered while crawling.
package seeds

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ddoxey/polite-crawler/internal/crawlerr"
	"github.com/ddoxey/polite-crawler/internal/weburl"
)

// Store loads seed URLs from a directory of flat files and groups them
// by registrable domain.
type Store struct {
	dir string
	log *slog.Logger

	urls []weburl.URL
}

// New scans dir for regular files, loading each as a newline-delimited
// list of URLs. Malformed or invalid lines are skipped with a warning;
// a file that can't be opened is skipped with a warning, not fatal.
func New(dir string, log *slog.Logger) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: directory does not exist: %s", crawlerr.ErrSeedIO, dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", crawlerr.ErrSeedIO, dir)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, log: log}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read dir: %v", crawlerr.ErrSeedIO, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := s.loadFromFile(path); err != nil {
			log.Warn("seeds: failed to load file", "path", path, "error", err)
		}
	}
	return s, nil
}

func (s *Store) loadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", crawlerr.ErrSeedIO, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		u := weburl.Parse(line)
		if !u.IsValid() {
			s.log.Warn("seeds: skipping invalid url", "file", path, "line", line)
			continue
		}
		s.urls = append(s.urls, u)
	}
	return scanner.Err()
}

// URLs returns every seed URL loaded at construction, in load order.
func (s *Store) URLs() []weburl.URL {
	return s.urls
}

// BatchesByDomain groups loaded URLs by registrable domain, deduplicating
// within each domain's batch.
func (s *Store) BatchesByDomain() map[string][]weburl.URL {
	batches := make(map[string][]weburl.URL)
	seen := make(map[string]map[string]bool)
	for _, u := range s.urls {
		domain := u.RegistrableDomain()
		if seen[domain] == nil {
			seen[domain] = make(map[string]bool)
		}
		digest := u.Digest()
		if seen[domain][digest] {
			continue
		}
		seen[domain][digest] = true
		batches[domain] = append(batches[domain], u)
	}
	return batches
}

// Store appends newly discovered urls to <dir>/<sha256(domain)>.list,
// deduplicated and sorted, never removing existing content. Embedded
// newlines in any URL's canonical form are stripped before writing. If
// the existing file doesn't end in a newline, one is prepended so the
// new batch never sticks to the last existing line.
func (s *Store) Store(domain string, urls []weburl.URL) error {
	if len(urls) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %v", crawlerr.ErrSeedIO, err)
	}

	sum := sha256.Sum256([]byte(domain))
	filename := filepath.Join(s.dir, hex.EncodeToString(sum[:])+".list")

	lineSet := make(map[string]bool, len(urls))
	for _, u := range urls {
		line := sanitizeLine(u.ToString())
		if line == "" {
			continue
		}
		lineSet[line] = true
	}
	if len(lineSet) == 0 {
		return nil
	}
	lines := make([]string, 0, len(lineSet))
	for line := range lineSet {
		lines = append(lines, line)
	}
	sort.Strings(lines)

	needLeadingNL := fileNeedsLeadingNewline(filename)

	var b strings.Builder
	if needLeadingNL {
		b.WriteByte('\n')
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open for append: %v", crawlerr.ErrSeedIO, err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("%w: write append: %v", crawlerr.ErrSeedIO, err)
	}
	return nil
}

func sanitizeLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func fileNeedsLeadingNewline(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil || info.Size() == 0 {
		return false
	}
	f, err := os.Open(filename)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return false
	}
	return buf[0] != '\n'
}
