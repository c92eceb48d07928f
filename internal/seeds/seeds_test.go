package seeds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ddoxey/polite-crawler/internal/weburl"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadSkipsMalformedAndInvalidLines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.list", "https://example.com/a\r\nnot a url\r\n\r\nhttps://example.org/b\r\n")

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	urls := s.URLs()
	if len(urls) != 2 {
		t.Fatalf("expected 2 valid urls, got %d: %v", len(urls), urls)
	}
}

func TestBatchesByDomainGroupsAndDedups(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.list", "https://a.example.com/1\nhttps://b.example.com/2\nhttps://a.example.com/1\n")
	writeFile(t, dir, "b.list", "https://other.net/3\n")

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches := s.BatchesByDomain()
	if len(batches["example.com"]) != 2 {
		t.Fatalf("expected 2 deduped urls for example.com, got %v", batches["example.com"])
	}
	if len(batches["other.net"]) != 1 {
		t.Fatalf("expected 1 url for other.net, got %v", batches["other.net"])
	}
}

func TestStoreAppendsDedupedAndSorted(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u1 := weburl.Parse("https://example.com/z")
	u2 := weburl.Parse("https://example.com/a")
	u3 := weburl.Parse("https://example.com/a")

	if err := s.Store("example.com", []weburl.URL{u1, u2, u3}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	sum := "example.com"
	_ = sum
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var listFile string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".list" {
			listFile = filepath.Join(dir, e.Name())
		}
	}
	if listFile == "" {
		t.Fatalf("no .list file created")
	}
	content, err := os.ReadFile(listFile)
	if err != nil {
		t.Fatalf("read list file: %v", err)
	}
	want := "https://example.com/a\nhttps://example.com/z\n"
	if string(content) != want {
		t.Fatalf("got %q want %q", content, want)
	}

	// Second append should prepend no extra newline (file already ends
	// in \n) and only add the new line.
	u4 := weburl.Parse("https://example.com/m")
	if err := s.Store("example.com", []weburl.URL{u4}); err != nil {
		t.Fatalf("Store append: %v", err)
	}
	content, err = os.ReadFile(listFile)
	if err != nil {
		t.Fatalf("read list file after append: %v", err)
	}
	want2 := want + "https://example.com/m\n"
	if string(content) != want2 {
		t.Fatalf("got %q want %q", content, want2)
	}
}

func TestStoreAddsLeadingNewlineWhenFileLacksTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum := "example.com"
	_ = sum

	// Create the target file through Store, then strip its trailing
	// newline below so the second Store exercises the leading-newline guard.
	u := weburl.Parse("https://example.com/a")
	if err := s.Store("example.com", []weburl.URL{u}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	var listFile string
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".list" {
			listFile = filepath.Join(dir, e.Name())
		}
	}
	// strip the trailing newline to simulate a file that doesn't end in one
	content, _ := os.ReadFile(listFile)
	trimmed := content[:len(content)-1]
	if err := os.WriteFile(listFile, trimmed, 0o644); err != nil {
		t.Fatalf("rewrite without trailing newline: %v", err)
	}

	u2 := weburl.Parse("https://example.com/b")
	if err := s.Store("example.com", []weburl.URL{u2}); err != nil {
		t.Fatalf("Store second: %v", err)
	}
	final, err := os.ReadFile(listFile)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	want := "https://example.com/a\nhttps://example.com/b\n"
	if string(final) != want {
		t.Fatalf("got %q want %q", final, want)
	}
}

func TestStoreWithNoURLsIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Store("example.com", nil); err != nil {
		t.Fatalf("Store with no urls: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files created, got %v", entries)
	}
}
