package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIngestFileIfChangedNoOpWhenMtimeUnchanged(t *testing.T) {
	idx := newTestIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("Zorbulator is the codename.\n\nSecond paragraph long enough to count."), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := idx.IngestFileIfChanged("global", "notes", path); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	entries, err := idx.Search("global", "Zorbulator", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	firstUpdated := entries[0].UpdatedAt

	// Re-ingest without touching mtime: must be a no-op.
	if err := idx.IngestFileIfChanged("global", "notes", path); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	entries, err = idx.Search("global", "Zorbulator", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].UpdatedAt.Equal(firstUpdated) {
		t.Fatalf("expected no-op re-ingest, got %+v", entries)
	}
}

func TestSearchGlobalAndScopeMixesAndDedups(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.IngestText("global", "note", "g1", []string{"Zorbulator is the codename for project X."}); err != nil {
		t.Fatal(err)
	}
	if err := idx.IngestText("session:abc", "note", "s1", []string{"Zorbulator lives in session scope."}); err != nil {
		t.Fatal(err)
	}

	entries, err := idx.SearchGlobalAndScope("session:abc", "Zorbulator", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both global and scoped hits, got %d: %+v", len(entries), entries)
	}
}

func TestChunkDropsShortFragmentsAndCaps(t *testing.T) {
	text := "ok\n\nthis one is long enough to survive the minimum length filter"
	chunks := Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 surviving chunk, got %d: %v", len(chunks), chunks)
	}

	big := ""
	for i := 0; i < 2000; i++ {
		big += "a"
	}
	chunks = Chunk(big)
	if len(chunks) != 1 || len(chunks[0]) != maxChunkChars {
		t.Fatalf("expected chunk capped at %d chars, got %d", maxChunkChars, len(chunks[0]))
	}
}

func TestSearchEmptyQueryReturnsEmpty(t *testing.T) {
	idx := newTestIndex(t)
	entries, err := idx.Search("global", "!!! ?", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for tokenless query, got %d", len(entries))
	}
	_ = time.Now()
}
