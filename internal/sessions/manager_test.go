package sessions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetOrCreateCachesAndPersistsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)

	sess := mgr.GetOrCreate("telegram:123")
	sess.AppendMessage(Message{Role: "user", Content: "hello"}, 0)
	sess.SetMetadata("foo", "bar")

	if err := mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh manager over the same directory must reload from disk.
	mgr2 := NewManager(dir)
	loaded := mgr2.GetOrCreate("telegram:123")
	if loaded.Key != "telegram:123" {
		t.Fatalf("expected key to round-trip, got %q", loaded.Key)
	}
	history := loaded.History()
	if len(history) != 1 || history[0].Content != "hello" {
		t.Fatalf("expected 1 message to round-trip, got %+v", history)
	}
	v, ok := loaded.GetMetadata("foo")
	if !ok || v != "bar" {
		t.Fatalf("expected metadata to round-trip, got %v (ok=%v)", v, ok)
	}
}

func TestGetOrCreateReturnsSameInstanceFromCache(t *testing.T) {
	mgr := NewManager("")
	a := mgr.GetOrCreate("s1")
	b := mgr.GetOrCreate("s1")
	if a != b {
		t.Fatal("expected repeated GetOrCreate for the same key to return the same cached *Session")
	}
}

func TestAppendMessageTruncatesAtTwiceMax(t *testing.T) {
	mgr := NewManager("")
	sess := mgr.GetOrCreate("s1")
	for i := 0; i < 25; i++ {
		sess.AppendMessage(Message{Role: "user", Content: "m"}, 10)
	}
	if got := len(sess.History()); got != 20 {
		t.Fatalf("expected history capped at 2*maxMessages=20, got %d", got)
	}
}

func TestListSessionsIncludesUncachedDiskFiles(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)
	sess := mgr.GetOrCreate("discord:abc")
	sess.AppendMessage(Message{Role: "user", Content: "hi"}, 0)
	if err := mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second manager over the same directory hasn't loaded anything into
	// its cache yet; ListSessions must still discover the file on disk.
	mgr2 := NewManager(dir)
	infos := mgr2.ListSessions()
	if len(infos) != 1 || infos[0].Key != "discord:abc" {
		t.Fatalf("expected 1 discovered session, got %+v", infos)
	}
}

func TestDeleteRemovesCacheAndFile(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)
	sess := mgr.GetOrCreate("s1")
	if err := mgr.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mgr.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.jsonl")); err == nil {
		t.Fatal("expected session file to be removed")
	}
}

func TestSanitizeFilenameEscapesUnsafeChars(t *testing.T) {
	got := sanitizeFilename("telegram:123/456")
	if got != "telegram_123_456" {
		t.Fatalf("expected unsafe chars escaped to underscore, got %q", got)
	}
}
