package promptctx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

func TestBootstrapCacheInvalidatesOnMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(dir, nil, NewSkillsLoader(dir, ""))
	first := b.buildBootstrap(10000)
	if !strings.Contains(first, "old") {
		t.Fatalf("expected first build to contain 'old', got %q", first)
	}

	// Bump mtime forward so the stat-based signature definitely changes even
	// on filesystems with coarse mtime resolution.
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	second := b.buildBootstrap(10000)
	if !strings.Contains(second, "new") {
		t.Fatalf("expected second build to reflect update, got %q", second)
	}
}

func TestTrimHistoryDropsFromFront(t *testing.T) {
	history := []providers.Message{
		{Role: "user", Content: strings.Repeat("a", 50)},
		{Role: "assistant", Content: strings.Repeat("b", 50)},
		{Role: "user", Content: strings.Repeat("c", 10)},
	}
	trimmed, dropped := trimHistory(history, 30)
	if dropped != 2 {
		t.Fatalf("expected 2 dropped messages, got %d", dropped)
	}
	if len(trimmed) != 1 || trimmed[0].Content != strings.Repeat("c", 10) {
		t.Fatalf("expected only the last message to survive, got %+v", trimmed)
	}
}

func TestEditFileStyleTruncateHeadAndTail(t *testing.T) {
	text := strings.Repeat("x", 100)
	head := truncateHead(text, 10, "test")
	if !strings.HasPrefix(head, "[truncated test to first 10 chars]\n") {
		t.Fatalf("unexpected head truncation: %q", head)
	}
	tail := truncateTail(text, 10, "test")
	if !strings.HasPrefix(tail, "[truncated test to last 10 chars]\n") {
		t.Fatalf("unexpected tail truncation: %q", tail)
	}
}
