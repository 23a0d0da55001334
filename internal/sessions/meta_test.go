package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

func TestRecordUsageDetectsSpike(t *testing.T) {
	mgr := NewManager("")
	sess := mgr.GetOrCreate("s1")

	if spike := sess.RecordUsage(&providers.Usage{PromptTokens: 1000}); spike {
		t.Fatal("first usage record should never be a spike")
	}
	if spike := sess.RecordUsage(&providers.Usage{PromptTokens: 2500}); !spike {
		t.Fatal("expected >1.5x jump above 2000 tokens to be flagged as a spike")
	}
	if got := sess.PeakPromptTokens(); got != 2500 {
		t.Fatalf("expected peak to track the highest prompt_tokens seen, got %d", got)
	}
}

func TestRecordUsageRingBufferCapsAt20(t *testing.T) {
	mgr := NewManager("")
	sess := mgr.GetOrCreate("s1")
	for i := 0; i < 30; i++ {
		sess.RecordUsage(&providers.Usage{PromptTokens: 100})
	}
	if got := len(sess.usageRecords()); got != maxUsageRecords {
		t.Fatalf("expected ring buffer capped at %d, got %d", maxUsageRecords, got)
	}
}

func TestMaxTokensOverrideRoundTrips(t *testing.T) {
	mgr := NewManager("")
	sess := mgr.GetOrCreate("s1")
	if _, ok := sess.MaxTokensOverride(); ok {
		t.Fatal("expected no override before one is set")
	}
	sess.SetMaxTokensOverride(4096)
	got, ok := sess.MaxTokensOverride()
	if !ok || got != 4096 {
		t.Fatalf("expected override 4096, got %d (ok=%v)", got, ok)
	}
}

func TestTruncateHistoryKeepsOnlyLastN(t *testing.T) {
	mgr := NewManager("")
	sess := mgr.GetOrCreate("s1")
	for i := 0; i < 10; i++ {
		sess.AppendMessage(Message{Role: "user", Content: "m"}, 0)
	}
	sess.TruncateHistory(3)
	if got := len(sess.History()); got != 3 {
		t.Fatalf("expected 3 messages after truncation, got %d", got)
	}
}

func TestIncrementCompactionCounts(t *testing.T) {
	mgr := NewManager("")
	sess := mgr.GetOrCreate("s1")
	if sess.CompactionCount() != 0 {
		t.Fatal("expected compaction count to start at 0")
	}
	sess.IncrementCompaction()
	sess.IncrementCompaction()
	if got := sess.CompactionCount(); got != 2 {
		t.Fatalf("expected compaction count 2, got %d", got)
	}
}
