package sessions

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Auxiliary metadata keys the Agent Loop stores inside Session.Metadata: the
// session file format leaves "metadata" generic, so these are the keys this
// runtime defines for itself, for usage/cost tracking and auto-tuning.
const (
	metaSummary          = "summary"
	metaUsageRecords     = "usage_records"
	metaPeakPromptTokens = "peak_prompt_tokens"
	metaMaxTokensOverride = "max_tokens_override"
	metaAutoTuneStreak   = "auto_tune_streak"
	metaCompactionCount  = "compaction_count"
	metaLastPromptTokens = "last_prompt_tokens"
	metaLastMaxTokens    = "last_max_tokens"
)

const maxUsageRecords = 20

// UsageRecord is one ring-buffer entry of provider usage.
type UsageRecord struct {
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	At               time.Time `json:"at"`
}

// Summary returns the rolling conversation summary produced by compaction.
func (s *Session) Summary() string {
	v, _ := s.GetMetadata(metaSummary)
	str, _ := v.(string)
	return str
}

func (s *Session) SetSummary(summary string) {
	s.SetMetadata(metaSummary, summary)
}

// MaxTokensOverride returns the auto-tuned max_tokens override, if any.
func (s *Session) MaxTokensOverride() (int, bool) {
	v, ok := s.GetMetadata(metaMaxTokensOverride)
	if !ok {
		return 0, false
	}
	return asInt(v), true
}

func (s *Session) SetMaxTokensOverride(n int) {
	s.SetMetadata(metaMaxTokensOverride, n)
}

// AutoTuneStreak returns the count of consecutive qualifying turns toward
// the next max_tokens raise, and a setter for it.
func (s *Session) AutoTuneStreak() int {
	v, _ := s.GetMetadata(metaAutoTuneStreak)
	return asInt(v)
}

func (s *Session) SetAutoTuneStreak(n int) {
	s.SetMetadata(metaAutoTuneStreak, n)
}

// RecordUsage appends a usage record to the ring buffer (capped at 20),
// updates the tracked peak prompt-token count, and reports whether this
// call represents a spike: prompt_tokens > 1.5x the previous peak and
// > 2000.
func (s *Session) RecordUsage(u *providers.Usage) (spike bool) {
	if u == nil {
		return false
	}
	prevPeak := s.PeakPromptTokens()
	spike = u.PromptTokens > 2000 && float64(u.PromptTokens) > 1.5*float64(prevPeak)

	records := s.usageRecords()
	records = append(records, UsageRecord{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		At:               time.Now(),
	})
	if len(records) > maxUsageRecords {
		records = records[len(records)-maxUsageRecords:]
	}
	s.SetMetadata(metaUsageRecords, records)

	if u.PromptTokens > prevPeak {
		s.SetMetadata(metaPeakPromptTokens, u.PromptTokens)
	}
	s.SetMetadata(metaLastPromptTokens, u.PromptTokens)
	s.SetMetadata(metaLastMaxTokens, u.CompletionTokens+u.PromptTokens)
	return spike
}

func (s *Session) PeakPromptTokens() int {
	v, _ := s.GetMetadata(metaPeakPromptTokens)
	return asInt(v)
}

// LastPromptTokens returns the most recent turn's prompt_tokens and an
// estimate of the model's effective context window usage, used to calibrate
// EstimateTokensWithCalibration.
func (s *Session) LastPromptTokens() (promptTokens, maxTokens int) {
	v, _ := s.GetMetadata(metaLastPromptTokens)
	mv, _ := s.GetMetadata(metaLastMaxTokens)
	return asInt(v), asInt(mv)
}

func (s *Session) usageRecords() []UsageRecord {
	v, ok := s.GetMetadata(metaUsageRecords)
	if !ok {
		return nil
	}
	// Round-trips through interface{} after a JSONL load arrive as
	// []interface{} of map[string]interface{}; re-decode via JSON to recover
	// the typed slice rather than hand-walking the generic shape.
	switch rec := v.(type) {
	case []UsageRecord:
		return rec
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out []UsageRecord
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	}
}

func (s *Session) CompactionCount() int {
	v, _ := s.GetMetadata(metaCompactionCount)
	return asInt(v)
}

func (s *Session) IncrementCompaction() {
	s.SetMetadata(metaCompactionCount, s.CompactionCount()+1)
}

// TruncateHistory drops all but the last keepLast messages.
func (s *Session) TruncateHistory(keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepLast < 0 {
		keepLast = 0
	}
	if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	s.UpdatedAt = time.Now()
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
