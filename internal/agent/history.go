package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/sessions"
)

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages). A "turn" = one user message plus all subsequent
// non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}
	return msgs
}

// sanitizeHistory repairs tool_call/tool_result pairing in session history:
// drops orphaned tool messages (no preceding assistant with matching
// tool_calls) and synthesizes a placeholder result for any tool_call whose
// result was dropped by truncation.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}
			for id := range expected {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}
	return result
}

// EstimateTokens returns a rough token estimate (~1 token per 3 chars) for a
// slice of messages. Used for compaction thresholds.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}

// EstimateTokensWithCalibration scales the rough estimate by how far off it
// was last time: if the provider's actual prompt_tokens for a similarly-sized
// turn differed from our /3 estimate, correct the current estimate by that
// same ratio rather than trusting the raw heuristic.
func EstimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastEstimateTokens int) int {
	estimate := EstimateTokens(history)
	if lastPromptTokens <= 0 || lastEstimateTokens <= 0 {
		return estimate
	}
	ratio := float64(lastPromptTokens) / float64(lastEstimateTokens)
	if ratio < 0.5 || ratio > 2.0 {
		return estimate
	}
	return int(float64(estimate) * ratio)
}

// CompactionConfig bounds when and how much conversation history gets
// summarized and trimmed.
type CompactionConfig struct {
	MaxHistoryShare  float64 // fraction of the model's context window that triggers compaction
	MinMessages      int     // more messages than this triggers compaction even when the token estimate is under threshold
	KeepLastMessages int     // messages retained verbatim after compaction
}

var defaultCompactionCfg = CompactionConfig{MaxHistoryShare: 0.75, MinMessages: 50, KeepLastMessages: 4}

// maybeSummarize compacts a session's history in the background once it
// crosses the configured share of the context window or holds more than
// MinMessages messages: it asks the provider
// for a summary of everything but the last KeepLastMessages messages, stores
// the summary in session metadata, and truncates the transcript. A
// per-session mutex (via sync.Map) prevents two concurrent summarize runs
// for the same session.
func (l *Loop) maybeSummarize(ctx context.Context, sess *sessions.Session) {
	history := sess.History()
	lastPT, lastMC := sess.LastPromptTokens()
	tokenEstimate := EstimateTokensWithCalibration(toProviderMessages(history), lastPT, lastMC)

	cfg := l.compactionCfg
	threshold := int(float64(l.contextWindow) * cfg.MaxHistoryShare)
	if len(history) <= cfg.MinMessages && tokenEstimate <= threshold {
		return
	}

	muI, _ := l.summarizeMu.LoadOrStore(sess.Key, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sess.Key)
		return
	}

	keepLast := cfg.KeepLastMessages

	go func() {
		defer sessionMu.Unlock()

		history := sess.History()
		if len(history) <= keepLast {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		summary := sess.Summary()
		toSummarize := history[:len(history)-keepLast]

		var sb string
		for _, m := range toSummarize {
			switch m.Role {
			case "user":
				sb += fmt.Sprintf("user: %s\n", m.Content)
			case "assistant":
				sb += fmt.Sprintf("assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if summary != "" {
			prompt += "Existing context: " + summary + "\n"
		}
		prompt += "\n" + sb

		resp, err := l.provider.Chat(sctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    l.model,
			Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
		})
		if err != nil {
			slog.Warn("summarization failed", "session", sess.Key, "error", err)
			return
		}

		sess.SetSummary(SanitizeAssistantContent(resp.Content))
		sess.TruncateHistory(keepLast)
		sess.IncrementCompaction()
		l.sessions.Save(sess)
	}()
}

func toProviderMessages(msgs []sessions.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}
