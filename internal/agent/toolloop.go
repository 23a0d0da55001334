package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// Stable literals for documented resource-limit outcomes.
const (
	FallbackNoResponse         = "I've completed processing but have no response to give."
	FallbackBackgroundDone     = "Background task completed."
	FallbackToolErrorBackoff   = "I'm hitting repeated tool errors. Please rephrase or provide more specific inputs."
	FallbackBackgroundBackoff = "Background task hit repeated tool errors. Please check the task log for details."
)

// nudgeMessage is appended once when a turn ends with no tool calls and no
// content, asking the model to summarize what it did.
const nudgeMessage = "Please reply with a brief summary of what you did."

// Streak thresholds for toolLoopState, counted in repeats after the first
// result: a tool called with identical arguments whose identical result
// repeats this many times in a row (so 3 and 5 identical results) is a stuck
// loop, independent of whether any individual result looked like an error.
const (
	toolLoopWarnStreak     = 2
	toolLoopCriticalStreak = 4
)

// toolLoopState detects a tool being called repeatedly with identical
// arguments and no change in result — a successful-but-unhelpful loop that
// isStreakError's error/warning counter never sees. It is scoped to a single
// RunToolLoop call: each turn starts clean.
type toolLoopState struct {
	calls map[string]*toolLoopCall
}

type toolLoopCall struct {
	count      int
	lastResult string
	sameStreak int
}

func newToolLoopState() *toolLoopState {
	return &toolLoopState{calls: map[string]*toolLoopCall{}}
}

// record identifies a (tool name, arguments) pair and bumps its call count,
// returning a hash the caller threads through recordResult/detect.
// encoding/json marshals map[string]interface{} keys in sorted order, so two
// calls with the same arguments in different insertion order still hash
// identically.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte(fmt.Sprintf("%v", args))
	}
	hash := name + "\x00" + string(argsJSON)
	if _, ok := s.calls[hash]; !ok {
		s.calls[hash] = &toolLoopCall{}
	}
	s.calls[hash].count++
	return hash
}

// recordResult stores the tool's rendered result for this hash and tracks
// how many consecutive calls returned the same text.
func (s *toolLoopState) recordResult(hash, result string) {
	c, ok := s.calls[hash]
	if !ok {
		return
	}
	if c.count > 1 && c.lastResult == result {
		c.sameStreak++
	} else {
		c.sameStreak = 0
	}
	c.lastResult = result
}

// detect reports whether this hash has crossed the warning or critical
// no-progress threshold. level is "" when there is nothing to report.
func (s *toolLoopState) detect(name, hash string) (level, msg string) {
	c, ok := s.calls[hash]
	if !ok {
		return "", ""
	}
	switch {
	case c.sameStreak >= toolLoopCriticalStreak:
		return "critical", fmt.Sprintf("%s has returned the same result %d times in a row with no progress.", name, c.sameStreak+1)
	case c.sameStreak >= toolLoopWarnStreak:
		return "warning", fmt.Sprintf("You've called %s repeatedly with the same arguments and gotten the same result. Try a different approach, different arguments, or move on.", name)
	default:
		return "", ""
	}
}

// ToolLoopConfig parameterizes RunToolLoop so it serves both the main Agent
// Loop's per-session turn and a subagent worker's background task, each with
// its own iteration cap.
type ToolLoopConfig struct {
	Provider         providers.Provider
	Model            string
	FallbackModels   []string
	MaxTokens        int
	Temperature      float64
	MaxIterations    int
	ToolErrorBackoff int
	Tools            *tools.Registry
	Messages         []providers.Message

	// BackgroundFallback selects which documented fallback literal to use
	// when the loop aborts (subagent callers pass true for the
	// "Background task ..." wording).
	BackgroundFallback bool

	// OnStatus is invoked at most once per iteration, throttled by
	// StatusMinInterval, with a short human-readable progress string.
	OnStatus          func(text string)
	StatusMinInterval time.Duration
}

// ToolLoopResult reports what RunToolLoop did beyond the caller's initial
// Messages: the appended turns, the final content, and resource-limit flags.
type ToolLoopResult struct {
	Content         string
	AppendedMessages []providers.Message
	Iterations      int
	Usages          []*providers.Usage
	HitBackoff      bool
	HitIterationCap bool
	HitLoopGuard    bool
}

// RunToolLoop iterates up to MaxIterations, calling the provider,
// executing any requested tool calls via the
// registry's parallel-aware ExecuteCalls, tracking a tool-error streak, and
// nudging once for an empty final turn. It never mutates cfg.Messages;
// appended turns are returned separately so the caller decides what (if
// anything) to persist.
func RunToolLoop(ctx context.Context, cfg ToolLoopConfig) ToolLoopResult {
	messages := append([]providers.Message(nil), cfg.Messages...)
	var appended []providers.Message
	var usages []*providers.Usage

	errorStreak := 0
	nudged := false
	var finalContent string
	hitBackoff := false
	hitIterationCap := false
	hitLoopGuard := false
	lastStatus := time.Time{}
	loopState := newToolLoopState()

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	iteration := 0
	for ; iteration < maxIterations; iteration++ {
		if ctx.Err() != nil {
			break
		}

		if cfg.OnStatus != nil {
			if cfg.StatusMinInterval <= 0 || time.Since(lastStatus) >= cfg.StatusMinInterval {
				cfg.OnStatus(statusForIteration(iteration))
				lastStatus = time.Now()
			}
		}

		resp, err := cfg.Provider.Chat(ctx, providers.ChatRequest{
			Messages:       messages,
			Tools:          cfg.Tools.GetDefinitions(),
			Model:          cfg.Model,
			FallbackModels: cfg.FallbackModels,
			Options: map[string]interface{}{
				"max_tokens":  cfg.MaxTokens,
				"temperature": cfg.Temperature,
			},
		})
		if err != nil {
			finalContent = "Sorry, I encountered an error: " + err.Error()
			break
		}
		usages = append(usages, resp.Usage)

		if len(resp.ToolCalls) > 0 {
			assistantMsg := providers.Message{
				Role:                "assistant",
				Content:             resp.Content,
				ToolCalls:           resp.ToolCalls,
				RawAssistantContent: resp.RawAssistantContent,
			}
			messages = append(messages, assistantMsg)
			appended = append(appended, assistantMsg)

			calls := make([]tools.ToolCall, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				calls[i] = tools.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
			}
			results := cfg.Tools.ExecuteCalls(ctx, calls, true)

			var loopWarnings []string
			loopCritical := false
			for i, res := range results {
				tc := resp.ToolCalls[i]
				argsHash := loopState.record(tc.Name, tc.Arguments)

				if res == nil {
					res = tools.ErrorResult("tool produced no result")
				}
				toolMsg := providers.Message{
					Role:       "tool",
					Content:    res.ForLLM,
					ToolCallID: tc.ID,
				}
				messages = append(messages, toolMsg)
				appended = append(appended, toolMsg)

				if isStreakError(res.ForLLM) {
					errorStreak++
				} else {
					errorStreak = 0
				}

				loopState.recordResult(argsHash, res.ForLLM)
				if level, msg := loopState.detect(tc.Name, argsHash); level == "critical" {
					loopCritical = true
					finalContent = "I was unable to complete this task — I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
				} else if level == "warning" {
					loopWarnings = append(loopWarnings, msg)
				}
			}

			if loopCritical {
				hitLoopGuard = true
				break
			}
			for _, msg := range loopWarnings {
				warnMsg := providers.Message{Role: "user", Content: msg}
				messages = append(messages, warnMsg)
				appended = append(appended, warnMsg)
			}

			if cfg.ToolErrorBackoff > 0 && errorStreak >= cfg.ToolErrorBackoff {
				hitBackoff = true
				if cfg.BackgroundFallback {
					finalContent = FallbackBackgroundBackoff
				} else {
					finalContent = FallbackToolErrorBackoff
				}
				break
			}
			continue
		}

		if strings.TrimSpace(resp.Content) == "" {
			if nudged {
				finalContent = ""
				break
			}
			nudged = true
			nudgeMsg := providers.Message{Role: "user", Content: nudgeMessage}
			messages = append(messages, nudgeMsg)
			appended = append(appended, nudgeMsg)
			continue
		}

		finalContent = resp.Content
		break
	}

	if iteration >= maxIterations && finalContent == "" {
		hitIterationCap = true
	}
	if finalContent == "" && !hitBackoff {
		if cfg.BackgroundFallback {
			finalContent = FallbackBackgroundDone
		} else {
			finalContent = FallbackNoResponse
		}
	}

	return ToolLoopResult{
		Content:          finalContent,
		AppendedMessages: appended,
		Iterations:       iteration + 1,
		Usages:           usages,
		HitBackoff:       hitBackoff,
		HitIterationCap:  hitIterationCap,
		HitLoopGuard:     hitLoopGuard,
	}
}

// isStreakError reports whether a tool result counts toward the tool-error
// streak: starts with "error:" or "warning:" — both markers count, the
// stricter of two plausible readings; see DESIGN.md Open Question (b).
func isStreakError(forLLM string) bool {
	lower := strings.ToLower(forLLM)
	return strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "warning:")
}

func statusForIteration(iteration int) string {
	if iteration == 0 {
		return "Working on it…"
	}
	return "Still working…"
}
