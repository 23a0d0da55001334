// Package agent implements the Agent Loop: per-session FIFO
// dispatch with bounded global concurrency, request-scoped tool registries,
// and the provider tool-use loop shared with the Subagent Manager.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/promptctx"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// defaultContextWindow is used for compaction-threshold math when the
// provider's actual context window isn't known to this runtime.
const defaultContextWindow = 180000

// LoopConfig constructs a Loop. Fields mirror the agent runtime's defaults.
type LoopConfig struct {
	ID             string
	Provider       providers.Provider
	Model          string
	FallbackModels []string
	MaxTokens      int
	Temperature    float64
	MaxIterations  int

	MemoryScope           string // "session" or "user"
	MaxConcurrentMessages int
	Budgets               promptctx.Budgets
	MemoryLimit           int
	ToolErrorBackoff      int

	AutoTuneMaxTokens bool
	InitialMaxTokens  int
	AutoTuneStep      int
	AutoTuneThreshold float64
	AutoTuneStreak    int

	Workspace           string
	RestrictToWorkspace bool
	MemoryPath          string

	TrustedSessionOverrideChannels []string

	Sessions *sessions.Manager
	Tools    *tools.Registry
	Builder  *promptctx.Builder
	Bus      *bus.MessageBus
	Spawner  tools.SubagentSpawner

	MaxSessionMessages int
	ContextWindow      int
	Compaction         *CompactionConfig
	StatusMinInterval  time.Duration
}

// Loop owns the Session Store, the base Tool Registry, the Subagent Manager
// handle, and the provider client for its process lifetime.
type Loop struct {
	id             string
	provider       providers.Provider
	model          string
	fallbackModels []string
	maxTokens      int
	temperature    float64
	maxIterations  int

	memoryScope           string
	maxConcurrentMessages int
	budgets               promptctx.Budgets
	memoryLimit           int
	toolErrorBackoff      int

	autoTuneMaxTokens bool
	initialMaxTokens  int
	autoTuneStep      int
	autoTuneThreshold float64
	autoTuneStreak    int

	workspace           string
	restrictToWorkspace bool
	memoryPath          string

	trustedOverride map[string]bool

	sessions *sessions.Manager
	tools    *tools.Registry
	builder  *promptctx.Builder
	bus      *bus.MessageBus
	spawner  tools.SubagentSpawner

	maxSessionMessages int
	contextWindow      int
	compactionCfg      CompactionConfig
	statusMinInterval  time.Duration

	summarizeMu sync.Map

	tailsMu sync.Mutex
	tails   map[string]chan struct{}
	sem     chan struct{}
}

func NewLoop(cfg LoopConfig) *Loop {
	maxConcurrent := cfg.MaxConcurrentMessages
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}
	contextWindow := cfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = defaultContextWindow
	}
	compactionCfg := defaultCompactionCfg
	if cfg.Compaction != nil {
		compactionCfg = *cfg.Compaction
	}
	statusInterval := cfg.StatusMinInterval
	if statusInterval <= 0 {
		statusInterval = 15 * time.Second
	}

	trusted := make(map[string]bool, len(cfg.TrustedSessionOverrideChannels))
	for _, c := range cfg.TrustedSessionOverrideChannels {
		trusted[c] = true
	}

	return &Loop{
		id:                     cfg.ID,
		provider:               cfg.Provider,
		model:                  cfg.Model,
		fallbackModels:         cfg.FallbackModels,
		maxTokens:              cfg.MaxTokens,
		temperature:            cfg.Temperature,
		maxIterations:          maxIterations,
		memoryScope:            cfg.MemoryScope,
		maxConcurrentMessages:  maxConcurrent,
		budgets:                cfg.Budgets,
		memoryLimit:            cfg.MemoryLimit,
		toolErrorBackoff:       cfg.ToolErrorBackoff,
		autoTuneMaxTokens:      cfg.AutoTuneMaxTokens,
		initialMaxTokens:       cfg.InitialMaxTokens,
		autoTuneStep:           cfg.AutoTuneStep,
		autoTuneThreshold:      cfg.AutoTuneThreshold,
		autoTuneStreak:         cfg.AutoTuneStreak,
		workspace:              cfg.Workspace,
		restrictToWorkspace:    cfg.RestrictToWorkspace,
		memoryPath:             cfg.MemoryPath,
		trustedOverride:        trusted,
		sessions:               cfg.Sessions,
		tools:                  cfg.Tools,
		builder:                cfg.Builder,
		bus:                    cfg.Bus,
		spawner:                cfg.Spawner,
		maxSessionMessages:     cfg.MaxSessionMessages,
		contextWindow:          contextWindow,
		compactionCfg:          compactionCfg,
		statusMinInterval:      statusInterval,
		tails:                  make(map[string]chan struct{}),
		sem:                    make(chan struct{}, maxConcurrent),
	}
}

// ID returns this loop's agent identifier.
func (l *Loop) ID() string { return l.id }

// sessionKeyFor computes the effective session_key and the (channel, chatID)
// an outbound reply/tool should target, honoring the system-channel routing
// and trusted session_key override rules.
func (l *Loop) sessionKeyFor(msg bus.InboundMessage) (sessionKey, replyChannel, replyChatID string) {
	replyChannel, replyChatID = msg.Channel, msg.ChatID

	if msg.Channel == "system" {
		if origChannel, origChatID, ok := strings.Cut(msg.ChatID, ":"); ok {
			replyChannel, replyChatID = origChannel, origChatID
		}
	}

	sessionKey = replyChannel + ":" + replyChatID

	if override, ok := msg.SessionKeyOverride(); ok && l.trustedOverride[msg.Channel] {
		sessionKey = override
	}
	return sessionKey, replyChannel, replyChatID
}

// Dispatch is the single entrypoint for inbound traffic. Control
// metadata is handled synchronously inline; everything else is scheduled
// under per-session FIFO ordering with bounded global concurrency and
// processed in a background goroutine.
func (l *Loop) Dispatch(ctx context.Context, msg bus.InboundMessage) {
	sessionKey, replyChannel, replyChatID := l.sessionKeyFor(msg)

	if op, ok := msg.Control(); ok {
		l.handleControl(ctx, op, msg, replyChannel, replyChatID)
		return
	}

	prev, mine := l.tailAndSwap(sessionKey)
	go l.runScheduled(ctx, sessionKey, replyChannel, replyChatID, msg, prev, mine)
}

// tailAndSwap returns the previous tail channel (if any, else nil) for
// sessionKey and installs a fresh one that this task will close on exit.
func (l *Loop) tailAndSwap(sessionKey string) (prev, mine chan struct{}) {
	l.tailsMu.Lock()
	defer l.tailsMu.Unlock()
	prev = l.tails[sessionKey]
	mine = make(chan struct{})
	l.tails[sessionKey] = mine
	return prev, mine
}

func (l *Loop) clearTail(sessionKey string, mine chan struct{}) {
	l.tailsMu.Lock()
	defer l.tailsMu.Unlock()
	if l.tails[sessionKey] == mine {
		delete(l.tails, sessionKey)
	}
	close(mine)
}

// runScheduled awaits the previous tail for this session (FIFO), then the
// global semaphore (bounded concurrency), before running the turn — per
// session, ordering is preserved.
func (l *Loop) runScheduled(ctx context.Context, sessionKey, replyChannel, replyChatID string, msg bus.InboundMessage, prev, mine chan struct{}) {
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			l.clearTail(sessionKey, mine)
			return
		}
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		l.clearTail(sessionKey, mine)
		return
	}
	defer func() { <-l.sem }()
	defer l.clearTail(sessionKey, mine)

	if err := l.runTurn(ctx, sessionKey, replyChannel, replyChatID, msg); err != nil {
		slog.Error("agent turn failed", "session", sessionKey, "error", err)
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel: replyChannel,
			ChatID:  replyChatID,
			Content: "Sorry, I encountered an error: " + err.Error(),
			Metadata: map[string]string{"type": bus.OutboundTypeAssistant},
		})
	}
}

// runTurn builds a request-scoped registry and message list, runs the
// shared tool-use loop, persists the transcript, and emits the reply.
func (l *Loop) runTurn(ctx context.Context, sessionKey, replyChannel, replyChatID string, msg bus.InboundMessage) error {
	sess := l.sessions.GetOrCreate(sessionKey)

	registry := l.tools.Clone()
	registry.Register(tools.NewMessageTool(l.bus, replyChannel, replyChatID))
	if l.spawner != nil {
		registry.Register(tools.NewSpawnTool(l.spawner, replyChannel, replyChatID))
		registry.Register(tools.NewSubagentControlTool(l.spawner))
	}
	if allowed := l.sessionAllowedTools(sess); len(allowed) > 0 {
		registry.SetAllowed(allowed)
	}

	model := l.model
	if m, ok := msg.ModelOverride(); ok {
		model = m
	}

	activeScope := sessionKey
	if l.memoryScope == "user" {
		activeScope = msg.SenderID
	}

	history := toProviderMessages(sess.History())
	systemPrompt := l.builder.BuildSystemPrompt(l.memoryScope, l.memoryPath, activeScope, msg.Content, history, nil, l.memoryLimit, l.budgets)

	userMsg := providers.Message{Role: "user", Content: msg.Content}
	if len(msg.Media) > 0 {
		userMsg.Images = loadImages(msg.Media)
	}

	trimmedHistory := limitHistoryTurns(history, 0)
	messages := promptctx.BuildMessages(systemPrompt, sanitizeHistory(trimmedHistory), userMsg, l.budgets.HistoryMaxChars)

	maxTokens := l.effectiveMaxTokens(sess)

	var statusLast time.Time
	result := RunToolLoop(ctx, ToolLoopConfig{
		Provider:          l.provider,
		Model:             model,
		FallbackModels:    l.fallbackModels,
		MaxTokens:         maxTokens,
		Temperature:       l.temperature,
		MaxIterations:     l.maxIterations,
		ToolErrorBackoff:  l.toolErrorBackoff,
		Tools:             registry,
		Messages:          messages,
		StatusMinInterval: l.statusMinInterval,
		OnStatus: func(text string) {
			if time.Since(statusLast) < l.statusMinInterval {
				return
			}
			statusLast = time.Now()
			l.bus.PublishOutbound(bus.OutboundMessage{
				Channel:  replyChannel,
				ChatID:   replyChatID,
				Content:  text,
				Metadata: map[string]string{"type": bus.OutboundTypeStatus},
			})
		},
	})

	for _, u := range result.Usages {
		if u == nil {
			continue
		}
		if spike := sess.RecordUsage(u); spike {
			slog.Warn("prompt token spike", "session", sessionKey, "prompt_tokens", u.PromptTokens, "peak", sess.PeakPromptTokens())
		}
	}
	l.applyAutoTune(sess, result)

	finalContent := SanitizeAssistantContent(result.Content)
	if finalContent == "" {
		finalContent = FallbackNoResponse
	}

	sess.AppendMessage(sessions.Message{Role: "user", Content: msg.Content, Timestamp: time.Now()}, l.maxSessionMessages)
	for _, m := range result.AppendedMessages {
		if m.Role == "user" {
			continue // the nudge message is internal scaffolding, not a real user turn
		}
		sess.AppendMessage(sessions.Message{
			Role:       m.Role,
			Content:    m.Content,
			Timestamp:  time.Now(),
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}, l.maxSessionMessages)
	}
	sess.AppendMessage(sessions.Message{Role: "assistant", Content: finalContent, Timestamp: time.Now()}, l.maxSessionMessages)

	l.sessions.SaveAsync(sess, func(err error) {
		slog.Error("session save failed", "session", sessionKey, "error", err)
	})

	if !IsSilentReply(finalContent) {
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  replyChannel,
			ChatID:   replyChatID,
			Content:  finalContent,
			Metadata: map[string]string{"type": bus.OutboundTypeAssistant},
		})
	}

	l.maybeSummarize(ctx, sess)
	return nil
}

// sessionAllowedTools returns a per-session allowed_tools override stored in
// session metadata, applied as a filter when present.
func (l *Loop) sessionAllowedTools(sess *sessions.Session) []string {
	v, ok := sess.GetMetadata("allowed_tools")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// effectiveMaxTokens is the auto-tuning read side:
// min(max_tokens_cap, session.max_tokens_override ?? initial_max_tokens ?? cap).
func (l *Loop) effectiveMaxTokens(sess *sessions.Session) int {
	maxCap := l.maxTokens
	if !l.autoTuneMaxTokens {
		return maxCap
	}
	if override, ok := sess.MaxTokensOverride(); ok && override > 0 {
		if override < maxCap {
			return override
		}
		return maxCap
	}
	if l.initialMaxTokens > 0 && l.initialMaxTokens < maxCap {
		return l.initialMaxTokens
	}
	return maxCap
}

// applyAutoTune implements the write side: after a successful no-tool-call
// turn whose completion_tokens >= threshold * max_tokens_used for `streak`
// consecutive turns, raise the override by `step` (capped at max_tokens).
func (l *Loop) applyAutoTune(sess *sessions.Session, result ToolLoopResult) {
	if !l.autoTuneMaxTokens || len(result.Usages) == 0 {
		return
	}
	last := result.Usages[len(result.Usages)-1]
	if last == nil || result.HitBackoff || result.HitLoopGuard || result.HitIterationCap {
		sess.SetAutoTuneStreak(0)
		return
	}

	used := l.effectiveMaxTokens(sess)
	qualifies := used > 0 && float64(last.CompletionTokens) >= l.autoTuneThreshold*float64(used)
	if !qualifies {
		sess.SetAutoTuneStreak(0)
		return
	}

	streak := sess.AutoTuneStreak() + 1
	if streak < l.autoTuneStreak {
		sess.SetAutoTuneStreak(streak)
		return
	}

	current, ok := sess.MaxTokensOverride()
	if !ok {
		current = l.initialMaxTokens
		if current <= 0 {
			current = used
		}
	}
	next := current + l.autoTuneStep
	if next > l.maxTokens {
		next = l.maxTokens
	}
	sess.SetMaxTokensOverride(next)
	sess.SetAutoTuneStreak(0)
}

// handleControl services subagent_list/subagent_spawn/subagent_cancel
// metadata synchronously, without invoking the LLM.
func (l *Loop) handleControl(ctx context.Context, op string, msg bus.InboundMessage, replyChannel, replyChatID string) {
	var reply string
	switch op {
	case "subagent_list":
		reply = l.formatSubagentList()
	case "subagent_spawn":
		if l.spawner == nil {
			reply = "Error: subagents are not configured for this agent."
			break
		}
		label := msg.Metadata["label"]
		id, err := l.spawner.Spawn(ctx, msg.Content, label, replyChannel, replyChatID, "")
		if err != nil {
			reply = "Error: " + err.Error()
		} else {
			reply = fmt.Sprintf("Started background task %s.", id)
		}
	case "subagent_cancel":
		if l.spawner == nil {
			reply = "Error: subagents are not configured for this agent."
			break
		}
		if err := l.spawner.Cancel(msg.Content); err != nil {
			reply = "Error: " + err.Error()
		} else {
			reply = fmt.Sprintf("Cancelled task %s.", msg.Content)
		}
	default:
		reply = "Error: unknown control operation " + op
	}

	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  replyChannel,
		ChatID:   replyChatID,
		Content:  reply,
		Metadata: map[string]string{"type": bus.OutboundTypeSubagents},
	})
}

func (l *Loop) formatSubagentList() string {
	if l.spawner == nil {
		return "No background tasks (subagents are not configured for this agent)."
	}
	tasks := l.spawner.ListAll()
	if len(tasks) == 0 {
		return "No background tasks."
	}
	var sb strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&sb, "%s [%s] %s\n", t.ID, t.Status, Truncate(t.Task, 80))
	}
	return sb.String()
}

// Truncate shortens s to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
