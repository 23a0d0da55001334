// Package promptctx implements the Context Builder: system-prompt assembly
// (identity + bootstrap + retrieved memory + skills), history trimming, and
// per-section caching keyed by source-fingerprint signatures.
package promptctx

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/bootstrap"
	"github.com/nextlevelbuilder/agentd/internal/memory"
	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Budgets bounds each system-prompt section and the trimmed message history.
type Budgets struct {
	BootstrapMaxChars int
	MemoryMaxChars    int
	SkillsMaxChars    int
	HistoryMaxChars   int
}

// Builder assembles system prompts and message lists for one workspace.
type Builder struct {
	workspace string
	mem       *memory.Index
	skills    *SkillsLoader

	mu             sync.Mutex
	bootstrapCache sectionCache
	alwaysCache    sectionCache
	requestedCache map[string]sectionCache
	skillsSumCache sectionCache
}

type sectionCache struct {
	signature string
	value     string
}

func NewBuilder(workspace string, mem *memory.Index, skills *SkillsLoader) *Builder {
	return &Builder{workspace: workspace, mem: mem, skills: skills, requestedCache: map[string]sectionCache{}}
}

// Identity returns the per-call identity preamble: always regenerated, never
// cached.
func Identity(workspace, memoryScope, memoryPath string) string {
	return fmt.Sprintf("Current time: %s\nWorkspace: %s\nMemory scope: %s\nMemory path: %s",
		time.Now().Format(time.RFC3339), workspace, memoryScope, memoryPath)
}

// truncateHead keeps the first n characters, labeling the cut.
func truncateHead(text string, n int, label string) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	return fmt.Sprintf("[truncated %s to first %d chars]\n", label, n) + text[:n]
}

// truncateTail keeps the last n characters, dropping the head.
func truncateTail(text string, n int, label string) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	return fmt.Sprintf("[truncated %s to last %d chars]\n", label, n) + text[len(text)-n:]
}

type bootstrapSig struct {
	path  string
	mtime int64
}

func (b *Builder) bootstrapSignature(budget int) string {
	var parts []string
	for _, name := range bootstrap.BootstrapOrder {
		path := filepath.Join(b.workspace, name)
		parts = append(parts, fmt.Sprintf("%s@%d", path, mtimeOf(path)))
	}
	parts = append(parts, fmt.Sprintf("budget=%d", budget))
	return strings.Join(parts, "|")
}

// buildBootstrap concatenates the present bootstrap files in BootstrapOrder,
// truncated from the head to budget, cached by a (path,mtime)+budget
// signature.
func (b *Builder) buildBootstrap(budget int) string {
	sig := b.bootstrapSignature(budget)

	b.mu.Lock()
	if b.bootstrapCache.signature == sig {
		v := b.bootstrapCache.value
		b.mu.Unlock()
		return v
	}
	b.mu.Unlock()

	var parts []string
	for _, name := range bootstrap.BootstrapOrder {
		path := filepath.Join(b.workspace, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, string(data))
	}
	joined := strings.Join(parts, "\n\n---\n\n")
	value := truncateHead(joined, budget, "bootstrap")

	b.mu.Lock()
	b.bootstrapCache = sectionCache{signature: sig, value: value}
	b.mu.Unlock()
	return value
}

// buildMemory queries global ∪ active scope memory using the current user
// message plus the last up-to-10 user turns, de-duplicated, truncated from
// the tail. Never cached — the query depends on the current user message.
func (b *Builder) buildMemory(activeScope, userMessage string, history []providers.Message, limit, budget int) string {
	if b.mem == nil {
		return ""
	}
	queryParts := []string{userMessage}
	userTurns := 0
	for i := len(history) - 1; i >= 0 && userTurns < 10; i-- {
		if history[i].Role == "user" {
			queryParts = append(queryParts, history[i].Content)
			userTurns++
		}
	}
	query := strings.Join(queryParts, " ")

	entries, err := b.mem.SearchGlobalAndScope(activeScope, query, limit)
	if err != nil || len(entries) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(entries))
	var lines []string
	for _, e := range entries {
		normalized := normalizeOneLine(e.Content, 400)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		lines = append(lines, normalized)
	}
	joined := strings.Join(lines, "\n")
	return truncateTail(joined, budget, "memory")
}

func normalizeOneLine(s string, capChars int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > capChars {
		s = s[:capChars]
	}
	return s
}

// buildSkills assembles always-on skills, requested skills, and an XML
// availability summary, then truncates the joined result from the tail to
// budget.
func (b *Builder) buildSkills(requested []string, budget int) string {
	always := b.skills.AlwaysOnNames()
	requestedFiltered := make([]string, 0, len(requested))
	alwaysSet := make(map[string]bool, len(always))
	for _, n := range always {
		alwaysSet[n] = true
	}
	for _, n := range requested {
		if !alwaysSet[n] {
			requestedFiltered = append(requestedFiltered, n)
		}
	}

	var sections []string
	if s := b.inlineSkills(always, &b.alwaysCache, "always"); s != "" {
		sections = append(sections, s)
	}
	if len(requestedFiltered) > 0 {
		key := strings.Join(requestedFiltered, ",")
		cache := b.requestedCache[key]
		if s := b.inlineSkills(requestedFiltered, &cache, "requested:"+key); s != "" {
			sections = append(sections, s)
		}
		b.mu.Lock()
		b.requestedCache[key] = cache
		b.mu.Unlock()
	}
	if s := b.skillsSummary(); s != "" {
		sections = append(sections, s)
	}

	joined := strings.Join(sections, "\n\n---\n\n")
	return truncateTail(joined, budget, "skills")
}

func (b *Builder) inlineSkills(names []string, cache *sectionCache, sigPrefix string) string {
	if len(names) == 0 {
		return ""
	}
	var sigParts []string
	sigParts = append(sigParts, sigPrefix)
	for _, n := range names {
		path, _, ok := b.skills.ResolveSkillPath(n)
		if !ok {
			continue
		}
		sigParts = append(sigParts, fmt.Sprintf("%s@%d", path, mtimeOf(path)))
	}
	sig := strings.Join(sigParts, "|")

	b.mu.Lock()
	if cache.signature == sig {
		v := cache.value
		b.mu.Unlock()
		return v
	}
	b.mu.Unlock()

	var parts []string
	for _, n := range names {
		content, ok := b.skills.LoadContent(n)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", n, content))
	}
	value := strings.Join(parts, "\n\n---\n\n")

	b.mu.Lock()
	*cache = sectionCache{signature: sig, value: value}
	b.mu.Unlock()
	return value
}

// skillsSummary caches by skill file mtimes plus an availability fingerprint
// derived from which(bin) results and env-var presence.
func (b *Builder) skillsSummary() string {
	all := b.skills.ListSkills()
	sig := availabilitySignature(all)

	b.mu.Lock()
	if b.skillsSumCache.signature == sig {
		v := b.skillsSumCache.value
		b.mu.Unlock()
		return v
	}
	b.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("<skills>\n")
	for _, s := range all {
		available := Available(s.Meta)
		sb.WriteString(fmt.Sprintf("  <skill available=\"%t\">\n", available))
		sb.WriteString(fmt.Sprintf("    <name>%s</name>\n", escapeXML(s.Name)))
		sb.WriteString(fmt.Sprintf("    <description>%s</description>\n", escapeXML(s.Meta.Description)))
		sb.WriteString(fmt.Sprintf("    <location>%s</location>\n", escapeXML(s.Path)))
		if !available {
			if missing := MissingRequirements(s.Meta); len(missing) > 0 {
				sb.WriteString(fmt.Sprintf("    <requires>%s</requires>\n", escapeXML(strings.Join(missing, ", "))))
			}
		}
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</skills>")
	value := sb.String()

	b.mu.Lock()
	b.skillsSumCache = sectionCache{signature: sig, value: value}
	b.mu.Unlock()
	return value
}

func availabilitySignature(skills []Skill) string {
	var parts []string
	for _, s := range skills {
		parts = append(parts, fmt.Sprintf("%s@%d", s.Path, mtimeOf(s.Path)))
		bins := append([]string(nil), s.Meta.Requires.Bins...)
		sort.Strings(bins)
		for _, bin := range bins {
			resolved, _ := exec.LookPath(bin)
			parts = append(parts, fmt.Sprintf("bin:%s=%s", bin, resolved))
		}
		envs := append([]string(nil), s.Meta.Requires.Env...)
		sort.Strings(envs)
		for _, e := range envs {
			present := "0"
			if os.Getenv(e) != "" {
				present = "1"
			}
			parts = append(parts, fmt.Sprintf("env:%s=%s", e, present))
		}
	}
	return strings.Join(parts, "|")
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// BuildSystemPrompt concatenates identity + bootstrap + memory + skills with
// "\n\n---\n\n" separators.
func (b *Builder) BuildSystemPrompt(memoryScope, memoryPath, activeScope, userMessage string, history []providers.Message, requestedSkills []string, memoryLimit int, budgets Budgets) string {
	sections := []string{
		Identity(b.workspace, memoryScope, memoryPath),
		b.buildBootstrap(budgets.BootstrapMaxChars),
	}
	if mem := b.buildMemory(activeScope, userMessage, history, memoryLimit, budgets.MemoryMaxChars); mem != "" {
		sections = append(sections, mem)
	}
	if sk := b.buildSkills(requestedSkills, budgets.SkillsMaxChars); sk != "" {
		sections = append(sections, sk)
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// BuildMessages returns [system] + trimmed_history + [user], trimming from
// the front of history until it fits historyMaxChars and prepending a
// synthetic notice about what was dropped.
func BuildMessages(systemPrompt string, history []providers.Message, userMessage providers.Message, historyMaxChars int) []providers.Message {
	trimmed, dropped := trimHistory(history, historyMaxChars)
	out := make([]providers.Message, 0, len(trimmed)+2)
	out = append(out, providers.Message{Role: "system", Content: systemPrompt})
	if dropped > 0 {
		out = append(out, providers.Message{Role: "user", Content: fmt.Sprintf("%d earlier messages were omitted to fit the context budget.", dropped)})
	}
	out = append(out, trimmed...)
	out = append(out, userMessage)
	return out
}

func trimHistory(history []providers.Message, maxChars int) ([]providers.Message, int) {
	if maxChars <= 0 {
		return history, 0
	}
	total := 0
	for _, m := range history {
		total += len(m.Content)
	}
	dropped := 0
	start := 0
	for total > maxChars && start < len(history) {
		total -= len(history[start].Content)
		start++
		dropped++
	}
	return history[start:], dropped
}

func mtimeOf(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}
