package promptctx

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Skill is a named capability pack.
type Skill struct {
	Name   string
	Source string // "workspace" or "builtin"
	Path   string
	Meta   SkillMeta
}

// SkillMeta is the YAML-frontmatter-derived metadata block.
type SkillMeta struct {
	Description string
	Always      bool
	Requires    SkillRequires
}

type SkillRequires struct {
	Bins []string
	Env  []string
}

// SkillsLoader resolves skill names to SKILL.md files under a workspace
// skills/ directory (highest priority) and a builtin skills directory,
// caching parsed frontmatter and content by mtime (grounded on nanobot's
// SkillsLoader in original_source/nanobot/agent/skills.py).
type SkillsLoader struct {
	workspaceSkills string
	builtinSkills   string

	mu          sync.Mutex
	metaCache   map[string]cachedMeta
	contentCache map[string]cachedContent

	listValid bool
	listCache []Skill
	watcher   *fsnotify.Watcher
}

type cachedMeta struct {
	mtime int64
	meta  SkillMeta
}

type cachedContent struct {
	mtime   int64
	content string
}

func NewSkillsLoader(workspace, builtin string) *SkillsLoader {
	return &SkillsLoader{
		workspaceSkills: filepath.Join(workspace, "skills"),
		builtinSkills:   builtin,
		metaCache:       map[string]cachedMeta{},
		contentCache:    map[string]cachedContent{},
	}
}

// ResolveSkillPath finds a skill's SKILL.md, preferring the workspace copy.
func (l *SkillsLoader) ResolveSkillPath(name string) (path, source string, ok bool) {
	ws := filepath.Join(l.workspaceSkills, name, "SKILL.md")
	if fileExists(ws) {
		return ws, "workspace", true
	}
	if l.builtinSkills != "" {
		b := filepath.Join(l.builtinSkills, name, "SKILL.md")
		if fileExists(b) {
			return b, "builtin", true
		}
	}
	return "", "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Watch starts an fsnotify watch on the workspace skills directory so
// ListSkills can serve a memoized result between filesystem changes instead
// of re-reading the directory on every Context Builder call. Best-effort:
// failures are logged, not fatal (the loader still works without it, just
// re-lists every call).
func (l *SkillsLoader) Watch() {
	if err := os.MkdirAll(l.workspaceSkills, 0o755); err != nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("promptctx.skills_watch_unavailable", "error", err)
		return
	}
	if err := w.Add(l.workspaceSkills); err != nil {
		slog.Warn("promptctx.skills_watch_add_failed", "error", err)
		w.Close()
		return
	}
	l.watcher = w
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				l.mu.Lock()
				l.listValid = false
				l.mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("promptctx.skills_watch_error", "error", err)
			}
		}
	}()
}

func (l *SkillsLoader) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// ListSkills enumerates every skill visible from the workspace and builtin
// directories, workspace entries shadowing builtin entries of the same name.
// Memoized while a Watch() is active and no change has been observed.
func (l *SkillsLoader) ListSkills() []Skill {
	l.mu.Lock()
	if l.watcher != nil && l.listValid {
		cached := l.listCache
		l.mu.Unlock()
		return cached
	}
	l.mu.Unlock()

	seen := map[string]bool{}
	var out []Skill

	addDir := func(dir, source string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			path := filepath.Join(dir, e.Name(), "SKILL.md")
			if !fileExists(path) {
				continue
			}
			seen[e.Name()] = true
			out = append(out, Skill{Name: e.Name(), Source: source, Path: path, Meta: l.metadataFor(e.Name(), path)})
		}
	}
	addDir(l.workspaceSkills, "workspace")
	if l.builtinSkills != "" {
		addDir(l.builtinSkills, "builtin")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	l.mu.Lock()
	l.listCache = out
	l.listValid = true
	l.mu.Unlock()
	return out
}

// Available reports whether a skill's declared requirements are satisfied by
// the current environment (pure function of metadata + PATH + env vars).
func Available(meta SkillMeta) bool {
	for _, b := range meta.Requires.Bins {
		if _, err := exec.LookPath(b); err != nil {
			return false
		}
	}
	for _, e := range meta.Requires.Env {
		if os.Getenv(e) == "" {
			return false
		}
	}
	return true
}

// MissingRequirements describes what's missing for an unavailable skill.
func MissingRequirements(meta SkillMeta) []string {
	var missing []string
	for _, b := range meta.Requires.Bins {
		if _, err := exec.LookPath(b); err != nil {
			missing = append(missing, "CLI: "+b)
		}
	}
	for _, e := range meta.Requires.Env {
		if os.Getenv(e) == "" {
			missing = append(missing, "ENV: "+e)
		}
	}
	return missing
}

// AlwaysOnNames returns the names of available skills whose metadata marks
// always=true.
func (l *SkillsLoader) AlwaysOnNames() []string {
	var out []string
	for _, s := range l.ListSkills() {
		if s.Meta.Always && Available(s.Meta) {
			out = append(out, s.Name)
		}
	}
	return out
}

// LoadContent returns a skill's body (frontmatter stripped), cached by mtime.
func (l *SkillsLoader) LoadContent(name string) (string, bool) {
	path, _, ok := l.ResolveSkillPath(name)
	if !ok {
		return "", false
	}
	mtime := mtimeOf(path)

	l.mu.Lock()
	if c, ok := l.contentCache[path]; ok && c.mtime == mtime {
		l.mu.Unlock()
		return c.content, true
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := stripFrontmatter(string(data))

	l.mu.Lock()
	l.contentCache[path] = cachedContent{mtime: mtime, content: content}
	l.mu.Unlock()
	return content, true
}

func (l *SkillsLoader) metadataFor(name, path string) SkillMeta {
	mtime := mtimeOf(path)

	l.mu.Lock()
	if c, ok := l.metaCache[path]; ok && c.mtime == mtime {
		l.mu.Unlock()
		return c.meta
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return SkillMeta{}
	}
	meta := parseFrontmatter(string(data))

	l.mu.Lock()
	l.metaCache[path] = cachedMeta{mtime: mtime, meta: meta}
	l.mu.Unlock()
	return meta
}

func mtimeOf(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

var frontmatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?`)

func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	if m := frontmatterRe.FindStringIndex(content); m != nil {
		return strings.TrimSpace(content[m[1]:])
	}
	return content
}

// parseFrontmatter does lightweight "key: value" YAML-ish parsing for the
// flat frontmatter shape skill files use; full YAML is overkill for a
// handful of scalar/bool/list fields (grounded on nanobot's own frontmatter
// parser, which deliberately avoids a YAML dependency for the same reason).
func parseFrontmatter(content string) SkillMeta {
	var meta SkillMeta
	m := frontmatterRe.FindStringSubmatch(content)
	if m == nil {
		return meta
	}
	lines := strings.Split(m[1], "\n")
	var inRequires, inBins, inEnv bool
	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		indent := len(line) - len(strings.TrimLeft(line, " "))

		if indent == 0 {
			inRequires = strings.HasPrefix(trimmed, "requires:")
			inBins, inEnv = false, false
			if !inRequires {
				key, val, ok := splitKV(trimmed)
				if ok {
					switch key {
					case "description":
						meta.Description = unquote(val)
					case "always":
						meta.Always = val == "true"
					}
				}
			}
			continue
		}

		if inRequires && indent >= 2 {
			key, val, ok := splitKV(trimmed)
			if ok {
				switch key {
				case "bins":
					inBins, inEnv = true, false
					if v := inlineList(val); v != nil {
						meta.Requires.Bins = v
						inBins = false
					}
				case "env":
					inEnv, inBins = true, false
					if v := inlineList(val); v != nil {
						meta.Requires.Env = v
						inEnv = false
					}
				}
				continue
			}
			if strings.HasPrefix(trimmed, "- ") {
				item := unquote(strings.TrimPrefix(trimmed, "- "))
				if inBins {
					meta.Requires.Bins = append(meta.Requires.Bins, item)
				} else if inEnv {
					meta.Requires.Env = append(meta.Requires.Env, item)
				}
			}
		}
	}
	return meta
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// inlineList parses a "[a, b, c]" inline array; returns nil if val isn't one.
func inlineList(val string) []string {
	val = strings.TrimSpace(val)
	if !strings.HasPrefix(val, "[") || !strings.HasSuffix(val, "]") {
		return nil
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(val, "["), "]")
	if strings.TrimSpace(inner) == "" {
		return []string{}
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, unquote(p))
	}
	return out
}
