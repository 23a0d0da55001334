// Package heartbeat implements the workspace HEARTBEAT.md checker: on a
// timer, if the file contains actionable tasks, invoke a callback that runs
// one agent turn. The Agent Loop is an opaque callback.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Callback runs one agent turn seeded with the heartbeat prompt. It returns
// an error if the turn could not be dispatched.
type Callback func(ctx context.Context, prompt string) error

// Checker polls a workspace's HEARTBEAT.md on an interval and fires
// Callback whenever it contains at least one unchecked, non-empty task.
type Checker struct {
	path     string
	interval time.Duration
	callback Callback

	mu       sync.Mutex
	lastSize int64
	lastMod  int64
	lastData string

	stop chan struct{}
	done chan struct{}
}

// New creates a Checker for workspace/HEARTBEAT.md.
func New(workspace string, interval time.Duration, callback Callback) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		path:     filepath.Join(workspace, "HEARTBEAT.md"),
		interval: interval,
		callback: callback,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop in the background until ctx is canceled or Stop
// is called.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// Stop ends the poll loop and waits for it to exit.
func (c *Checker) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Checker) tick(ctx context.Context) {
	info, err := os.Stat(c.path)
	if err != nil {
		return // no HEARTBEAT.md, nothing to do
	}

	c.mu.Lock()
	unchanged := info.Size() == c.lastSize && info.ModTime().UnixNano() == c.lastMod
	content := c.lastData
	c.mu.Unlock()

	// Re-read only when size or mtime changed; otherwise reuse the last content.
	if !unchanged {
		data, err := os.ReadFile(c.path)
		if err != nil {
			return
		}
		content = string(data)
		c.mu.Lock()
		c.lastSize = info.Size()
		c.lastMod = info.ModTime().UnixNano()
		c.lastData = content
		c.mu.Unlock()
	}

	tasks := ActionableTasks(content)
	if len(tasks) == 0 {
		return
	}

	slog.Info("heartbeat: found actionable tasks", "count", len(tasks))
	if err := c.callback(ctx, BuildPrompt(content, tasks)); err != nil {
		slog.Warn("heartbeat: callback failed", "error", err)
	}
}

var checkboxRe = regexp.MustCompile(`^\s*-\s*\[( |x|X)\]\s*(.+)$`)

// ActionableTasks extracts unchecked, non-empty markdown checkbox items
// from content, ignoring headers and blank lines.
func ActionableTasks(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		checked := m[1] != " "
		text := strings.TrimSpace(m[2])
		if checked || text == "" {
			continue
		}
		out = append(out, text)
	}
	return out
}

// BuildPrompt assembles the agent turn prompt from the raw HEARTBEAT.md
// content and its actionable tasks.
func BuildPrompt(content string, tasks []string) string {
	var b strings.Builder
	b.WriteString("Heartbeat check: HEARTBEAT.md has unfinished tasks.\n\n")
	for _, t := range tasks {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	b.WriteString("\nWork on these, and update HEARTBEAT.md to check off anything completed.")
	return b.String()
}
