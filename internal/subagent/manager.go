// Package subagent implements the Subagent Manager: independent
// background workers that run the same tool-use loop as the main Agent
// Loop, sharing the bus and Memory Index but building their own Tool
// Registry, and announcing their result back to the conversation that
// requested them.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// Config wires a Manager to the rest of the runtime. BuildTools is invoked
// once per spawned task so each subagent gets its own Registry instance.
// It must not register spawn/subagent_control, since subagents do not
// themselves spawn further subagents — nesting is capped at one level.
type Config struct {
	Provider providers.Provider
	Model    string
	Bus      *bus.MessageBus
	BuildTools func() *tools.Registry

	MaxConcurrent     int
	MaxIterations     int
	ToolErrorBackoff  int
	MaxTokens         int
	Temperature       float64
	TimeoutS          int
	ProgressInterval  time.Duration
	MaxCompleted      int // completed-task LRU capacity
}

// Manager implements tools.SubagentSpawner.
type Manager struct {
	cfg Config
	sem chan struct{}

	mu        sync.Mutex
	tasks     map[string]*taskState
	completed []string // insertion-ordered IDs, oldest first, for LRU eviction
}

type taskState struct {
	info   tools.SubagentTaskInfo
	cancel context.CancelFunc
}

func New(cfg Config) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if cfg.MaxCompleted <= 0 {
		cfg.MaxCompleted = 50
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 20 * time.Second
	}
	if cfg.TimeoutS <= 0 {
		cfg.TimeoutS = 300
	}
	cfg.MaxConcurrent = maxConcurrent

	return &Manager{
		cfg:   cfg,
		sem:   make(chan struct{}, maxConcurrent),
		tasks: make(map[string]*taskState),
	}
}

// Spawn starts a background task. It returns immediately with a task ID;
// the task runs in its own goroutine under the manager's concurrency
// semaphore and a hard wall-clock timeout.
func (m *Manager) Spawn(ctx context.Context, task, label, originChannel, originChatID, taskContext string) (string, error) {
	if task == "" {
		return "", fmt.Errorf("task is required")
	}
	id := uuid.NewString()
	if label == "" {
		label = agent.Truncate(task, 50)
	}

	now := time.Now().UnixMilli()
	st := &taskState{info: tools.SubagentTaskInfo{
		ID:          id,
		Label:       label,
		Task:        task,
		Status:      tools.TaskStatusRunning,
		CreatedAtMs: now,
	}}

	taskCtx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.TimeoutS)*time.Second)
	st.cancel = cancel

	m.mu.Lock()
	m.tasks[id] = st
	m.mu.Unlock()

	slog.Info("subagent spawned", "id", id, "label", label)

	go m.runTask(taskCtx, id, task, taskContext, originChannel, originChatID)

	return id, nil
}

func (m *Manager) runTask(ctx context.Context, id, task, taskContext, originChannel, originChatID string) {
	defer func() {
		m.mu.Lock()
		if st, ok := m.tasks[id]; ok {
			st.cancel()
		}
		m.mu.Unlock()
	}()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.finish(id, tools.TaskStatusTimeout, "timed out waiting for a worker slot")
		} else {
			m.finish(id, tools.TaskStatusCancelled, "cancelled before a worker slot became available")
		}
		return
	}
	defer func() { <-m.sem }()

	registry := m.cfg.BuildTools()

	prompt := task
	if taskContext != "" {
		prompt = "Context: " + taskContext + "\n\nTask: " + task
	}

	progressTicker := time.NewTicker(m.cfg.ProgressInterval)
	defer progressTicker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-progressTicker.C:
				m.cfg.Bus.PublishOutbound(bus.OutboundMessage{
					Channel: originChannel,
					ChatID:  originChatID,
					Content: fmt.Sprintf("Background task %s is still running…", id),
					Metadata: map[string]string{"type": bus.OutboundTypeSubagentEvent},
				})
			case <-done:
				return
			}
		}
	}()

	result := agent.RunToolLoop(ctx, agent.ToolLoopConfig{
		Provider:           m.cfg.Provider,
		Model:              m.cfg.Model,
		MaxTokens:          m.cfg.MaxTokens,
		Temperature:        m.cfg.Temperature,
		MaxIterations:      m.cfg.MaxIterations,
		ToolErrorBackoff:   m.cfg.ToolErrorBackoff,
		Tools:              registry,
		Messages:           []providers.Message{{Role: "user", Content: prompt}},
		BackgroundFallback: true,
	})
	close(done)

	status := tools.TaskStatusOK
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = tools.TaskStatusTimeout
		if result.Content == "" {
			result.Content = fmt.Sprintf("Task timed out after %d iterations.", result.Iterations)
		}
	case errors.Is(ctx.Err(), context.Canceled):
		status = tools.TaskStatusCancelled
		if result.Content == "" {
			result.Content = "Task was cancelled."
		}
	case result.HitBackoff:
		status = tools.TaskStatusError
	}

	m.finish(id, status, result.Content)

	m.cfg.Bus.PublishInbound(bus.InboundMessage{
		Channel:    "system",
		SenderID:   "subagent:" + id,
		ChatID:     originChannel + ":" + originChatID,
		Content:    fmt.Sprintf("Background task %q completed: %s", agent.Truncate(task, 80), result.Content),
		ReceivedAt: time.Now(),
	})
}

func (m *Manager) finish(id, status, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[id]
	if !ok {
		return
	}
	st.info.Status = status
	st.info.Result = result
	st.info.EndedAtMs = time.Now().UnixMilli()

	m.completed = append(m.completed, id)
	for len(m.completed) > m.cfg.MaxCompleted {
		evictID := m.completed[0]
		m.completed = m.completed[1:]
		if es, ok := m.tasks[evictID]; ok && es.info.Status != tools.TaskStatusRunning {
			delete(m.tasks, evictID)
		}
	}
}

func (m *Manager) ListRunning() []tools.SubagentTaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tools.SubagentTaskInfo
	for _, st := range m.tasks {
		if st.info.Status == tools.TaskStatusRunning {
			out = append(out, st.info)
		}
	}
	return out
}

func (m *Manager) ListAll() []tools.SubagentTaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tools.SubagentTaskInfo, 0, len(m.tasks))
	for _, st := range m.tasks {
		out = append(out, st.info)
	}
	return out
}

func (m *Manager) GetTask(id string) (tools.SubagentTaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[id]
	if !ok {
		return tools.SubagentTaskInfo{}, false
	}
	return st.info, true
}

func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such task: %s", id)
	}
	if st.info.Status != tools.TaskStatusRunning {
		return fmt.Errorf("task %s is not running (status: %s)", id, st.info.Status)
	}
	st.cancel()
	return nil
}
