package tools

import (
	"context"
	"fmt"
	"strings"
)

// SubagentControlTool implements the `subagent_control` tool: list running
// or all background tasks, fetch one task's status/result, or cancel a
// running task.
type SubagentControlTool struct {
	spawner SubagentSpawner
}

func NewSubagentControlTool(spawner SubagentSpawner) *SubagentControlTool {
	return &SubagentControlTool{spawner: spawner}
}

func (t *SubagentControlTool) Name() string { return "subagent_control" }

func (t *SubagentControlTool) Description() string {
	return "Inspect or cancel background subagent tasks. action: list_running, list_all, get_task, cancel."
}

func (t *SubagentControlTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{"list_running", "list_all", "get_task", "cancel"},
			},
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Required for get_task and cancel.",
			},
		},
		"required": []string{"action"},
	}
}

func (t *SubagentControlTool) ParallelSafe() bool   { return true }
func (t *SubagentControlTool) Cacheable() bool      { return false }
func (t *SubagentControlTool) CacheTTLSeconds() int { return 0 }
func (t *SubagentControlTool) MaxRetries() int      { return 1 }
func (t *SubagentControlTool) CacheKey(map[string]interface{}) (string, bool) { return "", false }

func (t *SubagentControlTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.spawner == nil {
		return ErrorResult("subagents are not configured for this agent")
	}

	action, _ := args["action"].(string)
	switch action {
	case "list_running":
		return NewResult(formatTasks(t.spawner.ListRunning()))
	case "list_all":
		return NewResult(formatTasks(t.spawner.ListAll()))
	case "get_task":
		id, _ := args["task_id"].(string)
		if id == "" {
			return ErrorResult("task_id is required")
		}
		task, ok := t.spawner.GetTask(id)
		if !ok {
			return ErrorResult("no such task: " + id)
		}
		return NewResult(formatTask(task))
	case "cancel":
		id, _ := args["task_id"].(string)
		if id == "" {
			return ErrorResult("task_id is required")
		}
		if err := t.spawner.Cancel(id); err != nil {
			return ErrorResult(err.Error())
		}
		return UserResult(fmt.Sprintf("Cancelled task %s.", id))
	default:
		return ErrorResult("unknown action: " + action)
	}
}

func formatTasks(tasks []SubagentTaskInfo) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	var sb strings.Builder
	for _, task := range tasks {
		sb.WriteString(formatTask(task))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatTask(task SubagentTaskInfo) string {
	label := task.Label
	if label == "" {
		label = task.Task
	}
	return fmt.Sprintf("%s [%s] %s", task.ID, task.Status, label)
}
