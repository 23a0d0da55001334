package tools

import (
	"context"
	"fmt"
)

// SpawnTool implements the `spawn` tool: a thin handle into whatever
// implements SubagentSpawner (internal/subagent.Manager). Bound per request
// like MessageTool, so a subagent's own announce-back destination is always
// the conversation that asked for it.
type SpawnTool struct {
	spawner       SubagentSpawner
	originChannel string
	originChatID  string
}

func NewSpawnTool(spawner SubagentSpawner, originChannel, originChatID string) *SpawnTool {
	return &SpawnTool{spawner: spawner, originChannel: originChannel, originChatID: originChatID}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Start a background subagent to work on a task independently. Returns a task ID immediately; the subagent announces its result back to this conversation when done."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for this task, shown in status listings.",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra context the subagent should know (excerpt of the parent conversation, constraints, etc.).",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) ParallelSafe() bool   { return true }
func (t *SpawnTool) Cacheable() bool      { return false }
func (t *SpawnTool) CacheTTLSeconds() int { return 0 }
func (t *SpawnTool) MaxRetries() int      { return 1 }
func (t *SpawnTool) CacheKey(map[string]interface{}) (string, bool) { return "", false }

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.spawner == nil {
		return ErrorResult("subagents are not configured for this agent")
	}
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	taskContext, _ := args["context"].(string)

	id, err := t.spawner.Spawn(ctx, task, label, t.originChannel, t.originChatID, taskContext)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return UserResult(fmt.Sprintf("Started background task %s.", id))
}
