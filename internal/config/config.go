// Package config holds the single merged configuration tree for the agent
// runtime: agent defaults, providers, channels, and tool policy.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON5/JSON input.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the agent runtime.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Memory    MemoryConfig    `json:"memory"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`

	mu sync.RWMutex
}

// AgentConfig holds the agent runtime's tunable defaults.
type AgentConfig struct {
	Model             string              `json:"model"`
	FallbackModels    FlexibleStringSlice `json:"fallback_models,omitempty"`
	MaxTokens         int                 `json:"max_tokens"`
	Temperature       float64             `json:"temperature"`
	MaxToolIterations int                 `json:"max_tool_iterations"`

	MemoryScope            string `json:"memory_scope"` // "session" or "user"
	MaxConcurrentMessages  int    `json:"max_concurrent_messages"`
	MemoryMaxChars         int    `json:"memory_max_chars"`
	SkillsMaxChars         int    `json:"skills_max_chars"`
	BootstrapMaxChars      int    `json:"bootstrap_max_chars"`
	HistoryMaxChars        int    `json:"history_max_chars"`
	ToolErrorBackoff       int    `json:"tool_error_backoff"`

	AutoTuneMaxTokens  bool    `json:"auto_tune_max_tokens"`
	InitialMaxTokens   int     `json:"initial_max_tokens,omitempty"`
	AutoTuneStep       int     `json:"auto_tune_step"`
	AutoTuneThreshold  float64 `json:"auto_tune_threshold"`
	AutoTuneStreak     int     `json:"auto_tune_streak"`

	SubagentSystemMaxChars  int `json:"subagent_system_max_chars"`
	SubagentBootstrapChars  int `json:"subagent_bootstrap_chars"`
	SubagentMemoryChars     int `json:"subagent_memory_chars"`
	SubagentSkillsChars     int `json:"subagent_skills_chars"`
	SubagentContextChars    int `json:"subagent_context_chars"`
	SubagentTimeoutS        int `json:"subagent_timeout_s"`
	SubagentMaxConcurrent   int `json:"subagent_max_concurrent"`
	SubagentMaxSpawnDepth   int `json:"subagent_max_spawn_depth"`
	SubagentMaxChildren     int `json:"subagent_max_children_per_agent"`
	SubagentArchiveMinutes  int `json:"subagent_archive_after_minutes"`
	SubagentProgressInterval int `json:"subagent_progress_interval_s"`

	TrustedSessionOverrideChannels FlexibleStringSlice `json:"trusted_session_override_channels,omitempty"`

	Workspace           string `json:"workspace"`
	RestrictToWorkspace bool   `json:"restrict_to_workspace"`
	AllowedTools        FlexibleStringSlice `json:"allowed_tools,omitempty"`
}

// ProvidersConfig maps provider name to its credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig is one provider's credentials. APIKey is never marshaled
// back out (json:"-"); it is only ever populated from the environment.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider reports whether at least one provider has credentials.
func (c *Config) HasAnyProvider() bool {
	return c.Providers.Anthropic.APIKey != "" || c.Providers.OpenAI.APIKey != ""
}

// modelPrefixProvider maps a model ID's "/"-prefix to the provider expected
// to serve it, mirroring the original config schema's prefix_to_provider
// table (trimmed to the two providers this runtime wires).
var modelPrefixProvider = map[string]string{
	"anthropic": "anthropic",
	"claude":    "anthropic",
	"openai":    "openai",
	"gpt":       "openai",
}

// Validate reports non-fatal configuration warnings: today, a mismatch
// between the configured model's provider prefix and the provider that
// actually has credentials. It never returns an error — a bad combination
// may still work (proxies, custom model aliases) — callers log the result
// and keep starting up.
func (c *Config) Validate() []string {
	var warnings []string

	model := c.Agent.Model
	prefix, _, ok := strings.Cut(model, "/")
	if !ok {
		return warnings
	}
	expected, known := modelPrefixProvider[strings.ToLower(prefix)]
	if !known {
		return warnings
	}

	active := ""
	switch {
	case c.Providers.Anthropic.APIKey != "":
		active = "anthropic"
	case c.Providers.OpenAI.APIKey != "":
		active = "openai"
	}
	if active != "" && active != expected {
		warnings = append(warnings, fmt.Sprintf(
			"model %q looks like a %s model, but the active provider is %q — check your API keys or model setting",
			model, expected, active))
	}
	return warnings
}

// MemoryConfig controls the Memory Index.
type MemoryConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// CronConfig configures the jobs file and engine retry policy.
type CronConfig struct {
	JobsFile   string `json:"jobs_file"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// HeartbeatConfig configures the HEARTBEAT.md poll loop.
type HeartbeatConfig struct {
	Enabled      bool   `json:"enabled"`
	IntervalS    int    `json:"interval_s,omitempty"` // default 300
	Channel      string `json:"channel,omitempty"`    // where to deliver the heartbeat turn's reply
	ChatID       string `json:"chat_id,omitempty"`
}

// ReplaceFrom atomically swaps every field of c for those of src, preserving
// c's own mutex (hot-reload pattern).
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Providers = src.Providers
	c.Channels = src.Channels
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Memory = src.Memory
	c.Cron = src.Cron
	c.Heartbeat = src.Heartbeat
}

// Snapshot returns a copy of the config safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
