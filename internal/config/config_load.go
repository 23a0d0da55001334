package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

const DefaultAgentID = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:                   "claude-sonnet-4-5-20250929",
			MaxTokens:               8192,
			Temperature:             0.7,
			MaxToolIterations:       20,
			MemoryScope:             "session",
			MaxConcurrentMessages:   8,
			MemoryMaxChars:          4000,
			SkillsMaxChars:          4000,
			BootstrapMaxChars:       20000,
			HistoryMaxChars:         60000,
			ToolErrorBackoff:        3,
			AutoTuneMaxTokens:       false,
			AutoTuneStep:            1024,
			AutoTuneThreshold:       0.9,
			AutoTuneStreak:          2,
			SubagentSystemMaxChars:  8000,
			SubagentBootstrapChars:  2000,
			SubagentMemoryChars:     2000,
			SubagentSkillsChars:     2000,
			SubagentContextChars:    2000,
			SubagentTimeoutS:        300,
			SubagentMaxConcurrent:   4,
			SubagentMaxSpawnDepth:   3,
			SubagentMaxChildren:     8,
			SubagentArchiveMinutes:  30,
			SubagentProgressInterval: 20,
			Workspace:               "~/.agentd/workspace",
			RestrictToWorkspace:     true,
		},
		Tools: ToolsConfig{
			Exec: ExecConfig{TimeoutS: 60, RestrictToWorkspace: true},
			Web:  WebToolsConfig{MaxResults: 5, CacheTTLS: 300},
		},
		Sessions: SessionsConfig{
			Storage:     "~/.agentd/sessions",
			MaxMessages: 200,
		},
		Memory: MemoryConfig{
			Path:       "~/.agentd/memory.db",
			MaxResults: 8,
		},
		Cron: CronConfig{
			JobsFile:   "~/.agentd/cron.json",
			MaxRetries: 3,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:   false,
			IntervalS: 300,
		},
	}
}

// Load reads config from a JSON5 file, then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secrets and a handful of operational knobs from
// the environment. Provider API keys and channel tokens are ALWAYS sourced
// from env, never from the config file: credentials are never written to
// process-wide environment or globals, only passed per call — the config
// struct is merely the carrier from env to call site.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTD_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("AGENTD_ANTHROPIC_API_BASE", &c.Providers.Anthropic.APIBase)
	envStr("AGENTD_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("AGENTD_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)

	envStr("AGENTD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("AGENTD_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("AGENTD_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("AGENTD_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("AGENTD_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("AGENTD_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)

	envStr("AGENTD_BRAVE_API_KEY", &c.Tools.Web.BraveAPIKey)
	envStr("AGENTD_FIRECRAWL_API_KEY", &c.Tools.Web.FirecrawlAPIKey)

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}

	envStr("AGENTD_MODEL", &c.Agent.Model)
	envStr("AGENTD_WORKSPACE", &c.Agent.Workspace)
	envStr("AGENTD_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("AGENTD_MEMORY_PATH", &c.Memory.Path)
}

// ApplyEnvOverrides re-applies environment overrides, e.g. after a config
// file reload, to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file (secrets, tagged json:"-", are
// never serialized).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 prefix of the config, for optimistic
// concurrency / cache-invalidation fingerprints.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
