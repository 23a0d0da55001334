package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/bootstrap"
	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/channels"
	"github.com/nextlevelbuilder/agentd/internal/channels/discord"
	"github.com/nextlevelbuilder/agentd/internal/channels/feishu"
	"github.com/nextlevelbuilder/agentd/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentd/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/cron"
	"github.com/nextlevelbuilder/agentd/internal/heartbeat"
	"github.com/nextlevelbuilder/agentd/internal/memory"
	"github.com/nextlevelbuilder/agentd/internal/promptctx"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/subagent"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime (channels, scheduler, cron, heartbeat)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		slog.Error("no provider API key configured", "hint", "set AGENTD_ANTHROPIC_API_KEY or AGENTD_OPENAI_API_KEY")
		os.Exit(1)
	}
	for _, w := range cfg.Validate() {
		slog.Warn("config warning", "detail", w)
	}

	workspace := config.ExpandHome(cfg.Agent.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "error", err)
		os.Exit(1)
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("bootstrap template seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace templates", "files", seeded)
	}

	msgBus := bus.New()

	memPath := config.ExpandHome(cfg.Memory.Path)
	memIndex, err := memory.Open(memPath)
	if err != nil {
		slog.Error("failed to open memory index", "error", err)
		os.Exit(1)
	}
	defer memIndex.Close()

	skillsLoader := promptctx.NewSkillsLoader(workspace, "")
	skillsLoader.Watch()
	defer skillsLoader.Close()
	builder := promptctx.NewBuilder(workspace, memIndex, skillsLoader)

	sessMgr := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage))

	provCreds := providers.ProviderCreds{Model: cfg.Agent.Model}
	var provider providers.Provider
	switch {
	case cfg.Providers.Anthropic.APIKey != "":
		provCreds.Name, provCreds.APIKey, provCreds.APIBase = "anthropic", cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase
	case cfg.Providers.OpenAI.APIKey != "":
		provCreds.Name, provCreds.APIKey, provCreds.APIBase = "openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase
	}
	provider = providers.Build(provCreds)

	pairingStore := store.NewFileStore(filepath.Join(workspace, ".pairing"))

	toolsReg := buildToolRegistry(cfg, workspace)

	subagentMgr := subagent.New(subagent.Config{
		Provider:         provider,
		Model:            cfg.Agent.Model,
		Bus:              msgBus,
		BuildTools:       func() *tools.Registry { return buildToolRegistry(cfg, workspace) },
		MaxConcurrent:    cfg.Agent.SubagentMaxConcurrent,
		MaxIterations:    cfg.Agent.MaxToolIterations,
		ToolErrorBackoff: cfg.Agent.ToolErrorBackoff,
		MaxTokens:        cfg.Agent.MaxTokens,
		Temperature:      cfg.Agent.Temperature,
		TimeoutS:         cfg.Agent.SubagentTimeoutS,
		ProgressInterval: time.Duration(cfg.Agent.SubagentProgressInterval) * time.Second,
		MaxCompleted:     100,
	})

	loop := agent.NewLoop(agent.LoopConfig{
		ID:             config.DefaultAgentID,
		Provider:       provider,
		Model:          cfg.Agent.Model,
		FallbackModels: cfg.Agent.FallbackModels,
		MaxTokens:      cfg.Agent.MaxTokens,
		Temperature:    cfg.Agent.Temperature,
		MaxIterations:  cfg.Agent.MaxToolIterations,

		MemoryScope:           cfg.Agent.MemoryScope,
		MaxConcurrentMessages: cfg.Agent.MaxConcurrentMessages,
		Budgets: promptctx.Budgets{
			BootstrapMaxChars: cfg.Agent.BootstrapMaxChars,
			MemoryMaxChars:    cfg.Agent.MemoryMaxChars,
			SkillsMaxChars:    cfg.Agent.SkillsMaxChars,
			HistoryMaxChars:   cfg.Agent.HistoryMaxChars,
		},
		ToolErrorBackoff: cfg.Agent.ToolErrorBackoff,

		AutoTuneMaxTokens: cfg.Agent.AutoTuneMaxTokens,
		InitialMaxTokens:  cfg.Agent.InitialMaxTokens,
		AutoTuneStep:      cfg.Agent.AutoTuneStep,
		AutoTuneThreshold: cfg.Agent.AutoTuneThreshold,
		AutoTuneStreak:    cfg.Agent.AutoTuneStreak,

		Workspace:           workspace,
		RestrictToWorkspace: cfg.Agent.RestrictToWorkspace,
		MemoryPath:          memPath,

		TrustedSessionOverrideChannels: cfg.Agent.TrustedSessionOverrideChannels,

		Sessions: sessMgr,
		Tools:    toolsReg,
		Builder:  builder,
		Bus:      msgBus,
		Spawner:  subagentMgr,

		MaxSessionMessages: cfg.Sessions.MaxMessages,
	})

	channelMgr := channels.NewManager(msgBus)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, pairingStore)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel("telegram", tg)
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, pairingStore)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel("discord", dc)
		}
	}
	if cfg.Channels.Feishu.Enabled && cfg.Channels.Feishu.AppID != "" {
		fs, err := feishu.New(cfg.Channels.Feishu, msgBus, pairingStore)
		if err != nil {
			slog.Error("failed to initialize feishu channel", "error", err)
		} else {
			channelMgr.RegisterChannel("feishu", fs)
		}
	}
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pairingStore)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			channelMgr.RegisterChannel("whatsapp", wa)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	cronEngine := cron.New(config.ExpandHome(cfg.Cron.JobsFile), cfg.Cron.MaxRetries, makeCronHandler(msgBus))
	if err := cronEngine.Load(); err != nil {
		slog.Warn("failed to load cron jobs", "error", err)
	}
	cronEngine.Start()
	defer cronEngine.Stop()

	var heartbeatChecker *heartbeat.Checker
	if cfg.Heartbeat.Enabled {
		heartbeatChecker = heartbeat.New(workspace, time.Duration(cfg.Heartbeat.IntervalS)*time.Second, makeHeartbeatCallback(msgBus, cfg.Heartbeat))
		heartbeatChecker.Start(ctx)
		defer heartbeatChecker.Stop()
	}

	go channelMgr.DispatchOutbound(ctx)
	go func() {
		for {
			msg, ok := msgBus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			loop.Dispatch(ctx, msg)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("agentd runtime started", "version", Version, "channels", channelMgr.GetEnabledChannels(), "tools", len(toolsReg.Names()))

	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	channelMgr.StopAll(context.Background())
	cancel()
}

// makeCronHandler adapts a fired cron job into a bus.InboundMessage, routed
// to the job's delivery channel if it has one, otherwise the internal
// "system" channel.
func makeCronHandler(msgBus *bus.MessageBus) cron.Handler {
	return func(job *cron.Job) (*cron.Result, error) {
		if job.Payload.Message == "" {
			return &cron.Result{}, nil
		}
		replyChannel, replyChatID := "system", job.ID
		if job.Payload.Deliver && job.Payload.Channel != "" {
			replyChannel, replyChatID = job.Payload.Channel, job.Payload.To
		}
		msgBus.PublishInbound(bus.InboundMessage{
			Channel:    replyChannel,
			SenderID:   "cron:" + job.ID,
			ChatID:     replyChatID,
			Content:    job.Payload.Message,
			ReceivedAt: time.Now(),
		})
		return &cron.Result{}, nil
	}
}

// makeHeartbeatCallback publishes a heartbeat-triggered turn as an inbound
// system message targeting the configured delivery channel.
func makeHeartbeatCallback(msgBus *bus.MessageBus, cfg config.HeartbeatConfig) heartbeat.Callback {
	chatID := "heartbeat"
	if cfg.Channel != "" {
		chatID = cfg.Channel + ":" + cfg.ChatID
	}
	return func(ctx context.Context, prompt string) error {
		msgBus.PublishInbound(bus.InboundMessage{
			Channel:    "system",
			SenderID:   "heartbeat",
			ChatID:     chatID,
			Content:    prompt,
			ReceivedAt: time.Now(),
		})
		return nil
	}
}

// buildToolRegistry assembles a fresh Tool Registry from config, used for
// both the main Agent Loop and as each subagent's own registry.
func buildToolRegistry(cfg *config.Config, workspace string) *tools.Registry {
	reg := tools.NewRegistry()

	reg.Register(tools.NewReadFileTool(workspace, cfg.Agent.RestrictToWorkspace))
	reg.Register(tools.NewWriteFileTool(workspace, cfg.Agent.RestrictToWorkspace))
	reg.Register(tools.NewEditFileTool(workspace, cfg.Agent.RestrictToWorkspace))
	reg.Register(tools.NewListDirTool(workspace, cfg.Agent.RestrictToWorkspace))
	reg.Register(tools.NewExecTool(workspace, cfg.Tools.Exec.RestrictToWorkspace))

	if webSearch := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:     cfg.Tools.Web.BraveAPIKey,
		BraveEnabled:    cfg.Tools.Web.BraveAPIKey != "",
		BraveMaxResults: cfg.Tools.Web.MaxResults,
		DDGEnabled:      true,
		DDGMaxResults:    cfg.Tools.Web.MaxResults,
		CacheTTL:        time.Duration(cfg.Tools.Web.CacheTTLS) * time.Second,
	}); webSearch != nil {
		reg.Register(webSearch)
	}
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{
		CacheTTL: time.Duration(cfg.Tools.Web.CacheTTLS) * time.Second,
	}))
	if firecrawl := tools.NewFirecrawlScrapeTool(tools.FirecrawlConfig{
		APIKey:   cfg.Tools.Web.FirecrawlAPIKey,
		CacheTTL: time.Duration(cfg.Tools.Web.CacheTTLS) * time.Second,
	}); firecrawl != nil {
		reg.Register(firecrawl)
	}

	if len(cfg.Tools.AllowedTools) > 0 {
		reg.SetAllowed(cfg.Tools.AllowedTools)
	}
	return reg
}
