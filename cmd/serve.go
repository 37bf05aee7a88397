package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/groupclaw/internal/agent"
	"github.com/nextlevelbuilder/groupclaw/internal/bus"
	"github.com/nextlevelbuilder/groupclaw/internal/channels"
	"github.com/nextlevelbuilder/groupclaw/internal/channels/onebot"
	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/gateway"
	"github.com/nextlevelbuilder/groupclaw/internal/mcp"
	"github.com/nextlevelbuilder/groupclaw/internal/media"
	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to OneBot and start answering groups (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Channels.OneBot.Enabled {
		return errors.New("channels.onebot.enabled is false; nothing to serve")
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("GROUPCLAW_API_KEY is not set; requests may be rejected by the provider")
	}
	holder := config.NewHolder(cfgPath, cfg)

	prompts, err := config.LoadPrompts(cfg.Bot.PromptsFile)
	if err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	locks := store.NewGroupLocks()

	provider := providers.NewOpenAIProvider(providers.OpenAIOptions{
		Name:    cfg.Provider.Name,
		APIKey:  cfg.Provider.APIKey,
		APIBase: cfg.Provider.APIBase,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout(),
		Vision:  cfg.Provider.Vision,
	})

	registry := tools.NewRegistry()
	registry.Register(tools.NewGroupHistoryTool(st))
	if cfg.Tools.Web.Search {
		registry.Register(tools.NewWebSearchTool(cfg.Tools.Web.BraveAPIKey))
	}
	if cfg.Tools.Web.Fetch {
		registry.Register(tools.NewWebFetchTool(cfg.Tools.Web.FetchMaxChars))
	}
	if cfg.Tools.Subagent.Enabled {
		run := agent.NewSubagentRunner(provider, registry, prompts, cfg.Provider.Model, cfg.Tools.Subagent.MaxRounds)
		registry.Register(tools.NewDelegateTool(run, 0))
	}
	registry.SetDisabled(cfg.Tools.Disabled)

	mcpMgr := mcp.NewManager(registry, cfg.Tools.McpServers)

	cache, err := media.New(cfg.Media)
	if err != nil {
		return fmt.Errorf("media cache: %w", err)
	}

	summaryModel := cfg.Provider.SummaryModel
	if summaryModel == "" {
		summaryModel = cfg.Provider.Model
	}
	compressor := agent.NewCompressor(agent.CompressorConfig{
		Store:    st,
		Locks:    locks,
		Provider: provider,
		Model:    summaryModel,
		Prompts:  prompts,
		Settings: cfg.Compression,
		Media:    cache,
	})

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:    provider,
		Tools:       registry,
		Model:       cfg.Provider.Model,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
	})

	msgBus := bus.New(0)
	ob, err := onebot.New(cfg.Channels.OneBot, msgBus)
	if err != nil {
		return err
	}
	channelMgr := channels.NewManager()
	channelMgr.Register(ob)

	var limiter *channels.TriggerLimiter
	if n := cfg.Scheduler.TriggersPerMinute; n > 0 {
		limiter = channels.NewTriggerLimiter(time.Minute, n)
	}

	orch := gateway.New(gateway.Config{
		Store:         st,
		Locks:         locks,
		Policies:      holder,
		Runner:        loop,
		Channel:       ob,
		Compressor:    compressor,
		Media:         cache,
		Prompts:       prompts,
		BotName:       cfg.Bot.Name,
		Persona:       cfg.Bot.Persona,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		Limiter:       limiter,
	})
	msgBus.OnLifecycle(orch.HandleLifecycle)

	holder.OnReload(func(c *config.Config) {
		registry.SetDisabled(c.Tools.Disabled)
	})
	if err := holder.Watch(ctx); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	// MCP servers and the platform connection come up independently; neither
	// failure is fatal.
	var startup errgroup.Group
	startup.Go(func() error {
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("some MCP servers failed to start", "error", err)
		}
		return nil
	})
	startup.Go(func() error {
		if err := channelMgr.StartAll(ctx); err != nil {
			slog.Error("failed to start channels", "error", err)
		}
		return nil
	})
	_ = startup.Wait()

	slog.Info("groupclaw starting",
		"version", Version,
		"model", loop.Model(),
		"store", cfg.Storage.Driver,
		"tools", registry.List(),
		"channels", channelMgr.Status(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		orch.Consume(gctx, msgBus)
		return nil
	})
	<-ctx.Done()
	slog.Info("graceful shutdown initiated")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := channelMgr.StopAll(sctx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}
	if err := orch.Shutdown(sctx); err != nil {
		slog.Warn("in-flight generations did not finish", "error", err)
	}
	compressor.Wait()
	mcpMgr.Stop()

	return g.Wait()
}
