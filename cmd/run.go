package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orcfabric/fabric/internal/agent"
	"github.com/orcfabric/fabric/internal/approval"
	"github.com/orcfabric/fabric/internal/bgtask"
	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/channels/discord"
	"github.com/orcfabric/fabric/internal/channels/telegram"
	"github.com/orcfabric/fabric/internal/chat"
	"github.com/orcfabric/fabric/internal/config"
	"github.com/orcfabric/fabric/internal/httpapi"
	"github.com/orcfabric/fabric/internal/llm"
	"github.com/orcfabric/fabric/internal/mcptools"
	"github.com/orcfabric/fabric/internal/metrics"
	"github.com/orcfabric/fabric/internal/router"
	"github.com/orcfabric/fabric/internal/schedule"
	"github.com/orcfabric/fabric/internal/store"
	"github.com/orcfabric/fabric/internal/store/pg"
	"github.com/orcfabric/fabric/internal/store/sqlite"
	"github.com/orcfabric/fabric/internal/swarm"
	"github.com/orcfabric/fabric/internal/task"
	"github.com/orcfabric/fabric/internal/tracing"
	"github.com/orcfabric/fabric/internal/verifier"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator (dialog queue, swarm, background tasks, channels)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// emptyTools is the base ToolExecutor used when no MCP servers are
// configured. chat.Session always layers its delegate_task/list_tasks/
// cancel_task tools on top of a base, so the base must never be nil.
type emptyTools struct{}

func (emptyTools) Definitions() []llm.ToolDefinition { return nil }
func (emptyTools) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return "", fmt.Errorf("no tool named %q is available", name)
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Database.IsPostgres() {
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("database backend is postgres but FABRIC_POSTGRES_DSN is not set")
		}
		return pg.Open(cfg.Database.PostgresDSN)
	}
	path := cfg.Database.SQLitePath
	if path == "" {
		path = "fabric.db"
	}
	return sqlite.Open(path)
}

// dbHandle is satisfied by both store/sqlite.Backend and store/pg.Backend,
// letting httpapi's healthz check ping the underlying connection pool
// without the Store facade itself exposing one.
type dbHandle interface {
	DB() *sql.DB
}

func storeDB(st store.Store) (*sql.DB, error) {
	h, ok := st.(dbHandle)
	if !ok {
		return nil, fmt.Errorf("store backend does not expose a raw *sql.DB")
	}
	return h.DB(), nil
}

// runServe wires every module into one running process and blocks
// until SIGINT/SIGTERM, then shuts everything down in reverse order.
func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without it", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())
	ctx = tracing.WithCollector(ctx, tracing.NewCollector(cfg.Tracing.Verbose))

	if err := st.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	b := bus.New()

	tasks := task.New(st.Tasks(), b)
	approvals := approval.New(st.Approvals(), b, cfg.Approval.TimeoutMS)
	consoleResolver := approval.NewConsoleResolver(approvals, b)
	consoleResolver.Start(b)
	defer consoleResolver.Stop()

	if cfg.AnthropicAPIKey == "" {
		slog.Warn("ANTHROPIC_API_KEY is not set; LLM calls will fail")
	}
	provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey)

	var baseTools agent.ToolExecutor = emptyTools{}
	if len(cfg.MCPServers) > 0 {
		mcpConfigs := make([]mcptools.ServerConfig, 0, len(cfg.MCPServers))
		for _, s := range cfg.MCPServers {
			mcpConfigs = append(mcpConfigs, mcptools.ServerConfig{
				Name:       s.Name,
				Command:    s.Command,
				Args:       s.Args,
				Env:        s.Env,
				ToolPrefix: s.ToolPrefix,
			})
		}
		adapter, err := mcptools.Connect(ctx, mcpConfigs)
		if err != nil {
			slog.Warn("mcp servers unavailable, continuing without them", "error", err)
		} else {
			baseTools = adapter
			defer adapter.Close()
		}
	}

	registry := agent.New(st.Subagents(), b, provider, cfg.DefaultModel, nil)

	collector := metrics.New(b, 500)
	collector.Start()
	defer collector.Stop()

	bgRunner := bgtask.New(b, func(ctx context.Context, description string, onChunk func(string)) (string, error) {
		loop := agent.NewLoop(agent.LoopConfig{
			SystemPrompt: "You are a background worker completing one independent task. Report your result concisely.",
			Tools:        baseTools,
			Provider:     provider,
			Model:        cfg.DefaultModel,
		})
		result, err := loop.Run(ctx, description)
		if err != nil {
			return "", err
		}
		onChunk(result.Response)
		return result.Response, nil
	})
	bgRunner.WithLimits(cfg.Background.MaxPerChat, cfg.Background.ProgressThrottleMS, cfg.Background.CleanupDelayMS)
	defer bgRunner.StopAll()

	swarmFactory := func(chatKey string) chat.SwarmRunner {
		return swarm.New(swarm.Deps{
			Provider:     provider,
			Registry:     registry,
			Bus:          b,
			Tools:        baseTools,
			ApprovalHook: swarm.AutoApproveHook{},
			Metrics:      collector,
		}, swarm.Config{
			MaxAgents: cfg.Swarm.MaxAgents,
			TimeoutMS: cfg.Swarm.TimeoutMS,
			Model:     cfg.DefaultModel,
		}, chatKey, 0)
	}

	sessionFactory := func(ctx context.Context, chatKey string) (*chat.Session, error) {
		return chat.New(ctx, chatKey, store.QueueModeQueue, chat.Deps{
			Store:        st,
			Bus:          b,
			Provider:     provider,
			Model:        cfg.DefaultModel,
			Tools:        baseTools,
			Tasks:        tasks,
			BGRunner:     bgRunner,
			SwarmFactory: swarmFactory,
		})
	}

	rtr := router.New(b, sessionFactory)
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "discord":
			adapter, err := discord.New(discord.Config{Token: ch.Token, RequireMention: true}, rtr)
			if err != nil {
				slog.Error("discord channel setup failed", "error", err)
				continue
			}
			rtr.RegisterChannel(adapter)
		case "telegram":
			adapter, err := telegram.New(telegram.Config{Token: ch.Token, RequireMention: true}, rtr)
			if err != nil {
				slog.Error("telegram channel setup failed", "error", err)
				continue
			}
			rtr.RegisterChannel(adapter)
		default:
			slog.Warn("unknown channel type, skipping", "type", ch.Type)
		}
	}
	rtr.StartAll(ctx)
	defer rtr.StopAll(ctx)

	taskVerifier := verifier.New(tasks, b)
	taskVerifier.Start()
	defer taskVerifier.Stop()

	var scheduleOpts []schedule.Option
	if cfg.Schedule.PollIntervalMS > 0 {
		scheduleOpts = append(scheduleOpts, schedule.WithPollInterval(time.Duration(cfg.Schedule.PollIntervalMS)*time.Millisecond))
	}
	scheduler := schedule.New(st.Schedules(), tasks, b, scheduleOpts...)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var api *httpapi.Server
	if cfg.HTTPAPI.Enabled {
		rawDB, err := storeDB(st)
		if err != nil {
			slog.Warn("httpapi disabled: store does not expose a raw handle", "error", err)
		} else {
			api = httpapi.New(rawDB, collector, b)
			go func() {
				if err := api.Start(ctx, cfg.HTTPAPI.Addr); err != nil {
					slog.Error("httpapi start failed", "error", err)
				}
			}()
			defer api.Stop()
		}
	}

	slog.Info("orcfabric running", "httpapi", cfg.HTTPAPI.Enabled, "channels", len(cfg.Channels))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	return nil
}
