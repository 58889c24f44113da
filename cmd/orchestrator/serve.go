package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/connection"
	"github.com/haasonsaas/nexus/internal/conversation"
	"github.com/haasonsaas/nexus/internal/dispatch"
	"github.com/haasonsaas/nexus/internal/health"
	"github.com/haasonsaas/nexus/internal/httpapi"
	"github.com/haasonsaas/nexus/internal/janitor"
	"github.com/haasonsaas/nexus/internal/languagemodel"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/sandboxpool"
	"github.com/haasonsaas/nexus/internal/sandboxruntime"
	"github.com/haasonsaas/nexus/internal/session"
	"github.com/haasonsaas/nexus/internal/statestore"
	"github.com/haasonsaas/nexus/internal/toolserver"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator's long-lived services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexus.yaml", "path to YAML/JSON5 configuration file")
	return cmd
}

// orchestrator bundles every long-lived service runServe constructs, so
// shutdown can stop them in the reverse order they were started.
type orchestrator struct {
	store         statestore.StateStore
	conns         *connection.Manager
	monitor       *health.Monitor
	pool          *sandboxpool.Pool
	sessions      *session.Manager
	convo         *conversation.Store
	model         languagemodel.LanguageModel
	janitor       *janitor.Service
	dispatch      *dispatch.WorkerPool
	control       *httpapi.Server
	shutdownTrace func(context.Context) error
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	installLogger(cfg.Logging)
	slog.Info("starting nexus orchestrator", "version", version, "commit", commit, "config", configPath)

	metrics := observability.NewMetrics()

	tracer, shutdownTrace := observability.NewTracer(observability.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})

	store, err := buildStateStore(cfg.StateStore)
	if err != nil {
		return fmt.Errorf("build state store: %w", err)
	}

	registry, err := toolserver.NewRegistry(cfg.ToolServers.Path, slog.Default())
	if err != nil {
		return fmt.Errorf("load tool server registry: %w", err)
	}

	conns := connection.NewManager(registry, slog.Default())
	if err := conns.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize tool server connections: %w", err)
	}

	runtime := buildSandboxRuntime(cfg.Sandbox)

	var pool *sandboxpool.Pool
	if cfg.Pool.Enabled {
		poolCfg := sandboxpool.Config{
			MinIdle:  cfg.Pool.MinIdle,
			MaxTotal: cfg.Pool.MaxTotal,
			IdleTTL:  cfg.Pool.IdleTTL,
			Spec:     sandboxSpec(cfg.Sandbox),
		}
		pool = sandboxpool.New(runtime, poolCfg, slog.Default())
	}

	convo := conversation.New(store, conversation.Config{
		MaxMessages:      50,
		MaxHistoryTokens: cfg.Conversation.MaxHistoryTokens,
		GzipPayloads:     cfg.Conversation.CompressionEnabled,
		MaxAge:           cfg.Conversation.HistoryTTL,
	}, slog.Default())

	sessions := session.New(store, pool, runtime, convo, slog.Default())

	janitorSvc := janitor.New(store, sessions, janitor.Config{
		IdleTTL:       cfg.Session.IdleTTL,
		SweepInterval: cfg.Session.SweepInterval,
	}, slog.Default())
	go janitorSvc.Run(ctx)

	monitor := health.New(conns, registry, health.Config{
		CheckInterval:  cfg.Health.CheckInterval,
		ProbeDeadline:  cfg.Health.ProbeDeadline,
		ReconnectDelay: cfg.Health.ReconnectDelay,
		MaxAttempts:    cfg.Health.MaxAttempts,
		UnhealthyAfter: cfg.Health.UnhealthyAfter,
	}, health.SinkFunc(func(t health.Transition) {
		metrics.HealthTransitions.WithLabelValues(t.ServerName, string(t.From), string(t.To)).Inc()
		slog.Info("tool server health transition", "server", t.ServerName, "from", t.From, "to", t.To)
	}), slog.Default())
	go monitor.Run(ctx)

	model, err := languagemodel.NewAnthropicModel(languagemodel.AnthropicConfig{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryDelay:   cfg.LLM.RetryDelay,
		DefaultModel: cfg.LLM.DefaultModel,
		MaxTokens:    cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("build language model: %w", err)
	}

	var workers *dispatch.WorkerPool
	if cfg.Dispatch.Enabled {
		workers = dispatch.NewWorkerPool(store, conns, dispatch.Config{
			WorkerConcurrency: cfg.Dispatch.WorkerConcurrency,
			JobTTL:            cfg.Dispatch.JobTTL,
			PopTimeout:        cfg.Dispatch.PopTimeout,
		}, slog.Default())
		workers.SetTracer(tracer)
		workers.Start(ctx)
	}

	events := observability.NewMemoryEventStore(10_000)

	control := httpapi.New(registry, monitor, events, slog.Default())
	if err := control.Start(cfg.Server.Addr); err != nil {
		return fmt.Errorf("start control endpoints: %w", err)
	}

	orch := &orchestrator{
		store: store, conns: conns, monitor: monitor, pool: pool,
		sessions: sessions, convo: convo, model: model,
		janitor: janitorSvc, dispatch: workers, control: control,
		shutdownTrace: shutdownTrace,
	}

	shutdownCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-shutdownCtx.Done()
	slog.Info("shutdown signal received, draining")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	orch.stop(stopCtx)
	return nil
}

func (o *orchestrator) stop(ctx context.Context) {
	o.control.Stop(ctx)
	if o.dispatch != nil {
		o.dispatch.Stop()
	}
	o.janitor.Stop()
	o.monitor.Stop()
	if o.pool != nil {
		o.pool.Shutdown(ctx)
	}
	o.conns.Cleanup()
	if err := o.store.Close(); err != nil {
		slog.Warn("state store close error", "error", err)
	}
	if o.shutdownTrace != nil {
		if err := o.shutdownTrace(ctx); err != nil {
			slog.Warn("tracer shutdown error", "error", err)
		}
	}
}

func buildStateStore(cfg config.StateStoreConfig) (statestore.StateStore, error) {
	switch cfg.Backend {
	case "redis":
		return statestore.NewRedisStore(cfg.URL)
	default:
		return statestore.NewMemoryStore(), nil
	}
}

func buildSandboxRuntime(cfg config.SandboxConfig) sandboxruntime.Runtime {
	var runtime sandboxruntime.Runtime = sandboxruntime.NewFirecrackerRuntime(cfg.SocketDir, cfg.KernelImg, cfg.RootDrive)
	if cfg.CircuitBreaker {
		runtime = sandboxruntime.NewWrapper(runtime, sandboxruntime.DefaultWrapperConfig())
	}
	return runtime
}

func sandboxSpec(cfg config.SandboxConfig) sandboxruntime.Spec {
	return sandboxruntime.Spec{
		Image:           cfg.Image,
		Env:             cfg.Env,
		MemoryMiB:       cfg.MemoryMiB,
		VCPU:            cfg.VCPU,
		NetworkDisabled: cfg.NetworkDisabled,
	}
}

func installLogger(cfg config.LoggingConfig) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger.Base())
}
