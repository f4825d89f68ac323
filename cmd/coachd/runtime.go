package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/agent/providers"
	"github.com/haasonsaas/coachd/internal/artifacts"
	"github.com/haasonsaas/coachd/internal/auth"
	"github.com/haasonsaas/coachd/internal/config"
	coachctx "github.com/haasonsaas/coachd/internal/context"
	"github.com/haasonsaas/coachd/internal/gateway"
	"github.com/haasonsaas/coachd/internal/knowledge"
	"github.com/haasonsaas/coachd/internal/observability"
	"github.com/haasonsaas/coachd/internal/scratch"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runtime holds everything serve needs, built from one config.
type runtime struct {
	config       *config.Config
	logger       *slog.Logger
	store        sessions.Store
	orchestrator *agent.Orchestrator
	server       *gateway.Server
	janitor      *sessions.Janitor
	instructions *coachctx.InstructionsFile

	closers []func(context.Context) error
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Format,
		Output:         os.Stderr,
		AddSource:      cfg.AddSource,
		RedactPatterns: cfg.RedactPatterns,
	})
}

// openStore opens the configured session store, applying migrations when
// auto_migrate is set.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (sessions.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Driver == "memory" {
		return sessions.NewMemoryStore().WithLogger(logger), nil
	}
	sqlCfg := sessions.DefaultSQLConfig()
	sqlCfg.Dialect = cfg.Driver
	sqlCfg.DSN = cfg.URL
	if cfg.MaxConnections > 0 {
		sqlCfg.MaxOpenConns = cfg.MaxConnections
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	store, err := sessions.OpenSQLStore(sqlCfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		migrator, err := sessions.NewMigrator(store.DB(), store.Dialect())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize migrator: %w", err)
		}
		applied, err := migrator.Up(ctx, 0)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		for _, id := range applied {
			logger.Info("applied migration", "id", id)
		}
	}
	return store, nil
}

func authService(cfg config.AuthConfig) *auth.Service {
	if !cfg.Enabled {
		return auth.NewService(auth.Config{})
	}
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.JWTSecret,
		Issuer:      cfg.Issuer,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
	})
}

// profileLookup exposes configured API key identities to the reference block.
func profileLookup(service *auth.Service) coachctx.ProfileLookup {
	return func(_ context.Context, ownerID string) (*coachctx.Profile, error) {
		user, ok := service.LookupUser(ownerID)
		if !ok {
			return nil, nil
		}
		return &coachctx.Profile{Name: user.Name, Email: user.Email}, nil
	}
}

func loadInstructions(cfg config.InstructionsConfig, logger *slog.Logger) (coachctx.InstructionsSource, *coachctx.InstructionsFile, error) {
	if strings.TrimSpace(cfg.File) == "" {
		return coachctx.StaticInstructions(cfg.Text), nil, nil
	}
	file, err := coachctx.LoadInstructionsFile(cfg.File, logger)
	if err != nil {
		return nil, nil, err
	}
	return file, file, nil
}

func buildTools() (*agent.ToolRegistry, error) {
	tools := agent.NewToolRegistry()
	if err := agent.RegisterControlTools(tools); err != nil {
		return nil, err
	}
	create, err := artifacts.NewCreateTool()
	if err != nil {
		return nil, err
	}
	if err := tools.Register(create); err != nil {
		return nil, err
	}
	if err := scratch.RegisterTools(tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// newRuntime wires the engine. Callers must call close.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.close(context.Background())
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	rt.closers = append(rt.closers, shutdownTracer)

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	if observable, ok := store.(interface{ OnConflict(sessions.ConflictObserver) }); ok {
		observable.OnConflict(func(string, int) { metrics.SequenceConflicts.Inc() })
	}

	provider, err := providers.FromConfig(ctx, cfg.LLM, cfg.LLM.DefaultProvider, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider: %w", err)
	}

	location, err := time.LoadLocation(cfg.Agent.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid default timezone: %w", err)
	}
	authn := authService(cfg.Auth)
	instructions, file, err := loadInstructions(cfg.Instructions, logger)
	if err != nil {
		return nil, err
	}
	rt.instructions = file
	assembler := coachctx.NewAssembler(store, instructions,
		coachctx.WithReference(coachctx.NewProfileReference(location, coachctx.WithProfiles(profileLookup(authn)))),
		coachctx.WithLogger(logger),
	)

	tools, err := buildTools()
	if err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	opts := []agent.OrchestratorOption{
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithScratch(scratch.NewMemoryStore(scratch.Options{TTL: cfg.Janitor.IdleAfter})),
	}
	if cfg.Knowledge.Enabled {
		initializer, err := newInitializer(ctx, cfg, store, metrics, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithInitializer(initializer))
	}
	rt.orchestrator, err = agent.NewOrchestrator(provider, tools, store, assembler, agent.LoopConfig{
		MaxIterations: cfg.Agent.MaxIterations,
		Model:         cfg.Agent.Model,
		MaxTokens:     cfg.Agent.MaxTokens,
		TurnTimeout:   cfg.Agent.TurnTimeout,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	rt.server, err = gateway.New(gateway.Config{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
	}, gateway.Deps{
		Runner:   rt.orchestrator,
		Store:    store,
		Auth:     authn,
		Metrics:  metrics,
		Tracer:   tracer,
		Gatherer: registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Janitor.Enabled {
		rt.janitor, err = sessions.NewJanitor(store, sessions.JanitorConfig{
			Schedule:  cfg.Janitor.Schedule,
			IdleAfter: cfg.Janitor.IdleAfter,
			BatchSize: cfg.Janitor.BatchSize,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func newInitializer(ctx context.Context, cfg *config.Config, store sessions.Store, metrics *observability.Metrics, logger *slog.Logger) (*knowledge.Initializer, error) {
	registry, err := knowledge.RegistryFromConfig(cfg.Knowledge, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge sources: %w", err)
	}
	provider, err := providers.FromConfig(ctx, cfg.LLM, cfg.LLM.Initializer.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create initializer provider: %w", err)
	}
	return knowledge.NewInitializer(provider, registry, store, knowledge.InitializerConfig{
		Model:     cfg.LLM.Initializer.Model,
		MaxTokens: cfg.LLM.Initializer.MaxTokens,
		Timeout:   cfg.Knowledge.Timeout,
	}, knowledge.WithMetrics(metrics), knowledge.WithLogger(logger))
}

func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
