package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/coachd/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// buildServeCmd creates the "serve" command that starts the HTTP API.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coachd HTTP server",
		Long: `Start the coachd HTTP server.

The server will:
1. Load configuration from the specified file (or coachd.yaml)
2. Open the session store, migrating it when auto_migrate is set
3. Initialize the LLM providers and knowledge sources
4. Serve turns, session history, health checks and metrics
5. Sweep idle sessions on the janitor schedule

Graceful shutdown is handled on SIGINT/SIGTERM signals. Running turns are
allowed to finish within server.shutdown_timeout.`,
		Example: `  # Start with default config
  coachd serve

  # Start with custom config and debug logging
  coachd serve --config /etc/coachd/production.yaml --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting coachd",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Driver,
		"llm_provider", cfg.LLM.DefaultProvider,
		"knowledge", cfg.Knowledge.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := rt.close(closeCtx); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.server.ListenAndServe(gctx)
	})
	if rt.janitor != nil {
		g.Go(func() error {
			return rt.janitor.Run(gctx)
		})
	}
	if rt.instructions != nil && cfg.Instructions.Watch {
		g.Go(func() error {
			return rt.instructions.Watch(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("coachd stopped gracefully")
	return nil
}
