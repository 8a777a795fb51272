// Package main runs the patternd server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/embeddings"
	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/events"
	httpserver "github.com/fyrsmithlabs/patternd/internal/http"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/matcher"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/reasoning"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/secrets"
	"github.com/fyrsmithlabs/patternd/internal/staging"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/fyrsmithlabs/patternd/internal/telemetry"
	"github.com/fyrsmithlabs/patternd/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "patternd",
		Short:         "Pattern matching and confidence decision engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, configPath); err != nil {
				fmt.Fprintf(os.Stderr, "patternd: %v\n", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("PATTERND_CONFIG"), "path to a YAML config file")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "patternd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		},
	})
	return cmd
}

// closers runs shutdown hooks in reverse registration order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close(logger *zap.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

// run wires the service and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, zap.NewNop())
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger, err := logging.New(cfg.Logging, global.GetLoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	var cleanup closers
	defer cleanup.close(logger)
	cleanup.add(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	logger.Info("starting patternd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", string(cfg.Store.Driver)),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("telemetry", tel.Enabled()),
		zap.Bool("telemetry_degraded", tel.Degraded()))

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	cleanup.add(st.Close)

	provider, err := embeddings.NewProvider(cfg.Embeddings, logger)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	cleanup.add(provider.Close)
	var embedder embeddings.Embedder = embeddings.NewTimeoutEmbedder(provider, cfg.Embeddings.Timeout)
	if cfg.Embeddings.CacheTTL > 0 {
		embedder = embeddings.NewCachedEmbedder(embedder, cfg.Embeddings.CacheTTL)
	}

	index, err := vectorindex.New(embedder, logger)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}

	reasoner, err := reasoning.NewAdapter(cfg.Reasoning, logger)
	if err != nil {
		return fmt.Errorf("creating reasoning adapter: %w", err)
	}

	ctrl, err := safety.NewController(ctx, cfg.Safety, st, logger)
	if err != nil {
		return fmt.Errorf("initializing safety controller: %w", err)
	}
	if cfg.Server.SafetyFile != "" {
		w, err := safety.NewWatcher(cfg.Server.SafetyFile, ctrl, logger)
		if err != nil {
			return fmt.Errorf("watching safety file: %w", err)
		}
		w.Start(ctx)
		cleanup.add(w.Stop)
	}

	pub, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return err
	}
	if c, ok := pub.(interface{ Close() error }); ok {
		cleanup.add(c.Close)
	}

	workflow := staging.New(st, index, pub, func() pattern.Policy { return ctrl.Snapshot().Policy() }, logger)
	if err := workflow.RebuildIndex(ctx); err != nil {
		// Matching falls back to direct comparison for unindexed patterns.
		logger.Warn("vector index rebuild failed", zap.Error(err))
	}
	sched, err := staging.NewScheduler(workflow, cfg.Staging.SweepInterval, logger)
	if err != nil {
		return err
	}
	sched.Start()
	cleanup.add(sched.Stop)

	eng, err := engine.New(engine.Deps{
		Store:     st,
		Matcher:   matcher.New(st, embedder, index, cfg.Matcher, logger),
		Reasoner:  reasoner,
		Safety:    ctrl,
		Flagger:   workflow,
		Publisher: pub,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	detector, err := secrets.New(cfg.Secrets)
	if err != nil {
		return fmt.Errorf("compiling secret rules: %w", err)
	}

	srv, err := httpserver.NewServer(httpserver.Deps{
		Engine:    eng,
		Learner:   learning.New(st, embedder, logger, learning.WithSecretDetector(detector)),
		Workflow:  workflow,
		Store:     st,
		Safety:    ctrl,
		Publisher: pub,
	}, httpserver.Config{
		Addr:       cfg.Server.Addr,
		AdminToken: cfg.Server.AdminToken.Value(),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil {
		logger.Warn("http server stopped with error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
