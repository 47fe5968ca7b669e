// Package cmd defines the CLI for the source crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/app"
	"github.com/JakeFAU/source-crawler/internal/config"
	"github.com/JakeFAU/source-crawler/internal/logging"
)

// runtimeKey is the context key for the loaded runtime.
type runtimeKey struct{}

// runtime carries what PersistentPreRunE loaded for subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the container factory. Tests swap it to inject options.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "source-crawler",
		Short: "Crawls configured sources and forwards new documents downstream.",
		Long: `source-crawler polls a fixed set of sources, deduplicates what it finds,
and posts each new document to the ingest backend. It can run once, as a
long-lived service with an admin API, or inside AWS Lambda.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newCrawlCmd(), newServeCmd(), newMigrateCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	if ctx == nil {
		return nil, errors.New("runtime not initialized")
	}
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// withApp builds the container, hands it to fn and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
		defer cancel()
		if cerr := a.Close(ctx); cerr != nil {
			rt.logger.Warn("close services", zap.Error(cerr))
		}
	}()
	return fn(a)
}
