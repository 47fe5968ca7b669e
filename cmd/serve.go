package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the periodic scheduler and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, func(a *app.App) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Admin.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedDone := make(chan struct{})
	if a.Config.Scheduler.Enabled {
		go func() {
			defer close(schedDone)
			a.Scheduler.Run(schedCtx)
		}()
	} else {
		close(schedDone)
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("admin server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("shutdown requested")
	case err := <-errCh:
		serveErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("server shutdown", zap.Error(err))
	}
	stopScheduler()
	<-schedDone
	if serveErr != nil {
		return fmt.Errorf("admin server: %w", serveErr)
	}
	return nil
}
