// Command crawler-lambda runs the crawl pipeline inside AWS Lambda. The event
// may carry a sourceId to restrict the run to one source.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/app"
	"github.com/JakeFAU/source-crawler/internal/config"
	"github.com/JakeFAU/source-crawler/internal/logging"
	"github.com/JakeFAU/source-crawler/internal/runner"
)

// Event is the invocation payload sent by EventBridge or a manual invoke.
type Event struct {
	SourceID string `json:"sourceId,omitempty"`
}

type handler struct {
	app *app.App
}

// flushTimeout bounds how long an invocation waits for queued notifications
// before the runtime freezes the container.
const flushTimeout = 5 * time.Second

// handle runs the crawl and reports per-source outcomes. Source failures are
// already recorded in source state, so they do not fail the invocation; only
// an unknown source id does.
func (h handler) handle(ctx context.Context, ev Event) (runner.Report, error) {
	logger := h.app.Logger.With(zap.String("source_id", ev.SourceID))
	logger.Info("crawler lambda invoked")
	defer h.flush(ctx, logger)

	var results []runner.Result
	if ev.SourceID != "" {
		res, err := h.app.Runner.RunSingle(ctx, ev.SourceID)
		if err != nil {
			return runner.Report{}, err
		}
		results = []runner.Result{res}
	} else {
		results = h.app.Runner.RunAll(ctx)
	}

	report := runner.NewReport(results)
	if failed := report.Failed(); failed > 0 {
		logger.Warn("crawl run had failures", zap.Int("failed", failed), zap.Int("sources", len(results)))
	}
	return report, nil
}

func (h handler) flush(ctx context.Context, logger *zap.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := h.app.Hub.Flush(fctx); err != nil {
		logger.Warn("notifications still queued at end of invocation", zap.Error(err))
	}
}

func main() {
	cfg, err := config.Load(os.Getenv("CRAWLER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	// Lambda keeps the container warm between invocations; services live
	// for the process.
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("init services", zap.Error(err))
	}
	lambda.Start(handler{app: a}.handle)
}
