// Command admin-lambda serves the admin API behind API Gateway.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/app"
	"github.com/JakeFAU/source-crawler/internal/config"
	"github.com/JakeFAU/source-crawler/internal/logging"
)

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
	// The runtime freezes between invocations, so run-now must finish in-request.
	cfg.Admin.SyncRunNow = true
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("init services", zap.Error(err))
	}
	lambda.Start(a.API.LambdaHandler())
}
