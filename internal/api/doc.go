// Package api hosts the admin HTTP surface of the crawler. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /admin/crawl/run-now to start a single source in the background.
//   - POST /admin/schedule and GET /admin/schedule/{source_id} for schedule overrides.
//   - GET /admin/sources and GET /admin/sources/{source_id}/state for bookkeeping.
//
// The same router is reachable from API Gateway through LambdaHandler, which
// wraps it in the aws-lambda-go-api-proxy chi adapter.
package api
