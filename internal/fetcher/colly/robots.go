package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
	"github.com/JakeFAU/source-crawler/internal/retry"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// defaultRobotsRetry gives a slow robots.txt host four tries before the
// fetch is treated as indeterminate.
func defaultRobotsRetry(logger *zap.Logger) *retry.Policy {
	return retry.New(retry.Config{MaxAttempts: 4, InitialDelay: 250 * time.Millisecond, Factor: 2}, retry.WithLogger(logger))
}

// robotsTransport routes robots.txt requests through a retry policy. When the
// request keeps timing out it answers with an allow-all policy so the page
// fetch for the source can still go ahead. Other requests pass through.
type robotsTransport struct {
	base   http.RoundTripper
	retry  *retry.Policy
	logger *zap.Logger

	mu       sync.Mutex
	fallback string
}

func newRobotsTransport(base http.RoundTripper, policy *retry.Policy, logger *zap.Logger) *robotsTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = defaultRobotsRetry(logger)
	}
	return &robotsTransport{base: base, retry: policy, logger: logger}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	resp, err := retry.Value(req.Context(), t.retry, func(context.Context) (*http.Response, error) {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if isTimeout(err) {
			return nil, crawler.Retriable(err)
		}
		return nil, crawler.Fatal(err)
	})
	switch {
	case err == nil:
		return resp, nil
	case crawler.IsRetriable(err) && req.Context().Err() == nil:
		t.markFallback(req.URL.Host, "timeout")
		return allowAllResponse(req), nil
	default:
		return nil, fmt.Errorf("fetch robots.txt on %s: %w", req.URL.Host, err)
	}
}

func (t *robotsTransport) markFallback(host, reason string) {
	t.mu.Lock()
	t.fallback = reason
	t.mu.Unlock()
	metrics.ObserveRobotsFallback()
	t.logger.Warn("robots.txt fetch fell back to allow-all", zap.String("host", host), zap.String("reason", reason))
}

func (t *robotsTransport) fellBack() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fallback
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
