// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
	"github.com/JakeFAU/source-crawler/internal/policy/politeness"
	"github.com/JakeFAU/source-crawler/internal/retry"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// RobotsRetry paces robots.txt fetch retries. Nil uses four attempts
	// starting at 250ms.
	RobotsRetry *retry.Policy
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	pacer         *politeness.Limiter
	robotsRetry   *retry.Policy
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. pacer may be nil.
func New(cfg Config, pacer *politeness.Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	robotsRetry := cfg.RobotsRetry
	if robotsRetry == nil {
		robotsRetry = defaultRobotsRetry(logger)
	}
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		pacer:         pacer,
		robotsRetry:   robotsRetry,
		logger:        logger.Named("fetcher"),
	}
}

// Fetch GETs request.URL. Failures are classified: a 400 response or an
// unusable URL is fatal; other HTTP errors and transport failures are retriable.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := validateURL(request.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	if err := f.pacer.Wait(ctx, request.URL); err != nil {
		return crawler.FetchResponse{}, crawler.Retriable(err)
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	err := f.runCollector(ctx, collector, request.URL, &fetchErr)
	metrics.ObserveFetch(request.URL, fetchStatusLabel(result.StatusCode, err), len(result.Body))
	if err != nil {
		return crawler.FetchResponse{}, classify(result.StatusCode, err)
	}
	return result, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return crawler.Fatalf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Fatalf("invalid url %q: absolute http(s) url required", raw)
	}
	return nil
}

func classify(status int, err error) error {
	switch {
	case status == http.StatusBadRequest:
		return crawler.Fatalf("fetch: status %d: %w", status, err)
	case status >= 400:
		return crawler.Retriablef("fetch: status %d: %w", status, err)
	case errors.Is(err, colly.ErrRobotsTxtBlocked), errors.Is(err, colly.ErrForbiddenURL), errors.Is(err, colly.ErrMissingURL):
		return crawler.Fatalf("fetch: %w", err)
	default:
		return crawler.Retriablef("fetch: %w", err)
	}
}

func fetchStatusLabel(status int, err error) string {
	if status > 0 {
		return strconv.Itoa(status)
	}
	if err != nil {
		return "error"
	}
	return "unknown"
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots
	if request.RespectRobots != nil {
		respectRobots = *request.RespectRobots
	}
	collector.IgnoreRobotsTxt = !respectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if respectRobots {
		collector.WithTransport(newRobotsTransport(baseTransport, f.robotsRetry, f.logger))
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
			result.Duration = time.Since(start)
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
