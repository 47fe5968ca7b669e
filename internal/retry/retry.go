// Package retry runs fallible operations with classified exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 300 * time.Millisecond
	defaultFactor       = 2.0
)

// Config tunes a Policy. Zero values fall back to the defaults (3 attempts,
// 300ms initial delay, factor 2).
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy retries every error that is not marked fatal.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	factor       float64
	sleep        SleepFunc
	logger       *zap.Logger
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleep replaces the wait function (tests use a recorder).
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLogger attaches a logger for retry attempts.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a Policy from cfg.
func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		factor:       cfg.Factor,
		sleep:        sleepContext,
		logger:       zap.NewNop(),
	}
	if p.maxAttempts == 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		p.initialDelay = defaultInitialDelay
	}
	if p.initialDelay < 0 {
		p.initialDelay = 0
	}
	if p.factor == 0 {
		p.factor = defaultFactor
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Default returns a Policy with the default settings.
func Default() *Policy {
	return New(Config{})
}

// MaxAttempts reports the attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether err warrants another attempt after the given
// 1-based attempt number.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return crawler.IsRetriable(err)
}

// Backoff returns the wait after the given 1-based failed attempt. It is
// never negative.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.initialDelay) * math.Pow(p.factor, float64(attempt-1))
	if math.IsNaN(delay) || delay <= 0 {
		return 0
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Do invokes op until it succeeds, fails fatally, or the budget is spent.
// The last error is returned unchanged.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = Default()
	}
	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		delay := p.Backoff(attempt)
		p.logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
