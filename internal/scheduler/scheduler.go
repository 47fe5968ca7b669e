// Package scheduler launches due sources on a fixed tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/runner"
)

const defaultTick = time.Minute

// Runner is the slice of runner.Runner the scheduler drives.
type Runner interface {
	Sources() []crawler.Source
	RunSources(ctx context.Context, sources []crawler.Source) []runner.Result
}

// Scheduler runs each source once its crawl interval has elapsed since the
// later of its stored last crawl and this process's last launch. Fleet-wide
// exclusivity stays with the pipeline lock.
type Scheduler struct {
	runner Runner
	states crawler.SourceStateStore
	clock  crawler.Clock
	tick   time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	launched map[string]time.Time
}

// New builds a Scheduler. states may be nil, in which case only in-process
// launch times are considered.
func New(r Runner, states crawler.SourceStateStore, clock crawler.Clock, tick time.Duration, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = system.New()
	}
	if tick <= 0 {
		tick = defaultTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   r,
		states:   states,
		clock:    clock,
		tick:     tick,
		logger:   logger.Named("scheduler"),
		launched: make(map[string]time.Time),
	}
}

// Run checks immediately, then on every tick, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	s.RunDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue launches every due source and waits for them to finish.
func (s *Scheduler) RunDue(ctx context.Context) []runner.Result {
	due := s.Due(ctx)
	if len(due) == 0 || ctx.Err() != nil {
		return nil
	}
	now := s.clock.Now()
	s.mu.Lock()
	for _, src := range due {
		s.launched[src.ID] = now
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(due))
	for _, src := range due {
		ids = append(ids, src.ID)
	}
	s.logger.Debug("launching due sources", zap.Strings("source_ids", ids))
	return s.runner.RunSources(ctx, due)
}

// Due returns the configured sources whose interval has elapsed, in
// configuration order.
func (s *Scheduler) Due(ctx context.Context) []crawler.Source {
	now := s.clock.Now()
	var due []crawler.Source
	for _, src := range s.runner.Sources() {
		if ctx.Err() != nil {
			return nil
		}
		last := s.lastRun(ctx, src.ID)
		if last.IsZero() || !now.Before(last.Add(src.CrawlInterval())) {
			due = append(due, src)
		}
	}
	return due
}

func (s *Scheduler) lastRun(ctx context.Context, sourceID string) time.Time {
	s.mu.Lock()
	last := s.launched[sourceID]
	s.mu.Unlock()
	if s.states == nil {
		return last
	}
	state, err := s.states.GetState(ctx, sourceID)
	if err != nil {
		s.logger.Warn("load state for due check failed", zap.String("source_id", sourceID), zap.Error(err))
		return last
	}
	if state != nil && state.LastCrawledAt != nil && state.LastCrawledAt.After(last) {
		return *state.LastCrawledAt
	}
	return last
}
