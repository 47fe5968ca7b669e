// Package runner executes the per-source crawl pipeline under bounded
// concurrency.
//
// Each pipeline is strictly sequential: acquire the source lock, consult the
// schedule override, take a rate-limit token, load state, parse, then for
// every candidate document deduplicate, notify and ingest, and finally commit
// state and release the lock. Sources are isolated from one another; a
// failure or panic in one pipeline is recorded against that source only.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
	"github.com/JakeFAU/source-crawler/internal/policy/schedule"
	"github.com/JakeFAU/source-crawler/internal/retry"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

// Pipeline outcomes.
const (
	OutcomeSkippedLocked   Outcome = "skipped_locked"
	OutcomeSkippedDisabled Outcome = "skipped_disabled"
	OutcomeSkippedWindow   Outcome = "skipped_window"
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailed          Outcome = "failed"
)

const defaultCleanupTimeout = 10 * time.Second

// Result summarizes one pipeline run.
type Result struct {
	SourceID   string
	Outcome    Outcome
	Candidates int
	Ingested   int
	Duplicates int
	// Watermark is the newest posted time among ingested documents, nil when
	// nothing new was ingested.
	Watermark *time.Time
	Duration  time.Duration
	Err       error
}

// Config tunes the runner.
type Config struct {
	// Concurrency caps simultaneously running pipelines (minimum 1).
	Concurrency int
	// CleanupTimeout bounds lock release and error-state writes, which run
	// even after the caller's context is canceled.
	CleanupTimeout time.Duration
}

// Deps are the pipeline collaborators. Locks, Schedules, RateLimiter and
// Notifier are optional; the rest are required.
type Deps struct {
	Locks       crawler.LockManager
	Schedules   crawler.ScheduleStore
	RateLimiter crawler.RateLimiter
	States      crawler.SourceStateStore
	Documents   crawler.DocumentStore
	Parser      crawler.Parser
	Ingest      crawler.IngestClient
	Notifier    crawler.Notifier
	Retry       *retry.Policy
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Runner runs pipelines for a fixed set of configured sources.
type Runner struct {
	cfg     Config
	deps    Deps
	sources []crawler.Source
	index   map[string]crawler.Source
	logger  *zap.Logger
}

// New validates deps and indexes sources by id.
func New(sources []crawler.Source, cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.States == nil:
		return nil, errors.New("runner: state store is required")
	case deps.Documents == nil:
		return nil, errors.New("runner: document store is required")
	case deps.Parser == nil:
		return nil, errors.New("runner: parser is required")
	case deps.Ingest == nil:
		return nil, errors.New("runner: ingest client is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if deps.Retry == nil {
		deps.Retry = retry.Default()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	index := make(map[string]crawler.Source, len(sources))
	for _, src := range sources {
		if _, dup := index[src.ID]; dup {
			return nil, fmt.Errorf("runner: duplicate source id %q", src.ID)
		}
		index[src.ID] = src
	}
	return &Runner{
		cfg:     cfg,
		deps:    deps,
		sources: append([]crawler.Source(nil), sources...),
		index:   index,
		logger:  deps.Logger.Named("runner"),
	}, nil
}

// Sources returns the configured sources in configuration order.
func (r *Runner) Sources() []crawler.Source {
	return append([]crawler.Source(nil), r.sources...)
}

// Source looks up a configured source by id.
func (r *Runner) Source(id string) (crawler.Source, bool) {
	src, ok := r.index[id]
	return src, ok
}

// RunAll runs every configured source once.
func (r *Runner) RunAll(ctx context.Context) []Result {
	return r.RunSources(ctx, r.sources)
}

// RunSingle runs exactly one configured source.
func (r *Runner) RunSingle(ctx context.Context, sourceID string) (Result, error) {
	src, ok := r.index[sourceID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", crawler.ErrUnknownSource, sourceID)
	}
	return r.RunSources(ctx, []crawler.Source{src})[0], nil
}

// RunSources runs the given sources with at most Config.Concurrency active
// at once. Pipelines launch in slice order and results keep that order.
func (r *Runner) RunSources(ctx context.Context, sources []crawler.Source) []Result {
	results := make([]Result, len(sources))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			results[i] = Result{SourceID: src.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("not started: %w", err)}
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{SourceID: src.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("not started: %w", err)}
				return nil
			}
			results[i] = r.runSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	counts := Summarize(results)
	r.logger.Info("run finished",
		zap.Int("sources", len(sources)),
		zap.Int("succeeded", counts[OutcomeSucceeded]),
		zap.Int("failed", counts[OutcomeFailed]),
		zap.Int("skipped", counts[OutcomeSkippedLocked]+counts[OutcomeSkippedDisabled]+counts[OutcomeSkippedWindow]),
	)
	return results
}

// Summarize counts results by outcome.
func Summarize(results []Result) map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, res := range results {
		counts[res.Outcome]++
	}
	return counts
}

func (r *Runner) runSource(ctx context.Context, src crawler.Source) (res Result) {
	start := time.Now()
	logger := r.logger.With(zap.String("source_id", src.ID))
	metrics.IncActivePipelines()
	defer metrics.DecActivePipelines()

	// Lock and cleanup steps run outside process; a panic there must stay
	// with this source too.
	defer func() {
		if p := recover(); p != nil {
			logger.Error("pipeline panicked outside processing", zap.Any("panic", p), zap.Stack("stack"))
			res = Result{Outcome: OutcomeFailed, Err: crawler.Fatalf("pipeline panic: %v", p)}
			res.SourceID = src.ID
			res.Duration = time.Since(start)
			metrics.ObservePipeline(string(res.Outcome), res.Duration)
		}
	}()

	res = r.runLocked(ctx, src, logger)
	res.SourceID = src.ID
	res.Duration = time.Since(start)
	metrics.ObservePipeline(string(res.Outcome), res.Duration)
	return res
}

func (r *Runner) runLocked(ctx context.Context, src crawler.Source, logger *zap.Logger) Result {
	if locks := r.deps.Locks; locks != nil {
		acquired, err := locks.TryLock(ctx, src.ID)
		if err != nil {
			logger.Warn("lock acquire failed, skipping source", zap.Error(err))
			return Result{Outcome: OutcomeSkippedLocked}
		}
		if !acquired {
			logger.Info("source locked by another instance, skipping")
			return Result{Outcome: OutcomeSkippedLocked}
		}
		defer r.release(ctx, src.ID, logger)
	}

	res, err := r.process(ctx, src, logger)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Watermark = nil
		logger.Error("pipeline failed",
			zap.Bool("fatal", crawler.IsFatal(err)),
			zap.Int("ingested", res.Ingested),
			zap.Error(err),
		)
		r.recordError(ctx, src.ID, err, logger)
	}
	return res
}

// process runs everything between lock acquisition and release. A panic is
// converted to a fatal error so the caller records it like any failure.
func (r *Runner) process(ctx context.Context, src crawler.Source, logger *zap.Logger) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("pipeline panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = crawler.Fatalf("pipeline panic: %v", p)
		}
	}()

	if r.deps.Schedules != nil {
		cfg, err := retry.Value(ctx, r.deps.Retry, func(ctx context.Context) (*crawler.ScheduleConfig, error) {
			return r.deps.Schedules.GetSchedule(ctx, src.ID)
		})
		if err != nil {
			return res, fmt.Errorf("load schedule: %w", err)
		}
		switch decision := schedule.EvaluateAt(cfg, r.deps.Clock.Now()); decision {
		case schedule.SkipDisabled:
			logger.Info("source disabled by schedule, skipping")
			res.Outcome = OutcomeSkippedDisabled
			return res, nil
		case schedule.SkipOutsideWindow:
			logger.Info("outside allowed hours, skipping", zap.Int("hour_utc", r.deps.Clock.Now().UTC().Hour()))
			res.Outcome = OutcomeSkippedWindow
			return res, nil
		}
	}

	if r.deps.RateLimiter != nil {
		if err := r.deps.RateLimiter.CheckAndConsume(ctx, src.ID); err != nil {
			return res, fmt.Errorf("rate limit: %w", err)
		}
	}

	state, err := retry.Value(ctx, r.deps.Retry, func(ctx context.Context) (*crawler.SourceState, error) {
		return r.deps.States.GetState(ctx, src.ID)
	})
	if err != nil {
		return res, fmt.Errorf("load state: %w", err)
	}

	docs, err := r.deps.Parser.Parse(ctx, src, state)
	if err != nil {
		return res, fmt.Errorf("parse: %w", err)
	}
	res.Candidates = len(docs)

	for _, doc := range docs {
		if doc.SourceID == "" {
			doc.SourceID = src.ID
		}
		inserted, err := retry.Value(ctx, r.deps.Retry, func(ctx context.Context) (bool, error) {
			return r.deps.Documents.InsertIfNew(ctx, doc)
		})
		if err != nil {
			return res, fmt.Errorf("dedup %s: %w", doc.URL, err)
		}
		if !inserted {
			res.Duplicates++
			metrics.ObserveDocument(src.ID, "duplicate")
			continue
		}

		if r.deps.Notifier != nil {
			r.deps.Notifier.Notify(crawler.NewNotification(doc, src.Name))
		}
		if err := r.deps.Retry.Do(ctx, func(ctx context.Context) error {
			return r.deps.Ingest.Send(ctx, doc)
		}); err != nil {
			return res, fmt.Errorf("ingest %s: %w", doc.URL, err)
		}
		res.Ingested++
		metrics.ObserveDocument(src.ID, "new")

		posted := doc.PostedAt()
		if res.Watermark == nil || posted.After(*res.Watermark) {
			res.Watermark = &posted
		}
	}

	if err := r.deps.Retry.Do(ctx, func(ctx context.Context) error {
		return r.deps.States.UpsertSuccess(ctx, src.ID, res.Watermark)
	}); err != nil {
		return res, fmt.Errorf("commit state: %w", err)
	}

	fields := []zap.Field{
		zap.Int("candidates", res.Candidates),
		zap.Int("ingested", res.Ingested),
		zap.Int("duplicates", res.Duplicates),
	}
	if res.Watermark != nil {
		fields = append(fields, zap.Time("watermark", *res.Watermark))
	}
	logger.Info("pipeline succeeded", fields...)
	res.Outcome = OutcomeSucceeded
	return res, nil
}

func (r *Runner) recordError(ctx context.Context, sourceID string, cause error, logger *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CleanupTimeout)
	defer cancel()
	if err := r.deps.Retry.Do(cctx, func(ctx context.Context) error {
		return r.deps.States.UpsertError(ctx, sourceID, cause)
	}); err != nil {
		logger.Error("record error state failed", zap.Error(err))
	}
}

func (r *Runner) release(ctx context.Context, sourceID string, logger *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CleanupTimeout)
	defer cancel()
	if err := r.deps.Locks.Release(cctx, sourceID); err != nil {
		logger.Warn("lock release failed", zap.Error(err))
	}
}
