// Package notify delivers new-document notifications on a best-effort side
// channel. Callers hand notifications to a Hub, which never blocks them;
// a background goroutine publishes to the configured crawler.Publisher.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
)

// Config controls buffering and delivery for the Hub.
//   - Topic: destination passed to the publisher (SNS topic ARN, Pub/Sub topic id).
//   - BufferSize: size of the internal queue (default 1024).
//   - PublishTimeout: per-publish deadline (default 5s).
//   - BaseContext: parent for publish calls (defaults to context.Background()).
type Config struct {
	Topic          string
	BufferSize     int
	PublishTimeout time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultPublishTimeout = 5 * time.Second
	dropLogInterval       = 5 * time.Second
	flushPollInterval     = 10 * time.Millisecond
)

// Hub queues notifications and publishes them one at a time. Delivery is
// at-most-once: a full queue drops, a failed publish is logged and forgotten.
type Hub struct {
	cfg         Config
	publisher   crawler.Publisher
	queue       chan crawler.Notification
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	// pending counts queued plus in-flight notifications.
	pending atomic.Int64

	closeOnce sync.Once
}

// NewHub starts the delivery goroutine for publisher.
func NewHub(cfg Config, publisher crawler.Publisher) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		publisher:   publisher,
		queue:       make(chan crawler.Notification, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("notify"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Notify enqueues n. It never blocks; when the queue is full the
// notification is dropped and a rate-limited warning is logged.
func (h *Hub) Notify(n crawler.Notification) {
	if h == nil || h.closed.Load() {
		return
	}
	h.pending.Add(1)
	select {
	case h.queue <- n:
	default:
		h.pending.Add(-1)
		metrics.ObserveNotification("dropped", 1)
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("notifications dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close stops intake, publishes what is already queued, and waits for the
// delivery goroutine until ctx expires. Repeated calls are safe.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify hub close wait: %w", ctx.Err())
	}
}

// Flush waits until every notification accepted so far has been handed to
// the publisher, without stopping intake. It gives up when ctx expires.
func (h *Hub) Flush(ctx context.Context) error {
	if h == nil {
		return nil
	}
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for h.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-h.doneCh:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("notify hub flush: %w", ctx.Err())
		}
	}
	return nil
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case n := <-h.queue:
			h.publish(n)
			h.pending.Add(-1)
		case <-h.stopCh:
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case n := <-h.queue:
			h.publish(n)
			h.pending.Add(-1)
		default:
			return
		}
	}
}

func (h *Hub) publish(n crawler.Notification) {
	if h.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.PublishTimeout)
	defer cancel()
	id, err := h.publisher.Publish(ctx, h.cfg.Topic, n)
	if err != nil {
		metrics.ObserveNotification("failed", 1)
		h.logger.Warn("publish notification failed",
			zap.String("source_id", n.SourceID),
			zap.String("url", n.URL),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveNotification("published", 1)
	h.logger.Debug("notification published",
		zap.String("source_id", n.SourceID),
		zap.String("message_id", id),
	)
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements crawler.Notifier.
func (Nop) Notify(crawler.Notification) {}

// Close implements the Hub shutdown contract.
func (Nop) Close(context.Context) error { return nil }
