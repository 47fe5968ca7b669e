package crawler

import (
	"context"
	"time"
)

// LockManager provides fleet-wide mutual exclusion per source.
type LockManager interface {
	// TryLock atomically claims the source for this instance. It returns
	// false when another live holder exists.
	TryLock(ctx context.Context, sourceID string) (bool, error)
	// Release drops the lock if this instance owns it; otherwise it is a no-op.
	Release(ctx context.Context, sourceID string) error
}

// RateLimiter is a per-source admission gate. It never waits.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, sourceID string) error
}

// ScheduleStore persists per-source schedule overrides.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, sourceID string) (*ScheduleConfig, error)
	UpsertSchedule(ctx context.Context, cfg ScheduleConfig) error
}

// SourceStateStore persists per-source crawl bookkeeping.
type SourceStateStore interface {
	GetState(ctx context.Context, sourceID string) (*SourceState, error)
	// UpsertSuccess stamps crawl and success times, clears error fields, and
	// records the watermark when non-nil.
	UpsertSuccess(ctx context.Context, sourceID string, watermark *time.Time) error
	// UpsertError stamps crawl and error times plus the message, leaving
	// success fields untouched.
	UpsertError(ctx context.Context, sourceID string, cause error) error
}

// DocumentStore deduplicates documents by (source id, url).
type DocumentStore interface {
	// InsertIfNew reports true only for the first insert of a key. Later
	// calls advance last_seen_at and report false.
	InsertIfNew(ctx context.Context, doc NormalizedDocument) (bool, error)
}

// Store bundles the persistence capabilities a storage backend provides.
type Store interface {
	SourceStateStore
	DocumentStore
	ScheduleStore
	Close() error
}

// Parser turns a source into candidate documents.
type Parser interface {
	Parse(ctx context.Context, source Source, state *SourceState) ([]NormalizedDocument, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// IngestClient forwards new documents to the downstream ingest endpoint.
type IngestClient interface {
	Send(ctx context.Context, doc NormalizedDocument) error
}

// Publisher pushes notification payloads to a topic (SNS, Pub/Sub, ...).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier hands off new-document notifications without blocking.
type Notifier interface {
	Notify(n Notification)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
