// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations.

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/migrations"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// AutoMigrate applies embedded migrations before the pool opens.
	AutoMigrate bool
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool  queryCloser
	clock crawler.Clock
}

// New opens a pool using cfg.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	if cfg.AutoMigrate {
		if err := Migrate(cfg.DSN, "up"); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool queryCloser, clock crawler.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Migrate runs a goose command against dsn through the pgx stdlib driver.
func Migrate(dsn, cmd string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = db.Close() }()
	return migrations.Command(db, migrations.Postgres, cmd)
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

const selectState = `
SELECT source_id, last_crawled_at, last_success_at, last_error_at, last_error_message, last_seen_posted_at
FROM source_state
WHERE source_id = $1`

// GetState returns nil when the source has never been crawled.
func (s *Store) GetState(ctx context.Context, sourceID string) (*crawler.SourceState, error) {
	var (
		st  crawler.SourceState
		msg *string
	)
	err := s.pool.QueryRow(ctx, selectState, sourceID).Scan(
		&st.SourceID,
		&st.LastCrawledAt,
		&st.LastSuccessAt,
		&st.LastErrorAt,
		&msg,
		&st.LastSeenPostedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select source state: %w", err)
	}
	if msg != nil {
		st.LastErrorMessage = *msg
	}
	return &st, nil
}

const upsertSuccess = `
INSERT INTO source_state (source_id, last_crawled_at, last_success_at, last_seen_posted_at)
VALUES ($1, $2, $2, $3)
ON CONFLICT (source_id) DO UPDATE SET
	last_crawled_at = EXCLUDED.last_crawled_at,
	last_success_at = EXCLUDED.last_success_at,
	last_error_at = NULL,
	last_error_message = NULL,
	last_seen_posted_at = COALESCE(EXCLUDED.last_seen_posted_at, source_state.last_seen_posted_at)`

// UpsertSuccess records a successful crawl. A nil watermark keeps the stored one.
func (s *Store) UpsertSuccess(ctx context.Context, sourceID string, watermark *time.Time) error {
	var wm *time.Time
	if watermark != nil {
		v := watermark.UTC()
		wm = &v
	}
	if _, err := s.pool.Exec(ctx, upsertSuccess, sourceID, s.now(), wm); err != nil {
		return fmt.Errorf("upsert success: %w", err)
	}
	return nil
}

const upsertError = `
INSERT INTO source_state (source_id, last_crawled_at, last_error_at, last_error_message)
VALUES ($1, $2, $2, $3)
ON CONFLICT (source_id) DO UPDATE SET
	last_crawled_at = EXCLUDED.last_crawled_at,
	last_error_at = EXCLUDED.last_error_at,
	last_error_message = EXCLUDED.last_error_message`

// UpsertError records a failed crawl without touching success fields.
func (s *Store) UpsertError(ctx context.Context, sourceID string, cause error) error {
	if _, err := s.pool.Exec(ctx, upsertError, sourceID, s.now(), crawler.ErrorMessage(cause)); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}

// xmax is zero only for rows created by this statement.
const insertDocument = `
INSERT INTO documents (source_id, url, first_seen_at, last_seen_at, title)
VALUES ($1, $2, $3, $3, $4)
ON CONFLICT (source_id, url) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
RETURNING (xmax = 0) AS inserted`

// InsertIfNew reports whether (source_id, url) was unseen.
func (s *Store) InsertIfNew(ctx context.Context, doc crawler.NormalizedDocument) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, insertDocument, doc.SourceID, doc.URL, s.now(), doc.Title).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	return inserted, nil
}

const selectSchedule = `
SELECT source_id, enabled, allowed_start_hour_utc, allowed_end_hour_utc
FROM source_schedule
WHERE source_id = $1`

// GetSchedule returns nil when no schedule row exists.
func (s *Store) GetSchedule(ctx context.Context, sourceID string) (*crawler.ScheduleConfig, error) {
	var cfg crawler.ScheduleConfig
	err := s.pool.QueryRow(ctx, selectSchedule, sourceID).Scan(
		&cfg.SourceID,
		&cfg.Enabled,
		&cfg.AllowedStartHourUTC,
		&cfg.AllowedEndHourUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule: %w", err)
	}
	return &cfg, nil
}

const upsertSchedule = `
INSERT INTO source_schedule (source_id, enabled, allowed_start_hour_utc, allowed_end_hour_utc)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_id) DO UPDATE SET
	enabled = EXCLUDED.enabled,
	allowed_start_hour_utc = EXCLUDED.allowed_start_hour_utc,
	allowed_end_hour_utc = EXCLUDED.allowed_end_hour_utc`

// UpsertSchedule replaces the schedule for cfg.SourceID.
func (s *Store) UpsertSchedule(ctx context.Context, cfg crawler.ScheduleConfig) error {
	if _, err := s.pool.Exec(ctx, upsertSchedule,
		cfg.SourceID, cfg.Enabled, cfg.AllowedStartHourUTC, cfg.AllowedEndHourUTC,
	); err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}
