// Package sqlite implements the crawler stores on a single-node SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/migrations"
)

const timeLayout = time.RFC3339Nano

// Store implements crawler.Store backed by SQLite.
type Store struct {
	db    *sql.DB
	clock crawler.Clock
}

// Open opens the database at dsn and runs pending migrations.
func Open(dsn string, clock crawler.Clock) (*Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := migrations.Run(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// OpenDB opens a raw handle with WAL enabled, without migrating.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps the conditional insert race-free under database/sql pooling.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() string {
	if s.clock != nil {
		return s.clock.Now().UTC().Format(timeLayout)
	}
	return time.Now().UTC().Format(timeLayout)
}

// GetState returns the stored state or nil.
func (s *Store) GetState(ctx context.Context, sourceID string) (*crawler.SourceState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_id, last_crawled_at, last_success_at, last_error_at, last_error_message, last_seen_posted_at
		 FROM source_state WHERE source_id = ?`, sourceID,
	)
	var (
		st                                   crawler.SourceState
		crawled, success, errAt, msg, posted sql.NullString
	)
	err := row.Scan(&st.SourceID, &crawled, &success, &errAt, &msg, &posted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan source state: %w", err)
	}
	st.LastCrawledAt = parseNullTime(crawled)
	st.LastSuccessAt = parseNullTime(success)
	st.LastErrorAt = parseNullTime(errAt)
	st.LastErrorMessage = msg.String
	st.LastSeenPostedAt = parseNullTime(posted)
	return &st, nil
}

// UpsertSuccess records a successful crawl. A nil watermark keeps the stored one.
func (s *Store) UpsertSuccess(ctx context.Context, sourceID string, watermark *time.Time) error {
	var wm sql.NullString
	if watermark != nil {
		wm = sql.NullString{String: watermark.UTC().Format(timeLayout), Valid: true}
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_state (source_id, last_crawled_at, last_success_at, last_seen_posted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_id) DO UPDATE SET
		   last_crawled_at = excluded.last_crawled_at,
		   last_success_at = excluded.last_success_at,
		   last_error_at = NULL,
		   last_error_message = NULL,
		   last_seen_posted_at = COALESCE(excluded.last_seen_posted_at, source_state.last_seen_posted_at)`,
		sourceID, now, now, wm,
	)
	if err != nil {
		return fmt.Errorf("upsert success: %w", err)
	}
	return nil
}

// UpsertError records a failed crawl, leaving success fields alone.
func (s *Store) UpsertError(ctx context.Context, sourceID string, cause error) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_state (source_id, last_crawled_at, last_error_at, last_error_message)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_id) DO UPDATE SET
		   last_crawled_at = excluded.last_crawled_at,
		   last_error_at = excluded.last_error_at,
		   last_error_message = excluded.last_error_message`,
		sourceID, now, now, crawler.ErrorMessage(cause),
	)
	if err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}

// InsertIfNew inserts the document when unseen; otherwise touches last_seen_at.
func (s *Store) InsertIfNew(ctx context.Context, doc crawler.NormalizedDocument) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (source_id, url, first_seen_at, last_seen_at, title)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source_id, url) DO NOTHING`,
		doc.SourceID, doc.URL, now, now, doc.Title,
	)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET last_seen_at = ? WHERE source_id = ? AND url = ?`,
		now, doc.SourceID, doc.URL,
	); err != nil {
		return false, fmt.Errorf("touch document: %w", err)
	}
	return false, nil
}

// Document loads the stored record for (sourceID, url).
func (s *Store) Document(ctx context.Context, sourceID, url string) (*crawler.DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_id, url, first_seen_at, last_seen_at, title
		 FROM documents WHERE source_id = ? AND url = ?`, sourceID, url,
	)
	var (
		rec         crawler.DocumentRecord
		first, last string
	)
	if err := row.Scan(&rec.SourceID, &rec.URL, &first, &last, &rec.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crawler.ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	rec.FirstSeenAt, _ = time.Parse(timeLayout, first)
	rec.LastSeenAt, _ = time.Parse(timeLayout, last)
	return &rec, nil
}

// GetSchedule returns the stored schedule or nil.
func (s *Store) GetSchedule(ctx context.Context, sourceID string) (*crawler.ScheduleConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_id, enabled, allowed_start_hour_utc, allowed_end_hour_utc
		 FROM source_schedule WHERE source_id = ?`, sourceID,
	)
	var (
		cfg        crawler.ScheduleConfig
		enabled    int
		start, end sql.NullInt64
	)
	err := row.Scan(&cfg.SourceID, &enabled, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	cfg.Enabled = enabled != 0
	cfg.AllowedStartHourUTC = nullIntPtr(start)
	cfg.AllowedEndHourUTC = nullIntPtr(end)
	return &cfg, nil
}

// UpsertSchedule replaces the schedule for cfg.SourceID.
func (s *Store) UpsertSchedule(ctx context.Context, cfg crawler.ScheduleConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_schedule (source_id, enabled, allowed_start_hour_utc, allowed_end_hour_utc)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   allowed_start_hour_utc = excluded.allowed_start_hour_utc,
		   allowed_end_hour_utc = excluded.allowed_end_hour_utc`,
		cfg.SourceID, boolToInt(cfg.Enabled), intPtrValue(cfg.AllowedStartHourUTC), intPtrValue(cfg.AllowedEndHourUTC),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func intPtrValue(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
