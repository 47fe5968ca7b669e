// Package mongo implements the crawler stores on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Config selects the deployment and collection names.
type Config struct {
	URI      string
	Database string
}

const (
	stateCollection    = "source_state"
	documentCollection = "documents"
	scheduleCollection = "source_schedule"
)

// Store implements crawler.Store on MongoDB.
type Store struct {
	client    *mongo.Client
	states    *mongo.Collection
	documents *mongo.Collection
	schedules *mongo.Collection
	clock     crawler.Clock
}

type stateDoc struct {
	SourceID         string     `bson:"_id"`
	LastCrawledAt    *time.Time `bson:"last_crawled_at,omitempty"`
	LastSuccessAt    *time.Time `bson:"last_success_at,omitempty"`
	LastErrorAt      *time.Time `bson:"last_error_at,omitempty"`
	LastErrorMessage string     `bson:"last_error_message,omitempty"`
	LastSeenPostedAt *time.Time `bson:"last_seen_posted_at,omitempty"`
}

type scheduleDoc struct {
	SourceID            string `bson:"_id"`
	Enabled             bool   `bson:"enabled"`
	AllowedStartHourUTC *int   `bson:"allowed_start_hour_utc,omitempty"`
	AllowedEndHourUTC   *int   `bson:"allowed_end_hour_utc,omitempty"`
}

// New connects, pings and creates the unique document index.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("storage.mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "crawler"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}
	s := NewWithDatabase(client.Database(cfg.Database), clock)
	s.client = client
	if err := s.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewWithDatabase wraps an existing database handle without touching indexes.
func NewWithDatabase(db *mongo.Database, clock crawler.Clock) *Store {
	return &Store{
		states:    db.Collection(stateCollection),
		documents: db.Collection(documentCollection),
		schedules: db.Collection(scheduleCollection),
		clock:     clock,
	}
}

// EnsureIndexes creates the unique (source_id, url) index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.documents.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "source_id", Value: 1}, {Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("source_url_unique"),
	})
	if err != nil {
		return fmt.Errorf("create document index: %w", err)
	}
	return nil
}

// Close disconnects the client when the store owns it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// GetState returns the stored state or nil.
func (s *Store) GetState(ctx context.Context, sourceID string) (*crawler.SourceState, error) {
	var doc stateDoc
	err := s.states.FindOne(ctx, bson.M{"_id": sourceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find source state: %w", err)
	}
	return &crawler.SourceState{
		SourceID:         doc.SourceID,
		LastCrawledAt:    utcPtr(doc.LastCrawledAt),
		LastSuccessAt:    utcPtr(doc.LastSuccessAt),
		LastErrorAt:      utcPtr(doc.LastErrorAt),
		LastErrorMessage: doc.LastErrorMessage,
		LastSeenPostedAt: utcPtr(doc.LastSeenPostedAt),
	}, nil
}

// UpsertSuccess sets crawl and success times and unsets error fields.
func (s *Store) UpsertSuccess(ctx context.Context, sourceID string, watermark *time.Time) error {
	now := s.now()
	set := bson.M{"last_crawled_at": now, "last_success_at": now}
	if watermark != nil {
		set["last_seen_posted_at"] = watermark.UTC()
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"last_error_at": "", "last_error_message": ""},
	}
	if _, err := s.states.UpdateOne(ctx, bson.M{"_id": sourceID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert success: %w", err)
	}
	return nil
}

// UpsertError sets crawl and error fields only.
func (s *Store) UpsertError(ctx context.Context, sourceID string, cause error) error {
	now := s.now()
	update := bson.M{"$set": bson.M{
		"last_crawled_at":    now,
		"last_error_at":      now,
		"last_error_message": crawler.ErrorMessage(cause),
	}}
	if _, err := s.states.UpdateOne(ctx, bson.M{"_id": sourceID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}

// InsertIfNew relies on the unique index; a duplicate key touches last_seen_at.
func (s *Store) InsertIfNew(ctx context.Context, doc crawler.NormalizedDocument) (bool, error) {
	now := s.now()
	_, err := s.documents.InsertOne(ctx, crawler.DocumentRecord{
		SourceID:    doc.SourceID,
		URL:         doc.URL,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Title:       doc.Title,
	})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("insert document: %w", err)
	}
	_, err = s.documents.UpdateOne(ctx,
		bson.M{"source_id": doc.SourceID, "url": doc.URL},
		bson.M{"$set": bson.M{"last_seen_at": now}},
	)
	if err != nil {
		return false, fmt.Errorf("touch document: %w", err)
	}
	return false, nil
}

// GetSchedule returns the stored schedule or nil.
func (s *Store) GetSchedule(ctx context.Context, sourceID string) (*crawler.ScheduleConfig, error) {
	var doc scheduleDoc
	err := s.schedules.FindOne(ctx, bson.M{"_id": sourceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find schedule: %w", err)
	}
	return &crawler.ScheduleConfig{
		SourceID:            doc.SourceID,
		Enabled:             doc.Enabled,
		AllowedStartHourUTC: doc.AllowedStartHourUTC,
		AllowedEndHourUTC:   doc.AllowedEndHourUTC,
	}, nil
}

// UpsertSchedule replaces the schedule document.
func (s *Store) UpsertSchedule(ctx context.Context, cfg crawler.ScheduleConfig) error {
	doc := scheduleDoc{
		SourceID:            cfg.SourceID,
		Enabled:             cfg.Enabled,
		AllowedStartHourUTC: cfg.AllowedStartHourUTC,
		AllowedEndHourUTC:   cfg.AllowedEndHourUTC,
	}
	_, err := s.schedules.ReplaceOne(ctx, bson.M{"_id": cfg.SourceID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
