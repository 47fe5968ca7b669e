// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

type docKey struct {
	sourceID string
	url      string
}

// Store implements crawler.Store with mutex-guarded maps.
type Store struct {
	mu        sync.RWMutex
	clock     crawler.Clock
	states    map[string]crawler.SourceState
	docs      map[docKey]crawler.DocumentRecord
	schedules map[string]crawler.ScheduleConfig
}

// NewStore constructs a Store. A nil clock uses wall time.
func NewStore(clock crawler.Clock) *Store {
	return &Store{
		clock:     clock,
		states:    make(map[string]crawler.SourceState),
		docs:      make(map[docKey]crawler.DocumentRecord),
		schedules: make(map[string]crawler.ScheduleConfig),
	}
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// GetState returns a copy of the stored state, or nil when absent.
func (s *Store) GetState(_ context.Context, sourceID string) (*crawler.SourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[sourceID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// UpsertSuccess stamps crawl and success times and clears error fields.
// A nil watermark keeps the stored one.
func (s *Store) UpsertSuccess(_ context.Context, sourceID string, watermark *time.Time) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[sourceID]
	st.SourceID = sourceID
	st.LastCrawledAt = pointerTime(now)
	st.LastSuccessAt = pointerTime(now)
	st.LastErrorAt = nil
	st.LastErrorMessage = ""
	if watermark != nil {
		st.LastSeenPostedAt = pointerTime(watermark.UTC())
	}
	s.states[sourceID] = st
	return nil
}

// UpsertError stamps crawl and error times, leaving success fields alone.
func (s *Store) UpsertError(_ context.Context, sourceID string, cause error) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[sourceID]
	st.SourceID = sourceID
	st.LastCrawledAt = pointerTime(now)
	st.LastErrorAt = pointerTime(now)
	st.LastErrorMessage = crawler.ErrorMessage(cause)
	s.states[sourceID] = st
	return nil
}

// InsertIfNew records the document once; repeats only touch last_seen_at.
func (s *Store) InsertIfNew(_ context.Context, doc crawler.NormalizedDocument) (bool, error) {
	now := s.now()
	key := docKey{sourceID: doc.SourceID, url: doc.URL}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.docs[key]; ok {
		rec.LastSeenAt = now
		s.docs[key] = rec
		return false, nil
	}
	s.docs[key] = crawler.DocumentRecord{
		SourceID:    doc.SourceID,
		URL:         doc.URL,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Title:       doc.Title,
	}
	return true, nil
}

// Document returns the stored record for (sourceID, url).
func (s *Store) Document(sourceID, url string) (crawler.DocumentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[docKey{sourceID: sourceID, url: url}]
	return rec, ok
}

// GetSchedule returns the stored schedule, or nil when absent.
func (s *Store) GetSchedule(_ context.Context, sourceID string) (*crawler.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.schedules[sourceID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// UpsertSchedule replaces the schedule for cfg.SourceID.
func (s *Store) UpsertSchedule(_ context.Context, cfg crawler.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[cfg.SourceID] = cfg
	return nil
}

// Close implements crawler.Store.
func (s *Store) Close() error { return nil }

func pointerTime(t time.Time) *time.Time {
	return &t
}
