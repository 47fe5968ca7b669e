package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Parser types understood by the parser registry.
const (
	ParserTypeBasic   = "BASIC"
	ParserTypeRSS     = "RSS"
	ParserTypeArticle = "ARTICLE"
)

// PostedAtKey is the RawMeta field carrying a document's publication time.
const PostedAtKey = "posted_at"

// Source is a configured crawl target. It is immutable for the duration of a run.
type Source struct {
	ID                   string `json:"id" mapstructure:"id"`
	Name                 string `json:"name" mapstructure:"name"`
	BaseURL              string `json:"base_url" mapstructure:"base_url"`
	ParserType           string `json:"parser_type,omitempty" mapstructure:"parser_type"`
	CrawlIntervalMinutes int    `json:"crawl_interval_minutes" mapstructure:"crawl_interval_minutes"`
}

// CrawlInterval returns the configured interval as a duration.
func (s Source) CrawlInterval() time.Duration {
	return time.Duration(s.CrawlIntervalMinutes) * time.Minute
}

// SourceState is the persisted crawl bookkeeping for one source.
type SourceState struct {
	SourceID         string     `json:"source_id"`
	LastCrawledAt    *time.Time `json:"last_crawled_at,omitempty"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	LastSeenPostedAt *time.Time `json:"last_seen_posted_at,omitempty"`
}

// ScheduleConfig overrides when a source is allowed to run.
type ScheduleConfig struct {
	SourceID            string `json:"sourceId"`
	Enabled             bool   `json:"enabled"`
	AllowedStartHourUTC *int   `json:"allowedStartHourUtc,omitempty"`
	AllowedEndHourUTC   *int   `json:"allowedEndHourUtc,omitempty"`
}

// Validate checks the identifier and hour bounds.
func (c ScheduleConfig) Validate() error {
	if strings.TrimSpace(c.SourceID) == "" {
		return fmt.Errorf("sourceId is required")
	}
	if h := c.AllowedStartHourUTC; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("allowedStartHourUtc must be between 0 and 23")
	}
	if h := c.AllowedEndHourUTC; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("allowedEndHourUtc must be between 0 and 23")
	}
	return nil
}

// NormalizedDocument is a parser output. Its identity is (SourceID, URL).
type NormalizedDocument struct {
	SourceID       string
	Title          string
	URL            string
	ContentText    string
	AttachmentURLs []string
	RawMeta        map[string]any
	CollectedAt    time.Time
}

// PostedAt returns the parsed posted_at metadata, falling back to CollectedAt.
func (d NormalizedDocument) PostedAt() time.Time {
	switch v := d.RawMeta[PostedAtKey].(type) {
	case time.Time:
		if !v.IsZero() {
			return v.UTC()
		}
	case *time.Time:
		if v != nil && !v.IsZero() {
			return v.UTC()
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC()
		}
	}
	return d.CollectedAt.UTC()
}

// DocumentRecord is the persisted dedup entry for a document.
type DocumentRecord struct {
	SourceID    string    `json:"source_id" bson:"source_id"`
	URL         string    `json:"url" bson:"url"`
	FirstSeenAt time.Time `json:"first_seen_at" bson:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" bson:"last_seen_at"`
	Title       string    `json:"title" bson:"title"`
}

// Lock describes a held source lease.
type Lock struct {
	SourceID  string
	OwnerID   string
	ExpiresAt time.Time
}

// FetchRequest describes a single page retrieval.
type FetchRequest struct {
	URL           string
	Headers       http.Header
	RespectRobots *bool
}

// FetchResponse captures the retrieved page.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Notification is the payload published for every newly discovered document.
type Notification struct {
	SourceID        string    `json:"sourceId"`
	SourceName      string    `json:"sourceName"`
	Title           string    `json:"title"`
	URL             string    `json:"url"`
	CollectedAt     time.Time `json:"collectedAt"`
	AttachmentCount int       `json:"attachmentCount"`
}

// NewNotification builds the notification payload for a document.
func NewNotification(doc NormalizedDocument, sourceName string) Notification {
	return Notification{
		SourceID:        doc.SourceID,
		SourceName:      sourceName,
		Title:           doc.Title,
		URL:             doc.URL,
		CollectedAt:     doc.CollectedAt.UTC(),
		AttachmentCount: len(doc.AttachmentURLs),
	}
}
