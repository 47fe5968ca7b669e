// Package ingest forwards newly discovered documents to the backend ingest API.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
)

// Path is appended to the backend base URL.
const Path = "/ingest/raw"

// Config controls the HTTP client.
type Config struct {
	BaseURL   string
	APIToken  string
	UserAgent string
	Timeout   time.Duration
}

// Client implements crawler.IngestClient over HTTP.
type Client struct {
	endpoint  string
	token     string
	userAgent string
	http      *http.Client
	logger    *zap.Logger
}

// Payload is the JSON body sent for each document.
type Payload struct {
	SourceID       string         `json:"sourceId"`
	Title          string         `json:"title"`
	URL            string         `json:"url"`
	ContentText    string         `json:"contentText"`
	AttachmentURLs []string       `json:"attachmentUrls"`
	RawMeta        map[string]any `json:"rawMeta"`
	CollectedAt    string         `json:"collectedAt"`
}

// New builds a Client. httpClient may be nil, in which case one with
// cfg.Timeout is created.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("ingest base url is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:  base + Path,
		token:     cfg.APIToken,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		logger:    logger.Named("ingest"),
	}, nil
}

// NewPayload converts a document into its wire form.
func NewPayload(doc crawler.NormalizedDocument) Payload {
	attachments := doc.AttachmentURLs
	if attachments == nil {
		attachments = []string{}
	}
	meta := doc.RawMeta
	if meta == nil {
		meta = map[string]any{}
	}
	return Payload{
		SourceID:       doc.SourceID,
		Title:          doc.Title,
		URL:            doc.URL,
		ContentText:    doc.ContentText,
		AttachmentURLs: attachments,
		RawMeta:        meta,
		CollectedAt:    doc.CollectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Send posts doc. A 401 is fatal; any other failure is retriable.
func (c *Client) Send(ctx context.Context, doc crawler.NormalizedDocument) error {
	body, err := json.Marshal(NewPayload(doc))
	if err != nil {
		return crawler.Fatalf("encode ingest payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return crawler.Fatalf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveIngest(0)
		return crawler.Retriablef("send ingest request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)
	metrics.ObserveIngest(resp.StatusCode)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debug("document ingested",
			zap.String("source_id", doc.SourceID),
			zap.String("url", doc.URL),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return crawler.Fatalf("ingest unauthorized (401): check backend api token")
	default:
		return crawler.Retriablef("ingest status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}
