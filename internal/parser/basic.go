package parser

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/hash/sha256"
)

var attachmentExtensions = map[string]struct{}{
	".txt":  {},
	".zip":  {},
	".gz":   {},
	".csv":  {},
	".json": {},
	".pdf":  {},
	".7z":   {},
	".xz":   {},
}

// Basic fetches the source page and emits it as a single document with its
// title, body text and any links that look like downloadable files.
type Basic struct {
	pages  pageFetcher
	clock  crawler.Clock
	logger *zap.Logger
}

// NewBasic builds the BASIC parser.
func NewBasic(deps Deps) *Basic {
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Basic{
		pages:  pageFetcher{fetcher: deps.Fetcher, retry: deps.Retry},
		clock:  clock,
		logger: logger.Named("basic"),
	}
}

// Parse implements crawler.Parser.
func (p *Basic) Parse(ctx context.Context, source crawler.Source, _ *crawler.SourceState) ([]crawler.NormalizedDocument, error) {
	resp, err := p.pages.get(ctx, source.BaseURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(decodeBody(resp))
	if err != nil {
		return nil, crawler.Fatalf("parse html for %s: %w", source.ID, err)
	}

	base, err := url.Parse(firstNonEmpty(resp.URL, source.BaseURL))
	if err != nil {
		return nil, crawler.Fatalf("parse base url %q: %w", source.BaseURL, err)
	}

	text := normalizeText(doc.Find("body").Text())
	collectedAt := p.clock.Now().UTC()
	out := crawler.NormalizedDocument{
		SourceID:       source.ID,
		Title:          firstNonEmpty(doc.Find("title").First().Text(), source.Name),
		URL:            source.BaseURL,
		ContentText:    text,
		AttachmentURLs: attachmentLinks(doc, base),
		RawMeta: map[string]any{
			"base_url":       source.BaseURL,
			"fetched_at":     collectedAt.Format(time.RFC3339Nano),
			"parser_type":    crawler.ParserTypeBasic,
			"content_sha256": sha256.Sum([]byte(text)),
		},
		CollectedAt: collectedAt,
	}
	p.logger.Info("parsed documents",
		zap.String("source_id", source.ID),
		zap.Int("documents", 1),
		zap.Int("attachments", len(out.AttachmentURLs)),
	)
	return []crawler.NormalizedDocument{out}, nil
}

// attachmentLinks returns the distinct absolute URLs of anchors whose path
// ends in a known archive or data extension, in document order.
func attachmentLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if !looksLikeAttachment(resolved) {
			return
		}
		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

func looksLikeAttachment(u *url.URL) bool {
	_, ok := attachmentExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}
