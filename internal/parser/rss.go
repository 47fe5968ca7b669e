package parser

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/hash/sha256"
)

// RSS emits one document per RSS/Atom/JSON feed item. Items published
// strictly before the source's watermark are skipped.
type RSS struct {
	pages  pageFetcher
	clock  crawler.Clock
	logger *zap.Logger
}

// NewRSS builds the RSS parser.
func NewRSS(deps Deps) *RSS {
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RSS{
		pages:  pageFetcher{fetcher: deps.Fetcher, retry: deps.Retry},
		clock:  clock,
		logger: logger.Named("rss"),
	}
}

// Parse implements crawler.Parser.
func (p *RSS) Parse(ctx context.Context, source crawler.Source, state *crawler.SourceState) ([]crawler.NormalizedDocument, error) {
	resp, err := p.pages.get(ctx, source.BaseURL)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, crawler.Retriable(err)
	}
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, crawler.Fatalf("parse feed for %s: %w", source.ID, err)
	}

	base, err := url.Parse(firstNonEmpty(resp.URL, source.BaseURL))
	if err != nil {
		return nil, crawler.Fatalf("parse base url %q: %w", source.BaseURL, err)
	}

	var watermark *time.Time
	if state != nil {
		watermark = state.LastSeenPostedAt
	}

	collectedAt := p.clock.Now().UTC()
	docs := make([]crawler.NormalizedDocument, 0, len(feed.Items))
	var stale, unlinked int
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		link := resolve(base, item.Link)
		if link == "" {
			unlinked++
			continue
		}
		posted := itemTime(item)
		if watermark != nil && posted != nil && posted.Before(*watermark) {
			stale++
			continue
		}

		guid := item.GUID
		if guid == "" {
			guid = sha256.Fingerprint(item.Title, item.Link)
		}
		meta := map[string]any{
			"guid":        guid,
			"feed_title":  feed.Title,
			"parser_type": crawler.ParserTypeRSS,
		}
		if posted != nil {
			meta[crawler.PostedAtKey] = posted.UTC().Format(time.RFC3339Nano)
		}
		if item.Author != nil && item.Author.Name != "" {
			meta["author"] = item.Author.Name
		}
		if len(item.Categories) > 0 {
			meta["categories"] = append([]string(nil), item.Categories...)
		}

		docs = append(docs, crawler.NormalizedDocument{
			SourceID:       source.ID,
			Title:          firstNonEmpty(item.Title, link),
			URL:            link,
			ContentText:    htmlText(firstNonEmpty(item.Content, item.Description)),
			AttachmentURLs: enclosureLinks(base, item.Enclosures),
			RawMeta:        meta,
			CollectedAt:    collectedAt,
		})
	}

	p.logger.Info("parsed documents",
		zap.String("source_id", source.ID),
		zap.Int("documents", len(docs)),
		zap.Int("skipped_stale", stale),
		zap.Int("skipped_unlinked", unlinked),
	)
	return docs, nil
}

func itemTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil && !item.PublishedParsed.IsZero() {
		return item.PublishedParsed
	}
	if item.UpdatedParsed != nil && !item.UpdatedParsed.IsZero() {
		return item.UpdatedParsed
	}
	return nil
}

func enclosureLinks(base *url.URL, enclosures []*gofeed.Enclosure) []string {
	links := []string{}
	seen := make(map[string]struct{})
	for _, enc := range enclosures {
		if enc == nil {
			continue
		}
		link := resolve(base, enc.URL)
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref).String()
	if normalized, err := crawler.NormalizeURL(abs); err == nil {
		return normalized
	}
	return abs
}

// htmlText strips markup from feed content.
func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return normalizeText(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return normalizeText(fragment)
	}
	return normalizeText(doc.Text())
}
