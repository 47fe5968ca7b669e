package parser

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/clock/system"
	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/hash/sha256"
)

var publishedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Article extracts the readable body of a single article page.
type Article struct {
	pages  pageFetcher
	clock  crawler.Clock
	logger *zap.Logger
}

// NewArticle builds the ARTICLE parser.
func NewArticle(deps Deps) *Article {
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Article{
		pages:  pageFetcher{fetcher: deps.Fetcher, retry: deps.Retry},
		clock:  clock,
		logger: logger.Named("article"),
	}
}

// Parse implements crawler.Parser.
func (p *Article) Parse(ctx context.Context, source crawler.Source, _ *crawler.SourceState) ([]crawler.NormalizedDocument, error) {
	resp, err := p.pages.get(ctx, source.BaseURL)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, crawler.Retriable(err)
	}
	base, err := url.Parse(firstNonEmpty(resp.URL, source.BaseURL))
	if err != nil {
		return nil, crawler.Fatalf("parse base url %q: %w", source.BaseURL, err)
	}

	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, crawler.Fatalf("parse html for %s: %w", source.ID, err)
	}
	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil {
		return nil, crawler.Fatalf("extract article for %s: %w", source.ID, err)
	}
	text, err := contentText(article.Content)
	if err != nil {
		return nil, crawler.Fatalf("extract article text for %s: %w", source.ID, err)
	}

	collectedAt := p.clock.Now().UTC()
	meta := map[string]any{
		"base_url":       source.BaseURL,
		"fetched_at":     collectedAt.Format(time.RFC3339Nano),
		"parser_type":    crawler.ParserTypeArticle,
		"content_sha256": sha256.Sum([]byte(text)),
	}
	if excerpt := normalizeText(article.Excerpt); excerpt != "" {
		meta["excerpt"] = excerpt
	}
	if byline := metaContent(page, `meta[name="author"]`, `meta[property="article:author"]`); byline != "" {
		meta["byline"] = byline
	}
	if site := metaContent(page, `meta[property="og:site_name"]`); site != "" {
		meta["site_name"] = site
	}
	if posted, ok := publishedTime(page); ok {
		meta[crawler.PostedAtKey] = posted.Format(time.RFC3339Nano)
	}

	doc := crawler.NormalizedDocument{
		SourceID:       source.ID,
		Title:          firstNonEmpty(article.Title, metaContent(page, `meta[property="og:title"]`), page.Find("title").First().Text(), source.Name),
		URL:            firstNonEmpty(canonicalURL(page, base), source.BaseURL),
		ContentText:    text,
		AttachmentURLs: attachmentLinks(page, base),
		RawMeta:        meta,
		CollectedAt:    collectedAt,
	}
	p.logger.Info("parsed documents",
		zap.String("source_id", source.ID),
		zap.Int("documents", 1),
		zap.Int("text_length", len(text)),
	)
	return []crawler.NormalizedDocument{doc}, nil
}

var blockTags = []string{"p", "div", "br", "li", "td", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre"}

// contentText flattens readable HTML into text, keeping block boundaries
// as spaces so adjacent paragraphs do not run together.
func contentText(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	doc.Find(strings.Join(blockTags, ",")).Each(func(_ int, s *goquery.Selection) {
		s.BeforeHtml(" ")
		s.AfterHtml(" ")
	})
	return normalizeText(doc.Text()), nil
}

func metaContent(page *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := page.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func publishedTime(page *goquery.Document) (time.Time, bool) {
	raw := metaContent(page,
		`meta[property="article:published_time"]`,
		`meta[name="pubdate"]`,
		`meta[name="date"]`,
		`meta[itemprop="datePublished"]`,
	)
	if raw == "" {
		if v, ok := page.Find("time[datetime]").First().Attr("datetime"); ok {
			raw = strings.TrimSpace(v)
		}
	}
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range publishedLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// canonicalURL returns the page's rel=canonical link when it stays on the
// fetched host.
func canonicalURL(page *goquery.Document, base *url.URL) string {
	href, ok := page.Find(`link[rel="canonical"]`).First().Attr("href")
	if !ok {
		return ""
	}
	link := resolve(base, href)
	u, err := url.Parse(link)
	if err != nil || !strings.EqualFold(u.Host, base.Host) {
		return ""
	}
	return link
}
