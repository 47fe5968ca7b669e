// Package parser turns a configured source into candidate documents.
//
// A Registry dispatches on the source's parser type. Each parser fetches its
// page through the shared crawler.Fetcher, wrapped in the retry policy, and
// normalizes what it finds into crawler.NormalizedDocument values.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/retry"
)

// Registry selects a parser by type. It implements crawler.Parser.
type Registry struct {
	parsers  map[string]crawler.Parser
	fallback crawler.Parser
	logger   *zap.Logger
}

// Deps are the collaborators shared by the built-in parsers.
type Deps struct {
	Fetcher crawler.Fetcher
	Retry   *retry.Policy
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// NewRegistry registers BASIC, RSS and ARTICLE. BASIC is the fallback for
// empty or unknown types.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	basic := NewBasic(deps)
	r := &Registry{
		parsers:  make(map[string]crawler.Parser),
		fallback: basic,
		logger:   deps.Logger.Named("parser"),
	}
	r.Register(crawler.ParserTypeBasic, basic)
	r.Register(crawler.ParserTypeRSS, NewRSS(deps))
	r.Register(crawler.ParserTypeArticle, NewArticle(deps))
	return r
}

// Register binds parserType (case-insensitive) to p.
func (r *Registry) Register(parserType string, p crawler.Parser) {
	r.parsers[strings.ToUpper(strings.TrimSpace(parserType))] = p
}

// Lookup returns the parser for parserType, or the fallback.
func (r *Registry) Lookup(parserType string) crawler.Parser {
	key := strings.ToUpper(strings.TrimSpace(parserType))
	if p, ok := r.parsers[key]; ok {
		return p
	}
	if key != "" {
		r.logger.Warn("unknown parser type, using fallback", zap.String("parser_type", parserType))
	}
	return r.fallback
}

// Parse delegates to the parser registered for source.ParserType.
func (r *Registry) Parse(ctx context.Context, source crawler.Source, state *crawler.SourceState) ([]crawler.NormalizedDocument, error) {
	return r.Lookup(source.ParserType).Parse(ctx, source, state)
}

type pageFetcher struct {
	fetcher crawler.Fetcher
	retry   *retry.Policy
}

func (f pageFetcher) get(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	if f.fetcher == nil {
		return crawler.FetchResponse{}, crawler.Fatalf("parser: no fetcher configured")
	}
	return retry.Value(ctx, f.retry, func(ctx context.Context) (crawler.FetchResponse, error) {
		return f.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL})
	})
}

// decodeBody converts the body to UTF-8 using the Content-Type charset or
// the document's own declaration.
func decodeBody(resp crawler.FetchResponse) io.Reader {
	reader, err := charset.NewReader(bytes.NewReader(resp.Body), resp.ContentType())
	if err != nil {
		return bytes.NewReader(resp.Body)
	}
	return reader
}

func readBody(resp crawler.FetchResponse) ([]byte, error) {
	body, err := io.ReadAll(decodeBody(resp))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

var whitespace = regexp.MustCompile(`\s+`)

func normalizeText(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
