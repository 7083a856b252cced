package dataset

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// SeasonPlaceholder is substituted with the season number in a location template.
const SeasonPlaceholder = "{season}"

// DefaultLocationTemplate points at the public nflverse play-by-play release.
const DefaultLocationTemplate = "https://github.com/nflverse/nflfastR-data/raw/master/data/play_by_play/parquet/play_by_play_{season}.parquet"

// ValidateTemplate checks that a location template names a season and a
// supported scheme.
func ValidateTemplate(template string) error {
	if !strings.Contains(template, SeasonPlaceholder) {
		return fmt.Errorf("location template %q has no %s placeholder", template, SeasonPlaceholder)
	}
	scheme, err := schemeOf(template)
	if err != nil {
		return err
	}
	switch scheme {
	case "http", "https", "gs":
		return nil
	default:
		return fmt.Errorf("location template %q: unsupported scheme %q", template, scheme)
	}
}

// Extractor resolves a season to its dataset file and decodes it.
type Extractor struct {
	template string
	fetchers map[string]Fetcher
}

// NewExtractor creates an extractor for the given template. HTTP(S) locations
// use http.DefaultClient unless overridden with WithFetcher.
func NewExtractor(template string, opts ...ExtractorOption) *Extractor {
	httpFetcher := NewHTTPFetcher(nil)
	e := &Extractor{
		template: template,
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithFetcher registers the fetcher used for locations with the given scheme.
func WithFetcher(scheme string, f Fetcher) ExtractorOption {
	return func(e *Extractor) {
		e.fetchers[scheme] = f
	}
}

// Location returns the dataset location of a season.
func (e *Extractor) Location(season int) string {
	return strings.ReplaceAll(e.template, SeasonPlaceholder, strconv.Itoa(season))
}

// Extract downloads and decodes one season. Every failure is a
// *domain.RetrievalError; nothing is retried here.
func (e *Extractor) Extract(ctx context.Context, season int) (*Table, error) {
	location := e.Location(season)
	fail := func(err error) (*Table, error) {
		return nil, &domain.RetrievalError{Season: season, Location: location, Err: err}
	}

	scheme, err := schemeOf(location)
	if err != nil {
		return fail(err)
	}
	fetcher, ok := e.fetchers[scheme]
	if !ok {
		return fail(fmt.Errorf("no fetcher registered for scheme %q", scheme))
	}

	data, err := fetcher.Fetch(ctx, location)
	if err != nil {
		return fail(err)
	}
	tbl, err := ReadParquet(ctx, data)
	if err != nil {
		return fail(err)
	}
	return tbl, nil
}

func schemeOf(location string) (string, error) {
	u, err := url.Parse(strings.ReplaceAll(location, SeasonPlaceholder, "0"))
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("location %q has no scheme", location)
	}
	return strings.ToLower(u.Scheme), nil
}
