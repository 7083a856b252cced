// Package rest upserts plays through a PostgREST-style endpoint.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// Destination names this upserter in errors and logs.
const Destination = "rest"

// Prefer selects merge-on-conflict. Every request carries all columns, so a
// key collision overwrites the whole stored row.
const Prefer = "resolution=merge-duplicates,return=minimal"

// maxErrorBody caps how much of a failed response is kept in an UpsertError.
const maxErrorBody = 64 << 10

// Upserter posts batches of plays to {baseURL}/rest/v1/{table}.
type Upserter struct {
	endpoint string
	apiKey   string
	table    string
	client   *http.Client
	limiter  *rate.Limiter
}

// Option configures an Upserter.
type Option func(*Upserter)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Upserter) { u.client = c }
}

// WithRateLimit paces requests to at most rps per second. Zero disables pacing.
func WithRateLimit(rps float64) Option {
	return func(u *Upserter) {
		if rps > 0 {
			u.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewUpserter creates an upserter for the given base URL, service key and table.
func NewUpserter(baseURL, apiKey, table string, opts ...Option) (*Upserter, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid destination URL %q", baseURL)
	}
	if table == "" {
		return nil, fmt.Errorf("destination table is required")
	}

	q := url.Values{}
	q.Set("on_conflict", strings.Join(domain.KeyColumns, ","))
	endpoint := base.JoinPath("rest", "v1", table)
	endpoint.RawQuery = q.Encode()

	u := &Upserter{
		endpoint: endpoint.String(),
		apiKey:   apiKey,
		table:    table,
		client:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Endpoint returns the full upsert URL including the conflict target.
func (u *Upserter) Endpoint() string { return u.endpoint }

// Upsert sends plays as one JSON array. An empty batch sends nothing, and of
// several plays sharing a key only the last is sent.
// Any status outside 200, 201 and 204 is returned as a *domain.UpsertError.
func (u *Upserter) Upsert(ctx context.Context, plays []*domain.Play) error {
	if len(plays) == 0 {
		return nil
	}
	// One INSERT .. ON CONFLICT may not touch the same key twice.
	plays = domain.DedupeLast(plays)

	body, err := json.Marshal(plays)
	if err != nil {
		return &domain.UpsertError{Destination: Destination, Table: u.table, Rows: len(plays), Err: fmt.Errorf("encode batch: %w", err)}
	}

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upsert request: %w", err)
	}
	req.Header.Set("apikey", u.apiKey)
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", Prefer)

	resp, err := u.client.Do(req)
	if err != nil {
		return &domain.UpsertError{Destination: Destination, Table: u.table, Rows: len(plays), Err: err, Temporary: true}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.UpsertError{
			Destination: Destination,
			Table:       u.table,
			Status:      resp.StatusCode,
			Body:        strings.TrimSpace(string(msg)),
			Rows:        len(plays),
		}
	}
}
