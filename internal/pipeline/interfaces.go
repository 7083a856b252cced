package pipeline

import (
	"context"

	"github.com/dvloznov/pbp-backfill/internal/dataset"
	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// Extractor retrieves one season of source rows.
type Extractor interface {
	// Location returns where the season is read from, for progress logging.
	Location(season int) string
	// Extract downloads and decodes the season. Failures are *domain.RetrievalError.
	Extract(ctx context.Context, season int) (*dataset.Table, error)
}

// Upserter writes one batch of plays to the destination as a single atomic
// request keyed on (game_id, play_id). An empty batch must be a no-op and a
// rejected batch must return a *domain.UpsertError.
type Upserter interface {
	Upsert(ctx context.Context, plays []*domain.Play) error
}
