package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/pbp-backfill/internal/dataset"
	"github.com/dvloznov/pbp-backfill/internal/domain"
	"github.com/dvloznov/pbp-backfill/internal/logger"
	"github.com/dvloznov/pbp-backfill/internal/metrics"
)

// PipelineStep is one stage of loading a season.
type PipelineStep interface {
	Execute(ctx context.Context, state *SeasonState) error
}

// SeasonState is handed from step to step while a season is loaded. Nothing in
// it outlives the season.
type SeasonState struct {
	Season   int
	Location string
	Table    *dataset.Table
	Plays    []*domain.Play
	Batches  int // batches accepted by the destination
}

// ExtractStep downloads and decodes the season file.
type ExtractStep struct {
	Extractor Extractor
}

func (s *ExtractStep) Execute(ctx context.Context, state *SeasonState) error {
	log := logger.FromContext(ctx)
	state.Location = s.Extractor.Location(state.Season)
	log.Info().Str("url", state.Location).
		Msgf("Downloading %d from %s", state.Season, state.Location)

	tbl, err := s.Extractor.Extract(ctx, state.Season)
	if err != nil {
		return err
	}
	state.Table = tbl
	return nil
}

// TransformStep projects the decoded table onto plays and releases the table.
type TransformStep struct {
	Transformer *Transformer
}

func (s *TransformStep) Execute(ctx context.Context, state *SeasonState) error {
	if state.Table == nil {
		return fmt.Errorf("season %d: transform before extract", state.Season)
	}
	defer func() {
		state.Table.Release()
		state.Table = nil
	}()

	plays, err := s.Transformer.Transform(state.Season, state.Table)
	if err != nil {
		return err
	}
	state.Plays = plays
	return nil
}

// LoadStep upserts the plays in fixed-size batches. Each batch is one request;
// once a request has been sent it is allowed to finish even if ctx is
// cancelled, and no further batch is started. RequestTimeout bounds every
// attempt, cancelled or not.
type LoadStep struct {
	Upserter       Upserter
	BatchSize      int
	Concurrency    int
	RequestTimeout time.Duration // no bound when <= 0
	Retry          RetryPolicy
	Metrics        *metrics.Recorder
}

func (s *LoadStep) Execute(ctx context.Context, state *SeasonState) error {
	log := logger.FromContext(ctx)
	total := BatchCount(len(state.Plays), s.BatchSize)
	log.Info().Int("plays", len(state.Plays)).Int("batches", total).
		Msgf("Upserting %d plays for %d", len(state.Plays), state.Season)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))

	var sent atomic.Int64
	for batch := range Batches(state.Plays, s.BatchSize) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go blocks at the limit, so a batch may get here after a failure.
			if gctx.Err() != nil {
				return nil
			}
			if err := s.send(gctx, batch); err != nil {
				return err
			}
			s.Metrics.PlaysUpserted(state.Season, len(batch))
			sent.Add(1)
			return nil
		})
	}
	err := g.Wait()
	state.Batches = int(sent.Load())
	if err != nil {
		return err
	}
	if state.Batches < total {
		// Stopped early without a batch failure: the caller cancelled.
		return ctx.Err()
	}
	return nil
}

// send delivers one batch, retrying it unchanged under the retry policy.
func (s *LoadStep) send(ctx context.Context, batch []*domain.Play) error {
	log := logger.FromContext(ctx)
	attempt := 0
	err := s.Retry.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			s.Metrics.Batch(metrics.ResultRetried)
			log.Warn().Int("attempt", attempt).Int("plays", len(batch)).Msg("Retrying batch")
		}
		return s.upsert(ctx, batch)
	})
	if err != nil {
		s.Metrics.Batch(metrics.ResultFailed)
		return err
	}
	s.Metrics.Batch(metrics.ResultOK)
	return nil
}

// upsert sends one attempt detached from ctx's cancellation, under RequestTimeout.
func (s *LoadStep) upsert(ctx context.Context, batch []*domain.Play) error {
	reqCtx := context.WithoutCancel(ctx)
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, s.RequestTimeout)
		defer cancel()
	}
	return s.Upserter.Upsert(reqCtx, batch)
}

// Pipeline runs its steps in order and stops at the first failure.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially against one season.
func (p *Pipeline) Execute(ctx context.Context, state *SeasonState) error {
	for _, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return err
		}
	}
	return nil
}
