package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/pbp-backfill/internal/logger"
	"github.com/dvloznov/pbp-backfill/internal/metrics"
)

// Options tune how the orchestrator loads each season.
type Options struct {
	BatchSize      int           // plays per upsert request; DefaultBatchSize when <= 0
	Concurrency    int           // batches in flight per season; 1 when <= 0
	RequestTimeout time.Duration // bound on one upsert attempt; none when <= 0
	Retry          RetryPolicy
	Metrics        *metrics.Recorder
}

// SeasonResult summarizes one season of a run.
type SeasonResult struct {
	Season   int
	Plays    int
	Batches  int
	Duration time.Duration
	Err      error
}

// Report lists the seasons a run attempted, in order. When the run fails, the
// last entry is the failed season.
type Report struct {
	RunID   string
	Seasons []SeasonResult
}

// Plays returns the number of plays loaded across all successful seasons.
func (r *Report) Plays() int {
	total := 0
	for _, s := range r.Seasons {
		if s.Err == nil {
			total += s.Plays
		}
	}
	return total
}

// Orchestrator loads an inclusive season range, one season at a time.
type Orchestrator struct {
	pipeline *Pipeline
	metrics  *metrics.Recorder
}

// NewOrchestrator wires extract, transform and load into a season pipeline.
func NewOrchestrator(ex Extractor, tr *Transformer, up Upserter, opts Options) *Orchestrator {
	return &Orchestrator{
		pipeline: NewPipeline(
			&ExtractStep{Extractor: ex},
			&TransformStep{Transformer: tr},
			&LoadStep{
				Upserter:       up,
				BatchSize:      opts.BatchSize,
				Concurrency:    opts.Concurrency,
				RequestTimeout: opts.RequestTimeout,
				Retry:          opts.Retry,
				Metrics:        opts.Metrics,
			},
		),
		metrics: opts.Metrics,
	}
}

// Run loads seasons from..to in ascending order. The first failing season ends
// the run: its error is returned and later seasons are not attempted. Seasons
// completed before the failure stay loaded, and re-running them is harmless
// because every write is keyed on (game_id, play_id).
func (o *Orchestrator) Run(ctx context.Context, from, to int) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	if from > to {
		return report, fmt.Errorf("invalid season range %d..%d", from, to)
	}

	log := logger.FromContext(ctx).With().Str("run_id", report.RunID).Logger()
	ctx = logger.WithContext(ctx, log)
	log.Info().Int("from", from).Int("to", to).Msg("Starting backfill")

	for season := from; season <= to; season++ {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("backfill interrupted before season %d: %w", season, err)
		}

		res := o.runSeason(ctx, season)
		report.Seasons = append(report.Seasons, res)
		if res.Err != nil {
			log.Error().Err(res.Err).Int("season", season).Int("batches_loaded", res.Batches).Msg("Season failed")
			return report, fmt.Errorf("season %d: %w", season, res.Err)
		}
		log.Info().Int("season", season).Int("plays", res.Plays).Int("batches", res.Batches).
			Dur("duration", res.Duration).Msgf("Done %d", season)
	}

	log.Info().Int("seasons", len(report.Seasons)).Int("plays", report.Plays()).Msg("Backfill complete")
	return report, nil
}

func (o *Orchestrator) runSeason(ctx context.Context, season int) SeasonResult {
	start := time.Now()
	ctx = logger.WithContext(ctx, logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"season": season,
	}))
	state := &SeasonState{Season: season}
	err := o.pipeline.Execute(ctx, state)
	if state.Table != nil {
		state.Table.Release()
	}

	res := SeasonResult{
		Season:   season,
		Plays:    len(state.Plays),
		Batches:  state.Batches,
		Duration: time.Since(start),
		Err:      err,
	}
	if err == nil {
		o.metrics.SeasonDone(res.Duration)
	}
	return res
}
