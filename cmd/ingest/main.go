package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/dvloznov/pbp-backfill/internal/config"
	"github.com/dvloznov/pbp-backfill/internal/dataset"
	"github.com/dvloznov/pbp-backfill/internal/infra/bigquery"
	"github.com/dvloznov/pbp-backfill/internal/infra/postgres"
	"github.com/dvloznov/pbp-backfill/internal/infra/rest"
	"github.com/dvloznov/pbp-backfill/internal/logger"
	"github.com/dvloznov/pbp-backfill/internal/metrics"
	"github.com/dvloznov/pbp-backfill/internal/pipeline"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Backfill NFL play-by-play seasons into the plays table",
		Long: `Downloads one play-by-play file per season, projects every row onto the
plays schema and upserts it in batches keyed on (game_id, play_id).

Seasons are loaded in order and the run stops at the first failing season.
Re-running a season is safe.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: stderr})
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = logger.WithContext(ctx, log)

			if err := run(ctx, cfg); err != nil {
				log.Error().Err(err).Msg("Backfill failed")
				return err
			}
			fmt.Fprintln(stdout, "Backfill complete.")
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.FromContext(ctx)

	extractor, closeExtractor, err := newExtractor(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeExtractor()

	upserter, closeUpserter, err := newUpserter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUpserter()

	var rec *metrics.Recorder
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewRecorder(reg)
		shutdown := serveMetrics(ctx, cfg.MetricsAddr, reg)
		defer shutdown()
	}

	log.Info().Str("destination", cfg.Destination).Str("table", cfg.Table).
		Int("batch_size", cfg.BatchSize).Str("json_row", string(cfg.JSONRow)).Msg("Configured backfill")

	orch := pipeline.NewOrchestrator(extractor, pipeline.NewTransformer(cfg.JSONRow), upserter, pipeline.Options{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		RequestTimeout: cfg.RequestTimeout,
		Retry:          pipeline.RetryPolicy{MaxAttempts: cfg.MaxAttempts},
		Metrics:        rec,
	})
	_, err = orch.Run(ctx, cfg.From, cfg.To)
	return err
}

func newExtractor(ctx context.Context, cfg *config.Config) (*dataset.Extractor, func(), error) {
	httpFetcher := dataset.NewHTTPFetcher(&http.Client{Timeout: cfg.FetchTimeout})
	opts := []dataset.ExtractorOption{
		dataset.WithFetcher("http", httpFetcher),
		dataset.WithFetcher("https", httpFetcher),
	}
	closeFn := func() {}

	if dataset.IsGCSLocation(cfg.Template) {
		gcs, err := dataset.NewGCSFetcher(ctx, option.WithoutAuthentication())
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, dataset.WithFetcher("gs", gcs))
		closeFn = func() { _ = gcs.Close() }
	}
	return dataset.NewExtractor(cfg.Template, opts...), closeFn, nil
}

func newUpserter(ctx context.Context, cfg *config.Config) (pipeline.Upserter, func(), error) {
	switch cfg.Destination {
	case config.DestinationREST:
		up, err := rest.NewUpserter(cfg.SupabaseURL, cfg.ServiceRoleKey, cfg.Table,
			rest.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
			rest.WithRateLimit(cfg.RateLimit),
		)
		if err != nil {
			return nil, nil, err
		}
		return up, func() {}, nil

	case config.DestinationPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		up, err := postgres.NewUpserter(db, cfg.Table)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return up, func() { _ = db.Close() }, nil

	case config.DestinationBigQuery:
		up, err := bigquery.NewUpserter(ctx, cfg.BQProject, cfg.BQDataset, cfg.Table)
		if err != nil {
			return nil, nil, err
		}
		return up, func() { _ = up.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown destination %q", cfg.Destination)
	}
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) func() {
	log := logger.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
