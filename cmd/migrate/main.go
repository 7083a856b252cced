package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dvloznov/pbp-backfill/internal/config"
	"github.com/dvloznov/pbp-backfill/internal/domain"
	"github.com/dvloznov/pbp-backfill/internal/infra/bigquery"
	"github.com/dvloznov/pbp-backfill/internal/infra/postgres"
	"github.com/dvloznov/pbp-backfill/internal/logger"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// options are the settings of one migrate run.
type options struct {
	destination string
	table       string
	appliedBy   string
	databaseURL string
	bqProject   string
	bqDataset   string
}

func loadOptions(fs *pflag.FlagSet) (*options, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("PBP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	o := &options{
		destination: strings.ToLower(v.GetString("destination")),
		table:       v.GetString("table"),
		appliedBy:   v.GetString("applied-by"),
		databaseURL: v.GetString("database-url"),
		bqProject:   v.GetString("bq-project"),
		bqDataset:   v.GetString("bq-dataset"),
	}

	var missing []string
	switch o.destination {
	case config.DestinationBigQuery:
		if o.bqProject == "" {
			missing = append(missing, config.EnvBQProject)
		}
		if o.bqDataset == "" {
			missing = append(missing, config.EnvBQDataset)
		}
	case config.DestinationPostgres:
		if o.databaseURL == "" {
			missing = append(missing, config.EnvDatabaseURL)
		}
	default:
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("migrate supports bigquery and postgres, got %q", o.destination)}
	}
	if len(missing) > 0 {
		return nil, &domain.ConfigurationError{Missing: missing}
	}
	return o, nil
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Create the plays table in BigQuery or Postgres",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadOptions(cmd.Flags())
			if err != nil {
				return err
			}
			log := logger.NewWithWriter(stderr)
			ctx := logger.WithContext(cmd.Context(), log)

			res, err := migrate(ctx, o)
			if err != nil {
				log.Error().Err(err).Msg("Migration failed")
				return err
			}
			fmt.Fprintln(stdout, res)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fs := cmd.Flags()
	fs.String("destination", config.DestinationBigQuery, "bigquery or postgres")
	fs.String("table", config.DefaultTable, "plays table name")
	fs.String("applied-by", "migrate-cli", "name recorded with each applied migration")
	fs.String("database-url", "", "Postgres connection string (env "+config.EnvDatabaseURL+")")
	fs.String("bq-project", "", "BigQuery project (env "+config.EnvBQProject+")")
	fs.String("bq-dataset", "", "BigQuery dataset (env "+config.EnvBQDataset+")")
	return cmd
}

// result is what one migrate run did to the destination.
type result struct {
	destination string
	table       string
	applied     int // versioned migrations applied; bigquery only
}

func (r result) String() string {
	switch {
	case r.destination == config.DestinationPostgres:
		// CREATE TABLE IF NOT EXISTS cannot tell a new table from an existing one.
		return fmt.Sprintf("Table %s is ready.", r.table)
	case r.applied == 0:
		return "No new migrations to apply. Database is up to date."
	default:
		return fmt.Sprintf("Successfully applied %d migration(s)", r.applied)
	}
}

func migrate(ctx context.Context, o *options) (result, error) {
	log := logger.FromContext(ctx)
	res := result{destination: o.destination, table: o.table}

	switch o.destination {
	case config.DestinationPostgres:
		db, err := postgres.Open(ctx, o.databaseURL)
		if err != nil {
			return res, err
		}
		defer db.Close()
		up, err := postgres.NewUpserter(db, o.table)
		if err != nil {
			return res, err
		}
		if err := up.CreateTable(ctx); err != nil {
			return res, err
		}
		log.Info().Str("table", o.table).Msg("Table ready")
		return res, nil

	default:
		up, err := bigquery.NewUpserter(ctx, o.bqProject, o.bqDataset, o.table)
		if err != nil {
			return res, err
		}
		defer up.Close()
		log.Info().Str("project", o.bqProject).Str("dataset", o.bqDataset).Msg("Connected to BigQuery")
		res.applied, err = up.NewMigrator(o.appliedBy).Migrate(ctx)
		return res, err
	}
}
