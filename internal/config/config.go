// Package config builds the run configuration from flags and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dvloznov/pbp-backfill/internal/dataset"
	"github.com/dvloznov/pbp-backfill/internal/domain"
	"github.com/dvloznov/pbp-backfill/internal/infra/postgres"
	"github.com/dvloznov/pbp-backfill/internal/pipeline"
)

// Destinations.
const (
	DestinationREST     = "rest"
	DestinationPostgres = "postgres"
	DestinationBigQuery = "bigquery"
)

// Environment variables holding credentials and destination targets.
const (
	EnvSupabaseURL       = "SUPABASE_URL"
	EnvPublicSupabaseURL = "NEXT_PUBLIC_SUPABASE_URL"
	EnvServiceRoleKey    = "SUPABASE_SERVICE_ROLE_KEY"
	EnvDatabaseURL       = "PBP_DATABASE_URL"
	EnvBQProject         = "PBP_BQ_PROJECT"
	EnvBQDataset         = "PBP_BQ_DATASET"
	EnvTemplate          = "PBP_DATASET_URL_TEMPLATE"
)

const envPrefix = "PBP"

// DefaultTable is the destination table for raw plays.
const DefaultTable = "pbp_raw"

// Config is everything a backfill run needs. It is built once by Load and
// passed to the components that need it.
type Config struct {
	From, To    int
	BatchSize   int
	Concurrency int
	MaxAttempts int
	JSONRow     pipeline.JSONRowMode

	Template     string
	FetchTimeout time.Duration

	Destination    string
	Table          string
	SupabaseURL    string
	ServiceRoleKey string
	RateLimit      float64 // requests per second; 0 disables pacing
	RequestTimeout time.Duration
	DatabaseURL    string
	BQProject      string
	BQDataset      string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// RegisterFlags defines every command-line option with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("from", pipeline.DefaultSeasonFrom, "first season to load (inclusive)")
	fs.Int("to", pipeline.DefaultSeasonTo, "last season to load (inclusive)")
	fs.Int("batch-size", pipeline.DefaultBatchSize, "plays per upsert request")
	fs.Int("concurrency", 1, "upsert requests in flight per season")
	fs.Int("max-attempts", 1, "attempts per batch on transient failures")
	fs.String("json-row", string(pipeline.JSONRowNone), "json_row payload: none, projected or full")
	fs.String("template", dataset.DefaultLocationTemplate, "season file location, {season} is substituted")
	fs.Duration("fetch-timeout", 5*time.Minute, "timeout for downloading one season file")
	fs.String("destination", DestinationREST, "destination: rest, postgres or bigquery")
	fs.String("table", DefaultTable, "destination table")
	fs.String("supabase-url", "", "REST base URL (env "+EnvSupabaseURL+")")
	fs.Float64("rate-limit", 0, "max upsert requests per second, 0 for unlimited")
	fs.Duration("request-timeout", 60*time.Second, "timeout for one upsert request")
	fs.String("database-url", "", "Postgres connection string (env "+EnvDatabaseURL+")")
	fs.String("bq-project", "", "BigQuery project (env "+EnvBQProject+")")
	fs.String("bq-dataset", "", "BigQuery dataset (env "+EnvBQDataset+")")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "console", "log format: console or json")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

// Load resolves flags, environment and defaults in that order of priority.
// The result is not validated.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	binds := [][]string{
		{"supabase-url", EnvSupabaseURL, EnvPublicSupabaseURL},
		{"service-role-key", EnvServiceRoleKey},
		{"template", EnvTemplate},
	}
	for _, b := range binds {
		if err := v.BindEnv(b...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b[0], err)
		}
	}

	return &Config{
		From:           v.GetInt("from"),
		To:             v.GetInt("to"),
		BatchSize:      v.GetInt("batch-size"),
		Concurrency:    v.GetInt("concurrency"),
		MaxAttempts:    v.GetInt("max-attempts"),
		JSONRow:        pipeline.JSONRowMode(v.GetString("json-row")),
		Template:       v.GetString("template"),
		FetchTimeout:   v.GetDuration("fetch-timeout"),
		Destination:    strings.ToLower(v.GetString("destination")),
		Table:          v.GetString("table"),
		SupabaseURL:    v.GetString("supabase-url"),
		ServiceRoleKey: v.GetString("service-role-key"),
		RateLimit:      v.GetFloat64("rate-limit"),
		RequestTimeout: v.GetDuration("request-timeout"),
		DatabaseURL:    v.GetString("database-url"),
		BQProject:      v.GetString("bq-project"),
		BQDataset:      v.GetString("bq-dataset"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
		MetricsAddr:    v.GetString("metrics-addr"),
	}, nil
}

// Validate checks the configuration before any network activity. Missing
// credentials for the chosen destination are listed by variable name.
func (c *Config) Validate() error {
	var missing []string
	need := func(val, name string) {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	switch c.Destination {
	case DestinationREST:
		need(c.SupabaseURL, EnvSupabaseURL)
		need(c.ServiceRoleKey, EnvServiceRoleKey)
	case DestinationPostgres:
		need(c.DatabaseURL, EnvDatabaseURL)
	case DestinationBigQuery:
		need(c.BQProject, EnvBQProject)
		need(c.BQDataset, EnvBQDataset)
	default:
		return invalid("unknown destination %q", c.Destination)
	}
	if len(missing) > 0 {
		return &domain.ConfigurationError{Missing: missing}
	}

	switch {
	case c.From > c.To:
		return invalid("season range %d..%d is empty", c.From, c.To)
	case c.From < pipeline.FirstSeason:
		return invalid("no play-by-play data before %d", pipeline.FirstSeason)
	case c.BatchSize <= 0:
		return invalid("batch size must be positive, got %d", c.BatchSize)
	case c.Destination == DestinationPostgres && c.BatchSize > postgres.MaxBatchSize:
		return invalid("batch size %d exceeds the postgres limit of %d plays per statement", c.BatchSize, postgres.MaxBatchSize)
	case c.Concurrency <= 0:
		return invalid("concurrency must be positive, got %d", c.Concurrency)
	case c.MaxAttempts <= 0:
		return invalid("max attempts must be positive, got %d", c.MaxAttempts)
	case c.RateLimit < 0:
		return invalid("rate limit must not be negative")
	case strings.TrimSpace(c.Table) == "":
		return invalid("table must not be empty")
	}
	if _, err := pipeline.ParseJSONRowMode(string(c.JSONRow)); err != nil {
		return invalid("%v", err)
	}
	if err := dataset.ValidateTemplate(c.Template); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return &domain.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
