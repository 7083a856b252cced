package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/pbp-backfill/internal/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered DDL file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// migrationPattern matches files like 0001_name.sql.
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migrations returns the embedded migrations rendered for a target table.
func Migrations(projectID, datasetID, table string) ([]Migration, error) {
	return readMigrations(migrationFiles, "migrations", projectID, datasetID, table)
}

func readMigrations(fsys fs.FS, dir, projectID, datasetID, table string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", entry.Name(), err)
		}

		// The checksum covers the template, not the rendered target.
		sql := strings.NewReplacer(
			"{{PROJECT_ID}}", projectID,
			"{{DATASET_ID}}", datasetID,
			"{{TABLE}}", table,
		).Replace(string(content))

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Pending returns the migrations whose version is not yet applied, in order.
func Pending(all []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}
	var out []Migration
	for _, m := range all {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// Migrator applies the embedded migrations to one dataset.
type Migrator struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	table     string
	appliedBy string
}

// NewMigrator creates a migrator that shares the upserter's client.
func (u *Upserter) NewMigrator(appliedBy string) *Migrator {
	return &Migrator{
		client:    u.client,
		projectID: u.projectID,
		datasetID: u.datasetID,
		table:     u.table,
		appliedBy: appliedBy,
	}
}

// Migrate applies pending migrations and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	migrations, err := Migrations(m.projectID, m.datasetID, m.table)
	if err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	log.Info().Int("files", len(migrations)).Int("applied", len(applied)).Msg("Loaded migrations")

	pending := Pending(migrations, applied)
	for _, mig := range pending {
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("Applying migration")
		if err := m.exec(ctx, mig.SQL, nil); err != nil {
			return 0, fmt.Errorf("migration %04d_%s: %w", mig.Version, mig.Name, err)
		}
		if err := m.record(ctx, mig); err != nil {
			return 0, fmt.Errorf("recording migration %04d_%s: %w", mig.Version, mig.Name, err)
		}
	}
	return len(pending), nil
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	sql := fmt.Sprintf("SELECT version, name, applied_at, checksum, applied_by FROM `%s.%s.schema_migrations` ORDER BY version ASC",
		m.projectID, m.datasetID)

	it, err := m.client.Query(sql).Read(ctx)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (m *Migrator) record(ctx context.Context, mig Migration) error {
	sql := fmt.Sprintf("INSERT INTO `%s.%s.schema_migrations` (version, name, applied_at, checksum, applied_by) "+
		"VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)", m.projectID, m.datasetID)
	return m.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "version", Value: mig.Version},
		{Name: "name", Value: mig.Name},
		{Name: "checksum", Value: mig.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	})
}

func (m *Migrator) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
