// Package postgres upserts plays directly into a Postgres table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// Destination names this upserter in errors and logs.
const Destination = "postgres"

// maxParams is the bind parameter limit of the Postgres wire protocol.
const maxParams = 65535

// MaxBatchSize is the largest number of plays one upsert statement can carry.
var MaxBatchSize = maxParams / len(domain.Columns)

// Open connects to the database and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Upserter writes each batch with a single INSERT .. ON CONFLICT statement.
type Upserter struct {
	db    *sql.DB
	table string
}

// NewUpserter creates an upserter for table, which may be schema-qualified.
func NewUpserter(db *sql.DB, table string) (*Upserter, error) {
	if table == "" {
		return nil, fmt.Errorf("destination table is required")
	}
	return &Upserter{db: db, table: table}, nil
}

// Upsert writes plays atomically. Every column is overwritten on a key
// collision. An empty batch is a no-op.
func (u *Upserter) Upsert(ctx context.Context, plays []*domain.Play) error {
	if len(plays) == 0 {
		return nil
	}

	query, args, err := buildUpsert(u.table, domain.DedupeLast(plays))
	if err != nil {
		return &domain.UpsertError{Destination: Destination, Table: u.table, Rows: len(plays), Err: err}
	}
	if _, err := u.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.UpsertError{
			Destination: Destination,
			Table:       u.table,
			Rows:        len(plays),
			Err:         err,
			Temporary:   temporary(err),
		}
	}
	return nil
}

// quoteTable quotes each dot-separated part of a table name.
func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func buildUpsert(table string, plays []*domain.Play) (string, []any, error) {
	if len(plays) > MaxBatchSize {
		return "", nil, fmt.Errorf("batch of %d plays exceeds the %d-play statement limit", len(plays), MaxBatchSize)
	}
	cols := make([]string, len(domain.Columns))
	for i, c := range domain.Columns {
		cols[i] = pq.QuoteIdentifier(c)
	}
	keys := make([]string, len(domain.KeyColumns))
	for i, c := range domain.KeyColumns {
		keys[i] = pq.QuoteIdentifier(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteTable(table), strings.Join(cols, ", "))

	args := make([]any, 0, len(plays)*len(cols))
	for r, p := range plays {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c, v := range p.Values() {
			if c > 0 {
				b.WriteString(", ")
			}
			n := len(args) + 1
			if domain.Columns[c] == "json_row" {
				raw, err := json.Marshal(v)
				if err != nil {
					return "", nil, fmt.Errorf("encode json_row for %v: %w", p.Key(), err)
				}
				v = string(raw)
				b.WriteString("$" + strconv.Itoa(n) + "::jsonb")
			} else {
				b.WriteString("$" + strconv.Itoa(n))
			}
			args = append(args, v)
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(keys, ", "))
	first := true
	for _, c := range domain.Columns {
		if isKey(c) {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		q := pq.QuoteIdentifier(c)
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", q, q)
	}
	return b.String(), args, nil
}

func isKey(col string) bool {
	for _, k := range domain.KeyColumns {
		if k == col {
			return true
		}
	}
	return false
}

// temporary reports whether err came from a lost connection or an aborted
// transaction rather than a rejected statement.
func temporary(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return true
	}
	switch pqErr.Code.Class() {
	case "08", "40", "53", "57":
		return true
	default:
		return false
	}
}

// CreateTableSQL returns the DDL for the plays table.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	game_id      text NOT NULL,
	play_id      bigint NOT NULL,
	season       integer NOT NULL,
	week         integer,
	posteam      text,
	defteam      text,
	qtr          integer,
	clock        text,
	play_type    text,
	yards_gained double precision,
	rush_attempt integer NOT NULL DEFAULT 0,
	pass_attempt integer NOT NULL DEFAULT 0,
	passer       text,
	rusher       text,
	receiver     text,
	src          text NOT NULL,
	json_row     jsonb NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (game_id, play_id)
)`, quoteTable(table))
}

// CreateTable creates the plays table if it does not exist.
func (u *Upserter) CreateTable(ctx context.Context) error {
	if _, err := u.db.ExecContext(ctx, CreateTableSQL(u.table)); err != nil {
		return fmt.Errorf("create table %s: %w", u.table, err)
	}
	return nil
}
