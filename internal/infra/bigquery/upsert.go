package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// Destination names this upserter in errors and logs.
const Destination = "bigquery"

// Upserter merges batches into project.dataset.table. It holds one shared
// client for the whole run.
type Upserter struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	table     string
}

// NewUpserter creates a BigQuery client for projectID.
func NewUpserter(ctx context.Context, projectID, datasetID, table string, opts ...option.ClientOption) (*Upserter, error) {
	if projectID == "" || datasetID == "" || table == "" {
		return nil, fmt.Errorf("NewUpserter: project, dataset and table are required")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewUpserter: creating client: %w", err)
	}
	return &Upserter{client: client, projectID: projectID, datasetID: datasetID, table: table}, nil
}

// Close closes the BigQuery client connection.
func (u *Upserter) Close() error {
	if u.client != nil {
		return u.client.Close()
	}
	return nil
}

// Upsert merges plays in one DML job. Matching keys have every column
// replaced. An empty batch is a no-op.
func (u *Upserter) Upsert(ctx context.Context, plays []*domain.Play) error {
	if len(plays) == 0 {
		return nil
	}
	fail := func(err error) error {
		ue := &domain.UpsertError{Destination: Destination, Table: u.table, Rows: len(plays), Err: err}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			ue.Status = gerr.Code
			ue.Body = gerr.Message
		}
		return ue
	}

	plays = domain.DedupeLast(plays)
	rows := make([]PlayRow, len(plays))
	for i, p := range plays {
		row, err := NewPlayRow(p)
		if err != nil {
			return fail(err)
		}
		rows[i] = row
	}

	q := u.client.Query(mergeStatement(u.projectID, u.datasetID, u.table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "rows", Value: rows},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fail(fmt.Errorf("running merge query: %w", err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fail(fmt.Errorf("waiting for job: %w", err))
	}
	if err := status.Err(); err != nil {
		return fail(fmt.Errorf("job error: %w", err))
	}
	return nil
}

// mergeStatement builds the MERGE keyed on (game_id, play_id).
func mergeStatement(projectID, datasetID, table string) string {
	var on, set, cols, vals []string
	for _, k := range domain.KeyColumns {
		on = append(on, fmt.Sprintf("T.%s = S.%s", k, k))
	}
	for _, c := range domain.Columns {
		src := "S." + c
		if c == "json_row" {
			src = "PARSE_JSON(S.json_row)"
		}
		cols = append(cols, c)
		vals = append(vals, src)
		if !isKey(c) {
			set = append(set, fmt.Sprintf("%s = %s", c, src))
		}
	}

	return fmt.Sprintf("MERGE `%s.%s.%s` AS T\n"+
		"USING (SELECT * FROM UNNEST(@rows)) AS S\n"+
		"ON %s\n"+
		"WHEN MATCHED THEN UPDATE SET %s\n"+
		"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		projectID, datasetID, table,
		strings.Join(on, " AND "),
		strings.Join(set, ", "),
		strings.Join(cols, ", "),
		strings.Join(vals, ", "),
	)
}

func isKey(col string) bool {
	for _, k := range domain.KeyColumns {
		if k == col {
			return true
		}
	}
	return false
}
