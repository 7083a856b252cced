package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"github.com/dvloznov/pbp-backfill/internal/config"
	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// seasonFile encodes n plays of one season the way the release does.
func seasonFile(t *testing.T, season, n int) []byte {
	t.Helper()

	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "game_id", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "play_id", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "season", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "posteam", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "game_seconds_remaining", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "rush", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i := 0; i < n; i++ {
		b.Field(0).(*array.StringBuilder).Append("2020_01_ARI_SF")
		b.Field(1).(*array.Float64Builder).Append(float64(i + 1))
		b.Field(2).(*array.Int32Builder).Append(int32(season))
		if i%2 == 0 {
			b.Field(3).(*array.StringBuilder).Append("ARI")
		} else {
			b.Field(3).(*array.StringBuilder).AppendNull()
		}
		b.Field(4).(*array.Float64Builder).Append(3600 - float64(i))
		b.Field(5).(*array.Float64Builder).Append(float64(i % 2))
	}

	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	var buf bytes.Buffer
	if err := pqarrow.WriteTable(tbl, &buf, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	return buf.Bytes()
}

// releaseServer serves play_by_play_{season}.parquet for the given seasons.
type releaseServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests []string
}

func (s *releaseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.URL.Path)
	data, ok := s.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func (s *releaseServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// restTable accepts upserts the way the REST endpoint does.
type restTable struct {
	mu     sync.Mutex
	status int
	posts  int
	rows   map[domain.PlayKey]map[string]any
}

func (s *restTable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts++
	if s.status != 0 {
		http.Error(w, "unavailable", s.status)
		return
	}
	if r.URL.Path != "/rest/v1/pbp_raw" || r.Header.Get("apikey") != "service-key" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var rows []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, row := range rows {
		s.rows[domain.PlayKey{GameID: row["game_id"].(string), PlayID: int64(row["play_id"].(float64))}] = row
	}
	w.WriteHeader(http.StatusCreated)
}

func clearEnv(t *testing.T) {
	for _, name := range []string{
		config.EnvSupabaseURL, config.EnvPublicSupabaseURL, config.EnvServiceRoleKey,
		config.EnvDatabaseURL, config.EnvBQProject, config.EnvBQDataset, config.EnvTemplate, "PBP_TABLE",
	} {
		t.Setenv(name, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestIngest_EndToEnd(t *testing.T) {
	clearEnv(t)
	release := &releaseServer{files: map[string][]byte{
		"/play_by_play_2020.parquet": seasonFile(t, 2020, 5),
		"/play_by_play_2021.parquet": seasonFile(t, 2021, 3),
	}}
	relSrv := httptest.NewServer(release)
	defer relSrv.Close()

	table := &restTable{rows: make(map[domain.PlayKey]map[string]any)}
	restSrv := httptest.NewServer(table)
	defer restSrv.Close()

	t.Setenv(config.EnvSupabaseURL, restSrv.URL)
	t.Setenv(config.EnvServiceRoleKey, "service-key")

	args := []string{
		"--from", "2020", "--to", "2021", "--batch-size", "2",
		"--template", relSrv.URL + "/play_by_play_{season}.parquet",
	}
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.Contains(out, "Backfill complete.") {
		t.Errorf("stdout = %q", out)
	}
	// 2020 and 2021 share game_id in the fixture, so keys 1..3 are overwritten by 2021.
	if len(table.rows) != 5 || table.posts != 5 {
		t.Errorf("rows = %d posts = %d, want 5 and 5", len(table.rows), table.posts)
	}

	row := table.rows[domain.PlayKey{GameID: "2020_01_ARI_SF", PlayID: 5}]
	if row["clock"] != "3596" || row["posteam"] != "ARI" || row["src"] != "nflverse" || row["season"] != 2020.0 {
		t.Errorf("row 5 = %v", row)
	}
	if row := table.rows[domain.PlayKey{GameID: "2020_01_ARI_SF", PlayID: 2}]; row["posteam"] != nil || row["rush_attempt"] != 1.0 {
		t.Errorf("row 2 = %v", row)
	}

	// Loading again leaves the table unchanged.
	if _, err := execute(t, args...); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if len(table.rows) != 5 {
		t.Errorf("rows after re-run = %d", len(table.rows))
	}
}

func TestIngest_MissingCredentials(t *testing.T) {
	clearEnv(t)
	release := &releaseServer{files: map[string][]byte{}}
	relSrv := httptest.NewServer(release)
	defer relSrv.Close()

	_, err := execute(t, "--template", relSrv.URL+"/play_by_play_{season}.parquet")
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if len(ce.Missing) != 2 {
		t.Errorf("Missing = %v", ce.Missing)
	}
	if len(release.Requests()) != 0 {
		t.Errorf("no download may happen before validation, got %v", release.Requests())
	}
}

func TestIngest_DestinationFailureStopsRun(t *testing.T) {
	clearEnv(t)
	release := &releaseServer{files: map[string][]byte{
		"/play_by_play_2020.parquet": seasonFile(t, 2020, 3),
		"/play_by_play_2021.parquet": seasonFile(t, 2021, 3),
	}}
	relSrv := httptest.NewServer(release)
	defer relSrv.Close()

	table := &restTable{status: http.StatusInternalServerError}
	restSrv := httptest.NewServer(table)
	defer restSrv.Close()

	t.Setenv(config.EnvSupabaseURL, restSrv.URL)
	t.Setenv(config.EnvServiceRoleKey, "service-key")

	out, err := execute(t, "--from", "2020", "--to", "2021", "--template", relSrv.URL+"/play_by_play_{season}.parquet")
	var ue *domain.UpsertError
	if !errors.As(err, &ue) || ue.Status != http.StatusInternalServerError {
		t.Fatalf("err = %v, want UpsertError 500", err)
	}
	if strings.Contains(out, "Backfill complete.") {
		t.Error("must not report completion on failure")
	}
	if got := release.Requests(); len(got) != 1 || got[0] != "/play_by_play_2020.parquet" {
		t.Errorf("downloads = %v, want only 2020", got)
	}
	if table.posts != 1 {
		t.Errorf("posts = %d, want 1", table.posts)
	}
}

func TestIngest_MissingSeasonFile(t *testing.T) {
	clearEnv(t)
	relSrv := httptest.NewServer(&releaseServer{files: map[string][]byte{}})
	defer relSrv.Close()
	t.Setenv(config.EnvSupabaseURL, "http://127.0.0.1:1")
	t.Setenv(config.EnvServiceRoleKey, "service-key")

	_, err := execute(t, "--from", "1999", "--to", "1999", "--template", relSrv.URL+"/play_by_play_{season}.parquet")
	var re *domain.RetrievalError
	if !errors.As(err, &re) || re.Season != 1999 {
		t.Fatalf("err = %v, want RetrievalError for 1999", err)
	}
}

func TestIngest_RejectsArguments(t *testing.T) {
	clearEnv(t)
	if _, err := execute(t, "2020"); err == nil {
		t.Error("expected positional arguments to be rejected")
	}
}
