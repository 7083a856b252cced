package pipeline

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/pbp-backfill/internal/dataset"
	"github.com/dvloznov/pbp-backfill/internal/domain"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// kickoffRow is the opening kickoff of 2020_01_ARI_SF as it appears in the
// season file: numbers are doubles and absent values are NaN or null.
func kickoffRow() map[string]any {
	return map[string]any{
		"game_id":                "2020_01_ARI_SF",
		"play_id":                1.0,
		"season":                 int64(2020),
		"week":                   int64(1),
		"posteam":                "ARI",
		"defteam":                "SF",
		"qtr":                    1.0,
		"game_seconds_remaining": 900.0,
		"play_type":              "kickoff",
		"yards_gained":           math.NaN(),
		"rush":                   0.0,
		"pass":                   0.0,
		"passer_player_name":     nil,
		"rusher_player_name":     nil,
		"receiver_player_name":   nil,
	}
}

func seasonTable(rows ...map[string]any) *dataset.Table {
	return dataset.FromRows(SourceColumns(), rows)
}

func TestTransform_Kickoff(t *testing.T) {
	plays, err := NewTransformer(JSONRowNone).Transform(2020, seasonTable(kickoffRow()))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	want := []*domain.Play{{
		GameID:      "2020_01_ARI_SF",
		PlayID:      1,
		Season:      2020,
		Week:        intPtr(1),
		PosTeam:     strPtr("ARI"),
		DefTeam:     strPtr("SF"),
		Quarter:     intPtr(1),
		Clock:       strPtr("900"),
		PlayType:    strPtr("kickoff"),
		YardsGained: nil,
		RushAttempt: 0,
		PassAttempt: 0,
		Src:         "nflverse",
		JSONRow:     map[string]any{},
	}}
	if diff := cmp.Diff(want, plays); diff != "" {
		t.Errorf("Transform mismatch (-want +got):\n%s", diff)
	}
}

func TestTransform_NullSafety(t *testing.T) {
	row := kickoffRow()
	row["week"] = "NA"
	row["posteam"] = "nan"
	row["defteam"] = ""
	row["qtr"] = math.NaN()
	row["game_seconds_remaining"] = nil
	row["play_type"] = "None"
	row["yards_gained"] = "<NA>"
	row["rush"] = math.NaN()
	row["pass"] = nil

	plays, err := NewTransformer(JSONRowNone).Transform(2020, seasonTable(row))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	p := plays[0]
	if p.Week != nil || p.PosTeam != nil || p.DefTeam != nil || p.Quarter != nil ||
		p.Clock != nil || p.PlayType != nil || p.YardsGained != nil {
		t.Errorf("expected all nullable fields to be nil, got %+v", p)
	}
	if p.RushAttempt != 0 || p.PassAttempt != 0 {
		t.Errorf("flags = %d/%d, want 0/0", p.RushAttempt, p.PassAttempt)
	}
}

func TestTransform_NullableConversionFailure(t *testing.T) {
	row := kickoffRow()
	row["week"] = 1.5
	row["yards_gained"] = "lots"
	row["qtr"] = "second"

	plays, err := NewTransformer(JSONRowNone).Transform(2020, seasonTable(row))
	if err != nil {
		t.Fatalf("unconvertible nullable values must not fail: %v", err)
	}
	if plays[0].Week != nil || plays[0].YardsGained != nil || plays[0].Quarter != nil {
		t.Errorf("expected nil, got %+v", plays[0])
	}
}

func TestTransform_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		column  string
		value   any
		wantCol string
	}{
		{"missing game_id", "game_id", nil, "game_id"},
		{"blank game_id", "game_id", "  ", "game_id"},
		{"NaN play_id", "play_id", math.NaN(), "play_id"},
		{"fractional play_id", "play_id", 1.5, "play_id"},
		{"text season", "season", "twenty", "season"},
		{"missing season", "season", nil, "season"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := kickoffRow()
			bad[tt.column] = tt.value

			_, err := NewTransformer(JSONRowNone).Transform(2020, seasonTable(kickoffRow(), bad))
			var se *domain.SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("Transform error = %v, want SchemaError", err)
			}
			if se.Column != tt.wantCol || se.Row != 1 || se.Season != 2020 {
				t.Errorf("SchemaError = %+v", se)
			}
		})
	}
}

func TestTransform_MissingColumns(t *testing.T) {
	// Nullable columns may be absent from older seasons.
	tbl := dataset.FromRows([]string{"game_id", "play_id", "season"}, []map[string]any{
		{"game_id": "1999_01_ARI_PHI", "play_id": 35.0, "season": 1999.0},
	})
	plays, err := NewTransformer(JSONRowProjected).Transform(1999, tbl)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if plays[0].PosTeam != nil || plays[0].RushAttempt != 0 {
		t.Errorf("got %+v", plays[0])
	}
	if v, ok := plays[0].JSONRow["passer"]; !ok || v != nil {
		t.Errorf("projected json_row passer = %v (present %v), want null", v, ok)
	}

	noSeason := dataset.FromRows([]string{"game_id", "play_id"}, []map[string]any{
		{"game_id": "1999_01_ARI_PHI", "play_id": 35.0},
	})
	_, err = NewTransformer(JSONRowNone).Transform(1999, noSeason)
	var se *domain.SchemaError
	if !errors.As(err, &se) || se.Column != "season" {
		t.Errorf("Transform error = %v, want SchemaError for season", err)
	}
}

func TestTransform_EmptyTable(t *testing.T) {
	plays, err := NewTransformer(JSONRowNone).Transform(2020, dataset.FromRows(nil, nil))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if plays == nil || len(plays) != 0 {
		t.Errorf("plays = %v, want empty", plays)
	}
}

func TestTransform_PreservesOrder(t *testing.T) {
	var rows []map[string]any
	for i := 1; i <= 5; i++ {
		r := kickoffRow()
		r["play_id"] = float64(i * 10)
		rows = append(rows, r)
	}
	plays, err := NewTransformer(JSONRowNone).Transform(2020, seasonTable(rows...))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for i, p := range plays {
		if p.PlayID != int64((i+1)*10) {
			t.Errorf("plays[%d].PlayID = %d", i, p.PlayID)
		}
	}
}

func TestTransform_JSONRowModes(t *testing.T) {
	row := kickoffRow()
	row["extra_point_result"] = nil
	row["ep"] = 0.81
	names := append(SourceColumns(), "extra_point_result", "ep")
	tbl := dataset.FromRows(names, []map[string]any{row})

	tests := []struct {
		mode JSONRowMode
		want map[string]any
	}{
		{JSONRowNone, map[string]any{}},
		{JSONRowProjected, map[string]any{
			"game_id": "2020_01_ARI_SF", "play_id": 1.0, "season": int64(2020), "week": int64(1),
			"posteam": "ARI", "defteam": "SF", "qtr": 1.0, "gsr": 900.0, "play_type": "kickoff",
			"yards_gained": nil, "rush": 0.0, "pass": 0.0,
			"passer": nil, "rusher": nil, "receiver": nil,
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			plays, err := NewTransformer(tt.mode).Transform(2020, tbl)
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			if diff := cmp.Diff(tt.want, plays[0].JSONRow); diff != "" {
				t.Errorf("json_row mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("full", func(t *testing.T) {
		plays, err := NewTransformer(JSONRowFull).Transform(2020, tbl)
		if err != nil {
			t.Fatalf("Transform: %v", err)
		}
		got := plays[0].JSONRow
		if len(got) != len(names) {
			t.Errorf("full json_row has %d keys, want %d", len(got), len(names))
		}
		if got["ep"] != 0.81 || got["yards_gained"] != nil || got["game_seconds_remaining"] != 900.0 {
			t.Errorf("full json_row = %v", got)
		}
	})
}

func TestParseJSONRowMode(t *testing.T) {
	for _, s := range []string{"", "none", "projected", "full"} {
		if _, err := ParseJSONRowMode(s); err != nil {
			t.Errorf("ParseJSONRowMode(%q) = %v", s, err)
		}
	}
	if m, _ := ParseJSONRowMode(""); m != JSONRowNone {
		t.Errorf("empty mode = %q, want none", m)
	}
	if _, err := ParseJSONRowMode("all"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
