package pipeline

import (
	"fmt"

	"github.com/dvloznov/pbp-backfill/internal/dataset"
	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// JSONRowMode selects what is stored in a play's json_row payload.
type JSONRowMode string

const (
	// JSONRowNone stores an empty object, keeping request payloads small.
	JSONRowNone JSONRowMode = "none"
	// JSONRowProjected stores the projected source values under their source names.
	JSONRowProjected JSONRowMode = "projected"
	// JSONRowFull stores every column of the source row.
	JSONRowFull JSONRowMode = "full"
)

// ParseJSONRowMode validates a json_row mode name.
func ParseJSONRowMode(s string) (JSONRowMode, error) {
	switch m := JSONRowMode(s); m {
	case JSONRowNone, JSONRowProjected, JSONRowFull:
		return m, nil
	case "":
		return JSONRowNone, nil
	default:
		return "", fmt.Errorf("unknown json_row mode %q (want none, projected or full)", s)
	}
}

// sourceField maps one dataset column onto a play field.
type sourceField struct {
	source   string // column in the season file
	target   string // destination column
	raw      string // key in a projected json_row
	required bool
}

var sourceFields = []sourceField{
	{source: "game_id", target: "game_id", raw: "game_id", required: true},
	{source: "play_id", target: "play_id", raw: "play_id", required: true},
	{source: "season", target: "season", raw: "season", required: true},
	{source: "week", target: "week", raw: "week"},
	{source: "posteam", target: "posteam", raw: "posteam"},
	{source: "defteam", target: "defteam", raw: "defteam"},
	{source: "qtr", target: "qtr", raw: "qtr"},
	{source: "game_seconds_remaining", target: "clock", raw: "gsr"},
	{source: "play_type", target: "play_type", raw: "play_type"},
	{source: "yards_gained", target: "yards_gained", raw: "yards_gained"},
	{source: "rush", target: "rush_attempt", raw: "rush"},
	{source: "pass", target: "pass_attempt", raw: "pass"},
	{source: "passer_player_name", target: "passer", raw: "passer"},
	{source: "rusher_player_name", target: "rusher", raw: "rusher"},
	{source: "receiver_player_name", target: "receiver", raw: "receiver"},
}

// SourceColumns returns the dataset columns the transformer reads.
func SourceColumns() []string {
	out := make([]string, len(sourceFields))
	for i, f := range sourceFields {
		out[i] = f.source
	}
	return out
}

// Transformer projects a season table onto the play schema.
type Transformer struct {
	jsonRow    JSONRowMode
	provenance string
}

// NewTransformer creates a transformer. An empty mode means JSONRowNone.
func NewTransformer(mode JSONRowMode) *Transformer {
	if mode == "" {
		mode = JSONRowNone
	}
	return &Transformer{jsonRow: mode, provenance: domain.ProvenanceNflverse}
}

// Transform converts every row of tbl, in order. A required field that is
// missing or malformed aborts the whole season with a *domain.SchemaError;
// nullable fields that cannot be converted become nil.
func (t *Transformer) Transform(season int, tbl *dataset.Table) ([]*domain.Play, error) {
	n := tbl.NumRows()
	if n == 0 {
		return []*domain.Play{}, nil
	}

	cols := make(map[string]dataset.Column, len(sourceFields))
	for _, f := range sourceFields {
		col, ok := tbl.Column(f.source)
		if !ok {
			if f.required {
				return nil, &domain.SchemaError{Season: season, Row: 0, Column: f.source, Reason: "column missing from dataset"}
			}
			continue
		}
		cols[f.target] = col
	}

	plays := make([]*domain.Play, 0, n)
	for i := 0; i < n; i++ {
		r := &rowReader{season: season, row: i, cols: cols}
		p, err := t.transformRow(r, tbl)
		if err != nil {
			return nil, err
		}
		plays = append(plays, p)
	}
	return plays, nil
}

func (t *Transformer) transformRow(r *rowReader, tbl *dataset.Table) (*domain.Play, error) {
	gameID, err := r.requiredString("game_id")
	if err != nil {
		return nil, err
	}
	playID, err := r.requiredInt("play_id")
	if err != nil {
		return nil, err
	}
	season, err := r.requiredInt("season")
	if err != nil {
		return nil, err
	}

	return &domain.Play{
		GameID:      gameID,
		PlayID:      playID,
		Season:      int(season),
		Week:        r.optionalInt("week"),
		PosTeam:     r.optionalString("posteam"),
		DefTeam:     r.optionalString("defteam"),
		Quarter:     r.optionalInt("qtr"),
		Clock:       r.optionalString("clock"),
		PlayType:    r.optionalString("play_type"),
		YardsGained: r.optionalFloat("yards_gained"),
		RushAttempt: r.flag("rush_attempt"),
		PassAttempt: r.flag("pass_attempt"),
		Passer:      r.optionalString("passer"),
		Rusher:      r.optionalString("rusher"),
		Receiver:    r.optionalString("receiver"),
		Src:         t.provenance,
		JSONRow:     t.jsonPayload(r, tbl),
	}, nil
}

func (t *Transformer) jsonPayload(r *rowReader, tbl *dataset.Table) map[string]any {
	switch t.jsonRow {
	case JSONRowProjected:
		out := make(map[string]any, len(sourceFields))
		for _, f := range sourceFields {
			out[f.raw] = jsonSafe(r.raw(f.target))
		}
		return out
	case JSONRowFull:
		row := tbl.Row(r.row)
		for k, v := range row {
			row[k] = jsonSafe(v)
		}
		return row
	default:
		return map[string]any{}
	}
}

// rowReader reads typed values for one source row.
type rowReader struct {
	season int
	row    int
	cols   map[string]dataset.Column // keyed by destination column
}

func (r *rowReader) raw(target string) any {
	col, ok := r.cols[target]
	if !ok {
		return nil
	}
	return col.Value(r.row)
}

func (r *rowReader) schemaError(target string, v any, reason string) error {
	source := target
	for _, f := range sourceFields {
		if f.target == target {
			source = f.source
			break
		}
	}
	return &domain.SchemaError{Season: r.season, Row: r.row, Column: source, Value: v, Reason: reason}
}

func (r *rowReader) requiredString(target string) (string, error) {
	v := r.raw(target)
	if isNull(v) {
		return "", r.schemaError(target, nil, "required value is missing")
	}
	s, ok := asString(v)
	if !ok {
		return "", r.schemaError(target, v, "cannot convert to string")
	}
	return s, nil
}

func (r *rowReader) requiredInt(target string) (int64, error) {
	v := r.raw(target)
	if isNull(v) {
		return 0, r.schemaError(target, nil, "required value is missing")
	}
	n, ok := asInt(v)
	if !ok {
		return 0, r.schemaError(target, v, "cannot convert to integer")
	}
	return n, nil
}

func (r *rowReader) optionalString(target string) *string {
	s, ok := asString(r.raw(target))
	if !ok {
		return nil
	}
	return &s
}

func (r *rowReader) optionalInt(target string) *int {
	n, ok := asInt(r.raw(target))
	if !ok {
		return nil
	}
	i := int(n)
	return &i
}

func (r *rowReader) optionalFloat(target string) *float64 {
	f, ok := asFloat(r.raw(target))
	if !ok {
		return nil
	}
	return &f
}

// flag reads a 0/1 indicator; anything missing or unparseable counts as 0.
func (r *rowReader) flag(target string) int {
	n, ok := asInt(r.raw(target))
	if !ok || n == 0 {
		return 0
	}
	return 1
}
