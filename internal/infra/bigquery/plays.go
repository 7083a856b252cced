// Package bigquery upserts plays into a BigQuery table with MERGE.
package bigquery

import (
	"encoding/json"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/pbp-backfill/internal/domain"
)

// PlayRow is the query-parameter shape of one play. json_row travels as a
// string and is parsed into a JSON column by the MERGE statement.
type PlayRow struct {
	GameID      string               `bigquery:"game_id"`
	PlayID      int64                `bigquery:"play_id"`
	Season      int64                `bigquery:"season"`
	Week        bigquery.NullInt64   `bigquery:"week"`
	PosTeam     bigquery.NullString  `bigquery:"posteam"`
	DefTeam     bigquery.NullString  `bigquery:"defteam"`
	Quarter     bigquery.NullInt64   `bigquery:"qtr"`
	Clock       bigquery.NullString  `bigquery:"clock"`
	PlayType    bigquery.NullString  `bigquery:"play_type"`
	YardsGained bigquery.NullFloat64 `bigquery:"yards_gained"`
	RushAttempt int64                `bigquery:"rush_attempt"`
	PassAttempt int64                `bigquery:"pass_attempt"`
	Passer      bigquery.NullString  `bigquery:"passer"`
	Rusher      bigquery.NullString  `bigquery:"rusher"`
	Receiver    bigquery.NullString  `bigquery:"receiver"`
	Src         string               `bigquery:"src"`
	JSONRow     string               `bigquery:"json_row"`
}

// NewPlayRow converts a play into its parameter row.
func NewPlayRow(p *domain.Play) (PlayRow, error) {
	raw, err := json.Marshal(p.JSONRow)
	if err != nil {
		return PlayRow{}, fmt.Errorf("encode json_row for %v: %w", p.Key(), err)
	}
	return PlayRow{
		GameID:      p.GameID,
		PlayID:      p.PlayID,
		Season:      int64(p.Season),
		Week:        nullInt(p.Week),
		PosTeam:     nullString(p.PosTeam),
		DefTeam:     nullString(p.DefTeam),
		Quarter:     nullInt(p.Quarter),
		Clock:       nullString(p.Clock),
		PlayType:    nullString(p.PlayType),
		YardsGained: nullFloat(p.YardsGained),
		RushAttempt: int64(p.RushAttempt),
		PassAttempt: int64(p.PassAttempt),
		Passer:      nullString(p.Passer),
		Rusher:      nullString(p.Rusher),
		Receiver:    nullString(p.Receiver),
		Src:         p.Src,
		JSONRow:     string(raw),
	}, nil
}

func nullInt(v *int) bigquery.NullInt64 {
	if v == nil {
		return bigquery.NullInt64{}
	}
	return bigquery.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) bigquery.NullString {
	if v == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *v, Valid: true}
}

func nullFloat(v *float64) bigquery.NullFloat64 {
	if v == nil {
		return bigquery.NullFloat64{}
	}
	return bigquery.NullFloat64{Float64: *v, Valid: true}
}
