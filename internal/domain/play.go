package domain

// ProvenanceNflverse tags every play loaded from the nflverse play-by-play release.
const ProvenanceNflverse = "nflverse"

// PlayKey is the natural key of a play: a play_id is only unique within its game.
type PlayKey struct {
	GameID string
	PlayID int64
}

// Play is one normalized play-by-play row as it is written to the destination.
// Nil pointers are sent as JSON null.
type Play struct {
	GameID string `json:"game_id"` // required
	PlayID int64  `json:"play_id"` // required
	Season int    `json:"season"`  // required

	Week     *int    `json:"week"`
	PosTeam  *string `json:"posteam"`
	DefTeam  *string `json:"defteam"`
	Quarter  *int    `json:"qtr"`
	Clock    *string `json:"clock"` // game_seconds_remaining, stringified
	PlayType *string `json:"play_type"`

	YardsGained *float64 `json:"yards_gained"`
	RushAttempt int      `json:"rush_attempt"` // 0 when absent
	PassAttempt int      `json:"pass_attempt"` // 0 when absent

	Passer   *string `json:"passer"`
	Rusher   *string `json:"rusher"`
	Receiver *string `json:"receiver"`

	Src     string         `json:"src"`
	JSONRow map[string]any `json:"json_row"`
}

// Key returns the natural key of the play.
func (p *Play) Key() PlayKey {
	return PlayKey{GameID: p.GameID, PlayID: p.PlayID}
}

// Columns lists the destination columns in write order. Every upsert sends all of
// them, so a key collision replaces the whole stored row.
var Columns = []string{
	"game_id",
	"play_id",
	"season",
	"week",
	"posteam",
	"defteam",
	"qtr",
	"clock",
	"play_type",
	"yards_gained",
	"rush_attempt",
	"pass_attempt",
	"passer",
	"rusher",
	"receiver",
	"src",
	"json_row",
}

// KeyColumns is the conflict target shared by every destination.
var KeyColumns = []string{"game_id", "play_id"}

// Values returns the play's column values in Columns order. Nil pointers become
// untyped nil; json_row is returned as the map itself.
func (p *Play) Values() []any {
	return []any{
		p.GameID,
		p.PlayID,
		p.Season,
		intOrNil(p.Week),
		stringOrNil(p.PosTeam),
		stringOrNil(p.DefTeam),
		intOrNil(p.Quarter),
		stringOrNil(p.Clock),
		stringOrNil(p.PlayType),
		floatOrNil(p.YardsGained),
		p.RushAttempt,
		p.PassAttempt,
		stringOrNil(p.Passer),
		stringOrNil(p.Rusher),
		stringOrNil(p.Receiver),
		p.Src,
		p.JSONRow,
	}
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// DedupeLast drops all but the last occurrence of each natural key, keeping
// the order of the survivors. A single upsert statement may not touch the same
// key twice, and the last occurrence is the one that must win.
func DedupeLast(plays []*Play) []*Play {
	last := make(map[PlayKey]int, len(plays))
	for i, p := range plays {
		last[p.Key()] = i
	}
	if len(last) == len(plays) {
		return plays
	}
	out := make([]*Play, 0, len(last))
	for i, p := range plays {
		if last[p.Key()] == i {
			out = append(out, p)
		}
	}
	return out
}
