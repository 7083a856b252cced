package pipeline

// Defaults for a backfill run. The CLI exposes each of them as a flag.
const (
	// DefaultBatchSize bounds the number of plays sent in one upsert request.
	DefaultBatchSize = 1000

	// DefaultSeasonFrom and DefaultSeasonTo are the inclusive season range
	// backfilled when no range is given.
	DefaultSeasonFrom = 2020
	DefaultSeasonTo   = 2024

	// FirstSeason is the earliest season published in the play-by-play release.
	FirstSeason = 1999
)
