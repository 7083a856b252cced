// Package metrics exposes Prometheus counters for backfill runs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Batch results recorded by Recorder.Batch.
const (
	ResultOK      = "ok"
	ResultRetried = "retried"
	ResultFailed  = "failed"
)

// Recorder records backfill progress. A nil *Recorder records nothing.
type Recorder struct {
	plays          *prometheus.CounterVec
	batches        *prometheus.CounterVec
	seasonDuration prometheus.Histogram
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		plays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbp_plays_upserted_total",
			Help: "Plays accepted by the destination, by season.",
		}, []string{"season"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbp_batches_total",
			Help: "Upsert requests, by result.",
		}, []string{"result"}),
		seasonDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbp_season_duration_seconds",
			Help:    "Wall time to extract, transform and load one season.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	reg.MustRegister(r.plays, r.batches, r.seasonDuration)
	return r
}

// PlaysUpserted adds n plays to the season's counter.
func (r *Recorder) PlaysUpserted(season, n int) {
	if r == nil {
		return
	}
	r.plays.WithLabelValues(strconv.Itoa(season)).Add(float64(n))
}

// Batch counts one upsert request outcome.
func (r *Recorder) Batch(result string) {
	if r == nil {
		return
	}
	r.batches.WithLabelValues(result).Inc()
}

// SeasonDone observes the duration of a completed season.
func (r *Recorder) SeasonDone(d time.Duration) {
	if r == nil {
		return
	}
	r.seasonDuration.Observe(d.Seconds())
}
