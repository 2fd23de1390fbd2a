package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed stage runs.
	OutcomeSuccess = "success"
	// OutcomeError labels stage runs that returned an error.
	OutcomeError = "error"
)

var (
	stageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starops",
			Name:      "stage_runs_total",
			Help:      "Total number of stage runs, partitioned by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	entitiesProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starops",
			Name:      "entities_produced_total",
			Help:      "Total events, patterns, and scanners produced, partitioned by kind.",
		},
		[]string{"kind"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "starops",
			Name:      "stage_seconds",
			Help:      "Stage latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

// Register attaches starops collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		stageRunsTotal,
		entitiesProducedTotal,
		stageDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveStage records one stage run's duration and outcome label.
func ObserveStage(stage string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	stageRunsTotal.WithLabelValues(stage, label).Inc()
	if duration < 0 {
		duration = 0
	}
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// CountEntities records how many entities of one kind a stage produced.
func CountEntities(kind string, n int) {
	if n <= 0 {
		return
	}
	entitiesProducedTotal.WithLabelValues(kind).Add(float64(n))
}
