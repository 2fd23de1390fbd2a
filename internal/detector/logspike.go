package detector

import (
	"strings"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// errorSeverities are the log levels counted toward spike detection.
var errorSeverities = map[string]struct{}{
	"error":    {},
	"err":      {},
	"critical": {},
	"fatal":    {},
	"panic":    {},
}

// LogSpikeDetector flags samples whose surrounding error-log density exceeds
// a rolling baseline by a configured multiplier. It participates in the
// ensemble as one more voter, independent of the metric scorers.
type LogSpikeDetector struct {
	baselineWindow int
	multiplier     float64
}

// NewLogSpikeDetector builds the log-derived detector. baselineWindow is the
// number of preceding buckets averaged into the rolling baseline.
func NewLogSpikeDetector(baselineWindow int, multiplier float64) *LogSpikeDetector {
	if baselineWindow < 1 {
		baselineWindow = 5
	}
	if multiplier <= 0 {
		multiplier = 3.0
	}
	return &LogSpikeDetector{baselineWindow: baselineWindow, multiplier: multiplier}
}

func (d *LogSpikeDetector) Name() string { return "logspike" }

// SpikeVote is the log detector's verdict per sample, plus the evidence that
// produced it.
type SpikeVote struct {
	Scores    []float64
	Flags     []bool
	RecordIDs [][]int64
	Excerpts  []string
}

// Vote buckets error-level records between consecutive sample timestamps and
// compares each bucket against the rolling mean of the preceding buckets.
func (d *LogSpikeDetector) Vote(samples []models.MetricSample, logs []models.LogRecord) SpikeVote {
	n := len(samples)
	vote := SpikeVote{
		Scores:    make([]float64, n),
		Flags:     make([]bool, n),
		RecordIDs: make([][]int64, n),
		Excerpts:  make([]string, n),
	}
	if n == 0 {
		return vote
	}

	// Bucket i holds error records with ts in (samples[i-1].ts, samples[i].ts];
	// the head bucket takes everything at or before the first sample.
	counts := make([]float64, n)
	for _, rec := range logs {
		if !isErrorRecord(rec) {
			continue
		}
		for i, sample := range samples {
			if rec.Timestamp.After(sample.Timestamp) {
				continue
			}
			if i > 0 && !rec.Timestamp.After(samples[i-1].Timestamp) {
				continue
			}
			counts[i]++
			vote.RecordIDs[i] = append(vote.RecordIDs[i], rec.ID)
			if vote.Excerpts[i] == "" {
				vote.Excerpts[i] = rec.Message
			}
			break
		}
	}

	for i := range counts {
		baseline := d.rollingBaseline(counts, i)
		threshold := baseline * d.multiplier
		if threshold < 1 {
			threshold = 1
		}
		vote.Scores[i] = counts[i] / threshold
		vote.Flags[i] = counts[i] > threshold
	}
	return vote
}

func (d *LogSpikeDetector) rollingBaseline(counts []float64, i int) float64 {
	start := i - d.baselineWindow
	if start < 0 {
		start = 0
	}
	if start == i {
		return 0
	}
	sum := 0.0
	for _, c := range counts[start:i] {
		sum += c
	}
	return sum / float64(i-start)
}

func isErrorRecord(rec models.LogRecord) bool {
	_, ok := errorSeverities[strings.ToLower(rec.Severity)]
	return ok
}
