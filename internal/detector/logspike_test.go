package detector

import (
	"testing"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

func spikeSamples(n int, start time.Time) []models.MetricSample {
	samples := make([]models.MetricSample, n)
	for i := range samples {
		samples[i] = models.MetricSample{
			ID:        int64(i + 1),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Source:    "nginx",
		}
	}
	return samples
}

func errorRecord(id int64, ts time.Time, msg string) models.LogRecord {
	return models.LogRecord{ID: id, Timestamp: ts, Source: "nginx", Severity: "error", Message: msg}
}

func TestLogSpikeFlagsBurstAboveBaseline(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	samples := spikeSamples(10, start)

	// One error per bucket as baseline, then a burst of eight in bucket 8.
	var logs []models.LogRecord
	id := int64(1)
	for i := 1; i < 8; i++ {
		logs = append(logs, errorRecord(id, samples[i].Timestamp.Add(-time.Second), "connection reset"))
		id++
	}
	for j := 0; j < 8; j++ {
		logs = append(logs, errorRecord(id, samples[8].Timestamp.Add(-time.Second), "upstream timed out"))
		id++
	}

	vote := NewLogSpikeDetector(5, 3.0).Vote(samples, logs)
	if !vote.Flags[8] {
		t.Fatalf("expected burst bucket flagged, scores %v", vote.Scores)
	}
	for i := 0; i < 8; i++ {
		if vote.Flags[i] {
			t.Fatalf("expected baseline bucket %d unflagged", i)
		}
	}
	if vote.Excerpts[8] != "upstream timed out" {
		t.Fatalf("expected excerpt from burst bucket, got %q", vote.Excerpts[8])
	}
	if len(vote.RecordIDs[8]) != 8 {
		t.Fatalf("expected 8 record ids in burst bucket, got %d", len(vote.RecordIDs[8]))
	}
}

func TestLogSpikeIgnoresInfoRecords(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	samples := spikeSamples(5, start)

	var logs []models.LogRecord
	for j := 0; j < 20; j++ {
		logs = append(logs, models.LogRecord{
			ID: int64(j + 1), Timestamp: samples[3].Timestamp.Add(-time.Second),
			Source: "nginx", Severity: "info", Message: "request handled",
		})
	}

	vote := NewLogSpikeDetector(5, 3.0).Vote(samples, logs)
	for i, flagged := range vote.Flags {
		if flagged {
			t.Fatalf("expected no flags from info-level records, bucket %d flagged", i)
		}
	}
}

func TestLogSpikeQuietWindowNeverDividesByZero(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	samples := spikeSamples(5, start)

	vote := NewLogSpikeDetector(5, 3.0).Vote(samples, nil)
	for i, s := range vote.Scores {
		if s != 0 {
			t.Fatalf("expected zero score for empty bucket %d, got %v", i, s)
		}
	}
}
