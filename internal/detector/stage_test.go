package detector

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/featurestore"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
	"github.com/Kylin-StarOps-Team/StarOps/internal/storage"
)

func testDetectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		LookbackHours:     24,
		Contamination:     0.1,
		Scorers:           []string{"isolation", "density", "distance"},
		Seed:              42,
		MinSamples:        10,
		MaxSkipRatio:      0.5,
		LogSpikeBaseline:  5,
		LogSpikeThreshold: 3.0,
	}
}

func newTestDetector(t *testing.T) (*Detector, *storage.Repository) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := storage.NewRepository(db)
	return NewDetector(featurestore.NewStore(repo, nil), nil), repo
}

// seedMysqlWindow inserts 100 samples with 12 planted anomalies and returns
// the planted row offsets.
func seedMysqlWindow(t *testing.T, repo *storage.Repository, now time.Time) map[int]bool {
	t.Helper()
	planted := map[int]bool{7: true, 15: true, 23: true, 31: true, 39: true, 47: true,
		55: true, 63: true, 71: true, 79: true, 87: true, 95: true}

	samples := make([]models.MetricSample, 0, 100)
	for i := 0; i < 100; i++ {
		cpu := 48.0 + float64(i%7)*0.6
		mem := 61.0 + float64(i%5)*0.4
		if planted[i] {
			cpu = 94.0 + float64(i%7)
			mem = 93.0 + float64(i%5)
		}
		samples = append(samples, models.MetricSample{
			Timestamp: now.Add(time.Duration(i-100) * time.Minute),
			Source:    "mysql",
			Features:  map[string]float64{"cpu_usage": cpu, "mem_usage": mem},
		})
	}
	if err := repo.InsertMetricSamples(context.Background(), samples); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return planted
}

func TestRunFlagsPlantedAnomaliesOnly(t *testing.T) {
	det, repo := newTestDetector(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	planted := seedMysqlWindow(t, repo, now)

	events, report, err := det.Run(context.Background(), testDetectionConfig(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Produced != len(events) {
		t.Fatalf("report produced %d, events %d", report.Produced, len(events))
	}
	if len(events) == 0 {
		t.Fatalf("expected planted anomalies to be flagged")
	}
	if len(events) > 10 {
		t.Fatalf("contamination 0.1 over 100 samples caps flags at 10, got %d", len(events))
	}

	// Row offsets map to sample ids 1..100.
	for _, ev := range events {
		offset := int(ev.SampleIDs[0] - 1)
		if !planted[offset] {
			t.Fatalf("false positive at offset %d (severity %v)", offset, ev.Severity)
		}
		if ev.Source != "mysql" || !ev.IsAnomaly {
			t.Fatalf("unexpected event shape: %+v", ev)
		}
		if ev.Severity < 0 || ev.Severity > 1 {
			t.Fatalf("severity out of range: %v", ev.Severity)
		}
	}
	if len(events) < 6 {
		t.Fatalf("expected most planted anomalies flagged, got %d", len(events))
	}
}

func TestRunIsDeterministicPerSeed(t *testing.T) {
	det, repo := newTestDetector(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	seedMysqlWindow(t, repo, now)
	cfg := testDetectionConfig()

	first, _, err := det.Run(context.Background(), cfg, now)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, _, err := det.Run(context.Background(), cfg, now)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("event counts diverged: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("event ids diverged at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
		if first[i].Severity != second[i].Severity {
			t.Fatalf("severities diverged at %d: %v vs %v", i, first[i].Severity, second[i].Severity)
		}
		for name, score := range first[i].DetectorScores {
			if second[i].DetectorScores[name] != score {
				t.Fatalf("score %s diverged at %d", name, i)
			}
		}
	}
}

func TestRunEmptyWindowWarnsWithoutError(t *testing.T) {
	det, _ := newTestDetector(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	events, report, err := det.Run(context.Background(), testDetectionConfig(), now)
	if err != nil {
		t.Fatalf("expected no error for empty window, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, WarnInsufficientData) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected insufficient-data warning, got %v", report.Warnings)
	}
}

func TestRunSkipsSmallGroups(t *testing.T) {
	det, repo := newTestDetector(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	samples := make([]models.MetricSample, 0, 5)
	for i := 0; i < 5; i++ {
		samples = append(samples, models.MetricSample{
			Timestamp: now.Add(time.Duration(i-10) * time.Minute),
			Source:    "redis",
			Features:  map[string]float64{"cpu_usage": float64(40 + i)},
		})
	}
	if err := repo.InsertMetricSamples(context.Background(), samples); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events, report, err := det.Run(context.Background(), testDetectionConfig(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events from an under-sized group, got %d", len(events))
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "redis") && strings.Contains(w, WarnInsufficientData) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected warning naming the skipped source, got %v", report.Warnings)
	}
}

func TestRunFailsWhenNoGroupCanBeScored(t *testing.T) {
	det, repo := newTestDetector(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// Constant features: the matrix is degenerate for every scorer.
	samples := make([]models.MetricSample, 0, 20)
	for i := 0; i < 20; i++ {
		samples = append(samples, models.MetricSample{
			Timestamp: now.Add(time.Duration(i-30) * time.Minute),
			Source:    "mysql",
			Features:  map[string]float64{"cpu_usage": 50},
		})
	}
	if err := repo.InsertMetricSamples(context.Background(), samples); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, _, err := det.Run(context.Background(), testDetectionConfig(), now)
	if !errors.Is(err, ErrAllScorersFailed) {
		t.Fatalf("expected ErrAllScorersFailed, got %v", err)
	}
}
