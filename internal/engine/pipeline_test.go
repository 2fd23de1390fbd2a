package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
	"github.com/Kylin-StarOps-Team/StarOps/internal/storage"
)

func testPipeline(t *testing.T) (*Pipeline, *storage.Repository) {
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

	cfg := &config.Config{
		Detection: config.DetectionConfig{
			LookbackHours:     24,
			Contamination:     0.1,
			Scorers:           []string{"isolation", "density", "distance"},
			Seed:              42,
			MinSamples:        10,
			MaxSkipRatio:      0.5,
			LogSpikeBaseline:  5,
			LogSpikeThreshold: 3.0,
		},
		Extraction: config.ExtractionConfig{
			Granularity:    0.25,
			MinClusterSize: 3,
			HighSigma:      1.5,
			CriticalSigma:  3.0,
			TopKeywords:    10,
			EventWindow:    500,
		},
		Generation: config.GenerationConfig{ScannersDir: t.TempDir(), Target: "shell"},
	}
	return NewPipeline(cfg, repo, nil), repo
}

// seedWindow plants a recurring cpu saturation anomaly in an otherwise calm
// mysql window.
func seedWindow(t *testing.T, repo *storage.Repository) {
	t.Helper()
	now := time.Now().UTC()
	samples := make([]models.MetricSample, 0, 100)
	for i := 0; i < 100; i++ {
		cpu := 48.0 + float64(i%7)*0.6
		mem := 61.0 + float64(i%5)*0.4
		if i%8 == 7 {
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
}

func TestRunAllProducesScannersFromRawSamples(t *testing.T) {
	pipeline, repo := testPipeline(t)
	seedWindow(t, repo)
	ctx := context.Background()

	report, err := pipeline.RunAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Produced == 0 {
		t.Fatalf("expected the chained stages to produce entities")
	}

	events, err := repo.RecentAnomalyEvents(ctx, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected persisted anomaly events")
	}

	patterns, err := repo.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatalf("expected at least one extracted pattern")
	}

	regs, err := repo.ListScannerRegistrations(ctx)
	if err != nil {
		t.Fatalf("registrations: %v", err)
	}
	if len(regs) != len(patterns) {
		t.Fatalf("expected one registration per pattern, got %d for %d patterns", len(regs), len(patterns))
	}
	for _, reg := range regs {
		if _, err := os.Stat(reg.Path); err != nil {
			t.Fatalf("registered scanner missing on disk: %v", err)
		}
	}

	st, err := repo.LoadRunState(ctx)
	if err != nil {
		t.Fatalf("run state: %v", err)
	}
	if !st.LastDetection.Valid || !st.LastExtraction.Valid || !st.LastGeneration.Valid {
		t.Fatalf("expected all stage timestamps recorded, got %+v", st)
	}
	if st.TotalEvents != len(events) || st.TotalPatterns != len(patterns) {
		t.Fatalf("run state counters out of sync: %+v", st)
	}
}

func TestSecondPassDoesNotDuplicatePatterns(t *testing.T) {
	pipeline, repo := testPipeline(t)
	seedWindow(t, repo)
	ctx := context.Background()

	if _, err := pipeline.RunAll(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	firstPatterns, err := repo.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}

	// Extraction alone again: every event is already consumed.
	if _, err := pipeline.RunExtraction(ctx); err != nil {
		t.Fatalf("second extraction: %v", err)
	}
	secondPatterns, err := repo.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	if len(secondPatterns) != len(firstPatterns) {
		t.Fatalf("re-extraction duplicated patterns: %d vs %d", len(secondPatterns), len(firstPatterns))
	}
}

func TestRunGenerationWithoutPatternsWarns(t *testing.T) {
	pipeline, _ := testPipeline(t)

	report, err := pipeline.RunGeneration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Produced != 0 {
		t.Fatalf("expected nothing produced, got %d", report.Produced)
	}
	if len(report.Warnings) == 0 {
		t.Fatalf("expected a warning for the empty pattern store")
	}
}
