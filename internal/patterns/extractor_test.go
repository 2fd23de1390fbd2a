package patterns

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

func testExtractionConfig() config.ExtractionConfig {
	return config.ExtractionConfig{
		Granularity:    1.0,
		MinClusterSize: 3,
		HighSigma:      1.5,
		CriticalSigma:  3.0,
		TopKeywords:    10,
		EventWindow:    500,
	}
}

// cpuEvent builds an anomalous event around the given cpu reading.
func cpuEvent(id string, source string, cpu float64, excerpt string, at time.Time) models.AnomalyEvent {
	return models.AnomalyEvent{
		ID:         id,
		Source:     source,
		Features:   map[string]float64{"cpu_usage": cpu, "mem_usage": 90},
		LogExcerpt: excerpt,
		IsAnomaly:  true,
		Severity:   0.9,
		CreatedAt:  at,
	}
}

// eventCluster builds n similar events plus optional far-away stragglers.
func eventCluster(n int, source string, base float64, at time.Time) []models.AnomalyEvent {
	events := make([]models.AnomalyEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events,
			cpuEvent(fmt.Sprintf("%s-ev-%d", source, i), source, base+float64(i)*0.2,
				"mysql error: too many connections", at.Add(time.Duration(i)*time.Minute)))
	}
	return events
}

func TestExtractPromotesClusterOfMinSize(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(3, "mysql", 95, now)

	extracted, report, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(extracted) != 1 {
		t.Fatalf("expected exactly one pattern from a min-size cluster, got %d", len(extracted))
	}
	p := extracted[0]
	if p.Source != "mysql" || p.SampleCount != 3 {
		t.Fatalf("unexpected pattern: %+v", p)
	}
	if len(p.EventIDs) != 3 {
		t.Fatalf("expected 3 event ids, got %v", p.EventIDs)
	}
	if report.Produced != 1 {
		t.Fatalf("expected report to count one pattern, got %d", report.Produced)
	}
}

func TestExtractDropsClusterBelowMinSize(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(2, "mysql", 95, now)

	extracted, report, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(extracted) != 0 {
		t.Fatalf("expected no patterns from an under-sized cluster, got %d", len(extracted))
	}
	if report.DroppedClusters != 1 {
		t.Fatalf("expected one dropped cluster, got %d", report.DroppedClusters)
	}
}

func TestExtractSkipsConsumedEvents(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(3, "mysql", 95, now)

	consumed := map[string]struct{}{
		events[0].ID: {}, events[1].ID: {}, events[2].ID: {},
	}
	extracted, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, consumed, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(extracted) != 0 {
		t.Fatalf("expected consumed events to yield no patterns, got %d", len(extracted))
	}
}

func TestExtractSeparatesSources(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := append(eventCluster(3, "mysql", 95, now), eventCluster(3, "nginx", 90, now)...)

	extracted, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(extracted) != 2 {
		t.Fatalf("expected one pattern per source, got %d", len(extracted))
	}
	// Source order is deterministic.
	if extracted[0].Source != "mysql" || extracted[1].Source != "nginx" {
		t.Fatalf("unexpected source order: %s, %s", extracted[0].Source, extracted[1].Source)
	}
}

func TestExtractEnvelopeThresholdOrder(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(5, "mysql", 80, now)

	extracted, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(extracted) != 1 {
		t.Fatalf("expected one pattern, got %d", len(extracted))
	}
	env, ok := extracted[0].Envelope["cpu_usage"]
	if !ok {
		t.Fatalf("expected cpu_usage envelope, got %v", extracted[0].Envelope)
	}
	if env.StdDev <= 0 {
		t.Fatalf("expected positive std dev, got %v", env.StdDev)
	}
	if !(env.Mean < env.High && env.High < env.Critical) {
		t.Fatalf("expected mean < high < critical, got %+v", env)
	}
}

func TestEnvelopeCutoffsMonotonicInSigma(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(5, "mysql", 80, now)

	loose := testExtractionConfig()
	loose.HighSigma, loose.CriticalSigma = 1.0, 2.0
	tight := testExtractionConfig()
	tight.HighSigma, tight.CriticalSigma = 1.5, 3.0

	first, _, err := NewExtractor(nil).Extract(context.Background(), loose, events, nil, now)
	if err != nil {
		t.Fatalf("loose: %v", err)
	}
	second, _, err := NewExtractor(nil).Extract(context.Background(), tight, events, nil, now)
	if err != nil {
		t.Fatalf("tight: %v", err)
	}

	for name, looseEnv := range first[0].Envelope {
		tightEnv := second[0].Envelope[name]
		if tightEnv.High < looseEnv.High {
			t.Fatalf("%s: raising high sigma lowered the cutoff: %v -> %v", name, looseEnv.High, tightEnv.High)
		}
		if tightEnv.Critical < looseEnv.Critical {
			t.Fatalf("%s: raising critical sigma lowered the cutoff: %v -> %v", name, looseEnv.Critical, tightEnv.Critical)
		}
	}
}

func TestExtractClampsPercentageEnvelope(t *testing.T) {
	cfg := testExtractionConfig()
	cfg.CriticalSigma = 50 // push critical far past 100 before clamping
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(4, "mysql", 96, now)

	extracted, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := extracted[0].Envelope["cpu_usage"]
	if env.Critical > 100 {
		t.Fatalf("expected percentage feature clamped to 100, got %v", env.Critical)
	}
}

func TestExtractMinesKeywordsFromExcerpts(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := eventCluster(4, "mysql", 95, now)

	extracted, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := extracted[0]
	if p.Kind != models.PatternKindComposite {
		t.Fatalf("expected composite pattern with metrics and keywords, got %s", p.Kind)
	}
	tokens := make(map[string]int)
	for _, kw := range p.Keywords {
		tokens[kw.Token] = kw.Support
	}
	if tokens["error"] != 4 {
		t.Fatalf("expected 'error' with support 4, got %v", p.Keywords)
	}
	if tokens["connections"] != 4 {
		t.Fatalf("expected 'connections' with support 4, got %v", p.Keywords)
	}
	if _, ok := tokens["too"]; ok {
		t.Fatalf("expected short tokens filtered, got %v", p.Keywords)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	cfg := testExtractionConfig()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	events := append(eventCluster(4, "mysql", 95, now),
		cpuEvent("mysql-outlier", "mysql", 20, "disk full", now.Add(time.Hour)))

	first, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, _, err := NewExtractor(nil).Extract(context.Background(), cfg, events, nil, now)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("pattern counts diverged: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].SampleCount != second[i].SampleCount {
			t.Fatalf("cluster sizes diverged at %d", i)
		}
		if fmt.Sprint(first[i].EventIDs) != fmt.Sprint(second[i].EventIDs) {
			t.Fatalf("cluster membership diverged at %d", i)
		}
	}
}
