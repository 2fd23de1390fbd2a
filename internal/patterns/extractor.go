package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kylin-StarOps-Team/StarOps/internal/config"
	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// Extractor promotes clusters of anomaly events into durable patterns.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor constructs the extraction stage.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract clusters the given events per source and emits one pattern per
// cluster of at least minClusterSize members. consumed holds event ids
// already promoted by earlier runs; those events are skipped so the store
// stays append-only and re-runs do not duplicate patterns. Pattern ids are
// freshly random: identical clusters on a later run are new patterns, never
// rewrites of old ones.
func (e *Extractor) Extract(ctx context.Context, cfg config.ExtractionConfig, events []models.AnomalyEvent, consumed map[string]struct{}, now time.Time) ([]models.AnomalyPattern, models.RunReport, error) {
	report := models.RunReport{Stage: "extract"}

	fresh := make([]models.AnomalyEvent, 0, len(events))
	for _, ev := range events {
		if !ev.IsAnomaly {
			continue
		}
		if _, done := consumed[ev.ID]; done {
			continue
		}
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		report.Warn("no unconsumed anomaly events to extract from")
		return nil, report, nil
	}

	bySource := make(map[string][]models.AnomalyEvent)
	for _, ev := range fresh {
		bySource[ev.Source] = append(bySource[ev.Source], ev)
	}
	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var patterns []models.AnomalyPattern
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		for _, cluster := range clusterEvents(bySource[source], cfg.Granularity) {
			if len(cluster) < cfg.MinClusterSize {
				report.DroppedClusters++
				continue
			}
			pattern, err := e.buildPattern(source, cluster, cfg, now)
			if err != nil {
				report.Warn(fmt.Sprintf("source %q: cluster of %d dropped: %v", source, len(cluster), err))
				report.DroppedClusters++
				continue
			}
			patterns = append(patterns, pattern)
		}
	}

	report.Produced = len(patterns)
	e.logger.Info("extraction pass complete",
		slog.Int("patterns", len(patterns)),
		slog.Int("events", len(fresh)),
		slog.Int("dropped_clusters", report.DroppedClusters))
	return patterns, report, nil
}

func (e *Extractor) buildPattern(source string, cluster []models.AnomalyEvent, cfg config.ExtractionConfig, now time.Time) (models.AnomalyPattern, error) {
	envelope := buildEnvelope(cluster, cfg.HighSigma, cfg.CriticalSigma)
	keywords := mineKeywords(cluster, cfg.TopKeywords)

	kind := models.PatternKindComposite
	switch {
	case len(envelope) > 0 && len(keywords) > 0:
		kind = models.PatternKindComposite
	case len(envelope) > 0:
		kind = models.PatternKindMetric
	case len(keywords) > 0:
		kind = models.PatternKindLog
	default:
		return models.AnomalyPattern{}, models.ErrPatternInvariant
	}

	eventIDs := make([]string, len(cluster))
	for i, ev := range cluster {
		eventIDs[i] = ev.ID
	}
	sort.Strings(eventIDs)

	pattern := models.AnomalyPattern{
		ID:          uuid.NewString(),
		Kind:        kind,
		Source:      source,
		Envelope:    envelope,
		Keywords:    keywords,
		EventIDs:    eventIDs,
		SampleCount: len(cluster),
		CreatedAt:   now,
	}
	if err := pattern.Validate(); err != nil {
		return models.AnomalyPattern{}, err
	}
	return pattern, nil
}

// buildEnvelope summarises each feature across the cluster. Thresholds are
// mean + k*sigma for the two configured sigmas; a zero-variance feature still
// gets thresholds at its mean so the scanner fires on any departure.
// Percentage-like features are clamped to [0,100].
func buildEnvelope(cluster []models.AnomalyEvent, highSigma, criticalSigma float64) map[string]models.FeatureEnvelope {
	values := make(map[string][]float64)
	for _, ev := range cluster {
		for name, v := range ev.Features {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			values[name] = append(values[name], v)
		}
	}

	envelope := make(map[string]models.FeatureEnvelope, len(values))
	for name, vs := range values {
		if len(vs) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range vs {
			sum += v
		}
		mean := sum / float64(len(vs))
		variance := 0.0
		for _, v := range vs {
			d := v - mean
			variance += d * d
		}
		std := math.Sqrt(variance / float64(len(vs)))

		env := models.FeatureEnvelope{
			Mean:     mean,
			StdDev:   std,
			High:     mean + highSigma*std,
			Critical: mean + criticalSigma*std,
		}
		if isPercentFeature(name) {
			env.High = clamp(env.High, 0, 100)
			env.Critical = clamp(env.Critical, 0, 100)
		} else {
			env.High = math.Max(env.High, 0)
			env.Critical = math.Max(env.Critical, 0)
		}
		envelope[name] = env
	}
	return envelope
}

func isPercentFeature(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "percent") || strings.Contains(lower, "pct") ||
		strings.HasSuffix(lower, "_usage") || strings.HasSuffix(lower, "_util")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
