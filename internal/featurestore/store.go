package featurestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
	"github.com/Kylin-StarOps-Team/StarOps/internal/storage"
)

// ErrSkipRateExceeded reports that too many input rows violated the schema
// for the batch to be trusted.
var ErrSkipRateExceeded = errors.New("schema violation skip rate exceeded")

// Group is the prepared feature matrix for one source. Rows align with
// Samples; columns align with Features (lexically ordered, derived delta
// columns last).
type Group struct {
	Source   string
	Samples  []models.MetricSample
	Features []string
	Matrix   [][]float64
}

// LoadResult bundles the windowed inputs for a detection run.
type LoadResult struct {
	Groups     []Group
	LogRecords []models.LogRecord
	Total      int
	Skipped    int
}

// Store loads windowed collaborator artifacts and normalizes them into
// numeric feature matrices.
type Store struct {
	repo   *storage.Repository
	logger *slog.Logger
}

// NewStore constructs a feature store over the artifact repository.
func NewStore(repo *storage.Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, logger: logger}
}

// Load reads metric samples and log records newer than end-lookback,
// validates the schema, and builds per-source matrices. Rows missing a
// timestamp, source, or any numeric feature are skipped and counted; a skip
// rate above maxSkipRatio fails the load.
func (s *Store) Load(ctx context.Context, end time.Time, lookback time.Duration, maxSkipRatio float64) (LoadResult, error) {
	since := end.Add(-lookback)

	samples, err := s.repo.MetricSamplesSince(ctx, since)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load metric samples: %w", err)
	}
	logs, err := s.repo.LogRecordsSince(ctx, since)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load log records: %w", err)
	}

	result := LoadResult{Total: len(samples), LogRecords: logs}

	bySource := make(map[string][]models.MetricSample)
	for _, sample := range samples {
		if sample.Timestamp.IsZero() || sample.Source == "" || len(sample.Features) == 0 {
			result.Skipped++
			continue
		}
		bySource[sample.Source] = append(bySource[sample.Source], sample)
	}

	if result.Total > 0 && maxSkipRatio > 0 {
		skipRate := float64(result.Skipped) / float64(result.Total)
		if skipRate > maxSkipRatio {
			return result, fmt.Errorf("%w: skipped %d of %d rows", ErrSkipRateExceeded, result.Skipped, result.Total)
		}
	}

	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		group := BuildGroup(source, bySource[source])
		if len(group.Features) == 0 {
			s.logger.Warn("no usable feature columns for source", slog.String("source", source))
			continue
		}
		result.Groups = append(result.Groups, group)
	}

	return result, nil
}

// BuildGroup assembles the feature matrix for one source: the lexically
// ordered union of feature names, per-feature median imputation for missing
// or non-finite values, entirely-missing columns dropped, and first
// difference columns appended when the group has at least two rows.
func BuildGroup(source string, samples []models.MetricSample) Group {
	nameSet := make(map[string]struct{})
	for _, sample := range samples {
		for name := range sample.Features {
			nameSet[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	// Drop columns with no finite value anywhere; compute medians for the rest.
	medians := make(map[string]float64, len(names))
	kept := names[:0]
	for _, name := range names {
		values := make([]float64, 0, len(samples))
		for _, sample := range samples {
			if v, ok := sample.Features[name]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		medians[name] = median(values)
		kept = append(kept, name)
	}
	names = kept

	matrix := make([][]float64, len(samples))
	for i, sample := range samples {
		row := make([]float64, len(names))
		for j, name := range names {
			v, ok := sample.Features[name]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				v = medians[name]
			}
			row[j] = v
		}
		matrix[i] = row
	}

	features := append([]string(nil), names...)
	if len(samples) >= 2 {
		for _, name := range names {
			features = append(features, name+"_delta")
		}
		base := len(names)
		for i := range matrix {
			deltas := make([]float64, base)
			if i > 0 {
				for j := 0; j < base; j++ {
					deltas[j] = matrix[i][j] - matrix[i-1][j]
				}
			}
			matrix[i] = append(matrix[i], deltas...)
		}
	}

	return Group{Source: source, Samples: samples, Features: features, Matrix: matrix}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
