package detector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Scorer assigns an anomaly score to every row of a feature matrix. Higher
// scores mean more anomalous. A scorer fits on the full window in one call;
// a fit failure drops the scorer from the ensemble for that run only.
type Scorer interface {
	Name() string
	Score(matrix [][]float64) ([]float64, error)
}

// ErrDegenerateMatrix reports a window whose features carry no variance.
var ErrDegenerateMatrix = errors.New("feature matrix is degenerate")

// ErrUnknownScorer reports an unrecognised scorer kind in the configuration.
var ErrUnknownScorer = errors.New("unknown scorer kind")

// NewScorer builds a scorer by its configured kind. The seed only matters for
// the isolation scorer; the others are fully determined by their input.
func NewScorer(kind string, seed int64) (Scorer, error) {
	switch kind {
	case "isolation":
		return NewIsolationScorer(seed), nil
	case "density":
		return NewDensityScorer(5), nil
	case "distance":
		return NewDistanceScorer(5), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScorer, kind)
	}
}

// Standardize z-scores every column in place-safe copies. Constant columns
// collapse to zero. It fails when no column carries any variance, which is
// the degenerate case every scorer would misbehave on.
func Standardize(matrix [][]float64) ([][]float64, error) {
	if len(matrix) == 0 {
		return nil, ErrDegenerateMatrix
	}
	cols := len(matrix[0])
	means := make([]float64, cols)
	stds := make([]float64, cols)
	for j := 0; j < cols; j++ {
		for i := range matrix {
			means[j] += matrix[i][j]
		}
		means[j] /= float64(len(matrix))
		for i := range matrix {
			d := matrix[i][j] - means[j]
			stds[j] += d * d
		}
		stds[j] = math.Sqrt(stds[j] / float64(len(matrix)))
	}

	anyVariance := false
	for j := 0; j < cols; j++ {
		if stds[j] > 0 {
			anyVariance = true
			break
		}
	}
	if !anyVariance {
		return nil, ErrDegenerateMatrix
	}

	out := make([][]float64, len(matrix))
	for i := range matrix {
		row := make([]float64, cols)
		for j := 0; j < cols; j++ {
			if stds[j] > 0 {
				row[j] = (matrix[i][j] - means[j]) / stds[j]
			}
		}
		out[i] = row
	}
	return out, nil
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// pairwiseDistances returns the full symmetric distance matrix.
func pairwiseDistances(matrix [][]float64) [][]float64 {
	n := len(matrix)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := euclidean(matrix[i], matrix[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// shuffledIndices returns a deterministic permutation of [0,n).
func shuffledIndices(n int, rng *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}
