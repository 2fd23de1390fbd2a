package detector

import (
	"fmt"
	"sort"
)

// DensityScorer compares each sample's local density against that of its
// neighbours, in the manner of a local outlier factor. Samples in regions
// sparser than their neighbourhood score above 1.
type DensityScorer struct {
	k int
}

// NewDensityScorer builds a density scorer over k nearest neighbours.
func NewDensityScorer(k int) *DensityScorer {
	if k < 1 {
		k = 5
	}
	return &DensityScorer{k: k}
}

func (s *DensityScorer) Name() string { return "density" }

// Score returns the density ratio per row. It needs more rows than
// neighbours to be meaningful.
func (s *DensityScorer) Score(matrix [][]float64) ([]float64, error) {
	n := len(matrix)
	if n <= s.k {
		return nil, fmt.Errorf("density scorer needs more than %d samples, got %d", s.k, n)
	}

	dist := pairwiseDistances(matrix)
	neighbors := make([][]int, n)
	kdist := make([]float64, n)
	for i := 0; i < n; i++ {
		order := nearestOrder(dist[i], i)
		neighbors[i] = order[:s.k]
		kdist[i] = dist[i][order[s.k-1]]
	}

	// Local reachability density per sample.
	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		reach := 0.0
		for _, j := range neighbors[i] {
			r := dist[i][j]
			if kdist[j] > r {
				r = kdist[j]
			}
			reach += r
		}
		reach /= float64(s.k)
		if reach == 0 {
			reach = 1e-10
		}
		lrd[i] = 1 / reach
	}

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for _, j := range neighbors[i] {
			sum += lrd[j]
		}
		scores[i] = sum / (float64(s.k) * lrd[i])
	}
	return scores, nil
}

// nearestOrder returns all indices except self, sorted by distance with
// index as the tie-break so the ordering is stable across runs.
func nearestOrder(row []float64, self int) []int {
	order := make([]int, 0, len(row)-1)
	for j := range row {
		if j != self {
			order = append(order, j)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		if row[order[a]] != row[order[b]] {
			return row[order[a]] < row[order[b]]
		}
		return order[a] < order[b]
	})
	return order
}
