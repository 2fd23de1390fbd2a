package detector

import "fmt"

// DistanceScorer scores each sample by its mean distance to the k nearest
// neighbours. Isolated samples sit far from everything.
type DistanceScorer struct {
	k int
}

// NewDistanceScorer builds a distance scorer over k nearest neighbours.
func NewDistanceScorer(k int) *DistanceScorer {
	if k < 1 {
		k = 5
	}
	return &DistanceScorer{k: k}
}

func (s *DistanceScorer) Name() string { return "distance" }

// Score returns the mean k-nearest-neighbour distance per row.
func (s *DistanceScorer) Score(matrix [][]float64) ([]float64, error) {
	n := len(matrix)
	if n <= s.k {
		return nil, fmt.Errorf("distance scorer needs more than %d samples, got %d", s.k, n)
	}

	dist := pairwiseDistances(matrix)
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		order := nearestOrder(dist[i], i)
		sum := 0.0
		for _, j := range order[:s.k] {
			sum += dist[i][j]
		}
		scores[i] = sum / float64(s.k)
	}
	return scores, nil
}
