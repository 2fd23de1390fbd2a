package detector

import (
	"math"
	"math/rand"
)

// IsolationScorer scores samples by how quickly random axis-aligned splits
// isolate them. Anomalies sit in sparse regions and isolate in short paths.
type IsolationScorer struct {
	trees     int
	subsample int
	seed      int64
}

// NewIsolationScorer builds an isolation scorer with the standard ensemble
// size. The same seed always yields the same forest for the same input.
func NewIsolationScorer(seed int64) *IsolationScorer {
	return &IsolationScorer{trees: 100, subsample: 256, seed: seed}
}

func (s *IsolationScorer) Name() string { return "isolation" }

type isoNode struct {
	feature   int
	threshold float64
	left      *isoNode
	right     *isoNode
	size      int
}

// Score fits the forest on the matrix and returns per-row scores in (0,1),
// higher meaning shorter isolation paths.
func (s *IsolationScorer) Score(matrix [][]float64) ([]float64, error) {
	n := len(matrix)
	if n < 2 {
		return nil, ErrDegenerateMatrix
	}

	rng := rand.New(rand.NewSource(s.seed))
	sample := s.subsample
	if sample > n {
		sample = n
	}
	depthLimit := int(math.Ceil(math.Log2(float64(sample))))

	forest := make([]*isoNode, s.trees)
	for t := range forest {
		idx := shuffledIndices(n, rng)[:sample]
		rows := make([][]float64, sample)
		for i, j := range idx {
			rows[i] = matrix[j]
		}
		forest[t] = buildIsoTree(rows, 0, depthLimit, rng)
	}

	norm := avgPathLength(sample)
	scores := make([]float64, n)
	for i, row := range matrix {
		total := 0.0
		for _, tree := range forest {
			total += pathLength(tree, row, 0)
		}
		mean := total / float64(len(forest))
		scores[i] = math.Pow(2, -mean/norm)
	}
	return scores, nil
}

func buildIsoTree(rows [][]float64, depth, limit int, rng *rand.Rand) *isoNode {
	if len(rows) <= 1 || depth >= limit {
		return &isoNode{size: len(rows)}
	}

	cols := len(rows[0])
	// Pick a split feature with spread; give up after a few degenerate draws.
	for attempt := 0; attempt < cols; attempt++ {
		feature := rng.Intn(cols)
		lo, hi := rows[0][feature], rows[0][feature]
		for _, row := range rows[1:] {
			if row[feature] < lo {
				lo = row[feature]
			}
			if row[feature] > hi {
				hi = row[feature]
			}
		}
		if hi <= lo {
			continue
		}
		threshold := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, row := range rows {
			if row[feature] < threshold {
				left = append(left, row)
			} else {
				right = append(right, row)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &isoNode{
			feature:   feature,
			threshold: threshold,
			left:      buildIsoTree(left, depth+1, limit, rng),
			right:     buildIsoTree(right, depth+1, limit, rng),
		}
	}
	return &isoNode{size: len(rows)}
}

func pathLength(node *isoNode, row []float64, depth int) float64 {
	if node.left == nil && node.right == nil {
		return float64(depth) + avgPathLength(node.size)
	}
	if row[node.feature] < node.threshold {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search,
// the standard normalisation term for isolation forests.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
