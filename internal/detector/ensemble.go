package detector

import (
	"log/slog"
	"math"
	"sort"
)

// Vote is one detector's verdict over a window: a raw score and an anomaly
// flag per sample.
type Vote struct {
	Name   string
	Scores []float64
	Flags  []bool
}

// SampleVerdict is the combined ensemble outcome for one sample.
type SampleVerdict struct {
	IsAnomaly bool
	Severity  float64
	RawScores map[string]float64
}

// EnsembleResult reports verdicts plus which scorers were dropped this run.
type EnsembleResult struct {
	Verdicts []SampleVerdict
	Dropped  []string
}

// FlagTop marks the highest-scoring ceil(contamination*n) samples. Ordering
// ties break on index so the flag set is stable across runs.
func FlagTop(scores []float64, contamination float64) []bool {
	n := len(scores)
	flags := make([]bool, n)
	if n == 0 {
		return flags
	}
	budget := int(math.Ceil(contamination * float64(n)))
	if budget > n {
		budget = n
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})
	for _, i := range order[:budget] {
		flags[i] = true
	}
	return flags
}

// normalize min-max scales scores into [0,1] within the window.
func normalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi <= lo {
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// RunEnsemble fits each scorer on the standardized matrix, flags each
// scorer's top contamination share, and combines the votes: a sample is
// anomalous on a strict majority (ties resolve to not anomalous), and its
// severity is the mean of the participating scorers' normalized scores.
// Scorers whose fit fails are dropped for the run. extraVotes lets
// independently computed detectors (the log-spike voter) join the same vote.
func RunEnsemble(scorers []Scorer, matrix [][]float64, contamination float64, extraVotes []Vote, logger *slog.Logger) EnsembleResult {
	if logger == nil {
		logger = slog.Default()
	}
	n := len(matrix)

	votes := make([]Vote, 0, len(scorers)+len(extraVotes))
	var dropped []string
	for _, scorer := range scorers {
		scores, err := scorer.Score(matrix)
		if err != nil {
			logger.Warn("scorer dropped for this run",
				slog.String("scorer", scorer.Name()), slog.Any("error", err))
			dropped = append(dropped, scorer.Name())
			continue
		}
		votes = append(votes, Vote{
			Name:   scorer.Name(),
			Scores: scores,
			Flags:  FlagTop(scores, contamination),
		})
	}
	for _, extra := range extraVotes {
		if len(extra.Scores) == n && len(extra.Flags) == n {
			votes = append(votes, extra)
		}
	}

	result := EnsembleResult{Dropped: dropped}
	if len(votes) == 0 {
		return result
	}

	normalized := make([][]float64, len(votes))
	for v, vote := range votes {
		normalized[v] = normalize(vote.Scores)
	}

	result.Verdicts = make([]SampleVerdict, n)
	for i := 0; i < n; i++ {
		verdict := SampleVerdict{RawScores: make(map[string]float64, len(votes))}
		flagCount := 0
		severity := 0.0
		for v, vote := range votes {
			verdict.RawScores[vote.Name] = vote.Scores[i]
			severity += normalized[v][i]
			if vote.Flags[i] {
				flagCount++
			}
		}
		verdict.Severity = severity / float64(len(votes))
		verdict.IsAnomaly = flagCount*2 > len(votes)
		result.Verdicts[i] = verdict
	}
	return result
}
