package patterns

import (
	"math"
	"sort"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// clusterEvents groups events by feature similarity using greedy
// nearest-centroid assignment. Events are visited in (created_at, id) order
// and join the closest existing cluster within the granularity radius, else
// start a new one. The ordering makes the outcome deterministic and stable
// under growth: appending new events can only extend or add clusters, never
// reshuffle the assignment of the existing prefix.
func clusterEvents(events []models.AnomalyEvent, granularity float64) [][]models.AnomalyEvent {
	if len(events) == 0 {
		return nil
	}
	if granularity <= 0 {
		granularity = 0.25
	}

	ordered := append([]models.AnomalyEvent(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	features := featureUnion(ordered)
	vectors := scaledVectors(ordered, features)

	type cluster struct {
		members  []int
		centroid []float64
	}
	var clusters []*cluster

	for i := range ordered {
		best := -1
		bestDist := math.Inf(1)
		for c, cl := range clusters {
			d := distance(vectors[i], cl.centroid)
			if d < bestDist {
				bestDist = d
				best = c
			}
		}
		if best >= 0 && bestDist <= granularity {
			cl := clusters[best]
			cl.members = append(cl.members, i)
			// Incremental centroid update.
			k := float64(len(cl.members))
			for j := range cl.centroid {
				cl.centroid[j] += (vectors[i][j] - cl.centroid[j]) / k
			}
			continue
		}
		clusters = append(clusters, &cluster{
			members:  []int{i},
			centroid: append([]float64(nil), vectors[i]...),
		})
	}

	out := make([][]models.AnomalyEvent, len(clusters))
	for c, cl := range clusters {
		group := make([]models.AnomalyEvent, len(cl.members))
		for i, idx := range cl.members {
			group[i] = ordered[idx]
		}
		out[c] = group
	}
	return out
}

func featureUnion(events []models.AnomalyEvent) []string {
	set := make(map[string]struct{})
	for _, ev := range events {
		for name := range ev.Features {
			set[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scaledVectors projects events onto the feature union, dividing each column
// by its mean absolute value across the group. Distances then measure
// relative deviation, so a tight cluster stays tight no matter how small its
// spread is. Missing features default to the column mean.
func scaledVectors(events []models.AnomalyEvent, features []string) [][]float64 {
	n := len(events)
	vectors := make([][]float64, n)
	for i := range vectors {
		vectors[i] = make([]float64, len(features))
	}
	for j, name := range features {
		var sum, sumAbs float64
		count := 0
		for _, ev := range events {
			if v, ok := ev.Features[name]; ok {
				sum += v
				sumAbs += math.Abs(v)
				count++
			}
		}
		if count == 0 {
			continue
		}
		mean := sum / float64(count)
		scale := sumAbs / float64(count)
		if scale < 1 {
			scale = 1
		}
		for i, ev := range events {
			v, ok := ev.Features[name]
			if !ok {
				v = mean
			}
			vectors[i][j] = v / scale
		}
	}
	return vectors
}

func distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
