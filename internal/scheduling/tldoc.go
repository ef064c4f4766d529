package scheduling

import (
	"math/rand"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

func init() {
	Register("TLDOC", func() graph.Policy { return &TLDOC{Samples: 8} })
}

// TLDOC ("two-leading-delay-or-cost") is the other extension point the
// source only sketches through a commented-out call signature
// (get_path(..., expected_arrival_rate, network_performance_info)). Rather
// than a full online-learning scheme, this samples a handful of
// RandomSelection-style candidate paths up front, scores each by the
// backlog its edges would face under the current arrival rate, and keeps
// the cheapest — a reconstruction of "precompute two leading candidates,
// pick by observed load" using this package's existing random-walk
// generator as the candidate source.
type TLDOC struct {
	Samples int
	Rand    *rand.Rand
}

// GetPath implements graph.Policy.
func (t *TLDOC) GetPath(source, destination graph.LayerNode, adjacency graph.Adjacency, ctx graph.PolicyContext) ([]graph.PathStep, error) {
	samples := t.Samples
	if samples <= 0 {
		samples = 2
	}
	rng := t.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	sampler := &RandomSelection{Rand: rng}

	var best []graph.PathStep
	bestScore := -1.0
	for i := 0; i < samples; i++ {
		candidate, err := sampler.GetPath(source, destination, adjacency, ctx)
		if err != nil {
			return nil, err
		}
		score := t.scorePath(candidate, ctx)
		if bestScore < 0 || score < bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best, nil
}

// scorePath approximates per-path load as hop count weighted by the
// expected arrival rate, plus one unit per transmission edge to prefer
// fewer network hops when arrival rate is otherwise uninformative (e.g.
// at startup, before any sample has been observed).
func (t *TLDOC) scorePath(path []graph.PathStep, ctx graph.PolicyContext) float64 {
	score := 0.0
	for _, step := range path {
		pair := graph.NewLayerNodePair(step.Source, step.Destination)
		if pair.IsComputing() {
			score += ctx.ExpectedArrivalRate
			continue
		}
		score += ctx.ExpectedArrivalRate + 1
	}
	return score
}
