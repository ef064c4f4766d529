package scheduling

import (
	"math/rand"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

func init() {
	Register("RandomSelection", func() graph.Policy { return &RandomSelection{} })
}

// RandomSelection is the reference scheduling policy. From source, it walks
// neighbors at random and, at each node, flips a coin to decide whether to
// run one more unused model there or hop onward. It stops at the
// destination once that node's models are exhausted, or earlier when the
// coin there chooses not to run another model.
type RandomSelection struct {
	// Prop is the probability of picking an unused model over hopping to a
	// neighbor, when both options are live. Defaults to 0.5.
	Prop float64
	Rand *rand.Rand
}

const defaultProp = 0.5

// GetPath implements graph.Policy.
func (r *RandomSelection) GetPath(source, destination graph.LayerNode, adjacency graph.Adjacency, _ graph.PolicyContext) ([]graph.PathStep, error) {
	prop := r.Prop
	if prop == 0 {
		prop = defaultProp
	}
	rng := r.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	var path []graph.PathStep
	visitedModels := make(map[string]bool)
	current := source

	for {
		neighbors := neighborsExcludingSelf(adjacency[current.IP], current)

		var unused []string
		for _, name := range current.ModelNames {
			if !visitedModels[name] {
				unused = append(unused, name)
			}
		}

		if len(unused) == 0 && current.IsSameNode(destination) {
			break
		}

		if len(unused) == 0 {
			if len(neighbors) == 0 {
				break
			}
			next := neighbors[rng.Intn(len(neighbors))]
			path = append(path, graph.PathStep{Source: current, Destination: next})
			current = next
			continue
		}

		if rng.Float64() < prop {
			model := unused[rng.Intn(len(unused))]
			path = append(path, graph.PathStep{Source: current, Destination: current, ModelName: model})
			visitedModels[model] = true
			continue
		}

		if current.IsSameNode(destination) {
			break
		}

		if len(neighbors) == 0 {
			break
		}
		next := neighbors[rng.Intn(len(neighbors))]
		path = append(path, graph.PathStep{Source: current, Destination: next})
		current = next
	}

	return path, nil
}

func neighborsExcludingSelf(neighbors []graph.LayerNode, self graph.LayerNode) []graph.LayerNode {
	out := make([]graph.LayerNode, 0, len(neighbors))
	for _, n := range neighbors {
		if !n.IsSameNode(self) {
			out = append(out, n)
		}
	}
	return out
}
