package scheduling

import (
	"math"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

func init() {
	Register("JDPCRA", func() graph.Policy { return &JDPCRA{PowerWeight: 0.3} })
}

// JDPCRA ("joint delay/power-cost-ratio aware") is a greedy extension
// point: the source only ever invokes it through a commented-out branch
// with the signature get_path(source, destination, adjacency,
// model_configs, expected_arrival_rate, network_performance_info,
// input_size). This reconstructs that call shape with a defensible greedy
// cost function — at each hop, score every reachable next option by
// queueing delay plus a power-weighted residual-GPU cost, and take the
// minimum — rather than porting a cost model that wasn't present in the
// retrieved source.
type JDPCRA struct {
	PowerWeight float64
}

// GetPath implements graph.Policy.
func (j *JDPCRA) GetPath(source, destination graph.LayerNode, adjacency graph.Adjacency, ctx graph.PolicyContext) ([]graph.PathStep, error) {
	var path []graph.PathStep
	visitedModels := make(map[string]bool)
	current := source

	for steps := 0; steps < maxPathSteps; steps++ {
		unused := unusedModels(current, visitedModels)

		if len(unused) == 0 && current.IsSameNode(destination) {
			break
		}

		bestIsModel := false
		haveBestNeighbor := false
		var bestModel string
		var bestNeighbor graph.LayerNode
		bestScore := math.Inf(1)

		for _, model := range unused {
			score := j.scoreComputing(current, model, ctx)
			if score < bestScore {
				bestScore = score
				bestIsModel = true
				bestModel = model
			}
		}

		neighbors := neighborsExcludingSelf(adjacency[current.IP], current)
		for _, n := range neighbors {
			score := j.scoreHop(current, n, ctx)
			if score < bestScore {
				bestScore = score
				bestIsModel = false
				bestNeighbor = n
				haveBestNeighbor = true
			}
		}

		if bestIsModel {
			path = append(path, graph.PathStep{Source: current, Destination: current, ModelName: bestModel})
			visitedModels[bestModel] = true
			continue
		}

		if len(neighbors) == 0 {
			break
		}
		if !haveBestNeighbor {
			bestNeighbor = neighbors[0]
		}
		path = append(path, graph.PathStep{Source: current, Destination: bestNeighbor})
		current = bestNeighbor
		if current.IsSameNode(destination) && len(unusedModels(current, visitedModels)) == 0 {
			break
		}
	}

	return path, nil
}

const maxPathSteps = 64

func unusedModels(node graph.LayerNode, visited map[string]bool) []string {
	var out []string
	for _, name := range node.ModelNames {
		if !visited[name] {
			out = append(out, name)
		}
	}
	return out
}

func (j *JDPCRA) scoreComputing(node graph.LayerNode, _ string, ctx graph.PolicyContext) float64 {
	tier := tierFor(node)
	capacity := ctx.NetworkPerformance.ComputingCapacity[tier]
	delay := ctx.ExpectedArrivalRate
	if capacity > 0 {
		delay = ctx.InputBytes / capacity
	}
	residual := 1.0 - capacity/maxFloat(capacity, 1)
	return delay + j.PowerWeight*residual
}

func (j *JDPCRA) scoreHop(_, dest graph.LayerNode, ctx graph.PolicyContext) float64 {
	tier := tierFor(dest)
	rate := ctx.NetworkPerformance.TransmissionRate[tier]
	if rate <= 0 {
		return ctx.ExpectedArrivalRate + 1
	}
	return ctx.InputBytes / rate
}

// tierFor is a placeholder classification hook (the original hardcodes
// three IPs to end/edge/cloud). No IP-to-tier mapping is applied here: each
// node is its own tier, keyed by its IP, so JDPCRA looks up
// NetworkPerformance entries by node IP.
func tierFor(node graph.LayerNode) string {
	return node.IP
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
