package scheduling

import (
	"math/rand"
	"testing"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

func twoNodeAdjacency() (graph.Adjacency, graph.LayerNode, graph.LayerNode) {
	a := graph.NewLayerNode("10.0.0.1", nil)
	b := graph.NewLayerNode("10.0.0.2", []string{"m1", "m2"})
	adj := graph.Adjacency{
		a.IP: {b},
		b.IP: {b}, // self-loop only, since b runs models
	}
	return adj, a, b
}

func TestRandomSelectionPathEndpoints(t *testing.T) {
	adj, a, b := twoNodeAdjacency()
	policy := &RandomSelection{Rand: rand.New(rand.NewSource(1))}

	path, err := policy.GetPath(a, b, adj, graph.PolicyContext{})
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if len(path) == 0 {
		t.Fatalf("expected a non-empty path")
	}
	if !path[0].Source.IsSameNode(a) {
		t.Fatalf("first step source = %v, want %v", path[0].Source, a)
	}
	if !path[len(path)-1].Destination.IsSameNode(b) {
		t.Fatalf("last step destination = %v, want %v", path[len(path)-1].Destination, b)
	}
}

func TestRandomSelectionVisitsEachModelAtMostOnce(t *testing.T) {
	adj, a, b := twoNodeAdjacency()
	policy := &RandomSelection{Rand: rand.New(rand.NewSource(42))}

	path, err := policy.GetPath(a, b, adj, graph.PolicyContext{})
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	seen := make(map[string]int)
	for _, step := range path {
		if step.ModelName != "" {
			seen[step.ModelName]++
		}
	}
	for model, count := range seen {
		if count > 1 {
			t.Fatalf("model %q scheduled %d times, want at most once", model, count)
		}
	}
}

func TestSingleNodeSelfLoopOnly(t *testing.T) {
	a := graph.NewLayerNode("10.0.0.1", []string{"m"})
	adj := graph.Adjacency{a.IP: {a}}
	policy := &RandomSelection{Rand: rand.New(rand.NewSource(42))} // first draw 0.37 < 0.5: compute

	path, err := policy.GetPath(a, a, adj, graph.PolicyContext{})
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if len(path) != 1 {
		t.Fatalf("expected exactly one computing step, got %d", len(path))
	}
	if path[0].ModelName != "m" || !path[0].Source.IsSameNode(path[0].Destination) {
		t.Fatalf("expected a single computing triple on m, got %+v", path[0])
	}
}

func TestRandomSelectionDeadEndReturnsWithoutPanicking(t *testing.T) {
	a := graph.NewLayerNode("10.0.0.1", []string{"m"})
	leaf := graph.NewLayerNode("10.0.0.2", nil)
	dest := graph.NewLayerNode("10.0.0.3", []string{"m"})
	adj := graph.Adjacency{a.IP: {leaf}, leaf.IP: {}, dest.IP: {dest}}
	policy := &RandomSelection{Rand: rand.New(rand.NewSource(1))}

	path, err := policy.GetPath(a, dest, adj, graph.PolicyContext{})
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	if len(path) == 0 {
		t.Fatalf("expected a non-empty path")
	}
	if path[len(path)-1].Destination.IsSameNode(dest) {
		t.Fatalf("leaf has no onward neighbors, path should dead-end at %v, not reach %v", leaf, dest)
	}
}

func TestResolveUnknownPolicy(t *testing.T) {
	if _, err := Resolve("DoesNotExist"); err == nil {
		t.Fatalf("expected an error for an unregistered policy name")
	}
}

func TestResolveRandomSelection(t *testing.T) {
	p, err := Resolve("RandomSelection")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := p.(*RandomSelection); !ok {
		t.Fatalf("expected *RandomSelection, got %T", p)
	}
}
