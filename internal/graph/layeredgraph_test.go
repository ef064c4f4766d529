package graph

import (
	"testing"
	"time"

	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
)

type fixedRatios struct{}

func (fixedRatios) ComputingRatio(string) float64 { return 1.0 }
func (fixedRatios) TransferRatio(string) float64  { return 1.0 }

type fixedPathPolicy struct {
	path []PathStep
}

func (p fixedPathPolicy) GetPath(_, _ LayerNode, _ Adjacency, _ PolicyContext) ([]PathStep, error) {
	return p.path, nil
}

func testNetwork() config.NetworkConfig {
	return config.NetworkConfig{
		Network: map[string][]string{
			"10.0.0.1": {"10.0.0.2"},
			"10.0.0.2": {},
		},
		Router: nil,
		Models: map[string][]string{"10.0.0.2": {"m1"}},
	}
}

func TestNewBuildsAdjacencyAndSelfLoops(t *testing.T) {
	g := New(testNetwork(), fixedRatios{}, nil)

	if len(g.adjacency["10.0.0.1"]) != 1 {
		t.Fatalf("expected one neighbor for 10.0.0.1, got %d", len(g.adjacency["10.0.0.1"]))
	}
	if len(g.adjacency["10.0.0.2"]) != 1 {
		t.Fatalf("expected a self-loop for 10.0.0.2, got %d", len(g.adjacency["10.0.0.2"]))
	}
	links := g.Links("10.0.0.1")
	if len(links) != 1 || links[0].Destination.IP != "10.0.0.2" {
		t.Fatalf("unexpected links for 10.0.0.1: %+v", links)
	}
}

func TestUpdatePathBacklogAndUpdateGraphDrain(t *testing.T) {
	g := New(testNetwork(), fixedRatios{}, nil)
	g.SetCapacity("10.0.0.1", 0, 100) // 100 KB/ms on every edge out of .1
	g.SetCapacity("10.0.0.2", 50, 0)  // 50 GFLOPs/ms self-loop

	a := g.nodes["10.0.0.1"]
	b := g.nodes["10.0.0.2"]
	path := []PathStep{
		{Source: a, Destination: b},
		{Source: b, Destination: b, ModelName: "m1"},
	}
	g.UpdatePathBacklog(jobmodel.JobInfo{InputBytes: 1000}, path)

	backlog := g.Backlog()
	transmissionKey := NewLayerNodePair(a, b).Key()
	computingKey := NewLayerNodePair(b, b).Key()
	if backlog[transmissionKey] != 1000 {
		t.Fatalf("transmission backlog = %v, want 1000", backlog[transmissionKey])
	}
	if backlog[computingKey] != 1000 {
		t.Fatalf("computing backlog = %v, want 1000", backlog[computingKey])
	}

	g.nowFn = func() time.Time { return g.lastUpdate.Add(10 * time.Millisecond) }
	g.UpdateGraph()

	after := g.Backlog()
	if after[transmissionKey] >= backlog[transmissionKey] {
		t.Fatalf("expected transmission backlog to drain, got %v", after[transmissionKey])
	}
	if after[computingKey] >= backlog[computingKey] {
		t.Fatalf("expected computing backlog to drain, got %v", after[computingKey])
	}
}

func TestScheduleUnknownNodeErrors(t *testing.T) {
	g := New(testNetwork(), fixedRatios{}, fixedPathPolicy{})
	_, err := g.Schedule("10.0.0.9", jobmodel.JobInfo{TerminalDestination: "10.0.0.2"})
	if err == nil {
		t.Fatalf("expected an error for an unknown source node")
	}

	_, err = g.Schedule("10.0.0.1", jobmodel.JobInfo{TerminalDestination: "10.0.0.9"})
	if err == nil {
		t.Fatalf("expected an error for an unknown destination node")
	}
}

func TestScheduleDelegatesToPolicy(t *testing.T) {
	g := New(testNetwork(), fixedRatios{}, nil)
	a := g.nodes["10.0.0.1"]
	b := g.nodes["10.0.0.2"]
	want := []PathStep{{Source: a, Destination: b}}
	g.policy = fixedPathPolicy{path: want}

	got, err := g.Schedule("10.0.0.1", jobmodel.JobInfo{TerminalDestination: "10.0.0.2"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(got) != 1 || got[0].Destination.IP != "10.0.0.2" {
		t.Fatalf("unexpected path: %+v", got)
	}
}

func TestExpectedArrivalRateEWMA(t *testing.T) {
	g := New(testNetwork(), fixedRatios{}, nil)
	g.UpdateExpectedArrivalRate(10)
	if g.ExpectedArrivalRate() != 5 {
		t.Fatalf("expected EWMA of 0->10 with alpha 0.5 to be 5, got %v", g.ExpectedArrivalRate())
	}
	g.UpdateExpectedArrivalRate(10)
	if g.ExpectedArrivalRate() != 7.5 {
		t.Fatalf("expected EWMA to converge toward 10, got %v", g.ExpectedArrivalRate())
	}
}
