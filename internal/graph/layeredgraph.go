package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
)

// ModelRatios is the subset of config.ModelConfig the graph needs when
// accounting backlog deltas, kept narrow so this package doesn't have to
// import the full config surface for two lookups.
type ModelRatios interface {
	ComputingRatio(modelName string) float64
	TransferRatio(modelName string) float64
}

// LayeredGraph is the controller's central backlog model: adjacency,
// per-edge backlog, and per-node capacity, guarded by a single mutex
// covering all three plus the drain tick's last-update timestamp — the
// spec requires these updates and the drain tick be atomic with respect to
// each other.
type LayeredGraph struct {
	mu sync.Mutex

	adjacency Adjacency
	backlog   map[LinkKey]float64
	// capacity[srcIP][dstIP]: GFLOPs/ms on the self-loop, KB/ms otherwise.
	capacity map[string]map[string]float64

	pairs []LayerNodePair
	nodes map[string]LayerNode

	lastUpdate time.Time

	alpha               float64
	expectedArrivalRate float64

	networkPerf NetworkPerformanceInfo
	idleNetwork NetworkPerformanceInfo

	policy Policy
	ratios ModelRatios

	nowFn func() time.Time
}

// New builds a LayeredGraph from the declared network adjacency: every
// non-router node additionally gets a self-loop representing its compute
// capability.
func New(network config.NetworkConfig, ratios ModelRatios, policy Policy) *LayeredGraph {
	g := &LayeredGraph{
		adjacency:  make(Adjacency),
		backlog:    make(map[LinkKey]float64),
		capacity:   make(map[string]map[string]float64),
		nodes:      make(map[string]LayerNode),
		lastUpdate: time.Now(),
		alpha:      0.5,
		policy:     policy,
		ratios:     ratios,
		nowFn:      time.Now,
	}

	for sourceIP, neighbors := range network.Network {
		source := LayerNode{IP: sourceIP, ModelNames: network.Models[sourceIP]}
		g.nodes[sourceIP] = source
		if _, ok := g.capacity[sourceIP]; !ok {
			g.capacity[sourceIP] = make(map[string]float64)
		}
		for _, destIP := range neighbors {
			g.capacity[sourceIP][destIP] = 0
			dest := LayerNode{IP: destIP, ModelNames: network.Models[destIP]}
			g.adjacency[sourceIP] = append(g.adjacency[sourceIP], dest)
			pair := NewLayerNodePair(source, dest)
			g.pairs = append(g.pairs, pair)
			g.backlog[pair.Key()] = 0
		}
	}

	for sourceIP := range network.Network {
		if network.IsRouter(sourceIP) {
			continue
		}
		source := g.nodes[sourceIP]
		g.capacity[sourceIP][sourceIP] = 0
		g.adjacency[sourceIP] = append(g.adjacency[sourceIP], source)
		pair := NewLayerNodePair(source, source)
		g.pairs = append(g.pairs, pair)
		g.backlog[pair.Key()] = 0
	}

	g.idleNetwork = NetworkPerformanceInfo{
		ComputingCapacity: map[string]float64{},
		TransmissionRate:  map[string]float64{},
	}
	g.networkPerf = NetworkPerformanceInfo{
		ComputingCapacity: map[string]float64{},
		TransmissionRate:  map[string]float64{},
	}

	return g
}

// SetGraph overwrites the backlog of every provided pair with the
// worker-reported value, and resets the drain tick's clock — this is the
// authoritative sync called on receipt of a NodeLinkInfo report.
func (g *LayeredGraph) SetGraph(links map[LinkKey]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastUpdate = g.nowFn()
	for key, backlog := range links {
		g.backlog[key] = backlog
	}
}

// SetCapacity sets a node's self-loop (computing) capacity and every
// outgoing transmission edge's capacity.
func (g *LayeredGraph) SetCapacity(sourceIP string, computingCapacity, transferCapacity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for destIP := range g.capacity[sourceIP] {
		if destIP == sourceIP {
			g.capacity[sourceIP][destIP] = computingCapacity
		} else {
			g.capacity[sourceIP][destIP] = transferCapacity
		}
	}
}

// UpdatePathBacklog walks a scheduled path and adds its predicted backlog
// contribution to every edge it touches. For a computing edge this is
// model.ComputingRatio * inputBytes; for a transmission edge it's
// lastTransferRatio * inputBytes, where lastTransferRatio is the
// TransferRatio of the most recently encountered computing edge's model,
// defaulting to 1.0 before any computing edge is seen — the data entering
// the first transmission edge is the original input, not a model's output.
func (g *LayeredGraph) UpdatePathBacklog(job jobmodel.JobInfo, path []PathStep) {
	g.mu.Lock()
	defer g.mu.Unlock()

	lastTransferRatio := 1.0
	for _, step := range path {
		pair := NewLayerNodePair(step.Source, step.Destination)
		var ratio float64
		if pair.IsComputing() {
			ratio = g.ratios.ComputingRatio(step.ModelName)
			lastTransferRatio = g.ratios.TransferRatio(step.ModelName)
		} else {
			ratio = lastTransferRatio
		}
		g.backlog[pair.Key()] += ratio * job.InputBytes
	}
}

// UpdateGraph is the 100ms drain tick: it divides each physical pipe's
// capacity evenly among the virtual links currently active on it and
// drains their backlog by elapsed * capacity / activeCount, never below
// zero.
func (g *LayeredGraph) UpdateGraph() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	elapsed := float64(now.Sub(g.lastUpdate).Microseconds()) / 1000.0 // ms, matching capacity units

	jobsPerLink := make(map[string]map[string]int)
	for _, pair := range g.pairs {
		srcIP, dstIP := pair.Source.IP, pair.Destination.IP
		if _, ok := jobsPerLink[srcIP]; !ok {
			jobsPerLink[srcIP] = make(map[string]int)
		}
		if g.backlog[pair.Key()] > 0 {
			jobsPerLink[srcIP][dstIP]++
		}
	}

	for _, pair := range g.pairs {
		srcIP, dstIP := pair.Source.IP, pair.Destination.IP
		count := jobsPerLink[srcIP][dstIP]
		if count <= 0 {
			continue
		}
		edgeCapacity := g.capacity[srcIP][dstIP]
		delta := elapsed * edgeCapacity / float64(count)
		key := pair.Key()
		remaining := g.backlog[key] - delta
		if remaining < 0 {
			remaining = 0
		}
		g.backlog[key] = remaining
	}

	g.lastUpdate = now
}

// Schedule delegates path assignment to the configured policy.
func (g *LayeredGraph) Schedule(sourceIP string, job jobmodel.JobInfo) ([]PathStep, error) {
	g.mu.Lock()
	source, okSrc := g.nodes[sourceIP]
	dest, okDst := g.nodes[job.TerminalDestination]
	adjacency := g.adjacency
	ctx := PolicyContext{
		ExpectedArrivalRate: g.expectedArrivalRate,
		NetworkPerformance:  g.networkPerf,
		InputBytes:          job.InputBytes,
	}
	g.mu.Unlock()

	if !okSrc {
		return nil, fmt.Errorf("graph: unknown source node %q", sourceIP)
	}
	if !okDst {
		return nil, fmt.Errorf("graph: unknown destination node %q", job.TerminalDestination)
	}
	return g.policy.GetPath(source, dest, adjacency, ctx)
}

// Links returns every edge leaving layerNodeIP.
func (g *LayeredGraph) Links(layerNodeIP string) []LayerNodePair {
	g.mu.Lock()
	defer g.mu.Unlock()
	node := g.nodes[layerNodeIP]
	var links []LayerNodePair
	for _, neighbor := range g.adjacency[layerNodeIP] {
		links = append(links, NewLayerNodePair(node, neighbor))
	}
	return links
}

// Backlog returns a snapshot of every edge's current backlog, keyed by
// LinkKey (the comparable src/dst IP pair).
func (g *LayeredGraph) Backlog() map[LinkKey]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[LinkKey]float64, len(g.backlog))
	for k, v := range g.backlog {
		out[k] = v
	}
	return out
}

// ArrivalRate sums the current backlog of every edge a path touches — used
// by senders to back-pressure on a congested route.
func (g *LayeredGraph) ArrivalRate(path []PathStep) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total float64
	for _, step := range path {
		total += g.backlog[NewLayerNodePair(step.Source, step.Destination).Key()]
	}
	return total
}

// UpdateExpectedArrivalRate applies the EWMA update r <- alpha*r +
// (1-alpha)*observed.
func (g *LayeredGraph) UpdateExpectedArrivalRate(observed float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expectedArrivalRate = g.alpha*g.expectedArrivalRate + (1-g.alpha)*observed
}

// ExpectedArrivalRate returns the current EWMA value.
func (g *LayeredGraph) ExpectedArrivalRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expectedArrivalRate
}

// SetIdleNetworkPerformance seeds the per-tier idle baseline — the
// reference figures the original hardcoded per deployment
// (end/edge/cloud); here they're supplied by configuration instead.
func (g *LayeredGraph) SetIdleNetworkPerformance(info NetworkPerformanceInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idleNetwork = info
	g.networkPerf = NetworkPerformanceInfo{
		ComputingCapacity: cloneMap(info.ComputingCapacity),
		TransmissionRate:  cloneMap(info.TransmissionRate),
	}
}

// UpdateNetworkPerformance scales a tier's idle compute capacity by a
// residual-GPU ratio reported over mdc/network_performance_info.
func (g *LayeredGraph) UpdateNetworkPerformance(tier string, ratio float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idle, ok := g.idleNetwork.ComputingCapacity[tier]
	if !ok {
		return
	}
	g.networkPerf.ComputingCapacity[tier] = idle * ratio
}

func cloneMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
