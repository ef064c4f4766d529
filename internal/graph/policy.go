package graph

// PathStep is one hop of a scheduled path: a transmission edge when
// Source != Destination, a computing edge (with ModelName set) when they're
// equal.
type PathStep struct {
	Source      LayerNode
	Destination LayerNode
	ModelName   string
}

// Adjacency is the full layered graph: every node's ordered list of
// reachable neighbors, including its own self-loop if it runs models.
// Keyed by IP rather than by LayerNode itself, since LayerNode's
// ModelNames slice makes it unusable as a map key.
type Adjacency map[string][]LayerNode

// PolicyContext carries the optional signals a richer policy may want
// beyond plain adjacency — current expected arrival rate, per-tier network
// performance, and the job's input size — without forcing every policy to
// accept parameters it ignores.
type PolicyContext struct {
	ExpectedArrivalRate float64
	NetworkPerformance  NetworkPerformanceInfo
	InputBytes          float64
}

// NetworkPerformanceInfo tracks per-tier idle/working compute and transfer
// rates, refreshed by mdc/network_performance_info reports.
type NetworkPerformanceInfo struct {
	ComputingCapacity map[string]float64 // tier -> GFLOPs/ms
	TransmissionRate  map[string]float64 // tier -> KB/ms
}

// Policy is the pluggable path-scheduling contract. Implementations live in
// package scheduling so this package stays free of any particular policy's
// dependencies; LayeredGraph holds only this interface.
type Policy interface {
	GetPath(source, destination LayerNode, adjacency Adjacency, ctx PolicyContext) ([]PathStep, error)
}
