package jobmodel

import (
	"fmt"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

// SubtaskInfo embeds a JobInfo value (the source models this as inheritance;
// a clean reimplementation embeds instead — see DESIGN.md) and adds the
// per-hop routing fields: which edge this subtask occupies in the job's
// path, and which model (if any) runs on it.
type SubtaskInfo struct {
	JobInfo

	SourceLayerNode      graph.LayerNode
	DestinationLayerNode graph.LayerNode
	ModelName            string // empty on pure transmission edges
	PrimaryPathIndex     int
	TerminalIndex        int
}

// SubtaskID is this hop's identity: job ID + source node + path index.
func (s SubtaskInfo) SubtaskID() string {
	return fmt.Sprintf("%s_%s_%d", s.JobID(), s.SourceLayerNode.IP, s.PrimaryPathIndex)
}

func (s SubtaskInfo) String() string { return s.SubtaskID() }

// Link is the LayerNodePair this subtask occupies.
func (s SubtaskInfo) Link() graph.LayerNodePair {
	return graph.NewLayerNodePair(s.SourceLayerNode, s.DestinationLayerNode)
}

// IsComputing reports whether this hop is a self-loop (on-device inference).
func (s SubtaskInfo) IsComputing() bool { return s.SourceLayerNode.IsSameNode(s.DestinationLayerNode) }

// IsTransmission is the complement of IsComputing.
func (s SubtaskInfo) IsTransmission() bool { return !s.IsComputing() }

// IsTerminated reports whether this subtask sits at the end of its path.
func (s SubtaskInfo) IsTerminated() bool { return s.PrimaryPathIndex == s.TerminalIndex }

// Advance returns the SubtaskInfo for the next hop: the destination becomes
// the new source and the path index increments. It is idempotent at the
// terminal state — calling it there returns s unchanged rather than
// panicking, since JobManager's pipeline re-checks IsTerminated() before
// ever calling Advance again, but a defensive caller should not need to
// special-case the terminal hop either.
func (s SubtaskInfo) Advance() SubtaskInfo {
	if s.IsTerminated() {
		return s
	}
	next := s
	next.SourceLayerNode = s.DestinationLayerNode
	next.PrimaryPathIndex = s.PrimaryPathIndex + 1
	return next
}
