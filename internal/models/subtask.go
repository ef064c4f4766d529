package models

import (
	"context"

	"github.com/swarmguard/dnnmesh/internal/jobmodel"
)

// DNNSubtask binds a SubtaskInfo to a resolved model handle (nil on a pure
// transmission edge) plus the two dimensioning scalars: ComputingCapacity
// (GFLOPs required, zero on transmission) and TransferCapacity (KB to move,
// zero on computing). Backlog is whichever of the two is non-zero.
type DNNSubtask struct {
	Info              jobmodel.SubtaskInfo
	handle            Handle
	backend           Backend
	ComputingCapacity float64
	TransferCapacity  float64
}

// NewDNNSubtask constructs a DNNSubtask. handle may be nil on a
// transmission edge.
func NewDNNSubtask(info jobmodel.SubtaskInfo, backend Backend, handle Handle, computingCapacity, transferCapacity float64) DNNSubtask {
	return DNNSubtask{
		Info:              info,
		handle:            handle,
		backend:           backend,
		ComputingCapacity: computingCapacity,
		TransferCapacity:  transferCapacity,
	}
}

// Backlog is the non-zero one of ComputingCapacity/TransferCapacity,
// matching which kind of edge this subtask occupies.
func (s DNNSubtask) Backlog() float64 {
	if s.Info.IsComputing() {
		return s.ComputingCapacity
	}
	return s.TransferCapacity
}

// Run executes the subtask against data: a model forward pass on a
// computing edge, or a pass-through copy on a transmission edge.
func (s DNNSubtask) Run(ctx context.Context, data Tensor) (DNNOutput, error) {
	if s.Info.IsTransmission() {
		return DNNOutput{Payload: data, Info: s.Info}, nil
	}
	out, err := s.backend.Forward(ctx, s.handle, data)
	if err != nil {
		return DNNOutput{}, err
	}
	return DNNOutput{Payload: out, Info: s.Info}, nil
}

// DNNOutput is a tensor payload plus the SubtaskInfo identifying which
// subtask produced it (or, while staged ahead-of-time, which subtask will
// consume it next). Equality and hashing are by SubtaskID.
type DNNOutput struct {
	Payload Tensor
	Info    jobmodel.SubtaskInfo
}

// WithInfo returns a copy of o carrying a different SubtaskInfo — used by
// JobManager to rewrite an inbound output's info with the authoritative
// entry held in the VirtualQueue.
func (o DNNOutput) WithInfo(info jobmodel.SubtaskInfo) DNNOutput {
	return DNNOutput{Payload: o.Payload, Info: info}
}
