// Package jobmanager implements the worker-side subtask pipeline: it owns
// the preloaded models plus the two rendezvous registries (VirtualQueue,
// AheadOutputQueue) and runs subtasks once both the subtask assignment and
// its input data have arrived, in whichever order they show up.
package jobmanager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/models"
	"github.com/swarmguard/dnnmesh/internal/queue"
)

// JobManager is the worker's subtask pipeline.
type JobManager struct {
	networkConfig config.NetworkConfig
	modelConfig   config.ModelConfig
	dnnModels     *models.DNNModels

	virtualQueue *queue.VirtualQueue
	aheadOutputs *queue.AheadOutputQueue
}

// New builds a JobManager around an already-loaded DNNModels.
func New(networkConfig config.NetworkConfig, modelConfig config.ModelConfig, dnnModels *models.DNNModels) *JobManager {
	return &JobManager{
		networkConfig: networkConfig,
		modelConfig:   modelConfig,
		dnnModels:     dnnModels,
		virtualQueue:  queue.NewVirtualQueue(),
		aheadOutputs:  queue.NewAheadOutputQueue(),
	}
}

// RunGarbageCollectors launches the two periodic sweeps (stale subtasks,
// stale staged outputs) and blocks until ctx is cancelled or one of them
// errors — callers run this in its own goroutine alongside the rest of the
// worker's loops. onVirtualQueueLen/onAheadOutputLen, if
// non-nil, are called with the post-sweep remaining count after each tick,
// so a caller reporting queue-size gauges stays accurate across GC-driven
// removals and not just its own Add/Pop calls.
func (m *JobManager) RunGarbageCollectors(ctx context.Context, onVirtualQueueLen, onAheadOutputLen func(int)) error {
	ttl := m.networkConfig.CollectGarbageJobTime
	if ttl <= 0 {
		ttl = 60
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.collectLoop(ctx, ttl, m.virtualQueue.GarbageCollect, onVirtualQueueLen) })
	g.Go(func() error { return m.collectLoop(ctx, ttl, m.aheadOutputs.GarbageCollect, onAheadOutputLen) })
	return g.Wait()
}

func (m *JobManager) collectLoop(ctx context.Context, ttlSec int, collect func(int) (int, int), onLen func(int)) error {
	ticker := time.NewTicker(time.Duration(ttlSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, remaining := collect(ttlSec)
			if onLen != nil {
				onLen(remaining)
			}
		}
	}
}

// IsSubtaskExists reports whether a subtask awaiting output has already
// been registered for the SubtaskInfo embedded in output.
func (m *JobManager) IsSubtaskExists(output models.DNNOutput) bool {
	return m.virtualQueue.Exists(output.Info)
}

// IsDNNOutputExists reports whether an output arrived ahead of info's
// subtask registration.
func (m *JobManager) IsDNNOutputExists(info jobmodel.SubtaskInfo) bool {
	return m.aheadOutputs.Exists(info)
}

// VirtualQueueLen is the number of subtasks currently registered and
// awaiting their output, for gauge reporting.
func (m *JobManager) VirtualQueueLen() int {
	return m.virtualQueue.Len()
}

// AheadOutputLen is the number of outputs staged ahead of their subtask
// registration, for gauge reporting.
func (m *JobManager) AheadOutputLen() int {
	return m.aheadOutputs.Len()
}

// UpdateDNNOutput rewrites a just-arrived output's SubtaskInfo with the
// authoritative entry held in the VirtualQueue: the sender's copy reflects
// its own obligations, not this hop's.
func (m *JobManager) UpdateDNNOutput(output models.DNNOutput) (models.DNNOutput, error) {
	authoritative, err := m.virtualQueue.SubtaskInfo(output.Info)
	if err != nil {
		return models.DNNOutput{}, err
	}
	return output.WithInfo(authoritative), nil
}

// PopDNNOutput removes and returns a staged output waiting on info.
func (m *JobManager) PopDNNOutput(info jobmodel.SubtaskInfo) (models.DNNOutput, error) {
	return m.aheadOutputs.Pop(info)
}

// Backlogs returns the current per-link backlog contributed by subtasks
// still waiting in the VirtualQueue.
func (m *JobManager) Backlogs() map[graph.LinkKey]float64 {
	return m.virtualQueue.Backlogs()
}

// AddSubtask builds a DNNSubtask for info from the preloaded models and
// registers it in the VirtualQueue, to be run once its data arrives.
func (m *JobManager) AddSubtask(info jobmodel.SubtaskInfo) error {
	var computing, transfer float64
	var err error

	if info.IsComputing() && info.ModelName != "" {
		computing, err = m.dnnModels.Computing(info.ModelName)
		if err != nil {
			return err
		}
	}
	if info.IsTransmission() {
		if info.ModelName != "" {
			transfer, err = m.dnnModels.Transfer(info.ModelName)
			if err != nil {
				return err
			}
		} else {
			transfer = info.InputBytes
		}
	}

	var handle models.Handle
	if info.ModelName != "" && m.dnnModels.Has(info.ModelName) {
		handle, err = m.dnnModels.Model(info.ModelName)
		if err != nil {
			return err
		}
	}

	subtask := models.NewDNNSubtask(info, m.dnnModels.Backend(), handle, computing, transfer)
	if !m.virtualQueue.Add(info, subtask) {
		return fmt.Errorf("jobmanager: subtask already exists: %s", info.SubtaskID())
	}
	return nil
}

// AddDNNOutput stages an output that arrived before its subtask was
// registered.
func (m *JobManager) AddDNNOutput(output models.DNNOutput) error {
	if !m.aheadOutputs.Add(output.Info, output) {
		return fmt.Errorf("jobmanager: dnn output already exists: %s", output.Info.SubtaskID())
	}
	return nil
}

// Run pops the subtask registered for output's SubtaskInfo, executes it
// against output's payload, and returns the resulting output plus the
// observed computing capacity (GFLOPs/ms) so the caller can feed
// capacity.Manager. On a transmission subtask (no model, pure relay) the
// observed capacity is always zero — only computing edges measure FLOPs.
func (m *JobManager) Run(ctx context.Context, output models.DNNOutput) (models.DNNOutput, float64, error) {
	subtask, err := m.virtualQueue.Pop(output.Info)
	if err != nil {
		return models.DNNOutput{}, 0, err
	}

	start := time.Now()
	result, err := subtask.Run(ctx, output.Payload)
	if err != nil {
		return models.DNNOutput{}, 0, err
	}
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000.0

	var computingCapacity float64
	if subtask.Info.IsComputing() && subtask.Backlog() > 0 && elapsedMS > 0 {
		computingCapacity = subtask.Backlog() / elapsedMS
	}

	return result, computingCapacity, nil
}
