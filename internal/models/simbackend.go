package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/dnnmesh/internal/config"
)

const bytesPerElement = 4.0 // float32

// SimulatedBackend is the production Backend this repo ships: it has no
// real inference runtime behind it (out of scope per SPEC_FULL.md §1, where
// a real ONNX/TorchScript backend would plug into this same interface), but
// it reports GFLOPs and output size from the same ComputingRatio/
// TransferRatio values LayeredGraph.UpdatePathBacklog uses to predict
// backlog ahead of time, so a deployment without a real backend still gets
// scheduling and recorded metrics driven by the configured ratios. Forward doesn't run a
// model; it returns a placeholder payload sized like the real output would
// be, since DNNOutput.Payload is opaque to the scheduler core.
//
// A worker only learns its model section once the controller answers
// mdc/config, after the backend has already been constructed, so the model
// config is supplied later via SetModelConfig rather than at NewSimulatedBackend.
type SimulatedBackend struct {
	mu    sync.RWMutex
	model config.ModelConfig
}

// NewSimulatedBackend builds a Backend whose model config is supplied by a
// later SetModelConfig call (workersvc does this as soon as it receives
// mdc/config, before the first Load).
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{}
}

// SetModelConfig installs the model config Load/Forward/Measure consult.
func (b *SimulatedBackend) SetModelConfig(model config.ModelConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = model
}

// simHandle is the Handle a SimulatedBackend hands back: just the model
// name, since there is no real loaded artifact to reference.
type simHandle string

// Load validates modelName is configured and returns it as its own handle.
func (b *SimulatedBackend) Load(_ context.Context, modelName string, _ []int) (Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.model.Models[modelName]; !ok {
		return nil, fmt.Errorf("models: simulated backend: unconfigured model %q", modelName)
	}
	return simHandle(modelName), nil
}

// Forward returns a placeholder payload describing the simulated output,
// sized per Measure's outputBytes for the given handle and the input's
// element count as inputShape would have produced.
func (b *SimulatedBackend) Forward(ctx context.Context, handle Handle, _ Tensor) (Tensor, error) {
	name := string(handle.(simHandle))
	b.mu.RLock()
	shape := b.model.Models[name].InputSize
	b.mu.RUnlock()
	_, outputBytes, err := b.Measure(ctx, handle, shape)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("simulated:%s:%dbytes", name, outputBytes), nil
}

// Measure reports GFLOPs as ComputingRatio(modelName) * inputElements and
// output size as TransferRatio(modelName) * inputBytes. LayeredGraph's
// planning-time estimate multiplies the same ratios by the job's input size
// in KB, so the transfer figure matches the plan for a job whose input is
// the model's input tensor, while the computing figure scales with the
// element count rather than the KB count.
func (b *SimulatedBackend) Measure(_ context.Context, handle Handle, inputShape []int) (float64, int64, error) {
	name := string(handle.(simHandle))
	elements := 1.0
	for _, d := range inputShape {
		elements *= float64(d)
	}
	inputBytes := elements * bytesPerElement
	b.mu.RLock()
	flops := b.model.ComputingRatio(name) * elements
	outputBytes := int64(b.model.TransferRatio(name) * inputBytes)
	b.mu.RUnlock()
	return flops, outputBytes, nil
}
