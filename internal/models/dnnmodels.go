package models

import (
	"context"
	"fmt"

	"github.com/swarmguard/dnnmesh/internal/config"
)

const kbPerByte = 1024.0

// DNNModels preloads every configured model for a worker and precomputes
// its FLOPs and output size, so JobManager never pays model-load latency on
// the hot path.
type DNNModels struct {
	backend Backend

	handles   map[string]Handle
	computing map[string]float64 // GFLOPs
	transfer  map[string]float64 // KB
}

// Load builds a DNNModels for the given model names against modelConfig,
// using backend to load and measure each one.
func Load(ctx context.Context, backend Backend, modelNames []string, modelConfig config.ModelConfig) (*DNNModels, error) {
	dm := &DNNModels{
		backend:   backend,
		handles:   make(map[string]Handle, len(modelNames)),
		computing: make(map[string]float64, len(modelNames)),
		transfer:  make(map[string]float64, len(modelNames)),
	}
	for _, name := range modelNames {
		shape := modelConfig.InputSize(name)
		handle, err := backend.Load(ctx, name, shape)
		if err != nil {
			return nil, fmt.Errorf("models: load %q: %w", name, err)
		}
		flops, outputBytes, err := backend.Measure(ctx, handle, shape)
		if err != nil {
			return nil, fmt.Errorf("models: measure %q: %w", name, err)
		}
		dm.handles[name] = handle
		dm.computing[name] = flops
		dm.transfer[name] = float64(outputBytes) / kbPerByte
	}
	return dm, nil
}

// Model returns the loaded handle for a model name. Panics behavior is
// avoided: callers consult Has first if the name might be unconfigured — a
// lookup of an unconfigured model is a logic error per SPEC_FULL.md §8 and
// returns an error instead of a handle.
func (d *DNNModels) Model(modelName string) (Handle, error) {
	h, ok := d.handles[modelName]
	if !ok {
		return nil, fmt.Errorf("models: unknown model %q", modelName)
	}
	return h, nil
}

// Has reports whether modelName was preloaded.
func (d *DNNModels) Has(modelName string) bool {
	_, ok := d.handles[modelName]
	return ok
}

// Computing returns the precomputed GFLOPs for one forward pass of modelName.
func (d *DNNModels) Computing(modelName string) (float64, error) {
	v, ok := d.computing[modelName]
	if !ok {
		return 0, fmt.Errorf("models: unknown model %q", modelName)
	}
	return v, nil
}

// Transfer returns the precomputed output size in KB for modelName.
func (d *DNNModels) Transfer(modelName string) (float64, error) {
	v, ok := d.transfer[modelName]
	if !ok {
		return 0, fmt.Errorf("models: unknown model %q", modelName)
	}
	return v, nil
}

// Backend returns the execution backend this DNNModels was loaded with, so
// a caller building its own DNNSubtask (JobManager.AddSubtask) can run a
// model's forward pass without duplicating the backend reference.
func (d *DNNModels) Backend() Backend {
	return d.backend
}

// Forward runs modelName's forward pass against input via the backend.
func (d *DNNModels) Forward(ctx context.Context, modelName string, input Tensor) (Tensor, error) {
	h, err := d.Model(modelName)
	if err != nil {
		return nil, err
	}
	return d.backend.Forward(ctx, h, input)
}
