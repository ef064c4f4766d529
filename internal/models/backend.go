// Package models loads and dimensions the DNN models a worker can run, and
// defines the runtime subtask/output types JobManager executes.
package models

import "context"

// Tensor is an opaque payload. The real model backend (ONNX runtime,
// TorchScript, a remote inference microservice — out of scope per
// SPEC_FULL.md §1) decides its concrete representation; the scheduler core
// never inspects it.
type Tensor = any

// Backend is the injected seam for model execution: loading a model,
// running its forward pass, and reporting the GFLOPs/output-size figures
// DNNModels precomputes at startup. A production backend wraps a real
// inference runtime; tests use a deterministic fake.
type Backend interface {
	// Load prepares model for execution and returns a handle opaque to the
	// caller.
	Load(ctx context.Context, modelName string, inputShape []int) (Handle, error)
	// Forward runs one inference pass.
	Forward(ctx context.Context, handle Handle, input Tensor) (Tensor, error)
	// Measure returns the model's GFLOPs for one forward pass and the output
	// tensor's size in bytes, using a zero-valued input of inputShape.
	Measure(ctx context.Context, handle Handle, inputShape []int) (flops float64, outputBytes int64, err error)
}

// Handle is an opaque reference to a loaded model.
type Handle any
