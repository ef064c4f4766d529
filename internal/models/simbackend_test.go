package models

import (
	"context"
	"testing"

	"github.com/swarmguard/dnnmesh/internal/config"
)

func TestSimulatedBackendMeasureMatchesRatioFormula(t *testing.T) {
	ratio := 2.0
	cfg := config.ModelConfig{Models: map[string]config.ModelSpec{
		"resnet": {InputSize: []int{2, 3}, ComputingRatio: &ratio, TransferRatio: &ratio},
	}}
	b := NewSimulatedBackend()
	b.SetModelConfig(cfg)

	handle, err := b.Load(context.Background(), "resnet", []int{2, 3})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	flops, outputBytes, err := b.Measure(context.Background(), handle, []int{2, 3})
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if flops != 12 { // 2*3 elements * ratio 2.0
		t.Fatalf("expected flops 12, got %v", flops)
	}
	if outputBytes != 48 { // 2*3*4 bytes * ratio 2.0
		t.Fatalf("expected outputBytes 48, got %v", outputBytes)
	}

	out, err := b.Forward(context.Background(), handle, "input")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if out == nil {
		t.Fatalf("expected a non-nil simulated payload")
	}
}

func TestSimulatedBackendLoadRejectsUnconfiguredModel(t *testing.T) {
	b := NewSimulatedBackend()
	b.SetModelConfig(config.ModelConfig{Models: map[string]config.ModelSpec{}})
	if _, err := b.Load(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected an error loading an unconfigured model")
	}
}
