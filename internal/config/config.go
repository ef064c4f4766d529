// Package config decodes and validates the mesh's JSON configuration blob:
// the Controller, Network, and Model top-level sections described in
// SPEC_FULL.md §7.
package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// Root is the top-level JSON configuration document.
type Root struct {
	Controller ControllerConfig `json:"Controller"`
	Network    NetworkConfig    `json:"Network"`
	Model      ModelConfig      `json:"Model"`
}

// ControllerConfig carries the controller's experiment bookkeeping.
type ControllerConfig struct {
	ExperimentName string  `json:"experiment_name"`
	SyncTime       float64 `json:"sync_time"`
}

func (c ControllerConfig) validate() error {
	if c.ExperimentName == "" {
		return fmt.Errorf("config: missing required key: experiment_name")
	}
	if c.SyncTime <= 0 {
		return fmt.Errorf("config: sync_time must be positive, got %v", c.SyncTime)
	}
	return nil
}

// JobSpec is one entry of Network.Jobs: a named job template declaring its
// type, source, and terminal destination.
type JobSpec struct {
	JobType     string `json:"job_type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// NetworkConfig describes the mesh topology and scheduling knobs.
type NetworkConfig struct {
	QueueName             string              `json:"queue_name"`
	SchedulingAlgorithm   string              `json:"scheduling_algorithm"`
	CollectGarbageJobTime int                 `json:"collect_garbage_job_time"`
	Jobs                  map[string]JobSpec  `json:"jobs"`
	Network               map[string][]string `json:"network"`
	Router                []string            `json:"router"`
	Models                map[string][]string `json:"models"`
}

func (n NetworkConfig) validate() error {
	if n.QueueName == "" {
		return fmt.Errorf("config: missing required key: queue_name")
	}
	if n.SchedulingAlgorithm == "" {
		return fmt.Errorf("config: missing required key: scheduling_algorithm")
	}
	if n.CollectGarbageJobTime <= 0 {
		return fmt.Errorf("config: missing required key: collect_garbage_job_time")
	}
	if len(n.Jobs) == 0 {
		return fmt.Errorf("config: jobs cannot be empty")
	}
	for name, job := range n.Jobs {
		if job.JobType == "" {
			return fmt.Errorf("config: job %q missing required key: job_type", name)
		}
		if job.Source == "" {
			return fmt.Errorf("config: job %q missing required key: source", name)
		}
		if job.Destination == "" {
			return fmt.Errorf("config: job %q missing required key: destination", name)
		}
	}
	if len(n.Network) == 0 {
		return fmt.Errorf("config: missing required key: network")
	}
	for ip := range n.Network {
		if ip == "" {
			return fmt.Errorf("config: empty IP in network")
		}
	}
	return nil
}

// JobNames returns the configured job template names.
func (n NetworkConfig) JobNames() []string {
	names := make([]string, 0, len(n.Jobs))
	for name := range n.Jobs {
		names = append(names, name)
	}
	return names
}

// NodeIPs returns every IP declared as a source in the network adjacency.
func (n NetworkConfig) NodeIPs() []string {
	ips := make([]string, 0, len(n.Network))
	for ip := range n.Network {
		ips = append(ips, ip)
	}
	return ips
}

// IsRouter reports whether ip is listed as a router (carries data, runs no
// models, has no self-loop).
func (n NetworkConfig) IsRouter(ip string) bool {
	for _, r := range n.Router {
		if r == ip {
			return true
		}
	}
	return false
}

// ModelSpec is the per-model configuration entry.
type ModelSpec struct {
	InputSize      []int    `json:"input_size"`
	Warmup         int      `json:"warmup,omitempty"`
	WarmupInput    []int    `json:"warmup_input,omitempty"`
	ComputingRatio *float64 `json:"computing_ratio,omitempty"`
	TransferRatio  *float64 `json:"transfer_ratio,omitempty"`
}

// ModelConfig maps model name to its configuration.
type ModelConfig struct {
	Models map[string]ModelSpec `json:"-"`
}

// UnmarshalJSON decodes the Model section, which is a bare map of model name
// to spec rather than a wrapper object.
func (m *ModelConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]ModelSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Models = raw
	return nil
}

// MarshalJSON mirrors the bare-map encoding UnmarshalJSON expects.
func (m ModelConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Models)
}

func (m ModelConfig) validate() error {
	for name, spec := range m.Models {
		if len(spec.InputSize) == 0 {
			return fmt.Errorf("config: model %q missing required key: input_size", name)
		}
		if spec.ComputingRatio != nil && *spec.ComputingRatio < 0 {
			return fmt.Errorf("config: model %q computing_ratio must be >= 0", name)
		}
		if spec.TransferRatio != nil && *spec.TransferRatio < 0 {
			return fmt.Errorf("config: model %q transfer_ratio must be >= 0", name)
		}
	}
	return nil
}

// ModelNames returns the configured model names.
func (m ModelConfig) ModelNames() []string {
	names := make([]string, 0, len(m.Models))
	for name := range m.Models {
		names = append(names, name)
	}
	return names
}

// InputSize returns the configured input tensor shape for a model.
func (m ModelConfig) InputSize(modelName string) []int {
	return m.Models[modelName].InputSize
}

// ComputingRatio returns the model's computing ratio, defaulting to 1.0 when
// unset.
func (m ModelConfig) ComputingRatio(modelName string) float64 {
	spec, ok := m.Models[modelName]
	if !ok || spec.ComputingRatio == nil {
		return 1.0
	}
	return *spec.ComputingRatio
}

// TransferRatio returns the model's transfer ratio, defaulting to 1.0 when
// unset.
func (m ModelConfig) TransferRatio(modelName string) float64 {
	spec, ok := m.Models[modelName]
	if !ok || spec.TransferRatio == nil {
		return 1.0
	}
	return *spec.TransferRatio
}

// Load decodes and validates a configuration document from r. All
// configuration errors surface here, at startup, per SPEC_FULL.md §8 — a
// bad config aborts before any bus connection is attempted.
func Load(r io.Reader) (Root, error) {
	var root Root
	dec := json.NewDecoder(r)
	if err := dec.Decode(&root); err != nil {
		return Root{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := root.Controller.validate(); err != nil {
		return Root{}, err
	}
	if err := root.Network.validate(); err != nil {
		return Root{}, err
	}
	if err := root.Model.validate(); err != nil {
		return Root{}, err
	}
	return root, nil
}
