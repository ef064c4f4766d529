// Package scheduling implements the pluggable path-scheduling policies the
// controller resolves by name from configuration: a RandomSelection
// reference policy plus JDPCRA/TLDOC extension points.
package scheduling

import (
	"fmt"
	"sync"

	"github.com/swarmguard/dnnmesh/internal/graph"
)

// Constructor builds a Policy instance. Registered constructors take no
// arguments; each fills in its own policy's fixed defaults (JDPCRA's
// PowerWeight, TLDOC's Samples), and per-call signals are read from
// graph.PolicyContext at call time.
type Constructor func() graph.Policy

var (
	registryMu sync.Mutex
	registry   = map[string]Constructor{}
)

// Register adds a named policy constructor to the registry. Called from
// each policy file's init(), mirroring the source's reflective
// name-to-class lookup but resolved at link time instead of at runtime.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Resolve builds the named policy, or errors if no such policy is
// registered — configuration errors must surface at startup, not at
// first-schedule time.
func Resolve(name string) (graph.Policy, error) {
	registryMu.Lock()
	ctor, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduling: unknown scheduling algorithm %q", name)
	}
	return ctor(), nil
}
