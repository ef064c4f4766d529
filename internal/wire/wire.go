// Package wire defines the JSON-encoded messages exchanged over the bus's
// core topic set (spec.md §6). JSON was picked as the one self-describing
// format since every other ambient-stack concern in this module already
// standardizes on encoding/json (configuration, in particular) — there's
// no reason to introduce a second serialization format for the wire.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
)

// RequestConfig is sent on mdc/config (worker -> controller) and
// mdc/arrival_rate (sender -> controller) to identify the requesting IP.
type RequestConfig struct {
	IP string `json:"ip"`
}

// ConfigResponse answers mdc/config with the two dynamic configuration
// sections a worker needs at startup.
type ConfigResponse struct {
	Network config.NetworkConfig `json:"network"`
	Model   config.ModelConfig   `json:"model"`
}

// NodeLinkInfo is a worker's periodic self-report on mdc/node_info: its
// observed per-edge backlog plus its own measured computing/transfer
// capacity.
type NodeLinkInfo struct {
	IP                string             `json:"ip"`
	Links             map[string]float64 `json:"links"` // LinkKey.String() -> backlog
	ComputingCapacity float64            `json:"computing_capacity"`
	TransferCapacity  float64            `json:"transfer_capacity"`
}

// LinksAsKeys decodes Links back into graph.LinkKey form. A malformed
// key (not "src->dst") is skipped rather than rejecting the whole report —
// one bad entry shouldn't drop every other edge's backlog update.
func (n NodeLinkInfo) LinksAsKeys() map[graph.LinkKey]float64 {
	out := make(map[graph.LinkKey]float64, len(n.Links))
	for k, v := range n.Links {
		key, ok := parseLinkKey(k)
		if !ok {
			continue
		}
		out[key] = v
	}
	return out
}

func parseLinkKey(s string) (graph.LinkKey, bool) {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '-' && s[i+1] == '>' {
			return graph.LinkKey{SourceIP: s[:i], DestinationIP: s[i+2:]}, true
		}
	}
	return graph.LinkKey{}, false
}

// NetworkPerformance reports a node's residual GPU capacity as a fraction
// of idle capacity, exchanged both ways on mdc/network_performance_info.
type NetworkPerformance struct {
	IP          string  `json:"ip"`
	GPUCapacity float64 `json:"gpu_capacity"` // in [0, 1]
}

// SubtaskInfoMessage is the wire form of jobmodel.SubtaskInfo: the domain
// type embeds graph.LayerNode values that JSON round-trips without any
// special handling, so this is a thin pass-through kept distinct from the
// domain type to keep wire-schema changes from rippling into scheduling
// logic.
type SubtaskInfoMessage struct {
	jobmodel.SubtaskInfo
}

// Marshal encodes any of the above message types to its wire bytes.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes wire bytes into v.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}
