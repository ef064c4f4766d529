// Package graph models the layered graph of physical nodes and the
// backlog/capacity state on its edges.
package graph

import (
	"fmt"
	"strings"
)

// LayerNode identifies a physical node by its IP and carries the model
// names it may run. Equality and hashing are by IP alone.
type LayerNode struct {
	IP         string
	ModelNames []string
}

// NewLayerNode constructs a LayerNode, defensively copying the model list so
// callers can't mutate a node's identity through a shared slice.
func NewLayerNode(ip string, modelNames []string) LayerNode {
	names := make([]string, len(modelNames))
	copy(names, modelNames)
	return LayerNode{IP: ip, ModelNames: names}
}

// IsSameNode reports whether two nodes share an IP.
func (n LayerNode) IsSameNode(other LayerNode) bool { return n.IP == other.IP }

// String is the node's identity string (its IP).
func (n LayerNode) String() string { return n.IP }

// Less orders nodes by IP for stable iteration and logging.
func (n LayerNode) Less(other LayerNode) bool { return n.IP < other.IP }

// LayerNodePair is an ordered (source, destination) pair. A pair is
// "computing" when source == destination (the execution self-loop);
// otherwise it's a "transmission" edge.
type LayerNodePair struct {
	Source      LayerNode
	Destination LayerNode
}

// NewLayerNodePair constructs a pair.
func NewLayerNodePair(source, destination LayerNode) LayerNodePair {
	return LayerNodePair{Source: source, Destination: destination}
}

// String is the pair's identity string, "src->dst".
func (p LayerNodePair) String() string {
	return fmt.Sprintf("%s->%s", p.Source.IP, p.Destination.IP)
}

// IsComputing reports whether this pair is a computing self-loop.
func (p LayerNodePair) IsComputing() bool { return p.Source.IsSameNode(p.Destination) }

// IsSameNode is an alias for IsComputing, matching the pair-level query the
// original graph code makes when deciding which capacity bucket an edge
// drains from.
func (p LayerNodePair) IsSameNode() bool { return p.IsComputing() }

// Less orders pairs by their string form.
func (p LayerNodePair) Less(other LayerNodePair) bool { return p.String() < other.String() }

// Key returns a comparable identity for this pair. LayerNode carries a
// ModelNames slice, which makes LayerNode — and anything embedding it —
// unusable as a map key; every map keyed on edge identity uses LinkKey
// instead.
func (p LayerNodePair) Key() LinkKey {
	return LinkKey{SourceIP: p.Source.IP, DestinationIP: p.Destination.IP}
}

// LinkKey is the comparable (hashable) identity of a LayerNodePair: the two
// IPs alone, matching LayerNode's own "equality by IP" semantics.
type LinkKey struct {
	SourceIP      string
	DestinationIP string
}

// String is the key's identity string, "src->dst".
func (k LinkKey) String() string { return fmt.Sprintf("%s->%s", k.SourceIP, k.DestinationIP) }

// MarshalText implements encoding.TextMarshaler so a map[LinkKey]V encodes
// as a JSON object (encoding/json only accepts string, integer, or
// TextMarshaler types as map keys).
func (k LinkKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (k *LinkKey) UnmarshalText(text []byte) error {
	source, dest, ok := strings.Cut(string(text), "->")
	if !ok {
		return fmt.Errorf("graph: malformed LinkKey %q", text)
	}
	k.SourceIP = source
	k.DestinationIP = dest
	return nil
}

// IsComputing reports whether this key names a computing self-loop.
func (k LinkKey) IsComputing() bool { return k.SourceIP == k.DestinationIP }

// Less orders keys by their string form.
func (k LinkKey) Less(other LinkKey) bool { return k.String() < other.String() }
