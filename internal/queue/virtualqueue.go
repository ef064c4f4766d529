// Package queue implements the two worker-side rendezvous registries:
// VirtualQueue (subtasks awaiting their data) and AheadOutputQueue (data
// that arrived before its subtask).
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/models"
)

type virtualEntry struct {
	subtask   models.DNNSubtask
	arrivalMS int64
}

// VirtualQueue is a mutex-protected registry from a subtask's ID to the
// DNNSubtask a worker has been told to run, plus its arrival time. Keyed
// by SubtaskID (a string) rather than jobmodel.SubtaskInfo itself, since
// SubtaskInfo embeds a LayerNode carrying a ModelNames slice and so isn't a
// comparable — hashable — type. Every operation acquires the whole
// critical section, matching the source's "acquire whole section"
// discipline rather than finer-grained locking — the registry is small
// and short-lived per entry, so lock contention isn't the bottleneck.
type VirtualQueue struct {
	mu      sync.Mutex
	entries map[string]virtualEntry
	nowMS   func() int64
}

// NewVirtualQueue constructs an empty VirtualQueue.
func NewVirtualQueue() *VirtualQueue {
	return &VirtualQueue{
		entries: make(map[string]virtualEntry),
		nowMS:   nowMillis,
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Exists reports whether info is currently registered.
func (q *VirtualQueue) Exists(info jobmodel.SubtaskInfo) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[info.SubtaskID()]
	return ok
}

// Add registers subtask under info. Returns false if info is already
// present — the caller surfaces that as a duplicate-registration error.
func (q *VirtualQueue) Add(info jobmodel.SubtaskInfo, subtask models.DNNSubtask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := info.SubtaskID()
	if _, ok := q.entries[id]; ok {
		return false
	}
	q.entries[id] = virtualEntry{subtask: subtask, arrivalMS: q.nowMS()}
	return true
}

// SubtaskInfo returns the authoritative SubtaskInfo stored for info — used
// to rewrite a just-arrived DNNOutput whose embedded SubtaskInfo reflects
// the sender's view rather than this hop's obligations.
func (q *VirtualQueue) SubtaskInfo(info jobmodel.SubtaskInfo) (jobmodel.SubtaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[info.SubtaskID()]
	if !ok {
		return jobmodel.SubtaskInfo{}, fmt.Errorf("queue: no subtask info for %s", info)
	}
	return entry.subtask.Info, nil
}

// Pop removes and returns the DNNSubtask registered under info.
func (q *VirtualQueue) Pop(info jobmodel.SubtaskInfo) (models.DNNSubtask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := info.SubtaskID()
	entry, ok := q.entries[id]
	if !ok {
		return models.DNNSubtask{}, fmt.Errorf("queue: no subtask info for %s", info)
	}
	delete(q.entries, id)
	return entry.subtask, nil
}

// GarbageCollect deletes every entry whose arrival predates ttlSec seconds
// ago and returns how many were removed and how many remain.
func (q *VirtualQueue) GarbageCollect(ttlSec int) (deleted, remaining int) {
	cutoff := q.nowMS() - int64(ttlSec)*1000
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, entry := range q.entries {
		if entry.arrivalMS <= cutoff {
			delete(q.entries, id)
			deleted++
		}
	}
	remaining = len(q.entries)
	return
}

// Len reports the current number of registered subtasks.
func (q *VirtualQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Backlogs accumulates each waiting subtask's backlog into its edge,
// returning the per-link totals.
func (q *VirtualQueue) Backlogs() map[graph.LinkKey]float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	links := make(map[graph.LinkKey]float64)
	for _, entry := range q.entries {
		links[entry.subtask.Info.Link().Key()] += entry.subtask.Backlog()
	}
	return links
}
