package queue

import (
	"fmt"
	"sync"

	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/models"
)

type aheadEntry struct {
	output    models.DNNOutput
	arrivalMS int64
}

// AheadOutputQueue mirrors VirtualQueue's shape but stores DNNOutput values
// that arrived before the SubtaskInfo meant to consume them — the
// "rendezvous case A: data first" staging buffer. Keyed by SubtaskID, for
// the same reason VirtualQueue is: SubtaskInfo is not a comparable type.
type AheadOutputQueue struct {
	mu      sync.Mutex
	entries map[string]aheadEntry
	nowMS   func() int64
}

// NewAheadOutputQueue constructs an empty AheadOutputQueue.
func NewAheadOutputQueue() *AheadOutputQueue {
	return &AheadOutputQueue{
		entries: make(map[string]aheadEntry),
		nowMS:   nowMillis,
	}
}

// Exists reports whether an output is staged for info.
func (q *AheadOutputQueue) Exists(info jobmodel.SubtaskInfo) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[info.SubtaskID()]
	return ok
}

// Add stages output under info. Returns false if already present.
func (q *AheadOutputQueue) Add(info jobmodel.SubtaskInfo, output models.DNNOutput) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := info.SubtaskID()
	if _, ok := q.entries[id]; ok {
		return false
	}
	q.entries[id] = aheadEntry{output: output, arrivalMS: q.nowMS()}
	return true
}

// Pop removes and returns the staged output for info.
func (q *AheadOutputQueue) Pop(info jobmodel.SubtaskInfo) (models.DNNOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := info.SubtaskID()
	entry, ok := q.entries[id]
	if !ok {
		return models.DNNOutput{}, fmt.Errorf("queue: no staged output for %s", info)
	}
	delete(q.entries, id)
	return entry.output, nil
}

// GarbageCollect deletes every entry older than ttlSec seconds.
func (q *AheadOutputQueue) GarbageCollect(ttlSec int) (deleted, remaining int) {
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

// Len reports the current number of staged outputs.
func (q *AheadOutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
