// Package capacity tracks a worker's rolling-average compute and transfer
// throughput, feeding the controller's capacity map via sync ticks.
package capacity

import "sync"

const sampleWindow = 100

// Manager maintains two incremental rolling averages — computing
// (GFLOPs/ms) and transfer (KB/ms) — over the last N=100 samples, without
// retaining sample history. Bounded memory under long runs was the
// original's stated rationale for the incremental form over a sliding
// window of raw samples.
type Manager struct {
	mu sync.Mutex

	computingCount int
	computingAvg   float64

	transferCount int
	transferAvg   float64

	lastSentKB float64
	haveSample bool
}

// New constructs a Manager. It takes no OS probe: the caller samples the
// cumulative bytes-sent counter (in KB) itself and passes each reading to
// UpdateTransferCapacity, so tests don't depend on host networking state.
func New() *Manager {
	return &Manager{}
}

// UpdateComputingCapacity feeds a GFLOPs/ms sample measured by the caller
// after running a compute subtask. When elapsed time was zero the caller
// must pass 0.
func (m *Manager) UpdateComputingCapacity(x float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.computingCount++
	n := m.computingCount
	if n > sampleWindow {
		n = sampleWindow
	}
	m.computingAvg += (x - m.computingAvg) / float64(n)
}

// UpdateTransferCapacity feeds a KB/ms sample. sentKB is the current
// cumulative bytes-sent counter (in KB) and elapsedMS is the time since the
// previous sample; if elapsedMS <= 0 the sample is treated as 0, matching
// the original's divide-by-zero guard.
func (m *Manager) UpdateTransferCapacity(sentKB float64, elapsedMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sample float64
	if elapsedMS > 0 && m.haveSample {
		sample = (sentKB - m.lastSentKB) / elapsedMS
	}
	m.lastSentKB = sentKB
	m.haveSample = true

	m.transferCount++
	n := m.transferCount
	if n > sampleWindow {
		n = sampleWindow
	}
	m.transferAvg += (sample - m.transferAvg) / float64(n)
}

// AvgComputing returns the current computing rolling average (GFLOPs/ms).
func (m *Manager) AvgComputing() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computingAvg
}

// AvgTransfer returns the current transfer rolling average (KB/ms).
func (m *Manager) AvgTransfer() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferAvg
}
