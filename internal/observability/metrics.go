package observability

import "sync"

// QueueMetricsSnapshot captures per-destination queue runtime counters.
type QueueMetricsSnapshot struct {
	PendingPDUs    map[string]int   `json:"pending_pdus"`
	PendingEDUs    map[string]int   `json:"pending_edus"`
	DroppedEDUs    map[string]int   `json:"dropped_edus"`
	RetriedSends   map[string]int   `json:"retried_sends"`
	ThrottledMilli map[string]int64 `json:"throttled_ms"`
}

// RuntimeMetrics accumulates destination-queue metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu    sync.Mutex
	queue QueueMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.queue = QueueMetricsSnapshot{
		PendingPDUs:    make(map[string]int),
		PendingEDUs:    make(map[string]int),
		DroppedEDUs:    make(map[string]int),
		RetriedSends:   make(map[string]int),
		ThrottledMilli: make(map[string]int64),
	}
	return metrics
}

// RecordPendingDepth tracks the latest pending PDU/EDU depth for a destination.
func (m *RuntimeMetrics) RecordPendingDepth(destination string, pdus, edus int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.PendingPDUs[destination] = pdus
	m.queue.PendingEDUs[destination] = edus
}

// IncrementDroppedEDUs increments the dropped-EDU counter for a destination.
func (m *RuntimeMetrics) IncrementDroppedEDUs(destination string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.DroppedEDUs[destination] += n
}

// IncrementRetriedSends increments the retried-transaction counter for a destination.
func (m *RuntimeMetrics) IncrementRetriedSends(destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.RetriedSends[destination]++
}

// AddThrottledMilliseconds accumulates rate-limiter wait time for a destination.
func (m *RuntimeMetrics) AddThrottledMilliseconds(destination string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.ThrottledMilli[destination] += delta
}

// Snapshot copies the current queue metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() QueueMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := QueueMetricsSnapshot{
		PendingPDUs:    make(map[string]int, len(m.queue.PendingPDUs)),
		PendingEDUs:    make(map[string]int, len(m.queue.PendingEDUs)),
		DroppedEDUs:    make(map[string]int, len(m.queue.DroppedEDUs)),
		RetriedSends:   make(map[string]int, len(m.queue.RetriedSends)),
		ThrottledMilli: make(map[string]int64, len(m.queue.ThrottledMilli)),
	}
	for k, v := range m.queue.PendingPDUs {
		snapshot.PendingPDUs[k] = v
	}
	for k, v := range m.queue.PendingEDUs {
		snapshot.PendingEDUs[k] = v
	}
	for k, v := range m.queue.DroppedEDUs {
		snapshot.DroppedEDUs[k] = v
	}
	for k, v := range m.queue.RetriedSends {
		snapshot.RetriedSends[k] = v
	}
	for k, v := range m.queue.ThrottledMilli {
		snapshot.ThrottledMilli[k] = v
	}
	return snapshot
}
