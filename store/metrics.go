package store

import "sync/atomic"

// MetricsSnapshot is a point-in-time copy of store counters.
type MetricsSnapshot struct {
	Dispatched   int64
	Completed    int64
	Failed       int64
	Aborted      int64
	StateChanges int64
	InProgress   int64
	Waiters      int64
}

// Metrics holds store counters. All methods are safe for concurrent use.
type Metrics struct {
	dispatched   atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	aborted      atomic.Int64
	stateChanges atomic.Int64
	inProgress   atomic.Int64
	waiters      atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordDispatched() {
	m.dispatched.Add(1)
	m.inProgress.Add(1)
}

func (m *Metrics) RecordCompleted(failed bool) {
	m.completed.Add(1)
	m.inProgress.Add(-1)
	if failed {
		m.failed.Add(1)
	}
}

func (m *Metrics) RecordAborted() {
	m.aborted.Add(1)
}

func (m *Metrics) RecordStateChange() {
	m.stateChanges.Add(1)
}

func (m *Metrics) RecordWaiter(delta int) {
	m.waiters.Add(int64(delta))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Dispatched:   m.dispatched.Load(),
		Completed:    m.completed.Load(),
		Failed:       m.failed.Load(),
		Aborted:      m.aborted.Load(),
		StateChanges: m.stateChanges.Load(),
		InProgress:   m.inProgress.Load(),
		Waiters:      m.waiters.Load(),
	}
}
