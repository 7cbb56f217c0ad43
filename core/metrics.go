package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is an immutable value copy of one actor's counters.
type MetricsSnapshot struct {
	Handle          Handle
	Name            string
	Implementation  string
	QueueLength     int64
	Processed       uint64
	Exceptions      uint64
	TotalProcessing time.Duration
	AvgProcessing   time.Duration
	LastEnqueuedAt  time.Time
	LastProcessedAt time.Time
	CreatedAt       time.Time
	TraceEnabled    bool
}

// metricsEntry holds one actor's lock-free counters.
type metricsEntry struct {
	handle    Handle
	name      string
	impl      string
	createdAt time.Time

	queueLength     atomic.Int64
	processed       atomic.Uint64
	exceptions      atomic.Uint64
	totalTicks      atomic.Int64 // nanoseconds
	lastEnqueuedAt  atomic.Int64 // unix nanoseconds
	lastProcessedAt atomic.Int64
	traceEnabled    atomic.Bool
}

func (e *metricsEntry) snapshot() MetricsSnapshot {
	processed := e.processed.Load()
	total := time.Duration(e.totalTicks.Load())
	var avg time.Duration
	if processed > 0 {
		avg = total / time.Duration(processed)
	}
	return MetricsSnapshot{
		Handle:          e.handle,
		Name:            e.name,
		Implementation:  e.impl,
		QueueLength:     e.queueLength.Load(),
		Processed:       processed,
		Exceptions:      e.exceptions.Load(),
		TotalProcessing: total,
		AvgProcessing:   avg,
		LastEnqueuedAt:  unixNanoTime(e.lastEnqueuedAt.Load()),
		LastProcessedAt: unixNanoTime(e.lastProcessedAt.Load()),
		CreatedAt:       e.createdAt,
		TraceEnabled:    e.traceEnabled.Load(),
	}
}

func unixNanoTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Metrics is the per-actor counter registry. All operations for an unknown
// handle are no-ops; all counter updates are O(1) and safe from any
// goroutine.
type Metrics struct {
	entries sync.Map // Handle -> *metricsEntry
}

// NewMetrics returns an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Register binds a handle to its name and implementation tag.
func (m *Metrics) Register(h Handle, name, impl string) {
	m.entries.Store(h, &metricsEntry{
		handle:    h,
		name:      name,
		impl:      impl,
		createdAt: time.Now(),
	})
}

// Unregister removes the entry for a handle.
func (m *Metrics) Unregister(h Handle) {
	m.entries.Delete(h)
}

func (m *Metrics) entry(h Handle) (*metricsEntry, bool) {
	v, ok := m.entries.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*metricsEntry), true
}

// OnEnqueue records a mailbox write.
func (m *Metrics) OnEnqueue(h Handle) {
	e, ok := m.entry(h)
	if !ok {
		return
	}
	e.queueLength.Add(1)
	e.lastEnqueuedAt.Store(time.Now().UnixNano())
}

// OnDequeue records a mailbox read. The queue length is clamped at zero.
func (m *Metrics) OnDequeue(h Handle) {
	e, ok := m.entry(h)
	if !ok {
		return
	}
	for {
		cur := e.queueLength.Load()
		if cur <= 0 {
			return
		}
		if e.queueLength.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// OnProcessed records a completed handler invocation.
func (m *Metrics) OnProcessed(h Handle, elapsed time.Duration, failed bool) {
	e, ok := m.entry(h)
	if !ok {
		return
	}
	e.processed.Add(1)
	e.totalTicks.Add(int64(elapsed))
	e.lastProcessedAt.Store(time.Now().UnixNano())
	if failed {
		e.exceptions.Add(1)
	}
}

// TrySnapshot returns a point-in-time copy of one actor's counters.
func (m *Metrics) TrySnapshot(h Handle) (MetricsSnapshot, bool) {
	e, ok := m.entry(h)
	if !ok {
		return MetricsSnapshot{}, false
	}
	return e.snapshot(), true
}

// SnapshotAll returns a point-in-time slice over every registered actor.
func (m *Metrics) SnapshotAll() []MetricsSnapshot {
	var out []MetricsSnapshot
	m.entries.Range(func(_, v any) bool {
		out = append(out, v.(*metricsEntry).snapshot())
		return true
	})
	return out
}

// EnableTrace turns the trace bit on. Returns true iff the state changed.
func (m *Metrics) EnableTrace(h Handle) bool {
	e, ok := m.entry(h)
	if !ok {
		return false
	}
	return e.traceEnabled.CompareAndSwap(false, true)
}

// DisableTrace turns the trace bit off. Returns true iff the state changed.
func (m *Metrics) DisableTrace(h Handle) bool {
	e, ok := m.entry(h)
	if !ok {
		return false
	}
	return e.traceEnabled.CompareAndSwap(true, false)
}

// TraceEnabled reports the trace bit.
func (m *Metrics) TraceEnabled(h Handle) bool {
	e, ok := m.entry(h)
	if !ok {
		return false
	}
	return e.traceEnabled.Load()
}
