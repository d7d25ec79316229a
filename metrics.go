package virtq

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a virtqueue
type Metrics struct {
	// Transfer counters
	Dispatches  atomic.Uint64 // Total dispatched transfers
	Completions atomic.Uint64 // Total completed transfers

	// Byte counters
	BytesSent     atomic.Uint64 // Total device-readable bytes dispatched
	BytesReceived atomic.Uint64 // Total device-written bytes observed

	// Ring statistics
	ChainSlotsTotal atomic.Uint64 // Cumulative ring slots per dispatch
	MaxChainSlots   atomic.Uint32 // Longest chain dispatched

	// Doorbell and backpressure
	Notifications atomic.Uint64 // Doorbell stores performed
	Exhaustions   atomic.Uint64 // Dispatches rejected for lack of descriptors

	// Queue lifecycle
	StartTime atomic.Int64 // Queue start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch records a dispatched transfer
func (m *Metrics) RecordDispatch(slots int, bytes uint64) {
	m.Dispatches.Add(1)
	m.BytesSent.Add(bytes)
	m.ChainSlotsTotal.Add(uint64(slots))

	// Update max chain length atomically
	for {
		current := m.MaxChainSlots.Load()
		if uint32(slots) <= current {
			break
		}
		if m.MaxChainSlots.CompareAndSwap(current, uint32(slots)) {
			break
		}
	}
}

// RecordComplete records a completed transfer
func (m *Metrics) RecordComplete(bytes uint64) {
	m.Completions.Add(1)
	m.BytesReceived.Add(bytes)
}

// RecordNotify records a doorbell store
func (m *Metrics) RecordNotify() {
	m.Notifications.Add(1)
}

// RecordExhaustion records a dispatch rejected for lack of descriptors
func (m *Metrics) RecordExhaustion() {
	m.Exhaustions.Add(1)
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Dispatches  uint64
	Completions uint64
	InFlight    uint64

	BytesSent     uint64
	BytesReceived uint64

	AvgChainSlots float64
	MaxChainSlots uint32

	Notifications uint64
	Exhaustions   uint64

	// Computed rates
	UptimeNs     uint64
	DispatchRate float64 // Dispatches per second
	NotifyRatio  float64 // Notifications per dispatch
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Dispatches:    m.Dispatches.Load(),
		Completions:   m.Completions.Load(),
		BytesSent:     m.BytesSent.Load(),
		BytesReceived: m.BytesReceived.Load(),
		MaxChainSlots: m.MaxChainSlots.Load(),
		Notifications: m.Notifications.Load(),
		Exhaustions:   m.Exhaustions.Load(),
	}

	if snap.Dispatches >= snap.Completions {
		snap.InFlight = snap.Dispatches - snap.Completions
	}

	if snap.Dispatches > 0 {
		snap.AvgChainSlots = float64(m.ChainSlotsTotal.Load()) / float64(snap.Dispatches)
		snap.NotifyRatio = float64(snap.Notifications) / float64(snap.Dispatches)
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	if snap.UptimeNs > 0 {
		snap.DispatchRate = float64(snap.Dispatches) / (float64(snap.UptimeNs) / 1e9)
	}

	return snap
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Dispatches.Store(0)
	m.Completions.Store(0)
	m.BytesSent.Store(0)
	m.BytesReceived.Store(0)
	m.ChainSlotsTotal.Store(0)
	m.MaxChainSlots.Store(0)
	m.Notifications.Store(0)
	m.Exhaustions.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer allows pluggable metrics collection.
// Implementations must be thread-safe; methods are called from
// dispatch and poll paths.
type Observer interface {
	// ObserveDispatch is called for each dispatched transfer
	ObserveDispatch(slots int, bytes uint64)

	// ObserveComplete is called for each completed transfer
	ObserveComplete(bytes uint64)

	// ObserveNotify is called for each doorbell store
	ObserveNotify()

	// ObserveExhaustion is called when a dispatch finds no descriptors
	ObserveExhaustion()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(int, uint64) {}
func (NoOpObserver) ObserveComplete(uint64)      {}
func (NoOpObserver) ObserveNotify()              {}
func (NoOpObserver) ObserveExhaustion()          {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch(slots int, bytes uint64) {
	o.metrics.RecordDispatch(slots, bytes)
}

func (o *MetricsObserver) ObserveComplete(bytes uint64) {
	o.metrics.RecordComplete(bytes)
}

func (o *MetricsObserver) ObserveNotify() {
	o.metrics.RecordNotify()
}

func (o *MetricsObserver) ObserveExhaustion() {
	o.metrics.RecordExhaustion()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
