package virtq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordDispatch(2, 64)
	m.RecordDispatch(4, 128)
	m.RecordComplete(32)
	m.RecordNotify()
	m.RecordExhaustion()

	snap := m.Snapshot()
	if snap.Dispatches != 2 {
		t.Errorf("Dispatches = %d, want 2", snap.Dispatches)
	}
	if snap.Completions != 1 {
		t.Errorf("Completions = %d, want 1", snap.Completions)
	}
	if snap.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", snap.InFlight)
	}
	if snap.BytesSent != 192 {
		t.Errorf("BytesSent = %d, want 192", snap.BytesSent)
	}
	if snap.BytesReceived != 32 {
		t.Errorf("BytesReceived = %d, want 32", snap.BytesReceived)
	}
	if snap.AvgChainSlots != 3 {
		t.Errorf("AvgChainSlots = %f, want 3", snap.AvgChainSlots)
	}
	if snap.MaxChainSlots != 4 {
		t.Errorf("MaxChainSlots = %d, want 4", snap.MaxChainSlots)
	}
	if snap.Exhaustions != 1 {
		t.Errorf("Exhaustions = %d, want 1", snap.Exhaustions)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordDispatch(1, 8)
	m.RecordNotify()
	m.Reset()

	snap := m.Snapshot()
	if snap.Dispatches != 0 || snap.Notifications != 0 || snap.MaxChainSlots != 0 {
		t.Errorf("Reset left counters: %+v", snap)
	}
}

func TestMetricsObserverWiredIntoQueue(t *testing.T) {
	alloc := newTestAlloc(t)
	trans := NewMockTransport(alloc, 1)
	metrics := NewMetrics()

	vq, err := NewSplitVq(Config{
		ComCfg:   trans,
		NotifCfg: trans,
		Size:     8,
		Alloc:    alloc,
		Observer: NewMetricsObserver(metrics),
	})
	require.NoError(t, err)
	dev := NewSimSplitDevice(trans, 0)

	bt, err := vq.PrepBuffer(Single(16), Single(16))
	require.NoError(t, err)
	_, err = vq.Dispatch(bt, false, BufferDirect)
	require.NoError(t, err)
	dev.Process()
	vq.Poll()

	snap := metrics.Snapshot()
	if snap.Dispatches != 1 || snap.Completions != 1 {
		t.Errorf("snapshot = %+v, want one dispatch and one completion", snap)
	}
	if snap.Notifications != 1 {
		t.Errorf("Notifications = %d, want 1", snap.Notifications)
	}
	if snap.BytesReceived != 16 {
		t.Errorf("BytesReceived = %d, want 16", snap.BytesReceived)
	}
}
