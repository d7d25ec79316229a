package virtq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ewellbach/go-virtq/internal/virtioabi"
)

func TestNewPackedVqSizeValidation(t *testing.T) {
	alloc := newTestAlloc(t)
	trans := NewMockTransport(alloc, 4)

	for _, size := range []uint16{0, 32769} {
		_, err := NewPackedVq(Config{ComCfg: trans, NotifCfg: trans, Size: size, Alloc: alloc})
		if !IsCode(err, CodeSizeNotAllowed) {
			t.Errorf("size %d: err = %v, want SizeNotAllowed", size, err)
		}
	}

	// Packed queues accept non-power-of-two sizes.
	vq, err := NewPackedVq(Config{ComCfg: trans, NotifCfg: trans, Size: 3, Alloc: alloc})
	require.NoError(t, err)
	if vq.Size() != 3 {
		t.Errorf("Size() = %d, want 3", vq.Size())
	}
}

// Scenario: four single-descriptor dispatches exhaust a size-4 ring.
func TestPackedCapacityExhaustion(t *testing.T) {
	h := newPackedHarness(t, 4, 0)

	for i := 0; i < 4; i++ {
		bt, err := h.vq.PrepBuffer(Single(16), nil)
		require.NoError(t, err)
		_, err = h.vq.Dispatch(bt, false, BufferDirect)
		require.NoError(t, err)
	}

	if got := h.vq.Capacity(); got != 0 {
		t.Errorf("Capacity() = %d, want 0", got)
	}
	if h.vq.WrapCount() {
		t.Error("wrap counter did not flip after the ring filled")
	}

	_, err := h.vq.PrepBuffer(Single(16), nil)
	if !IsCode(err, CodeNoDescrAvail) {
		t.Fatalf("fifth prep = %v, want NoDescrAvail", err)
	}
}

func TestPackedRoundTrip(t *testing.T) {
	h := newPackedHarness(t, 8, 0)
	done := make(chan *BufferToken, 2)

	for i := 0; i < 2; i++ {
		bt, err := h.vq.PrepBuffer(Single(16), Single(32))
		require.NoError(t, err)
		require.NoError(t, bt.WriteSend(make([]byte, 16)))
		require.NoError(t, h.vq.DispatchAwait(bt, done, false, BufferDirect))
	}

	if got := h.vq.Capacity(); got != 4 {
		t.Errorf("Capacity() during flight = %d, want 4", got)
	}

	if n := h.dev.Process(); n != 2 {
		t.Fatalf("device retired %d chains, want 2", n)
	}
	h.vq.Poll()

	for i := 0; i < 2; i++ {
		select {
		case bt := <-done:
			if bt.RecvLen() != 32 {
				t.Errorf("RecvLen() = %d, want 32", bt.RecvLen())
			}
		default:
			t.Fatal("completion not delivered")
		}
	}
	if got := h.vq.Capacity(); got != 8 {
		t.Errorf("Capacity() after poll = %d, want 8", got)
	}
}

// After n full passes the wrap counter equals initial XOR (n mod 2).
func TestPackedWrapCounter(t *testing.T) {
	h := newPackedHarness(t, 2, 0)
	done := make(chan *BufferToken, 1)

	bt, err := h.vq.PrepBuffer(Single(8), nil)
	require.NoError(t, err)

	initial := h.vq.WrapCount()
	for pass := 1; pass <= 5; pass++ {
		for i := 0; i < 2; i++ {
			require.NoError(t, h.vq.DispatchAwait(bt, done, false, BufferDirect))
			h.dev.Process()
			h.vq.Poll()
			<-done
		}
		want := initial != (pass%2 == 1)
		if got := h.vq.WrapCount(); got != want {
			t.Fatalf("wrap after %d passes = %v, want %v", pass, got, want)
		}
	}
}

// Non-terminal device-writable descriptors carry NEXT and WRITE.
func TestPackedChainFlags(t *testing.T) {
	h := newPackedHarness(t, 8, 0)

	bt, err := h.vq.PrepBuffer(Single(4), Multiple{4, 4})
	require.NoError(t, err)
	_, err = h.vq.Dispatch(bt, false, BufferDirect)
	require.NoError(t, err)

	ring := h.dev.ringBytes()
	headID := uint16(bt.headID())

	d0 := virtioabi.PackedDescAt(ring[0:])
	if d0.Flags&virtioabi.DescFNext == 0 || d0.Flags&virtioabi.DescFWrite != 0 {
		t.Errorf("slot 0 flags = %#x, want NEXT without WRITE", d0.Flags)
	}
	if d0.BuffID != headID {
		t.Errorf("slot 0 buff_id = %d, want head id %d", d0.BuffID, headID)
	}

	d1 := virtioabi.PackedDescAt(ring[virtioabi.DescSize:])
	wantMid := virtioabi.DescFNext | virtioabi.DescFWrite
	if d1.Flags&wantMid != wantMid {
		t.Errorf("slot 1 flags = %#x, want NEXT|WRITE", d1.Flags)
	}
	if d1.BuffID != headID {
		t.Errorf("slot 1 buff_id = %d, want head id %d", d1.BuffID, headID)
	}

	d2 := virtioabi.PackedDescAt(ring[2*virtioabi.DescSize:])
	if d2.Flags&virtioabi.DescFNext != 0 || d2.Flags&virtioabi.DescFWrite == 0 {
		t.Errorf("slot 2 flags = %#x, want WRITE without NEXT", d2.Flags)
	}
}

func TestPackedChainAcrossWrap(t *testing.T) {
	h := newPackedHarness(t, 4, 0)
	done := make(chan *BufferToken, 2)

	first, err := h.vq.PrepBuffer(Multiple{4, 4, 4}, nil)
	require.NoError(t, err)
	second, err := h.vq.PrepBuffer(nil, Single(8))
	require.NoError(t, err)

	require.NoError(t, h.vq.DispatchAwait(first, done, false, BufferDirect))
	h.dev.Process()
	h.vq.Poll()
	<-done

	// The next chain wraps: slot 3, then 0.
	third, err := h.vq.PrepTransferFromRaw(make([]byte, 8), Multiple{4, 4}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.vq.DispatchAwait(third, done, false, BufferDirect))
	require.NoError(t, h.vq.DispatchAwait(second, done, false, BufferDirect))

	if n := h.dev.Process(); n != 2 {
		t.Fatalf("device retired %d chains, want 2", n)
	}
	h.vq.Poll()
	if len(done) != 2 {
		t.Fatalf("delivered %d completions, want 2", len(done))
	}
	<-done
	<-done
	if got := h.vq.Capacity(); got != 4 {
		t.Errorf("Capacity() after wrap = %d, want 4", got)
	}
}

// Scenario: a dispatched transfer is dropped before completion.
func TestPackedEarlyDrop(t *testing.T) {
	h := newPackedHarness(t, 4, 0)

	bt, err := h.vq.PrepBuffer(Single(16), nil)
	require.NoError(t, err)
	tr, err := h.vq.Dispatch(bt, false, BufferDirect)
	require.NoError(t, err)

	tr.Close()
	if tr.State() != TransferProcessing {
		t.Fatalf("State() after drop = %v, want Processing", tr.State())
	}
	if len(h.vq.dropped) != 1 {
		t.Fatalf("dropped list holds %d tokens, want 1", len(h.vq.dropped))
	}

	h.dev.Process()
	h.vq.Poll()

	if len(h.vq.dropped) != 0 {
		t.Error("dropped token not reclaimed after poll")
	}
	if got := h.vq.Capacity(); got != 4 {
		t.Errorf("Capacity() after reclaim = %d, want 4", got)
	}
	if got := h.vq.pool.FreeIDs(); got != 4 {
		t.Errorf("FreeIDs() after reclaim = %d, want 4", got)
	}
	if !bt.send.descs[0].released {
		t.Error("dropped token's descriptors were not released")
	}
}

func TestPackedIndirect(t *testing.T) {
	h := newPackedHarness(t, 4, FeatureIndirectDesc)
	done := make(chan *BufferToken, 1)

	bt, err := h.vq.PrepBuffer(Indirect{8, 8}, Indirect{16})
	require.NoError(t, err)
	require.NoError(t, h.vq.DispatchAwait(bt, done, false, BufferIndirect))

	// One ring slot for the whole chain.
	if got := h.vq.Capacity(); got != 3 {
		t.Errorf("Capacity() = %d, want 3", got)
	}

	ring := h.dev.ringBytes()
	head := virtioabi.PackedDescAt(ring[0:])
	if head.Flags&virtioabi.DescFIndirect == 0 {
		t.Fatal("head descriptor is not INDIRECT")
	}

	ind, ok := h.alloc.Slice(head.Addr, int(head.Len))
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		desc := virtioabi.PackedDescAt(ind[i*virtioabi.DescSize:])
		if desc.Flags&virtioabi.DescFNext != 0 {
			t.Errorf("packed indirect entry %d carries NEXT", i)
		}
		wantWrite := i == 2
		if (desc.Flags&virtioabi.DescFWrite != 0) != wantWrite {
			t.Errorf("entry %d WRITE = %v, want %v", i, !wantWrite, wantWrite)
		}
	}

	h.dev.Process()
	h.vq.Poll()
	got := <-done
	if got.RecvLen() != 16 {
		t.Errorf("RecvLen() = %d, want 16", got.RecvLen())
	}
}

func TestPackedEventSuppression(t *testing.T) {
	h := newPackedHarness(t, 8, 0)

	bt, err := h.vq.PrepBuffer(Single(8), nil)
	require.NoError(t, err)

	// Default: notify on every dispatch.
	_, err = h.vq.Dispatch(bt, false, BufferDirect)
	require.NoError(t, err)
	require.Len(t, h.trans.Notifications(), 1)
	h.dev.Process()
	h.vq.Poll()

	// Device disables notifications entirely.
	h.trans.ClearNotifications()
	h.dev.SetEventSuppr(virtioabi.EventSuppr{Flags: virtioabi.RingEventFlagsDisable})
	_, err = h.vq.Dispatch(bt, false, BufferDirect)
	require.NoError(t, err)
	if n := len(h.trans.Notifications()); n != 0 {
		t.Errorf("doorbell rung %d times while disabled", n)
	}
}

func TestPackedEventSuppressionSpecific(t *testing.T) {
	h := newPackedHarness(t, 8, FeatureEventIdx)

	bt, err := h.vq.PrepBuffer(Single(8), nil)
	require.NoError(t, err)

	// The device asks for a kick only when slot 1 (wrap 1) goes
	// available.
	h.dev.SetEventSuppr(virtioabi.EventSuppr{
		Desc:  virtioabi.PackedNextIdx(1, true),
		Flags: virtioabi.RingEventFlagsDesc,
	})

	_, err = h.vq.Dispatch(bt, false, BufferDirect) // head slot 0
	require.NoError(t, err)
	if n := len(h.trans.Notifications()); n != 0 {
		t.Fatalf("doorbell rung %d times for non-matching slot", n)
	}

	h.dev.Process()
	h.vq.Poll()
	_, err = h.vq.Dispatch(bt, false, BufferDirect) // head slot 1
	require.NoError(t, err)
	require.Len(t, h.trans.Notifications(), 1)
}

func TestPackedEnableNotifSpecificGated(t *testing.T) {
	h := newPackedHarness(t, 8, 0)

	err := h.vq.EnableNotifSpecific(3, true)
	if !IsCode(err, CodeFeatureNotNegotiated) {
		t.Fatalf("EnableNotifSpecific without EVENT_IDX = %v, want FeatureNotNegotiated", err)
	}

	h2 := newPackedHarness(t, 8, FeatureEventIdx)
	require.NoError(t, h2.vq.EnableNotifSpecific(3, true))
	e := h2.dev.DrvEvent()
	if e.Flags != virtioabi.RingEventFlagsDesc {
		t.Errorf("driver event flags = %d, want descriptor-specific", e.Flags)
	}
	if e.Desc != virtioabi.PackedNextIdx(3, true) {
		t.Errorf("driver event desc = %#x, want %#x", e.Desc, virtioabi.PackedNextIdx(3, true))
	}
}

func TestPackedDoorbellNotificationData(t *testing.T) {
	h := newPackedHarness(t, 8, FeatureNotificationData)

	bt, err := h.vq.PrepBuffer(Single(8), nil)
	require.NoError(t, err)
	_, err = h.vq.Dispatch(bt, false, BufferDirect)
	require.NoError(t, err)

	notifies := h.trans.Notifications()
	require.Len(t, notifies, 1)
	want := virtioabi.NotificationData(0, virtioabi.PackedNextIdx(1, true))
	if notifies[0] != want {
		t.Errorf("doorbell payload = %#x, want %#x", notifies[0], want)
	}
}

func TestPackedDispatchBatch(t *testing.T) {
	h := newPackedHarness(t, 8, 0)

	var bts []*BufferToken
	for i := 0; i < 3; i++ {
		bt, err := h.vq.PrepBuffer(Single(8), nil)
		require.NoError(t, err)
		bts = append(bts, bt)
	}

	transfers, err := h.vq.DispatchBatch(bts, false, BufferDirect)
	require.NoError(t, err)
	require.Len(t, transfers, 3)
	// One doorbell for the whole batch.
	require.Len(t, h.trans.Notifications(), 1)

	h.dev.Process()
	h.vq.Poll()
	for i, tr := range transfers {
		if tr.State() != TransferFinished {
			t.Errorf("transfer %d not finished", i)
		}
		if _, err := tr.Token(); err != nil {
			t.Errorf("transfer %d Token() = %v", i, err)
		}
	}
}

func TestPackedPollUnknownIDPanics(t *testing.T) {
	h := newPackedHarness(t, 4, 0)

	// Forge a used descriptor with an untracked buffer id.
	ring := h.dev.ringBytes()
	virtioabi.PutPackedDesc(ring[0:], virtioabi.PackedDesc{
		BuffID: 3,
		Flags:  virtioabi.DescFAvail | virtioabi.DescFUsed,
	})

	defer func() {
		if recover() == nil {
			t.Error("poll of an untracked buffer id did not panic")
		}
	}()
	h.vq.Poll()
}
