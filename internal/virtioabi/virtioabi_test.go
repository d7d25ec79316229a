package virtioabi

import (
	"bytes"
	"testing"
)

func TestSplitDescWireLayout(t *testing.T) {
	var b [16]byte
	PutSplitDesc(b[:], SplitDesc{
		Addr:  0x1122334455667788,
		Len:   0xaabbccdd,
		Flags: DescFNext | DescFWrite,
		Next:  0x0102,
	})

	want := []byte{
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // addr LE
		0xdd, 0xcc, 0xbb, 0xaa, // len LE
		0x03, 0x00, // flags LE
		0x02, 0x01, // next LE
	}
	if !bytes.Equal(b[:], want) {
		t.Errorf("wire bytes = %x, want %x", b, want)
	}

	got := SplitDescAt(b[:])
	if got.Addr != 0x1122334455667788 || got.Len != 0xaabbccdd || got.Next != 0x0102 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestPackedDescWireLayout(t *testing.T) {
	var b [16]byte
	PutPackedDesc(b[:], PackedDesc{
		Addr:   0x1000,
		Len:    64,
		BuffID: 7,
		Flags:  DescFAvail | DescFWrite,
	})

	want := []byte{
		0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // addr LE
		0x40, 0x00, 0x00, 0x00, // len LE
		0x07, 0x00, // id LE
		0x82, 0x00, // flags LE: WRITE | AVAIL
	}
	if !bytes.Equal(b[:], want) {
		t.Errorf("wire bytes = %x, want %x", b, want)
	}
}

func TestEventSupprRoundTrip(t *testing.T) {
	var b [4]byte
	PutEventSuppr(b[:], EventSuppr{Desc: PackedNextIdx(5, true), Flags: RingEventFlagsDesc})
	got := EventSupprAt(b[:])
	if got.Desc != 5|1<<15 || got.Flags != RingEventFlagsDesc {
		t.Errorf("round trip = %+v", got)
	}
}

func TestNeedEvent(t *testing.T) {
	tests := []struct {
		event, new, old uint16
		want            bool
	}{
		{0, 1, 0, true},     // index just passed the event
		{5, 5, 4, false},    // not yet there
		{5, 6, 4, true},     // crossed it
		{100, 1, 0, false},  // far ahead
		{0xffff, 0, 0xfffe, true}, // wraparound crossing
	}
	for _, tt := range tests {
		if got := NeedEvent(tt.event, tt.new, tt.old); got != tt.want {
			t.Errorf("NeedEvent(%d, %d, %d) = %v, want %v", tt.event, tt.new, tt.old, got, tt.want)
		}
	}
}

func TestNotificationData(t *testing.T) {
	if got := NotificationData(3, 0x8001); got != 0x80010003 {
		t.Errorf("NotificationData = %#x, want 0x80010003", got)
	}
	if got := PackedNextIdx(0x7fff, false); got != 0x7fff {
		t.Errorf("PackedNextIdx = %#x, want 0x7fff", got)
	}
	if got := PackedNextIdx(1, true); got != 0x8001 {
		t.Errorf("PackedNextIdx = %#x, want 0x8001", got)
	}
}

func TestRingAreaSizes(t *testing.T) {
	if got := SplitDescTableSize(8); got != 128 {
		t.Errorf("SplitDescTableSize(8) = %d, want 128", got)
	}
	if got := SplitAvailSize(8); got != 22 {
		t.Errorf("SplitAvailSize(8) = %d, want 22", got)
	}
	if got := SplitUsedSize(8); got != 70 {
		t.Errorf("SplitUsedSize(8) = %d, want 70", got)
	}
	if got := AvailUsedEventOff(8); got != 20 {
		t.Errorf("AvailUsedEventOff(8) = %d, want 20", got)
	}
	if got := UsedAvailEventOff(8); got != 68 {
		t.Errorf("UsedAvailEventOff(8) = %d, want 68", got)
	}
}
