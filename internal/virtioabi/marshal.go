package virtioabi

import "encoding/binary"

// PutSplitDesc manually marshals a split descriptor into a 16-byte slot.
func PutSplitDesc(b []byte, d SplitDesc) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

// SplitDescAt reads the split descriptor stored in a 16-byte slot.
func SplitDescAt(b []byte) SplitDesc {
	return SplitDesc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// PutPackedDesc manually marshals a packed descriptor into a 16-byte slot.
func PutPackedDesc(b []byte, d PackedDesc) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.BuffID)
	binary.LittleEndian.PutUint16(b[14:16], d.Flags)
}

// PackedDescAt reads the packed descriptor stored in a 16-byte slot.
func PackedDescAt(b []byte) PackedDesc {
	return PackedDesc{
		Addr:   binary.LittleEndian.Uint64(b[0:8]),
		Len:    binary.LittleEndian.Uint32(b[8:12]),
		BuffID: binary.LittleEndian.Uint16(b[12:14]),
		Flags:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// PutEventSuppr marshals an event-suppression area.
func PutEventSuppr(b []byte, e EventSuppr) {
	binary.LittleEndian.PutUint16(b[0:2], e.Desc)
	binary.LittleEndian.PutUint16(b[2:4], e.Flags)
}

// EventSupprAt reads an event-suppression area.
func EventSupprAt(b []byte) EventSuppr {
	return EventSuppr{
		Desc:  binary.LittleEndian.Uint16(b[0:2]),
		Flags: binary.LittleEndian.Uint16(b[2:4]),
	}
}

// NeedEvent implements the event-index window test from VirtIO v1.1
// section 2.6.7.2: an event is due when newIdx has passed eventIdx
// since oldIdx, all modulo 2^16.
func NeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return newIdx-eventIdx-1 < newIdx-oldIdx
}

// NotificationData encodes the extended notification payload used when
// the NOTIFICATION_DATA feature was negotiated: the queue index in the
// low half, the next ring offset (with the wrap counter in bit 15 for
// packed queues) in the high half.
func NotificationData(vqIndex, nextIdx uint16) uint32 {
	return uint32(vqIndex) | uint32(nextIdx)<<16
}

// PackedNextIdx folds a ring offset and wrap counter into the next_idx
// half of a notification payload.
func PackedNextIdx(offset uint16, wrap bool) uint16 {
	idx := offset & 0x7fff
	if wrap {
		idx |= 1 << EventSupprWrapBit
	}
	return idx
}
