package virtioabi

import "unsafe"

// SplitDesc must match the split-ring descriptor exactly (16 bytes):
//
//	struct virtq_desc {
//	  __le64 addr;   // guest-physical buffer address
//	  __le32 len;    // buffer length in bytes
//	  __le16 flags;  // DescF*
//	  __le16 next;   // chained descriptor index, valid with DescFNext
//	};
type SplitDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Compile-time size check - descriptors are 16 bytes on the wire.
var _ [DescSize]byte = [unsafe.Sizeof(SplitDesc{})]byte{}

// PackedDesc must match the packed-ring descriptor exactly (16 bytes):
//
//	struct pvirtq_desc {
//	  __le64 addr;
//	  __le32 len;
//	  __le16 id;     // buffer id, meaningful on the head only
//	  __le16 flags;  // DescF* plus DescFAvail/DescFUsed
//	};
type PackedDesc struct {
	Addr   uint64
	Len    uint32
	BuffID uint16
	Flags  uint16
}

var _ [DescSize]byte = [unsafe.Sizeof(PackedDesc{})]byte{}

// EventSuppr is the packed-ring event suppression area (4 bytes):
//
//	struct pvirtq_event_suppress {
//	  __le16 desc;   // offset | wrap << 15, valid with RingEventFlagsDesc
//	  __le16 flags;  // RingEventFlags*
//	};
type EventSuppr struct {
	Desc  uint16
	Flags uint16
}

var _ [EventSupprSize]byte = [unsafe.Sizeof(EventSuppr{})]byte{}

// Split ring area sizes for a queue of the given size.
//
// Available ring: flags, idx, ring[size], used_event.
// Used ring: flags, idx, ring[size]{id:u32, len:u32}, avail_event.
func SplitDescTableSize(size uint16) int { return int(size) * DescSize }
func SplitAvailSize(size uint16) int     { return 6 + 2*int(size) }
func SplitUsedSize(size uint16) int      { return 6 + 8*int(size) }

// PackedRingSize is the packed descriptor ring size for a queue size.
func PackedRingSize(size uint16) int { return int(size) * DescSize }

// Offsets into the split available ring.
const (
	AvailFlagsOff = 0
	AvailIdxOff   = 2
	AvailRingOff  = 4
)

// AvailUsedEventOff locates used_event behind the ring entries.
func AvailUsedEventOff(size uint16) int { return 4 + 2*int(size) }

// Offsets into the split used ring.
const (
	UsedFlagsOff = 0
	UsedIdxOff   = 2
	UsedRingOff  = 4
)

// UsedElemSize is the size of one used-ring element {id:u32, len:u32}.
const UsedElemSize = 8

// UsedAvailEventOff locates avail_event behind the ring entries.
func UsedAvailEventOff(size uint16) int { return 4 + 8*int(size) }
