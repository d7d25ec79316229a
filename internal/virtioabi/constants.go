// Package virtioabi defines the wire-exact virtqueue structures shared
// with the device. All multi-byte fields are little-endian; layouts and
// alignments follow VirtIO specification v1.1 sections 2.6 (split) and
// 2.7 (packed).
package virtioabi

// Descriptor flag bits, shared by both ring layouts.
const (
	// DescFNext marks a descriptor that continues via the next field
	// (split) or the following ring slot (packed).
	DescFNext uint16 = 1

	// DescFWrite marks a device-writable descriptor.
	DescFWrite uint16 = 2

	// DescFIndirect marks a descriptor whose buffer holds an indirect
	// descriptor table.
	DescFIndirect uint16 = 4

	// DescFAvail and DescFUsed encode the packed-ring ownership phase
	// against the wrap counters.
	DescFAvail uint16 = 1 << 7
	DescFUsed  uint16 = 1 << 15
)

// Split available-ring and used-ring flag bits.
const (
	// AvailFNoInterrupt tells the device the driver does not want a
	// completion interrupt.
	AvailFNoInterrupt uint16 = 1

	// UsedFNoNotify tells the driver the device does not need a
	// notification after new available buffers.
	UsedFNoNotify uint16 = 1
)

// Packed event-suppression flag values (2-bit field).
const (
	// RingEventFlagsEnable requests an event after every descriptor.
	RingEventFlagsEnable uint16 = 0

	// RingEventFlagsDisable suppresses events entirely.
	RingEventFlagsDisable uint16 = 1

	// RingEventFlagsDesc requests an event for a specific descriptor
	// offset and wrap phase, encoded in the desc field.
	RingEventFlagsDesc uint16 = 2
)

// EventSupprWrapBit is the position of the wrap-counter bit inside the
// packed event-suppression desc field; the low 15 bits carry the
// descriptor ring offset.
const EventSupprWrapBit = 15

// Ring area alignment requirements in bytes.
const (
	SplitDescAlign  = 16
	SplitAvailAlign = 2
	SplitUsedAlign  = 4
	PackedRingAlign = 16
	EventSupprAlign = 4
)

// DescSize is the size of one descriptor in either layout.
const DescSize = 16

// EventSupprSize is the size of a packed event-suppression area.
const EventSupprSize = 4

// QueueSizeMax is the largest queue size either layout permits.
const QueueSizeMax = 32768
