// Package virtq implements the guest side of the VirtIO virtqueue
// transport: the split (VirtIO v1.1 sec. 2.6) and packed (sec. 2.7)
// ring layouts, the descriptor memory pool backing them, and the small
// device handshake the rings rely on. Upper drivers prepare buffer
// tokens, dispatch them, and poll for completions; the device end of
// the rings is reached through a transport adapter the caller provides.
package virtq

import (
	"github.com/ewellbach/go-virtq/dma"
	"github.com/ewellbach/go-virtq/internal/virtioabi"
)

// Features holds the negotiated device feature bits the queue core
// consumes. Bit positions follow VirtIO specification v1.1 section 6.
type Features uint64

const (
	// FeatureIndirectDesc gates the use of indirect descriptor tables.
	FeatureIndirectDesc Features = 1 << 28

	// FeatureEventIdx gates event-index notification suppression.
	FeatureEventIdx Features = 1 << 29

	// FeatureVersion1 marks a VirtIO 1.x device.
	FeatureVersion1 Features = 1 << 32

	// FeatureRingPacked marks a device offering the packed layout.
	FeatureRingPacked Features = 1 << 34

	// FeatureNotificationData selects the extended notification
	// payload carrying the queue index and next ring offset.
	FeatureNotificationData Features = 1 << 38
)

// Has reports whether all bits of f are negotiated.
func (fs Features) Has(f Features) bool { return fs&f == f }

// BufferType selects how a token's chain reaches the ring at dispatch:
// one descriptor per chain element, or a single descriptor referencing
// an indirect table.
type BufferType int

const (
	BufferDirect BufferType = iota
	BufferIndirect
)

// BuffSpec describes the shape of one side of a buffer token.
// The implementations are Single, Multiple and Indirect.
type BuffSpec interface {
	// segments returns the chain's segment sizes in bytes.
	segments() []uint32
	// indirect reports whether the chain lives in an indirect table.
	indirect() bool
}

// Single is one contiguous buffer of the given size.
type Single uint32

// Multiple is a scattered chain of buffers with the given sizes.
type Multiple []uint32

// Indirect is a chain with the given sizes placed in an indirect
// descriptor table, consuming a single main-ring slot per dispatch.
type Indirect []uint32

func (s Single) segments() []uint32   { return []uint32{uint32(s)} }
func (s Single) indirect() bool       { return false }
func (m Multiple) segments() []uint32 { return m }
func (m Multiple) indirect() bool     { return false }
func (i Indirect) segments() []uint32 { return i }
func (i Indirect) indirect() bool     { return true }

// BufferTokenSender is the completion endpoint a dispatched token is
// delivered to. Delivery is non-blocking; upper drivers are required
// to keep the channel ready, a full or closed endpoint is fatal.
type BufferTokenSender chan<- *BufferToken

// Logger is the optional logging interface queues accept.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// ComCfg is the transport's common configuration area. SelectVq fails
// with a QueueNotExisting error when the device does not expose the
// requested index.
type ComCfg interface {
	SelectVq(index uint16) (VqCfgHandler, error)
}

// VqCfgHandler is the per-queue view of the configuration area. The
// core uses it to negotiate the size, publish the three ring physical
// addresses and enable the queue.
type VqCfgHandler interface {
	// SetVqSize requests a queue size and returns the size the device
	// accepted, which may be smaller.
	SetVqSize(size uint16) uint16

	// SetRingAddr publishes the descriptor area address.
	SetRingAddr(addr uint64)

	// SetDrvCtrlAddr publishes the driver area address (available ring
	// or driver event suppression).
	SetDrvCtrlAddr(addr uint64)

	// SetDevCtrlAddr publishes the device area address (used ring or
	// device event suppression).
	SetDevCtrlAddr(addr uint64)

	// EnableQueue marks the queue live.
	EnableQueue()
}

// NotifCfg locates the notification register for a queue.
type NotifCfg interface {
	NotificationLocation(h VqCfgHandler) Notifier
}

// Notifier performs the doorbell store that signals the device.
type Notifier interface {
	NotifyDev(payload uint32)
}

// NotifCtrl drives a queue's notification register, encoding either
// the bare queue index or the extended NOTIFICATION_DATA payload.
type NotifCtrl struct {
	notifier  Notifier
	notifData bool
}

// NewNotifCtrl wraps a transport notifier.
func NewNotifCtrl(n Notifier) *NotifCtrl {
	return &NotifCtrl{notifier: n}
}

// EnableNotifData switches to the extended notification payload.
func (c *NotifCtrl) EnableNotifData() {
	c.notifData = true
}

// NotifyDev signals the device for the given queue. nextIdx carries
// the next ring offset (split) or offset plus wrap bit (packed) and is
// only transmitted when NOTIFICATION_DATA was negotiated.
func (c *NotifCtrl) NotifyDev(vqIndex, nextIdx uint16) {
	if c.notifier == nil {
		return
	}
	if c.notifData {
		c.notifier.NotifyDev(virtioabi.NotificationData(vqIndex, nextIdx))
	} else {
		c.notifier.NotifyDev(uint32(vqIndex))
	}
}

// Config carries everything a queue constructor needs.
type Config struct {
	// ComCfg and NotifCfg reach the device's configuration area.
	ComCfg   ComCfg
	NotifCfg NotifCfg

	// Size is the requested queue size. Split queues require a power
	// of two; both layouts cap at 32768.
	Size uint16

	// Index identifies the queue to the device.
	Index uint16

	// Features are the negotiated device features.
	Features Features

	// Alloc provides the DMA-visible memory the rings and payload
	// buffers live in.
	Alloc *dma.Allocator

	// Logger receives queue lifecycle messages (may be nil).
	Logger Logger

	// Observer receives queue metrics callbacks (may be nil).
	Observer Observer
}

// Virtq is the queue interface exposed to upper drivers.
type Virtq interface {
	// EnableNotifs asks the device to send completion notifications.
	EnableNotifs()

	// DisableNotifs suppresses device completion notifications.
	DisableNotifs()

	// Poll drains completed transfers from the ring, returning
	// descriptors to the pool and delivering buffer tokens to their
	// completion endpoints.
	Poll()

	// PrepBuffer allocates a reusable buffer token with the given
	// send and recv shapes (either may be nil).
	PrepBuffer(send, recv BuffSpec) (*BufferToken, error)

	// PrepTransferFromRaw wraps caller-owned memory into a one-shot
	// buffer token without copying.
	PrepTransferFromRaw(send []byte, sendSpec BuffSpec, recv []byte, recvSpec BuffSpec) (*BufferToken, error)

	// Dispatch enqueues a token and returns an in-flight handle.
	Dispatch(bt *BufferToken, notif bool, kind BufferType) (*Transfer, error)

	// DispatchAwait enqueues a token; on completion the buffer token
	// is sent to the given endpoint.
	DispatchAwait(bt *BufferToken, sender BufferTokenSender, notif bool, kind BufferType) error

	// DispatchBatch enqueues several tokens, notifying at most once.
	DispatchBatch(bts []*BufferToken, notif bool, kind BufferType) ([]*Transfer, error)

	// DispatchBatchAwait enqueues several tokens sharing a completion
	// endpoint, notifying at most once.
	DispatchBatchAwait(bts []*BufferToken, sender BufferTokenSender, notif bool, kind BufferType) error

	// Size returns the queue size negotiated with the device.
	Size() uint16

	// Index returns the queue index.
	Index() uint16
}
