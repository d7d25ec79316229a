package virtq

import (
	"encoding/binary"
	"sync"

	"github.com/ewellbach/go-virtq/dma"
	"github.com/ewellbach/go-virtq/internal/virtioabi"
)

// MockTransport is an in-process transport adapter for testing and
// simulation. It records the whole configuration handshake and every
// doorbell store, and resolves published ring addresses back to
// memory through the DMA allocator so device models can walk them.
type MockTransport struct {
	mu        sync.Mutex
	alloc     *dma.Allocator
	maxQueues uint16
	queues    map[uint16]*MockQueueState
	notifies  []uint32
}

// MockQueueState is the recorded per-queue configuration.
type MockQueueState struct {
	Index    uint16
	Size     uint16
	RingAddr uint64
	DrvAddr  uint64
	DevAddr  uint64
	Enabled  bool

	// MaxSize caps the size the mock device accepts (0 = no cap).
	MaxSize uint16
}

// NewMockTransport creates a transport exposing maxQueues queues.
func NewMockTransport(alloc *dma.Allocator, maxQueues uint16) *MockTransport {
	return &MockTransport{
		alloc:     alloc,
		maxQueues: maxQueues,
		queues:    make(map[uint16]*MockQueueState),
	}
}

// SelectVq implements ComCfg.
func (t *MockTransport) SelectVq(index uint16) (VqCfgHandler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= t.maxQueues {
		return nil, NewQueueError("SELECT_VQ", int(index), CodeQueueNotExisting, "queue index out of range")
	}
	state, ok := t.queues[index]
	if !ok {
		state = &MockQueueState{Index: index}
		t.queues[index] = state
	}
	return &mockVqHandler{state: state}, nil
}

// NotificationLocation implements NotifCfg.
func (t *MockTransport) NotificationLocation(VqCfgHandler) Notifier {
	return t
}

// NotifyDev implements Notifier, recording the doorbell payload.
func (t *MockTransport) NotifyDev(payload uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifies = append(t.notifies, payload)
}

// Notifications returns the recorded doorbell payloads.
func (t *MockTransport) Notifications() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, len(t.notifies))
	copy(out, t.notifies)
	return out
}

// ClearNotifications drops the recorded doorbell payloads.
func (t *MockTransport) ClearNotifications() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifies = nil
}

// Queue returns the recorded state for a queue index.
func (t *MockTransport) Queue(index uint16) *MockQueueState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queues[index]
}

type mockVqHandler struct {
	state *MockQueueState
}

func (h *mockVqHandler) SetVqSize(size uint16) uint16 {
	if h.state.MaxSize != 0 && size > h.state.MaxSize {
		size = h.state.MaxSize
	}
	h.state.Size = size
	return size
}

func (h *mockVqHandler) SetRingAddr(addr uint64)    { h.state.RingAddr = addr }
func (h *mockVqHandler) SetDrvCtrlAddr(addr uint64) { h.state.DrvAddr = addr }
func (h *mockVqHandler) SetDevCtrlAddr(addr uint64) { h.state.DevAddr = addr }
func (h *mockVqHandler) EnableQueue()               { h.state.Enabled = true }

var (
	_ ComCfg   = (*MockTransport)(nil)
	_ NotifCfg = (*MockTransport)(nil)
	_ Notifier = (*MockTransport)(nil)
)

// simChain is one consumed descriptor chain as seen by a device model.
type simChain struct {
	// Head is the head ring slot the chain was published at.
	Head uint16

	// BuffID is the packed-ring buffer id (unused for split).
	BuffID uint16

	// Slots is the number of main-ring slots the chain occupies.
	Slots int

	// wrapAtHead is the device wrap phase the head was consumed under
	// (packed only).
	wrapAtHead bool

	writable [][]byte
	readable [][]byte
}

// ReadAll concatenates the chain's device-readable payloads.
func (c *simChain) ReadAll() []byte {
	var out []byte
	for _, b := range c.readable {
		out = append(out, b...)
	}
	return out
}

// WritableLen is the total device-writable capacity in bytes.
func (c *simChain) WritableLen() int {
	n := 0
	for _, b := range c.writable {
		n += len(b)
	}
	return n
}

// write fills count bytes of the writable payloads with fill and
// returns the number of bytes written.
func (c *simChain) write(fill byte, count int) int {
	written := 0
	for _, b := range c.writable {
		for i := range b {
			if written == count {
				return written
			}
			b[i] = fill
			written++
		}
	}
	return written
}

// SimSplitDevice is a cooperative device model for a split queue. It
// is stepped explicitly from the test goroutine; there is no device
// thread.
type SimSplitDevice struct {
	t     *MockTransport
	alloc *dma.Allocator
	index uint16

	lastAvail uint16

	// RecvFill is the byte written into device-writable payloads.
	RecvFill byte
}

// NewSimSplitDevice creates a device model for the given queue index.
func NewSimSplitDevice(t *MockTransport, index uint16) *SimSplitDevice {
	return &SimSplitDevice{t: t, alloc: t.alloc, index: index, RecvFill: 0xab}
}

func (d *SimSplitDevice) state() *MockQueueState { return d.t.Queue(d.index) }

func (d *SimSplitDevice) ring(addr uint64, size int) []byte {
	b, ok := d.alloc.Slice(addr, size)
	if !ok {
		panic("virtq: sim device cannot resolve ring address")
	}
	return b
}

func (d *SimSplitDevice) descTable() []byte {
	s := d.state()
	return d.ring(s.RingAddr, virtioabi.SplitDescTableSize(s.Size))
}

func (d *SimSplitDevice) availRing() []byte {
	s := d.state()
	return d.ring(s.DrvAddr, virtioabi.SplitAvailSize(s.Size))
}

func (d *SimSplitDevice) usedRing() []byte {
	s := d.state()
	return d.ring(s.DevAddr, virtioabi.SplitUsedSize(s.Size))
}

// AvailIdx returns the driver's published available index.
func (d *SimSplitDevice) AvailIdx() uint16 {
	return binary.LittleEndian.Uint16(d.availRing()[virtioabi.AvailIdxOff:])
}

// AvailFlags returns the driver's available-ring flags.
func (d *SimSplitDevice) AvailFlags() uint16 {
	return binary.LittleEndian.Uint16(d.availRing()[virtioabi.AvailFlagsOff:])
}

// UsedEvent returns the driver's used_event field.
func (d *SimSplitDevice) UsedEvent() uint16 {
	off := virtioabi.AvailUsedEventOff(d.state().Size)
	return binary.LittleEndian.Uint16(d.availRing()[off:])
}

// SetNoNotify publishes the device's NO_NOTIFY hint.
func (d *SimSplitDevice) SetNoNotify(on bool) {
	b := d.usedRing()
	flags := binary.LittleEndian.Uint16(b[virtioabi.UsedFlagsOff:])
	if on {
		flags |= virtioabi.UsedFNoNotify
	} else {
		flags &^= virtioabi.UsedFNoNotify
	}
	binary.LittleEndian.PutUint16(b[virtioabi.UsedFlagsOff:], flags)
}

// SetAvailEvent publishes the device's avail_event field.
func (d *SimSplitDevice) SetAvailEvent(v uint16) {
	off := virtioabi.UsedAvailEventOff(d.state().Size)
	binary.LittleEndian.PutUint16(d.usedRing()[off:], v)
}

// Fetch consumes newly available head indices in publication order.
func (d *SimSplitDevice) Fetch() []uint16 {
	s := d.state()
	avail := d.availRing()
	idx := binary.LittleEndian.Uint16(avail[virtioabi.AvailIdxOff:])

	var heads []uint16
	for d.lastAvail != idx {
		pos := d.lastAvail % s.Size
		off := virtioabi.AvailRingOff + 2*int(pos)
		heads = append(heads, binary.LittleEndian.Uint16(avail[off:]))
		d.lastAvail++
	}
	return heads
}

// Chain walks the descriptor chain at head, resolving indirect tables.
func (d *SimSplitDevice) Chain(head uint16) *simChain {
	table := d.descTable()
	chain := &simChain{Head: head}

	slot := head
	for {
		desc := virtioabi.SplitDescAt(table[int(slot)*virtioabi.DescSize:])
		chain.Slots++

		if desc.Flags&virtioabi.DescFIndirect != 0 {
			ind, ok := d.alloc.Slice(desc.Addr, int(desc.Len))
			if ok {
				d.walkIndirect(ind, chain)
			}
		} else {
			d.addPayload(chain, desc.Addr, desc.Len, desc.Flags&virtioabi.DescFWrite != 0)
		}

		if desc.Flags&virtioabi.DescFNext == 0 {
			break
		}
		slot = desc.Next
	}
	return chain
}

func (d *SimSplitDevice) walkIndirect(table []byte, chain *simChain) {
	n := len(table) / virtioabi.DescSize
	slot := 0
	for i := 0; i < n; i++ {
		desc := virtioabi.SplitDescAt(table[slot*virtioabi.DescSize:])
		d.addPayload(chain, desc.Addr, desc.Len, desc.Flags&virtioabi.DescFWrite != 0)
		if desc.Flags&virtioabi.DescFNext == 0 {
			break
		}
		slot = int(desc.Next)
	}
}

func (d *SimSplitDevice) addPayload(chain *simChain, addr uint64, length uint32, write bool) {
	buf, ok := d.alloc.Slice(addr, int(length))
	if !ok {
		// Caller-owned memory outside the arena stays untouched.
		return
	}
	if write {
		chain.writable = append(chain.writable, buf)
	} else {
		chain.readable = append(chain.readable, buf)
	}
}

// Complete retires the chain at head, filling every writable byte.
func (d *SimSplitDevice) Complete(head uint16) {
	chain := d.Chain(head)
	d.CompleteN(head, chain.WritableLen())
}

// CompleteN retires the chain at head, writing exactly n payload bytes.
func (d *SimSplitDevice) CompleteN(head uint16, n int) {
	s := d.state()
	chain := d.Chain(head)
	written := chain.write(d.RecvFill, n)

	used := d.usedRing()
	idx := binary.LittleEndian.Uint16(used[virtioabi.UsedIdxOff:])
	off := virtioabi.UsedRingOff + virtioabi.UsedElemSize*int(idx%s.Size)
	binary.LittleEndian.PutUint32(used[off:], uint32(head))
	binary.LittleEndian.PutUint32(used[off+4:], uint32(written))
	binary.LittleEndian.PutUint16(used[virtioabi.UsedIdxOff:], idx+1)
}

// Process consumes and completes everything available, returning the
// number of chains retired.
func (d *SimSplitDevice) Process() int {
	heads := d.Fetch()
	for _, head := range heads {
		d.Complete(head)
	}
	return len(heads)
}

// SimPackedDevice is a cooperative device model for a packed queue.
type SimPackedDevice struct {
	t     *MockTransport
	alloc *dma.Allocator
	index uint16

	nextOff uint16
	wrap    bool

	// RecvFill is the byte written into device-writable payloads.
	RecvFill byte
}

// NewSimPackedDevice creates a device model for the given queue index.
func NewSimPackedDevice(t *MockTransport, index uint16) *SimPackedDevice {
	return &SimPackedDevice{t: t, alloc: t.alloc, index: index, wrap: true, RecvFill: 0xab}
}

func (d *SimPackedDevice) state() *MockQueueState { return d.t.Queue(d.index) }

func (d *SimPackedDevice) ringBytes() []byte {
	s := d.state()
	b, ok := d.alloc.Slice(s.RingAddr, virtioabi.PackedRingSize(s.Size))
	if !ok {
		panic("virtq: sim device cannot resolve ring address")
	}
	return b
}

// DrvEvent returns the driver's event-suppression area.
func (d *SimPackedDevice) DrvEvent() virtioabi.EventSuppr {
	s := d.state()
	b, ok := d.alloc.Slice(s.DrvAddr, virtioabi.EventSupprSize)
	if !ok {
		panic("virtq: sim device cannot resolve driver event area")
	}
	return virtioabi.EventSupprAt(b)
}

// SetEventSuppr publishes the device's event-suppression area.
func (d *SimPackedDevice) SetEventSuppr(e virtioabi.EventSuppr) {
	s := d.state()
	b, ok := d.alloc.Slice(s.DevAddr, virtioabi.EventSupprSize)
	if !ok {
		panic("virtq: sim device cannot resolve device event area")
	}
	virtioabi.PutEventSuppr(b, e)
}

// Fetch consumes the next available chain, or nil when the ring is
// quiet. Chains are consumed in ring order under the device-side wrap
// counter.
func (d *SimPackedDevice) Fetch() *simChain {
	s := d.state()
	ring := d.ringBytes()

	head := virtioabi.PackedDescAt(ring[int(d.nextOff)*virtioabi.DescSize:])
	avail := head.Flags&virtioabi.DescFAvail != 0
	used := head.Flags&virtioabi.DescFUsed != 0
	if avail != d.wrap || used == d.wrap {
		return nil
	}

	chain := &simChain{Head: d.nextOff, BuffID: head.BuffID, wrapAtHead: d.wrap}
	off := d.nextOff
	for {
		desc := virtioabi.PackedDescAt(ring[int(off)*virtioabi.DescSize:])
		chain.Slots++

		if desc.Flags&virtioabi.DescFIndirect != 0 {
			ind, ok := d.alloc.Slice(desc.Addr, int(desc.Len))
			if ok {
				d.walkIndirect(ind, chain)
			}
		} else {
			d.addPayload(chain, desc.Addr, desc.Len, desc.Flags&virtioabi.DescFWrite != 0)
		}

		done := desc.Flags&virtioabi.DescFNext == 0
		if off+1 == s.Size {
			d.wrap = !d.wrap
		}
		off = (off + 1) % s.Size
		if done {
			break
		}
	}
	d.nextOff = off
	return chain
}

func (d *SimPackedDevice) walkIndirect(table []byte, chain *simChain) {
	n := len(table) / virtioabi.DescSize
	for i := 0; i < n; i++ {
		desc := virtioabi.PackedDescAt(table[i*virtioabi.DescSize:])
		d.addPayload(chain, desc.Addr, desc.Len, desc.Flags&virtioabi.DescFWrite != 0)
	}
}

func (d *SimPackedDevice) addPayload(chain *simChain, addr uint64, length uint32, write bool) {
	buf, ok := d.alloc.Slice(addr, int(length))
	if !ok {
		return
	}
	if write {
		chain.writable = append(chain.writable, buf)
	} else {
		chain.readable = append(chain.readable, buf)
	}
}

// Complete retires a fetched chain, filling every writable byte.
func (d *SimPackedDevice) Complete(chain *simChain) {
	d.CompleteN(chain, chain.WritableLen())
}

// CompleteN retires a fetched chain writing exactly n payload bytes.
// The used descriptor lands on the chain's head slot with both phase
// bits matching the wrap counter the chain was consumed under.
func (d *SimPackedDevice) CompleteN(chain *simChain, n int) {
	written := chain.write(d.RecvFill, n)

	var phase uint16
	if chain.wrapAtHead {
		phase = virtioabi.DescFAvail | virtioabi.DescFUsed
	}

	ring := d.ringBytes()
	virtioabi.PutPackedDesc(ring[int(chain.Head)*virtioabi.DescSize:], virtioabi.PackedDesc{
		Len:    uint32(written),
		BuffID: chain.BuffID,
		Flags:  phase,
	})
}

// Process consumes and completes everything available, returning the
// number of chains retired.
func (d *SimPackedDevice) Process() int {
	count := 0
	for {
		chain := d.Fetch()
		if chain == nil {
			return count
		}
		d.Complete(chain)
		count++
	}
}
