package virtq

import (
	"sync"

	"github.com/ewellbach/go-virtq/dma"
	"github.com/ewellbach/go-virtq/internal/barrier"
	"github.com/ewellbach/go-virtq/internal/virtioabi"
)

// wrapFlags encodes the avail/used bits for a driver-written
// descriptor under the given wrap counter: AVAIL matches the counter,
// USED does not (VirtIO v1.1 sec. 2.7.1).
func wrapFlags(wrap bool) uint16 {
	if wrap {
		return virtioabi.DescFAvail
	}
	return virtioabi.DescFUsed
}

// packedEntry is one wire descriptor of a packed chain before flags.
type packedEntry struct {
	addr     uint64
	len      uint32
	write    bool
	indirect bool
}

// packedRing is the unified descriptor ring plus the driver-side state
// walking it. Availability is phase-encoded against the wrap counters
// instead of a separate ring.
type packedRing struct {
	size uint16

	ringMem  *dma.Region
	drvEvent *dma.Region
	devEvent *dma.Region

	// tokens pins in-flight transfer tokens by the buff_id written
	// into the head descriptor. IDs run from 1, so the table holds
	// size+1 slots and slot 0 stays empty.
	tokens []*TransferToken

	pool *MemPool

	// writeIndex is the next slot to fill; pollIndex the next slot the
	// device is expected to retire. Each counter owns a wrap bit that
	// flips when it passes the end of the ring; both start at 1.
	writeIndex uint16
	pollIndex  uint16
	availWrap  bool
	usedWrap   bool

	// capacity is the number of free ring slots.
	capacity uint16

	eventIdx bool
}

func newPackedRing(alloc *dma.Allocator, pool *MemPool, size uint16, eventIdx bool) (*packedRing, error) {
	ringMem, err := alloc.Reserve(virtioabi.PackedRingSize(size), virtioabi.PackedRingAlign)
	if err != nil {
		return nil, WrapError("NEW_QUEUE", CodeAllocation, err)
	}
	drvEvent, err := alloc.Reserve(virtioabi.EventSupprSize, virtioabi.EventSupprAlign)
	if err != nil {
		alloc.Release(ringMem)
		return nil, WrapError("NEW_QUEUE", CodeAllocation, err)
	}
	devEvent, err := alloc.Reserve(virtioabi.EventSupprSize, virtioabi.EventSupprAlign)
	if err != nil {
		alloc.Release(ringMem)
		alloc.Release(drvEvent)
		return nil, WrapError("NEW_QUEUE", CodeAllocation, err)
	}

	zero(ringMem.Bytes())
	zero(drvEvent.Bytes())
	zero(devEvent.Bytes())

	return &packedRing{
		size:      size,
		ringMem:   ringMem,
		drvEvent:  drvEvent,
		devEvent:  devEvent,
		tokens:    make([]*TransferToken, int(size)+1),
		pool:      pool,
		availWrap: true,
		usedWrap:  true,
		capacity:  size,
		eventIdx:  eventIdx,
	}, nil
}

func (r *packedRing) descSlot(slot uint16) []byte {
	off := int(slot) * virtioabi.DescSize
	return r.ringMem.Bytes()[off : off+virtioabi.DescSize]
}

// advance moves the write index one slot, flipping the avail-side wrap
// counter when the ring wraps.
func (r *packedRing) advance() {
	if r.writeIndex+1 == r.size {
		r.availWrap = !r.availWrap
	}
	r.writeIndex = (r.writeIndex + 1) % r.size
	r.capacity--
}

func (bt *BufferToken) packedEntries() []packedEntry {
	if bt.ctrl != nil {
		return []packedEntry{{
			addr:     bt.ctrl.PhysAddr(),
			len:      uint32(bt.ctrl.Len()),
			indirect: true,
		}}
	}
	chain := bt.chain()
	entries := make([]packedEntry, 0, len(chain))
	for _, e := range chain {
		entries = append(entries, packedEntry{
			addr:  e.desc.PhysAddr(),
			len:   uint32(e.desc.Len()),
			write: e.write,
		})
	}
	return entries
}

func (bt *BufferToken) headID() MemDescrID {
	if bt.ctrl != nil {
		return bt.ctrl.ID()
	}
	if bt.send != nil && len(bt.send.descs) > 0 {
		return bt.send.descs[0].ID()
	}
	if bt.recv != nil && len(bt.recv.descs) > 0 {
		return bt.recv.descs[0].ID()
	}
	return 0
}

// push reserves contiguous logical slots and writes the chain in
// forward order, deferring the head's avail/used flags until every
// tail descriptor is visible.
func (r *packedRing) push(tkn *TransferToken) (nextOff uint16, nextWrap bool, err error) {
	bt := tkn.buffTkn
	entries := bt.packedEntries()
	k := uint16(len(entries))
	if k == 0 {
		return 0, false, NewError("DISPATCH", CodeBufferNotSpecified, "empty transfer")
	}
	if r.capacity < k {
		return 0, false, NewError("DISPATCH", CodeNoDescrAvail, "packed ring capacity exhausted")
	}

	headID := uint16(bt.headID())
	if r.tokens[headID] != nil {
		return 0, false, NewError("DISPATCH", CodeNoDescrAvail, "buffer id in flight")
	}
	r.claimChainIDs(bt)

	wrapAtStart := r.availWrap
	headSlot := r.writeIndex
	var headFlags uint16

	for i, e := range entries {
		var flags uint16
		if e.write {
			flags |= virtioabi.DescFWrite
		}
		if e.indirect {
			flags |= virtioabi.DescFIndirect
		}
		if i < len(entries)-1 {
			flags |= virtioabi.DescFNext
		}

		slot := r.writeIndex
		if i == 0 {
			// Head flags are completed after the fence below.
			virtioabi.PutPackedDesc(r.descSlot(slot), virtioabi.PackedDesc{
				Addr:   e.addr,
				Len:    e.len,
				BuffID: headID,
				Flags:  flags,
			})
			headFlags = flags
		} else {
			virtioabi.PutPackedDesc(r.descSlot(slot), virtioabi.PackedDesc{
				Addr:   e.addr,
				Len:    e.len,
				BuffID: headID,
				Flags:  flags | wrapFlags(r.availWrap),
			})
		}
		r.advance()
	}

	r.tokens[headID] = tkn
	tkn.state = TransferProcessing
	tkn.slots = int(k)

	// The device scans for the head's avail bit; everything else must
	// be globally visible first.
	barrier.Full()
	headBytes := r.descSlot(headSlot)
	virtioabi.PutPackedDesc(headBytes, virtioabi.PackedDesc{
		Addr:   entries[0].addr,
		Len:    entries[0].len,
		BuffID: headID,
		Flags:  headFlags | wrapFlags(wrapAtStart),
	})

	return r.writeIndex, r.availWrap, nil
}

// poll retires used chains starting at pollIndex. A descriptor counts
// as used when both its avail and used bits match the used-phase wrap
// counter.
func (r *packedRing) poll(onComplete func(*TransferToken, uint32)) {
	for {
		barrier.Full()
		desc := virtioabi.PackedDescAt(r.descSlot(r.pollIndex))
		avail := desc.Flags&virtioabi.DescFAvail != 0
		used := desc.Flags&virtioabi.DescFUsed != 0
		if avail != r.usedWrap || used != r.usedWrap {
			return
		}

		if int(desc.BuffID) >= len(r.tokens) {
			panic("virtq: used descriptor buffer id out of range")
		}
		tkn := r.tokens[desc.BuffID]
		if tkn == nil {
			panic("virtq: used descriptor buffer id has no tracked token")
		}
		r.tokens[desc.BuffID] = nil

		// The device rewrites the head descriptor, so the chain's slot
		// count comes from the token recorded at push.
		for i := 0; i < tkn.slots; i++ {
			if r.pollIndex+1 == r.size {
				r.usedWrap = !r.usedWrap
			}
			r.pollIndex = (r.pollIndex + 1) % r.size
		}
		r.capacity += uint16(tkn.slots)
		r.retChainIDs(tkn.buffTkn)

		onComplete(tkn, desc.Len)
	}
}

// claimChainIDs pulls a re-dispatched token's IDs back out of the free
// set so fresh pulls cannot collide with them while in flight.
func (r *packedRing) claimChainIDs(bt *BufferToken) {
	if bt.ctrl != nil {
		r.pool.claim(bt.ctrl.ID())
		return
	}
	if bt.send != nil {
		for _, d := range bt.send.descs {
			r.pool.claim(d.ID())
		}
	}
	if bt.recv != nil {
		for _, d := range bt.recv.descs {
			r.pool.claim(d.ID())
		}
	}
}

// retChainIDs restores the retired chain's descriptor IDs. The later
// MemDescr release is a no-op for IDs already returned here.
func (r *packedRing) retChainIDs(bt *BufferToken) {
	if bt.ctrl != nil {
		r.pool.RetID(bt.ctrl.ID())
		return
	}
	if bt.send != nil {
		for _, d := range bt.send.descs {
			r.pool.RetID(d.ID())
		}
	}
	if bt.recv != nil {
		for _, d := range bt.recv.descs {
			r.pool.RetID(d.ID())
		}
	}
}

func (r *packedRing) drvEnableNotif() {
	virtioabi.PutEventSuppr(r.drvEvent.Bytes(), virtioabi.EventSuppr{
		Flags: virtioabi.RingEventFlagsEnable,
	})
}

func (r *packedRing) drvDisableNotif() {
	virtioabi.PutEventSuppr(r.drvEvent.Bytes(), virtioabi.EventSuppr{
		Flags: virtioabi.RingEventFlagsDisable,
	})
}

// drvEnableSpecific requests a notification for one descriptor offset
// under the given wrap phase.
func (r *packedRing) drvEnableSpecific(offset uint16, wrap bool) {
	virtioabi.PutEventSuppr(r.drvEvent.Bytes(), virtioabi.EventSuppr{
		Desc:  virtioabi.PackedNextIdx(offset, wrap),
		Flags: virtioabi.RingEventFlagsDesc,
	})
}

// devWantsNotif reads the device event-suppression area to decide
// whether to ring the doorbell for the chain published at headSlot.
func (r *packedRing) devWantsNotif(headSlot uint16, wrap bool) bool {
	barrier.Full()
	e := virtioabi.EventSupprAt(r.devEvent.Bytes())
	switch e.Flags {
	case virtioabi.RingEventFlagsDisable:
		return false
	case virtioabi.RingEventFlagsDesc:
		if !r.eventIdx {
			return true
		}
		return e.Desc == virtioabi.PackedNextIdx(headSlot, wrap)
	default:
		return true
	}
}

func (r *packedRing) release(alloc *dma.Allocator) {
	alloc.Release(r.ringMem)
	alloc.Release(r.drvEvent)
	alloc.Release(r.devEvent)
}

// PackedVq is the VirtIO 1.1 unified ring layout with wrap counters
// (VirtIO v1.1 sec. 2.7).
type PackedVq struct {
	mu   sync.Mutex
	ring *packedRing
	pool *MemPool

	size  uint16
	index uint16
	feats Features

	notifCtrl *NotifCtrl
	alloc     *dma.Allocator
	logger    Logger
	observer  Observer

	dropped []*TransferToken
}

// NewPackedVq negotiates a packed virtqueue with the device.
func NewPackedVq(cfg Config) (*PackedVq, error) {
	size := cfg.Size
	if size == 0 || size > virtioabi.QueueSizeMax {
		return nil, NewQueueError("NEW_QUEUE", int(cfg.Index), CodeSizeNotAllowed,
			"packed queue size must be between 1 and 32768")
	}

	h, err := cfg.ComCfg.SelectVq(cfg.Index)
	if err != nil {
		return nil, WrapError("NEW_QUEUE", CodeQueueNotExisting, err)
	}
	size = h.SetVqSize(size)

	pool := NewMemPool(cfg.Alloc, size)
	ring, err := newPackedRing(cfg.Alloc, pool, size, cfg.Features.Has(FeatureEventIdx))
	if err != nil {
		return nil, err
	}

	h.SetRingAddr(ring.ringMem.PhysAddr())
	h.SetDrvCtrlAddr(ring.drvEvent.PhysAddr())
	h.SetDevCtrlAddr(ring.devEvent.PhysAddr())

	notifCtrl := NewNotifCtrl(cfg.NotifCfg.NotificationLocation(h))
	if cfg.Features.Has(FeatureNotificationData) {
		notifCtrl.EnableNotifData()
	}

	h.EnableQueue()

	vq := &PackedVq{
		ring:      ring,
		pool:      pool,
		size:      size,
		index:     cfg.Index,
		feats:     cfg.Features,
		notifCtrl: notifCtrl,
		alloc:     cfg.Alloc,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}

	if vq.logger != nil {
		vq.logger.Printf("created packed virtqueue index=%d size=%d", vq.index, vq.size)
	}
	return vq, nil
}

// Size returns the negotiated queue size.
func (vq *PackedVq) Size() uint16 { return vq.size }

// Index returns the queue index.
func (vq *PackedVq) Index() uint16 { return vq.index }

// Close releases the queue's ring memory. The queue must be idle: no
// transfer may be in flight and no token may still reference the pool.
func (vq *PackedVq) Close() {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.release(vq.alloc)
}

// Capacity returns the number of free ring slots.
func (vq *PackedVq) Capacity() int {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return int(vq.ring.capacity)
}

// WrapCount returns the avail-side wrap counter.
func (vq *PackedVq) WrapCount() bool {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.ring.availWrap
}

// EnableNotifs asks the device to notify on every completion.
func (vq *PackedVq) EnableNotifs() {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.drvEnableNotif()
}

// DisableNotifs suppresses device completion notifications.
func (vq *PackedVq) DisableNotifs() {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.drvDisableNotif()
}

// EnableNotifSpecific requests a notification only for the descriptor
// with the given buffer id under the given wrap phase. Requires the
// EVENT_IDX feature.
func (vq *PackedVq) EnableNotifSpecific(buffID uint16, wrap bool) error {
	if !vq.feats.Has(FeatureEventIdx) {
		return NewQueueError("ENABLE_NOTIF", int(vq.index), CodeFeatureNotNegotiated,
			"descriptor-specific notifications require EVENT_IDX")
	}
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.drvEnableSpecific(buffID, wrap)
	return nil
}

// PrepBuffer allocates a reusable buffer token from the queue's pool.
func (vq *PackedVq) PrepBuffer(send, recv BuffSpec) (*BufferToken, error) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return prepBufferToken(vq.pool, vq.feats, vq, send, recv)
}

// PrepTransferFromRaw wraps caller-owned memory into a one-shot token.
func (vq *PackedVq) PrepTransferFromRaw(send []byte, sendSpec BuffSpec, recv []byte, recvSpec BuffSpec) (*BufferToken, error) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return prepFromRaw(vq.pool, vq.feats, vq, send, sendSpec, recv, recvSpec)
}

// Dispatch enqueues a token and returns an in-flight handle.
func (vq *PackedVq) Dispatch(bt *BufferToken, notif bool, kind BufferType) (*Transfer, error) {
	tkn, err := vq.dispatch(bt, nil, notif, kind)
	if err != nil {
		return nil, err
	}
	return &Transfer{tkn: tkn, vq: vq}, nil
}

// DispatchAwait enqueues a token; its buffer token is delivered to
// sender on completion.
func (vq *PackedVq) DispatchAwait(bt *BufferToken, sender BufferTokenSender, notif bool, kind BufferType) error {
	_, err := vq.dispatch(bt, sender, notif, kind)
	return err
}

// DispatchBatch enqueues several tokens, ringing the doorbell at most
// once.
func (vq *PackedVq) DispatchBatch(bts []*BufferToken, notif bool, kind BufferType) ([]*Transfer, error) {
	tkns, err := vq.dispatchBatch(bts, nil, notif, kind)
	if err != nil {
		return nil, err
	}
	transfers := make([]*Transfer, 0, len(tkns))
	for _, tkn := range tkns {
		transfers = append(transfers, &Transfer{tkn: tkn, vq: vq})
	}
	return transfers, nil
}

// DispatchBatchAwait enqueues several tokens sharing one completion
// endpoint, ringing the doorbell at most once.
func (vq *PackedVq) DispatchBatchAwait(bts []*BufferToken, sender BufferTokenSender, notif bool, kind BufferType) error {
	_, err := vq.dispatchBatch(bts, sender, notif, kind)
	return err
}

func (vq *PackedVq) dispatch(bt *BufferToken, sender BufferTokenSender, notif bool, kind BufferType) (*TransferToken, error) {
	if err := vq.ensureKind(bt, kind); err != nil {
		return nil, err
	}
	tkn := &TransferToken{state: TransferReady, buffTkn: bt, await: sender}

	vq.mu.Lock()
	headSlot := vq.ring.writeIndex
	wrapAtStart := vq.ring.availWrap
	nextOff, nextWrap, err := vq.ring.push(tkn)
	if err != nil {
		vq.mu.Unlock()
		if vq.observer != nil {
			vq.observer.ObserveExhaustion()
		}
		return nil, err
	}
	if notif && vq.ring.eventIdx {
		vq.ring.drvEnableSpecific(headSlot, wrapAtStart)
	}
	notify := vq.ring.devWantsNotif(headSlot, wrapAtStart)
	vq.mu.Unlock()

	if vq.observer != nil {
		vq.observer.ObserveDispatch(tkn.slots, uint64(bt.SendLen()))
	}
	if notify {
		vq.notifyDev(nextOff, nextWrap)
	}
	return tkn, nil
}

func (vq *PackedVq) dispatchBatch(bts []*BufferToken, sender BufferTokenSender, notif bool, kind BufferType) ([]*TransferToken, error) {
	for _, bt := range bts {
		if err := vq.ensureKind(bt, kind); err != nil {
			return nil, err
		}
	}

	tkns := make([]*TransferToken, 0, len(bts))
	vq.mu.Lock()
	var nextOff uint16
	var nextWrap, notify bool
	for _, bt := range bts {
		tkn := &TransferToken{state: TransferReady, buffTkn: bt, await: sender}
		headSlot := vq.ring.writeIndex
		wrapAtStart := vq.ring.availWrap
		off, wrap, err := vq.ring.push(tkn)
		if err != nil {
			vq.mu.Unlock()
			if vq.observer != nil {
				vq.observer.ObserveExhaustion()
			}
			return nil, err
		}
		nextOff, nextWrap = off, wrap
		if vq.ring.devWantsNotif(headSlot, wrapAtStart) {
			notify = true
		}
		tkns = append(tkns, tkn)
	}
	if notif && vq.ring.eventIdx {
		vq.ring.drvEnableNotif()
	}
	vq.mu.Unlock()

	if vq.observer != nil {
		for _, tkn := range tkns {
			vq.observer.ObserveDispatch(tkn.slots, uint64(tkn.buffTkn.SendLen()))
		}
	}
	if notify && len(tkns) > 0 {
		vq.notifyDev(nextOff, nextWrap)
	}
	return tkns, nil
}

// ensureKind reconciles the dispatch kind with the token's shape.
func (vq *PackedVq) ensureKind(bt *BufferToken, kind BufferType) error {
	if kind != BufferIndirect || bt.ctrl != nil {
		return nil
	}
	if !vq.feats.Has(FeatureIndirectDesc) {
		return NewQueueError("DISPATCH", int(vq.index), CodeFeatureNotNegotiated,
			"indirect dispatch requires INDIRECT_DESC")
	}
	var send, recv []*MemDescr
	if bt.send != nil {
		send = bt.send.descs
	}
	if bt.recv != nil {
		recv = bt.recv.descs
	}
	vq.mu.Lock()
	ctrl, err := vq.createIndirectCtrl(send, recv)
	vq.mu.Unlock()
	if err != nil {
		return err
	}
	bt.ctrl = ctrl
	return nil
}

func (vq *PackedVq) notifyDev(nextOff uint16, nextWrap bool) {
	vq.notifCtrl.NotifyDev(vq.index, virtioabi.PackedNextIdx(nextOff, nextWrap))
	if vq.observer != nil {
		vq.observer.ObserveNotify()
	}
}

// Poll retires completed chains from the descriptor ring.
func (vq *PackedVq) Poll() {
	vq.mu.Lock()
	vq.ring.poll(func(tkn *TransferToken, usedLen uint32) {
		if tkn.dropped {
			vq.removeDropped(tkn)
			if vq.logger != nil {
				vq.logger.Debugf("queue %d: reclaimed early-dropped transfer", vq.index)
			}
		}
		tkn.complete(usedLen)
		if vq.observer != nil {
			vq.observer.ObserveComplete(uint64(usedLen))
		}
	})
	vq.mu.Unlock()
}

func (vq *PackedVq) earlyDrop(tkn *TransferToken) {
	vq.mu.Lock()
	vq.dropped = append(vq.dropped, tkn)
	vq.mu.Unlock()
}

// removeDropped is called with the queue lock held.
func (vq *PackedVq) removeDropped(tkn *TransferToken) {
	for i, t := range vq.dropped {
		if t == tkn {
			vq.dropped = append(vq.dropped[:i], vq.dropped[i+1:]...)
			return
		}
	}
}

// createIndirectCtrl builds a packed-format indirect table: plain
// descriptors in chain order, WRITE on device-writable entries, no
// chaining or phase bits inside the table.
func (vq *PackedVq) createIndirectCtrl(send, recv []*MemDescr) (*MemDescr, error) {
	n := len(send) + len(recv)
	if n == 0 {
		return nil, NewError("PREP_BUFFER", CodeBufferNotSpecified, "empty indirect chain")
	}

	ctrl, err := vq.pool.pullTable(n)
	if err != nil {
		return nil, err
	}

	buf := ctrl.Bytes()
	for i := 0; i < n; i++ {
		var src *MemDescr
		var flags uint16
		if i < len(send) {
			src = send[i]
		} else {
			src = recv[i-len(send)]
			flags |= virtioabi.DescFWrite
		}
		virtioabi.PutPackedDesc(buf[i*virtioabi.DescSize:], virtioabi.PackedDesc{
			Addr:  src.PhysAddr(),
			Len:   uint32(src.Len()),
			Flags: flags,
		})
	}
	return ctrl, nil
}

var _ Virtq = (*PackedVq)(nil)
