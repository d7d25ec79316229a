package virtq

import (
	"encoding/binary"
	"sync"

	"github.com/ewellbach/go-virtq/dma"
	"github.com/ewellbach/go-virtq/internal/barrier"
	"github.com/ewellbach/go-virtq/internal/virtioabi"
)

// descrRing holds the split queue's three shared-memory areas and the
// driver-side state walking them. Ring slots are keyed by descriptor
// ID: the wire descriptor for pool ID n lives in table slot n-1, so
// free-descriptor indices come straight from the pool and no linear
// cursor exists.
type descrRing struct {
	size    uint16
	readIdx uint16

	// tokens pins in-flight transfer tokens by head table slot.
	tokens []*TransferToken

	// slotBusy marks table slots the device currently owns.
	slotBusy []bool

	pool *MemPool

	descTable *dma.Region
	availRing *dma.Region
	usedRing  *dma.Region

	eventIdx bool
}

func newDescrRing(alloc *dma.Allocator, pool *MemPool, size uint16, eventIdx bool) (*descrRing, error) {
	descTable, err := alloc.Reserve(virtioabi.SplitDescTableSize(size), virtioabi.SplitDescAlign)
	if err != nil {
		return nil, WrapError("NEW_QUEUE", CodeAllocation, err)
	}
	availRing, err := alloc.Reserve(virtioabi.SplitAvailSize(size), virtioabi.SplitAvailAlign)
	if err != nil {
		alloc.Release(descTable)
		return nil, WrapError("NEW_QUEUE", CodeAllocation, err)
	}
	usedRing, err := alloc.Reserve(virtioabi.SplitUsedSize(size), virtioabi.SplitUsedAlign)
	if err != nil {
		alloc.Release(descTable)
		alloc.Release(availRing)
		return nil, WrapError("NEW_QUEUE", CodeAllocation, err)
	}

	zero(descTable.Bytes())
	zero(availRing.Bytes())
	zero(usedRing.Bytes())

	return &descrRing{
		size:      size,
		tokens:    make([]*TransferToken, size),
		slotBusy:  make([]bool, size),
		pool:      pool,
		descTable: descTable,
		availRing: availRing,
		usedRing:  usedRing,
		eventIdx:  eventIdx,
	}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (r *descrRing) descSlot(slot uint16) []byte {
	off := int(slot) * virtioabi.DescSize
	return r.descTable.Bytes()[off : off+virtioabi.DescSize]
}

func (r *descrRing) availIdx() uint16 {
	return binary.LittleEndian.Uint16(r.availRing.Bytes()[virtioabi.AvailIdxOff:])
}

func (r *descrRing) setAvailIdx(v uint16) {
	binary.LittleEndian.PutUint16(r.availRing.Bytes()[virtioabi.AvailIdxOff:], v)
}

func (r *descrRing) setAvailRing(pos, head uint16) {
	off := virtioabi.AvailRingOff + 2*int(pos)
	binary.LittleEndian.PutUint16(r.availRing.Bytes()[off:], head)
}

func (r *descrRing) availFlags() uint16 {
	return binary.LittleEndian.Uint16(r.availRing.Bytes()[virtioabi.AvailFlagsOff:])
}

func (r *descrRing) setAvailFlags(v uint16) {
	binary.LittleEndian.PutUint16(r.availRing.Bytes()[virtioabi.AvailFlagsOff:], v)
}

func (r *descrRing) setUsedEvent(v uint16) {
	off := virtioabi.AvailUsedEventOff(r.size)
	binary.LittleEndian.PutUint16(r.availRing.Bytes()[off:], v)
}

func (r *descrRing) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.usedRing.Bytes()[virtioabi.UsedIdxOff:])
}

func (r *descrRing) usedFlags() uint16 {
	return binary.LittleEndian.Uint16(r.usedRing.Bytes()[virtioabi.UsedFlagsOff:])
}

func (r *descrRing) availEvent() uint16 {
	off := virtioabi.UsedAvailEventOff(r.size)
	return binary.LittleEndian.Uint16(r.usedRing.Bytes()[off:])
}

func (r *descrRing) usedElem(pos uint16) (id uint32, length uint32) {
	off := virtioabi.UsedRingOff + virtioabi.UsedElemSize*int(pos)
	b := r.usedRing.Bytes()[off:]
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])
}

// claimSlot takes ownership of the table slot keyed by the descriptor
// ID, reclaiming the ID from the pool's free set when a completed
// reusable token is dispatched again.
func (r *descrRing) claimSlot(id MemDescrID) (uint16, bool) {
	slot := uint16(id) - 1
	if r.slotBusy[slot] {
		return 0, false
	}
	r.pool.claim(id)
	r.slotBusy[slot] = true
	return slot, true
}

func (r *descrRing) unclaimSlots(slots []uint16) {
	for _, s := range slots {
		r.slotBusy[s] = false
	}
}

// push writes the token's descriptor chain into the table and
// publishes the head on the available ring. The chain is built in
// reverse, last element first, so the head index is written last.
// Returns the new available index.
func (r *descrRing) push(tkn *TransferToken) (uint16, error) {
	bt := tkn.buffTkn
	var head uint16
	var claimed []uint16

	if ctrl := bt.ctrl; ctrl != nil {
		slot, ok := r.claimSlot(ctrl.ID())
		if !ok {
			return 0, NewError("DISPATCH", CodeNoDescrAvail, "descriptor table slot in flight")
		}
		virtioabi.PutSplitDesc(r.descSlot(slot), virtioabi.SplitDesc{
			Addr:  ctrl.PhysAddr(),
			Len:   uint32(ctrl.Len()),
			Flags: virtioabi.DescFIndirect,
		})
		head = slot
		tkn.slots = 1
	} else {
		entries := bt.chain()
		if len(entries) == 0 {
			return 0, NewError("DISPATCH", CodeBufferNotSpecified, "empty transfer")
		}

		var prev uint16
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			slot, ok := r.claimSlot(e.desc.ID())
			if !ok {
				r.unclaimSlots(claimed)
				return 0, NewError("DISPATCH", CodeNoDescrAvail, "descriptor table slot in flight")
			}
			claimed = append(claimed, slot)

			desc := virtioabi.SplitDesc{
				Addr: e.desc.PhysAddr(),
				Len:  uint32(e.desc.Len()),
			}
			if e.write {
				desc.Flags |= virtioabi.DescFWrite
			}
			if i < len(entries)-1 {
				desc.Flags |= virtioabi.DescFNext
				desc.Next = prev
			}
			virtioabi.PutSplitDesc(r.descSlot(slot), desc)
			prev = slot
		}
		head = prev
		tkn.slots = len(entries)
	}

	r.tokens[head] = tkn
	tkn.state = TransferProcessing

	// The device must observe the finished chain before the head
	// index, and the head index before the bumped available index.
	barrier.Full()
	idx := r.availIdx()
	r.setAvailRing(idx%r.size, head)
	barrier.Full()
	next := idx + 1
	r.setAvailIdx(next)

	return next, nil
}

// poll drains the used ring, returning every chain slot ID to the pool
// and completing the retired tokens in device order.
func (r *descrRing) poll(onComplete func(*TransferToken, uint32)) {
	for {
		barrier.Full()
		if r.readIdx == r.usedIdx() {
			return
		}

		id, usedLen := r.usedElem(r.readIdx % r.size)
		if id >= uint32(r.size) {
			panic("virtq: used element id out of range")
		}
		tkn := r.tokens[id]
		if tkn == nil {
			panic("virtq: used element id has no tracked token")
		}
		r.tokens[id] = nil

		slot := uint16(id)
		for {
			desc := virtioabi.SplitDescAt(r.descSlot(slot))
			r.slotBusy[slot] = false
			r.pool.RetID(MemDescrID(slot + 1))
			if desc.Flags&virtioabi.DescFNext == 0 {
				break
			}
			slot = desc.Next
		}

		onComplete(tkn, usedLen)

		barrier.Full()
		r.readIdx++
	}
}

func (r *descrRing) drvEnableNotif() {
	if r.eventIdx {
		r.setUsedEvent(r.usedIdx())
		return
	}
	r.setAvailFlags(r.availFlags() &^ virtioabi.AvailFNoInterrupt)
}

func (r *descrRing) drvDisableNotif() {
	if r.eventIdx {
		r.setUsedEvent(r.usedIdx() - 1)
		return
	}
	r.setAvailFlags(r.availFlags() | virtioabi.AvailFNoInterrupt)
}

// requestInterrupt asks for a completion notification on the next
// retirement, used for per-dispatch notification requests.
func (r *descrRing) requestInterrupt() {
	if r.eventIdx {
		r.setUsedEvent(r.usedIdx())
		return
	}
	r.setAvailFlags(r.availFlags() &^ virtioabi.AvailFNoInterrupt)
}

// devWantsNotif decides whether to ring the doorbell after advancing
// the available index from oldIdx to newIdx.
func (r *descrRing) devWantsNotif(newIdx, oldIdx uint16) bool {
	barrier.Full()
	if r.eventIdx {
		return virtioabi.NeedEvent(r.availEvent(), newIdx, oldIdx)
	}
	return r.usedFlags()&virtioabi.UsedFNoNotify == 0
}

func (r *descrRing) release(alloc *dma.Allocator) {
	alloc.Release(r.descTable)
	alloc.Release(r.availRing)
	alloc.Release(r.usedRing)
}

// SplitVq is the classic VirtIO ring layout: a descriptor table with
// separate available and used rings (VirtIO v1.1 sec. 2.6).
type SplitVq struct {
	mu   sync.Mutex
	ring *descrRing
	pool *MemPool

	size  uint16
	index uint16
	feats Features

	notifCtrl *NotifCtrl
	alloc     *dma.Allocator
	logger    Logger
	observer  Observer

	// dropped holds transfer tokens abandoned while Processing until
	// the device retires them.
	dropped []*TransferToken
}

// NewSplitVq negotiates a split virtqueue with the device: selects the
// queue, settles the size, publishes the three ring addresses, and
// enables the queue.
func NewSplitVq(cfg Config) (*SplitVq, error) {
	size := cfg.Size
	if size == 0 || size > virtioabi.QueueSizeMax || size&(size-1) != 0 {
		return nil, NewQueueError("NEW_QUEUE", int(cfg.Index), CodeSizeNotAllowed,
			"split queue size must be a power of two up to 32768")
	}

	h, err := cfg.ComCfg.SelectVq(cfg.Index)
	if err != nil {
		return nil, WrapError("NEW_QUEUE", CodeQueueNotExisting, err)
	}
	size = h.SetVqSize(size)

	pool := NewMemPool(cfg.Alloc, size)
	ring, err := newDescrRing(cfg.Alloc, pool, size, cfg.Features.Has(FeatureEventIdx))
	if err != nil {
		return nil, err
	}

	h.SetRingAddr(ring.descTable.PhysAddr())
	h.SetDrvCtrlAddr(ring.availRing.PhysAddr())
	h.SetDevCtrlAddr(ring.usedRing.PhysAddr())

	notifCtrl := NewNotifCtrl(cfg.NotifCfg.NotificationLocation(h))
	if cfg.Features.Has(FeatureNotificationData) {
		notifCtrl.EnableNotifData()
	}

	h.EnableQueue()

	vq := &SplitVq{
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
		vq.logger.Printf("created split virtqueue index=%d size=%d", vq.index, vq.size)
	}
	return vq, nil
}

// Size returns the negotiated queue size.
func (vq *SplitVq) Size() uint16 { return vq.size }

// Index returns the queue index.
func (vq *SplitVq) Index() uint16 { return vq.index }

// Close releases the queue's ring memory. The queue must be idle: no
// transfer may be in flight and no token may still reference the pool.
func (vq *SplitVq) Close() {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.release(vq.alloc)
}

// Capacity returns the number of free descriptor IDs.
func (vq *SplitVq) Capacity() int {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.pool.FreeIDs()
}

// EnableNotifs asks the device to send completion notifications.
func (vq *SplitVq) EnableNotifs() {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.drvEnableNotif()
}

// DisableNotifs suppresses device completion notifications.
func (vq *SplitVq) DisableNotifs() {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.ring.drvDisableNotif()
}

// PrepBuffer allocates a reusable buffer token from the queue's pool.
func (vq *SplitVq) PrepBuffer(send, recv BuffSpec) (*BufferToken, error) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return prepBufferToken(vq.pool, vq.feats, vq, send, recv)
}

// PrepTransferFromRaw wraps caller-owned memory into a one-shot token.
func (vq *SplitVq) PrepTransferFromRaw(send []byte, sendSpec BuffSpec, recv []byte, recvSpec BuffSpec) (*BufferToken, error) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return prepFromRaw(vq.pool, vq.feats, vq, send, sendSpec, recv, recvSpec)
}

// Dispatch enqueues a token and returns an in-flight handle.
func (vq *SplitVq) Dispatch(bt *BufferToken, notif bool, kind BufferType) (*Transfer, error) {
	tkn, err := vq.dispatch(bt, nil, notif, kind)
	if err != nil {
		return nil, err
	}
	return &Transfer{tkn: tkn, vq: vq}, nil
}

// DispatchAwait enqueues a token; its buffer token is delivered to
// sender on completion.
func (vq *SplitVq) DispatchAwait(bt *BufferToken, sender BufferTokenSender, notif bool, kind BufferType) error {
	_, err := vq.dispatch(bt, sender, notif, kind)
	return err
}

// DispatchBatch enqueues several tokens, ringing the doorbell at most
// once.
func (vq *SplitVq) DispatchBatch(bts []*BufferToken, notif bool, kind BufferType) ([]*Transfer, error) {
	transfers := make([]*Transfer, 0, len(bts))
	tkns, err := vq.dispatchBatch(bts, nil, notif, kind)
	if err != nil {
		return nil, err
	}
	for _, tkn := range tkns {
		transfers = append(transfers, &Transfer{tkn: tkn, vq: vq})
	}
	return transfers, nil
}

// DispatchBatchAwait enqueues several tokens sharing one completion
// endpoint, ringing the doorbell at most once.
func (vq *SplitVq) DispatchBatchAwait(bts []*BufferToken, sender BufferTokenSender, notif bool, kind BufferType) error {
	_, err := vq.dispatchBatch(bts, sender, notif, kind)
	return err
}

func (vq *SplitVq) dispatch(bt *BufferToken, sender BufferTokenSender, notif bool, kind BufferType) (*TransferToken, error) {
	if err := vq.ensureKind(bt, kind); err != nil {
		return nil, err
	}
	tkn := &TransferToken{state: TransferReady, buffTkn: bt, await: sender}

	vq.mu.Lock()
	newIdx, err := vq.ring.push(tkn)
	if err != nil {
		vq.mu.Unlock()
		if vq.observer != nil {
			vq.observer.ObserveExhaustion()
		}
		return nil, err
	}
	if notif {
		vq.ring.requestInterrupt()
	}
	notify := vq.ring.devWantsNotif(newIdx, newIdx-1)
	vq.mu.Unlock()

	if vq.observer != nil {
		vq.observer.ObserveDispatch(tkn.slots, uint64(bt.SendLen()))
	}
	if notify {
		vq.notifyDev(newIdx)
	}
	return tkn, nil
}

func (vq *SplitVq) dispatchBatch(bts []*BufferToken, sender BufferTokenSender, notif bool, kind BufferType) ([]*TransferToken, error) {
	for _, bt := range bts {
		if err := vq.ensureKind(bt, kind); err != nil {
			return nil, err
		}
	}

	tkns := make([]*TransferToken, 0, len(bts))
	vq.mu.Lock()
	var newIdx uint16
	for _, bt := range bts {
		tkn := &TransferToken{state: TransferReady, buffTkn: bt, await: sender}
		idx, err := vq.ring.push(tkn)
		if err != nil {
			vq.mu.Unlock()
			if vq.observer != nil {
				vq.observer.ObserveExhaustion()
			}
			return nil, err
		}
		newIdx = idx
		tkns = append(tkns, tkn)
	}
	if notif {
		vq.ring.requestInterrupt()
	}
	notify := len(tkns) > 0 && vq.ring.devWantsNotif(newIdx, newIdx-uint16(len(tkns)))
	vq.mu.Unlock()

	if vq.observer != nil {
		for _, tkn := range tkns {
			vq.observer.ObserveDispatch(tkn.slots, uint64(tkn.buffTkn.SendLen()))
		}
	}
	if notify {
		vq.notifyDev(newIdx)
	}
	return tkns, nil
}

// ensureKind reconciles the dispatch kind with the token's shape. A
// token prepared with indirect specs already carries its control
// table; a direct token dispatched as BufferIndirect gets one here.
func (vq *SplitVq) ensureKind(bt *BufferToken, kind BufferType) error {
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

func (vq *SplitVq) notifyDev(nextIdx uint16) {
	vq.notifCtrl.NotifyDev(vq.index, nextIdx)
	if vq.observer != nil {
		vq.observer.ObserveNotify()
	}
}

// Poll drains completed transfers from the used ring.
func (vq *SplitVq) Poll() {
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

func (vq *SplitVq) earlyDrop(tkn *TransferToken) {
	vq.mu.Lock()
	vq.dropped = append(vq.dropped, tkn)
	vq.mu.Unlock()
}

// removeDropped is called with the queue lock held.
func (vq *SplitVq) removeDropped(tkn *TransferToken) {
	for i, t := range vq.dropped {
		if t == tkn {
			vq.dropped = append(vq.dropped[:i], vq.dropped[i+1:]...)
			return
		}
	}
}

// createIndirectCtrl builds a split-format indirect table: descriptors
// linked i to i+1 with NEXT, the last entry without NEXT and with next
// 0, writable entries after readable ones.
func (vq *SplitVq) createIndirectCtrl(send, recv []*MemDescr) (*MemDescr, error) {
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
		desc := virtioabi.SplitDesc{
			Addr:  src.PhysAddr(),
			Len:   uint32(src.Len()),
			Flags: flags,
		}
		if i < n-1 {
			desc.Flags |= virtioabi.DescFNext
			desc.Next = uint16(i + 1)
		}
		virtioabi.PutSplitDesc(buf[i*virtioabi.DescSize:], desc)
	}
	return ctrl, nil
}

var _ Virtq = (*SplitVq)(nil)
