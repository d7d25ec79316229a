package virtq

// Buffer is one side of a buffer token: an ordered chain of memory
// descriptors with a logical length and an append cursor drivers use
// to stream data into the chain between reuses.
type Buffer struct {
	descs     []*MemDescr
	capacity  int
	logLen    int
	nextWrite int
}

func newBuffer(descs []*MemDescr) *Buffer {
	total := 0
	for _, d := range descs {
		total += d.Len()
	}
	return &Buffer{descs: descs, capacity: total, logLen: total}
}

// Len returns the buffer's logical length in bytes. For receive
// buffers this is truncated to the device-written length after a
// completed transfer.
func (b *Buffer) Len() int { return b.logLen }

// restrSize truncates the logical length after completion.
func (b *Buffer) restrSize(n int) {
	if n > b.capacity {
		n = b.capacity
	}
	b.logLen = n
}

// reset restores the full logical length and rewinds the cursor.
func (b *Buffer) reset() {
	b.logLen = b.capacity
	b.nextWrite = 0
}

// write scatter-copies p across the chain starting at off. Returns the
// number of bytes placed.
func (b *Buffer) write(p []byte, off int) int {
	written := 0
	for _, d := range b.descs {
		if off >= d.Len() {
			off -= d.Len()
			continue
		}
		n := copy(d.Bytes()[off:], p[written:])
		written += n
		off = 0
		if written == len(p) {
			break
		}
	}
	return written
}

// read gather-copies the chain into p, bounded by the logical length.
func (b *Buffer) read(p []byte) int {
	remaining := b.logLen
	read := 0
	for _, d := range b.descs {
		if remaining == 0 || read == len(p) {
			break
		}
		src := d.Bytes()
		if len(src) > remaining {
			src = src[:remaining]
		}
		n := copy(p[read:], src)
		read += n
		remaining -= n
	}
	return read
}

func (b *Buffer) release() {
	for _, d := range b.descs {
		d.Release()
	}
}

// BufferToken is the caller-visible handle bundling a device-readable
// send buffer and/or a device-writable receive buffer. Its memory
// stays valid across dispatches until the token is released.
type BufferToken struct {
	send *Buffer
	recv *Buffer

	// ctrl is the indirect descriptor table covering both sides, nil
	// for direct tokens.
	ctrl *MemDescr

	retSend  bool
	retRecv  bool
	reusable bool
}

// SendLen returns the send side's logical length (0 without one).
func (bt *BufferToken) SendLen() int {
	if bt.send == nil {
		return 0
	}
	return bt.send.Len()
}

// RecvLen returns the receive side's logical length (0 without one).
// After a completed transfer this is the number of bytes the device
// wrote.
func (bt *BufferToken) RecvLen() int {
	if bt.recv == nil {
		return 0
	}
	return bt.recv.Len()
}

// WriteSend copies p to the start of the send chain and rewinds the
// append cursor behind it.
func (bt *BufferToken) WriteSend(p []byte) error {
	if bt.send == nil {
		return NewError("WRITE_SEND", CodeBufferNotSpecified, "token has no send buffer")
	}
	if len(p) > bt.send.capacity {
		return NewSizeError("WRITE_SEND", len(p))
	}
	bt.send.write(p, 0)
	bt.send.nextWrite = len(p)
	return nil
}

// AppendSend streams further data into the send chain at the append
// cursor.
func (bt *BufferToken) AppendSend(p []byte) error {
	if bt.send == nil {
		return NewError("APPEND_SEND", CodeBufferNotSpecified, "token has no send buffer")
	}
	if bt.send.nextWrite+len(p) > bt.send.capacity {
		return NewSizeError("APPEND_SEND", bt.send.nextWrite+len(p))
	}
	bt.send.write(p, bt.send.nextWrite)
	bt.send.nextWrite += len(p)
	return nil
}

// CopyRecv gathers the received bytes into p, bounded by the
// device-written length, and returns the count copied.
func (bt *BufferToken) CopyRecv(p []byte) int {
	if bt.recv == nil {
		return 0
	}
	return bt.recv.read(p)
}

// Reset restores a reusable token's logical lengths and cursors for
// the next dispatch.
func (bt *BufferToken) Reset() {
	if !bt.reusable {
		return
	}
	if bt.send != nil && bt.retSend {
		bt.send.reset()
	}
	if bt.recv != nil && bt.retRecv {
		bt.recv.reset()
	}
}

// Release drops the token's descriptors, returning their IDs and any
// tracked storage.
func (bt *BufferToken) Release() {
	if bt.send != nil {
		bt.send.release()
	}
	if bt.recv != nil {
		bt.recv.release()
	}
	if bt.ctrl != nil {
		bt.ctrl.Release()
	}
}

// chainEntry is one wire descriptor of a direct chain.
type chainEntry struct {
	desc  *MemDescr
	write bool
}

// chain lists the token's payload descriptors in device order: all
// device-readable entries before all device-writable entries.
func (bt *BufferToken) chain() []chainEntry {
	var entries []chainEntry
	if bt.send != nil {
		for _, d := range bt.send.descs {
			entries = append(entries, chainEntry{desc: d})
		}
	}
	if bt.recv != nil {
		for _, d := range bt.recv.descs {
			entries = append(entries, chainEntry{desc: d, write: true})
		}
	}
	return entries
}

// chainSlots returns the number of main-ring slots one dispatch of
// this token consumes.
func (bt *BufferToken) chainSlots() int {
	if bt.ctrl != nil {
		return 1
	}
	n := 0
	if bt.send != nil {
		n += len(bt.send.descs)
	}
	if bt.recv != nil {
		n += len(bt.recv.descs)
	}
	return n
}

// TransferState tracks a dispatched token through the ring.
type TransferState int

const (
	// TransferReady marks a token built but not yet dispatched.
	TransferReady TransferState = iota

	// TransferProcessing marks a token the device can see.
	TransferProcessing

	// TransferFinished marks a completed token.
	TransferFinished
)

// TransferToken wraps a BufferToken while it moves through a queue.
// It is pinned in the queue's token table for the duration of
// Processing; besides the table slot, the core keeps a reference only
// in the queue's dropped list while an early-dropped token waits for
// the device.
type TransferToken struct {
	state   TransferState
	buffTkn *BufferToken
	await   BufferTokenSender

	// dropped marks a token whose Transfer handle was closed while
	// the device still owned the chain.
	dropped bool

	// slots is the ring-slot count recorded at push; packed polling
	// reclaims capacity from it.
	slots int
}

// complete finishes a token: truncates the receive length to the
// device-written count, then either hands the buffer token to its
// completion endpoint or leaves it Finished for collection. Tokens
// dropped early are released instead.
func (tt *TransferToken) complete(usedLen uint32) {
	if tt.buffTkn.recv != nil {
		tt.buffTkn.recv.restrSize(int(usedLen))
	}
	tt.state = TransferFinished

	if tt.dropped {
		tt.buffTkn.Release()
		return
	}
	if tt.await == nil {
		return
	}
	select {
	case tt.await <- tt.buffTkn:
	default:
		panic("virtq: completion endpoint not ready")
	}
}

// Transfer is the in-flight handle returned by the non-await dispatch
// path.
type Transfer struct {
	tkn *TransferToken
	vq  earlyDropper
}

type earlyDropper interface {
	earlyDrop(*TransferToken)
}

// State returns the transfer's current state. A Finished result is
// only observed after the owning queue polled the completion.
func (t *Transfer) State() TransferState { return t.tkn.state }

// Token returns the completed buffer token.
func (t *Transfer) Token() (*BufferToken, error) {
	if t.tkn.state != TransferFinished {
		return nil, NewError("TRANSFER_TOKEN", CodeGeneral, "transfer not finished")
	}
	return t.tkn.buffTkn, nil
}

// Close abandons the transfer. A Processing transfer is parked on the
// queue's holding list until the device retires it; its memory and
// IDs are reclaimed then, and nothing is delivered. Closing a Ready
// transfer is a programmer error.
func (t *Transfer) Close() {
	switch t.tkn.state {
	case TransferReady:
		panic("virtq: closing a transfer that was never dispatched")
	case TransferProcessing:
		t.tkn.dropped = true
		t.tkn.await = nil
		t.vq.earlyDrop(t.tkn)
	case TransferFinished:
		// Caller keeps the buffer token; nothing to reclaim here.
	}
}

// ctrlBuilder is implemented per ring layout: the indirect table
// format differs between split and packed queues.
type ctrlBuilder interface {
	createIndirectCtrl(send, recv []*MemDescr) (*MemDescr, error)
}

// prepPayload allocates the descriptors for one side of a token.
func prepPayload(pool *MemPool, spec BuffSpec) ([]*MemDescr, error) {
	segs := spec.segments()
	descs := make([]*MemDescr, 0, len(segs))
	for _, size := range segs {
		d, err := pool.Pull(int(size))
		if err != nil {
			releaseDescs(descs)
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// prepPayloadFromRaw segments caller-owned memory by the BuffSpec sizes
// and wraps it without copying.
func prepPayloadFromRaw(pool *MemPool, data []byte, spec BuffSpec) ([]*MemDescr, error) {
	segs := spec.segments()
	total := 0
	for _, s := range segs {
		total += int(s)
	}
	if len(data) != total {
		return nil, NewSizeError("PREP_RAW", len(data))
	}

	descs := make([]*MemDescr, 0, len(segs))
	off := 0
	for _, size := range segs {
		d, err := pool.PullFrom(data[off:off+int(size)], false)
		if err != nil {
			releaseDescs(descs)
			return nil, err
		}
		descs = append(descs, d)
		off += int(size)
	}
	return descs, nil
}

func releaseDescs(descs []*MemDescr) {
	for _, d := range descs {
		d.Release()
	}
}

// checkSpecs validates the (send, recv) shape matrix.
func checkSpecs(op string, send, recv BuffSpec, feats Features) error {
	if send == nil && recv == nil {
		return NewError(op, CodeBufferNotSpecified, "neither send nor recv specified")
	}
	sendInd := send != nil && send.indirect()
	recvInd := recv != nil && recv.indirect()
	if send != nil && recv != nil && sendInd != recvInd {
		return NewError(op, CodeBufferInWithDirect, "indirect buffers mixed with direct buffers")
	}
	if (sendInd || recvInd) && !feats.Has(FeatureIndirectDesc) {
		return NewError(op, CodeFeatureNotNegotiated, "indirect descriptors require INDIRECT_DESC")
	}
	return nil
}

// prepBufferToken builds a reusable token with pool-owned memory.
func prepBufferToken(pool *MemPool, feats Features, cb ctrlBuilder, send, recv BuffSpec) (*BufferToken, error) {
	if err := checkSpecs("PREP_BUFFER", send, recv, feats); err != nil {
		return nil, err
	}

	var sendDescs, recvDescs []*MemDescr
	var err error
	if send != nil {
		if sendDescs, err = prepPayload(pool, send); err != nil {
			return nil, err
		}
	}
	if recv != nil {
		if recvDescs, err = prepPayload(pool, recv); err != nil {
			releaseDescs(sendDescs)
			return nil, err
		}
	}

	return assembleToken(cb, send, recv, sendDescs, recvDescs, true)
}

// prepFromRaw builds a one-shot token around caller-owned memory.
func prepFromRaw(pool *MemPool, feats Features, cb ctrlBuilder, sendData []byte, sendSpec BuffSpec, recvData []byte, recvSpec BuffSpec) (*BufferToken, error) {
	if err := checkSpecs("PREP_RAW", sendSpec, recvSpec, feats); err != nil {
		return nil, err
	}

	var sendDescs, recvDescs []*MemDescr
	var err error
	if sendSpec != nil {
		if sendDescs, err = prepPayloadFromRaw(pool, sendData, sendSpec); err != nil {
			return nil, err
		}
	}
	if recvSpec != nil {
		if recvDescs, err = prepPayloadFromRaw(pool, recvData, recvSpec); err != nil {
			releaseDescs(sendDescs)
			return nil, err
		}
	}

	return assembleToken(cb, sendSpec, recvSpec, sendDescs, recvDescs, false)
}

func assembleToken(cb ctrlBuilder, send, recv BuffSpec, sendDescs, recvDescs []*MemDescr, reusable bool) (*BufferToken, error) {
	bt := &BufferToken{
		retSend:  reusable && send != nil,
		retRecv:  reusable && recv != nil,
		reusable: reusable,
	}
	if send != nil {
		bt.send = newBuffer(sendDescs)
	}
	if recv != nil {
		bt.recv = newBuffer(recvDescs)
	}

	indirect := (send != nil && send.indirect()) || (recv != nil && recv.indirect())
	if indirect {
		ctrl, err := cb.createIndirectCtrl(sendDescs, recvDescs)
		if err != nil {
			releaseDescs(sendDescs)
			releaseDescs(recvDescs)
			return nil, err
		}
		bt.ctrl = ctrl
	}
	return bt, nil
}
