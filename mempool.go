package virtq

import (
	"sync"

	"github.com/ewellbach/go-virtq/dma"
)

// descrAlign is the alignment of payload allocations (machine word).
const descrAlign = 8

// MemDescrID identifies a pool descriptor. Valid IDs run from 1 to the
// queue size; 0 is reserved.
type MemDescrID uint16

// MemDescr is an owned chunk of DMA-visible memory. While it exists no
// other code touches its bytes; the device reads and writes through
// its physical address. Dropping it with Release returns the ID to the
// pool and, for tracked descriptors, the storage to the allocator.
type MemDescr struct {
	buf      []byte
	region   *dma.Region
	id       MemDescrID
	pool     *MemPool
	dealloc  bool
	released bool
}

// Bytes returns the descriptor's memory.
func (d *MemDescr) Bytes() []byte { return d.buf }

// Len returns the descriptor's length in bytes.
func (d *MemDescr) Len() int { return len(d.buf) }

// ID returns the descriptor's pool identifier.
func (d *MemDescr) ID() MemDescrID { return d.id }

// PhysAddr returns the address the device uses to reach the memory.
func (d *MemDescr) PhysAddr() uint64 {
	if d.region != nil {
		return d.region.PhysAddr()
	}
	return dma.PhysOf(d.buf)
}

// Release drops the descriptor: the ID goes back to the pool and, when
// the descriptor tracks its storage, the bytes go back to the
// allocator. Safe to call more than once.
func (d *MemDescr) Release() {
	if d.released {
		return
	}
	d.released = true

	if d.pool != nil {
		d.pool.RetID(d.id)
	}
	if d.dealloc && d.region != nil {
		d.pool.alloc.Release(d.region)
		d.region = nil
	}
	d.buf = nil
}

// MemPool is a fixed-capacity pool of descriptor identifiers plus the
// arena payload allocations are served from. Each queue owns one pool
// sized to its ring.
type MemPool struct {
	// Descriptor drops can race with queue operations, so the free set
	// carries its own lock instead of piggybacking on the queue's.
	mu     sync.Mutex
	alloc  *dma.Allocator
	free   []MemDescrID
	inFree []bool
	size   uint16
}

// NewMemPool creates a pool with IDs 1..size drawing payload memory
// from alloc.
func NewMemPool(alloc *dma.Allocator, size uint16) *MemPool {
	p := &MemPool{
		alloc:  alloc,
		free:   make([]MemDescrID, 0, size),
		inFree: make([]bool, int(size)+1),
		size:   size,
	}
	for id := size; id >= 1; id-- {
		p.free = append(p.free, MemDescrID(id))
		p.inFree[id] = true
	}
	return p
}

// Size returns the pool capacity.
func (p *MemPool) Size() uint16 { return p.size }

// FreeIDs returns the number of currently free identifiers.
func (p *MemPool) FreeIDs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Pull allocates size bytes of word-aligned payload memory and assigns
// a free ID. Fails with a NoDescrAvail error when IDs are exhausted or
// an Allocation error when the arena is full.
func (p *MemPool) Pull(size int) (*MemDescr, error) {
	return p.pull(size, true)
}

// PullUntracked allocates like Pull but clears the dealloc flag, so
// dropping the descriptor returns only the ID.
func (p *MemPool) PullUntracked(size int) (*MemDescr, error) {
	return p.pull(size, false)
}

func (p *MemPool) pull(size int, dealloc bool) (*MemDescr, error) {
	p.mu.Lock()
	id, ok := p.popID()
	p.mu.Unlock()
	if !ok {
		return nil, NewError("PULL", CodeNoDescrAvail, "descriptor IDs exhausted")
	}

	region, err := p.alloc.Reserve(size, descrAlign)
	if err != nil {
		p.RetID(id)
		return nil, WrapError("PULL", CodeAllocation, err)
	}

	return &MemDescr{
		buf:     region.Bytes(),
		region:  region,
		id:      id,
		pool:    p,
		dealloc: dealloc,
	}, nil
}

// PullFrom builds a descriptor from a caller-provided slice. With
// copyData the bytes are copied into a fresh tracked allocation;
// otherwise the slice's own memory is wrapped and the descriptor will
// not free it on drop.
func (p *MemPool) PullFrom(data []byte, copyData bool) (*MemDescr, error) {
	if copyData {
		desc, err := p.Pull(len(data))
		if err != nil {
			return nil, err
		}
		copy(desc.buf, data)
		return desc, nil
	}

	p.mu.Lock()
	id, ok := p.popID()
	p.mu.Unlock()
	if !ok {
		return nil, NewError("PULL_FROM", CodeNoDescrAvail, "descriptor IDs exhausted")
	}
	return &MemDescr{
		buf:     data,
		id:      id,
		pool:    p,
		dealloc: false,
	}, nil
}

// pullTable allocates a 16-byte-aligned indirect descriptor table of n
// entries. The table is tracked like any payload; its ID keys the
// single main-ring slot its dispatch consumes.
func (p *MemPool) pullTable(n int) (*MemDescr, error) {
	p.mu.Lock()
	id, ok := p.popID()
	p.mu.Unlock()
	if !ok {
		return nil, NewError("PULL", CodeNoDescrAvail, "descriptor IDs exhausted")
	}

	region, err := p.alloc.Reserve(n*16, 16)
	if err != nil {
		p.RetID(id)
		return nil, WrapError("PULL", CodeAllocation, err)
	}

	return &MemDescr{
		buf:     region.Bytes(),
		region:  region,
		id:      id,
		pool:    p,
		dealloc: true,
	}, nil
}

// RetID marks an identifier free. Idempotent against a given ID within
// one allocation cycle: returning an ID that is already free is a
// no-op.
func (p *MemPool) RetID(id MemDescrID) {
	if id == 0 || uint16(id) > p.size {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFree[id] {
		return
	}
	p.free = append(p.free, id)
	p.inFree[id] = true
}

// claim removes a specific ID from the free set. Re-dispatch of a
// reusable token reclaims the ring slots keyed by its descriptor IDs
// this way. Reports whether the ID was free.
func (p *MemPool) claim(id MemDescrID) bool {
	if id == 0 || uint16(id) > p.size {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inFree[id] {
		return false
	}
	for i, f := range p.free {
		if f == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.inFree[id] = false
	return true
}

// popID is called with the pool lock held.
func (p *MemPool) popID() (MemDescrID, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inFree[id] = false
	return id, true
}
