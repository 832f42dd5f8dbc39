package gni

import (
	"errors"
	"sync/atomic"
)

// MRPool manages reusable memory registrations of a fixed size.
type MRPool struct {
	nic    *Nic
	size   int
	flags  MemFlags
	dstCQ  *CompletionQueue
	pool   chan *MemoryRegion
	closed atomic.Bool
}

// NewMRPool constructs a pool that dispenses regions registered with nic.
// Regions are provisioned lazily; at most capacity idle regions are retained.
// When dstCQ is non-nil every region raises inbound events on it.
func NewMRPool(nic *Nic, size int, flags MemFlags, dstCQ *CompletionQueue, capacity int) (*MRPool, error) {
	if !nic.valid() {
		return nil, ErrInvalidHandle{"nic"}
	}
	if size <= 0 {
		return nil, errors.New("gni: MRPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &MRPool{
		nic:   nic,
		size:  size,
		flags: flags,
		dstCQ: dstCQ,
		pool:  make(chan *MemoryRegion, capacity),
	}, nil
}

// Acquire returns a registered region from the pool, registering a new one
// when the pool is empty. Callers must Release the region when finished.
func (p *MRPool) Acquire() (*MemoryRegion, error) {
	if p == nil {
		return nil, errors.New("gni: nil MRPool")
	}
	if p.closed.Load() {
		return nil, errors.New("gni: MRPool closed")
	}
	select {
	case mr := <-p.pool:
		return mr, nil
	default:
		return p.nic.MemRegister(make([]byte, p.size), p.dstCQ, p.flags)
	}
}

// Release returns the region to the pool. Regions of another size, or
// released after Close, are deregistered immediately.
func (p *MRPool) Release(mr *MemoryRegion) {
	if p == nil || mr == nil {
		return
	}
	if p.closed.Load() || mr.Size() != p.size {
		_ = mr.Deregister()
		return
	}
	select {
	case p.pool <- mr:
	default:
		_ = mr.Deregister()
	}
}

// Close deregisters all pooled regions and prevents further acquisitions.
func (p *MRPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case mr := <-p.pool:
			_ = mr.Deregister()
		default:
			return
		}
	}
}
