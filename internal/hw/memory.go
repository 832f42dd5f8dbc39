package hw

import (
	"encoding/binary"
)

// MemHandle is the opaque registration handle published to peers.
type MemHandle struct {
	Qword1 uint64
	Qword2 uint64
}

// IsZero reports whether the handle was never assigned.
func (h MemHandle) IsZero() bool {
	return h.Qword1 == 0 && h.Qword2 == 0
}

// MemFlags selects the access rights of a registration.
type MemFlags uint32

const (
	MemReadWrite MemFlags = 1 << iota
	MemReadOnly
	MemRelaxedOrdering
)

// Region is a registered buffer addressable by peers through its virtual base address.
type Region struct {
	port     *Port
	handle   MemHandle
	base     uint64
	buf      []byte
	cq       *CQ
	flags    MemFlags
	released bool
}

// Register makes buf remotely addressable. When cq is non-nil inbound
// completions targeting the region raise events on it.
func (p *Port) Register(buf []byte, cq *CQ, flags MemFlags) (*Region, Return) {
	if len(buf) == 0 {
		return nil, InvalidParam
	}
	if flags&(MemReadWrite|MemReadOnly) == 0 || flags&MemReadWrite != 0 && flags&MemReadOnly != 0 {
		return nil, InvalidParam
	}
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return nil, InvalidState
	}
	if cq != nil {
		if cq.port != p || cq.destroyed {
			return nil, InvalidParam
		}
		cq.refs++
	}
	base := f.nextMem
	span := (uint64(len(buf)) + memAlign - 1) / memAlign * memAlign
	f.nextMem += span + memAlign
	f.nextKey++
	key := f.nextKey
	r := &Region{
		port:   p,
		handle: MemHandle{Qword1: base, Qword2: key<<8 | uint64(p.ptag)},
		base:   base,
		buf:    buf,
		cq:     cq,
		flags:  flags,
	}
	p.regions[r.handle.Qword2] = r
	return r, Success
}

// Handle returns the registration handle.
func (r *Region) Handle() MemHandle {
	return r.handle
}

// Address returns the virtual base address of the region.
func (r *Region) Address() uint64 {
	return r.base
}

// Len returns the registered length in bytes.
func (r *Region) Len() int {
	return len(r.buf)
}

// Deregister releases the registration. Subsequent remote accesses fail.
func (r *Region) Deregister() Return {
	f := r.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.released {
		return Success
	}
	r.released = true
	delete(r.port.regions, r.handle.Qword2)
	if r.cq != nil {
		r.cq.refs--
	}
	return Success
}

// ReadAt copies region bytes starting at offset into dst.
func (r *Region) ReadAt(dst []byte, offset int) Return {
	f := r.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.released {
		return InvalidState
	}
	if offset < 0 || offset+len(dst) > len(r.buf) {
		return InvalidParam
	}
	copy(dst, r.buf[offset:])
	return Success
}

// WriteAt copies src into the region starting at offset.
func (r *Region) WriteAt(src []byte, offset int) Return {
	f := r.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.released {
		return InvalidState
	}
	if offset < 0 || offset+len(src) > len(r.buf) {
		return InvalidParam
	}
	copy(r.buf[offset:], src)
	return Success
}

// Load64 reads the little-endian word at offset.
func (r *Region) Load64(offset int) (uint64, Return) {
	var word [8]byte
	if rc := r.ReadAt(word[:], offset); rc != Success {
		return 0, rc
	}
	return binary.LittleEndian.Uint64(word[:]), Success
}

// Store64 writes a little-endian word at offset.
func (r *Region) Store64(offset int, v uint64) Return {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], v)
	return r.WriteAt(word[:], offset)
}

// resolve maps (handle, addr, length) to the backing bytes. Caller holds the fabric mutex.
func (p *Port) resolve(h MemHandle, addr, length uint64) (*Region, []byte, Return) {
	r, ok := p.regions[h.Qword2]
	if !ok || r.released || r.handle != h {
		return nil, nil, InvalidParam
	}
	if addr < r.base || addr+length > r.base+uint64(len(r.buf)) || addr+length < addr {
		return nil, nil, SizeError
	}
	off := addr - r.base
	return r, r.buf[off : off+length], Success
}
