package gni

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/gni-go/internal/hw"
)

// MemHandle is the opaque registration handle published to peers.
type MemHandle = hw.MemHandle

// MemFlags selects the access rights of a registration.
type MemFlags = hw.MemFlags

const (
	MemReadWrite       = hw.MemReadWrite
	MemReadOnly        = hw.MemReadOnly
	MemRelaxedOrdering = hw.MemRelaxedOrdering
)

// MemoryRegion wraps a registered buffer addressable by peers.
type MemoryRegion struct {
	nic    *Nic
	handle *hw.Region
}

// MemRegister registers buf for remote access. When dstCQ is non-nil, inbound
// transactions that request remote events raise them on dstCQ.
func (n *Nic) MemRegister(buf []byte, dstCQ *CompletionQueue, flags MemFlags) (*MemoryRegion, error) {
	if !n.valid() {
		return nil, ErrInvalidHandle{"nic"}
	}
	if len(buf) == 0 {
		return nil, errors.New("gni: memory registration requires non-empty buffer")
	}
	var cq *hw.CQ
	if dstCQ != nil {
		if dstCQ.handle == nil {
			return nil, ErrInvalidHandle{"completion queue"}
		}
		cq = dstCQ.handle
	}
	if flags == 0 {
		flags = MemReadWrite
	}
	region, rc := n.port.Register(buf, cq, flags)
	if rc != hw.Success {
		return nil, rc.WithOp("MemRegister")
	}
	return &MemoryRegion{nic: n, handle: region}, nil
}

// Handle returns the registration handle.
func (m *MemoryRegion) Handle() MemHandle {
	if m == nil || m.handle == nil {
		return MemHandle{}
	}
	return m.handle.Handle()
}

// Address returns the virtual base address of the registration.
func (m *MemoryRegion) Address() uint64 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.Address()
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.Len()
}

// Remote returns the descriptor peers use to address this region.
func (m *MemoryRegion) Remote() RemoteMemory {
	return RemoteMemory{Handle: m.Handle(), Address: m.Address()}
}

// ReadAt copies registered bytes starting at offset into dst. Reads are
// ordered with respect to inbound transactions.
func (m *MemoryRegion) ReadAt(dst []byte, offset int) error {
	if m == nil || m.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	return hw.Check(m.handle.ReadAt(dst, offset), "MemRead")
}

// WriteAt copies src into the registration starting at offset.
func (m *MemoryRegion) WriteAt(src []byte, offset int) error {
	if m == nil || m.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	return hw.Check(m.handle.WriteAt(src, offset), "MemWrite")
}

// Load64 reads the little-endian word at offset.
func (m *MemoryRegion) Load64(offset int) (uint64, error) {
	if m == nil || m.handle == nil {
		return 0, ErrInvalidHandle{"memory region"}
	}
	v, rc := m.handle.Load64(offset)
	return v, hw.Check(rc, "MemLoad")
}

// Store64 writes a little-endian word at offset.
func (m *MemoryRegion) Store64(offset int, v uint64) error {
	if m == nil || m.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	return hw.Check(m.handle.Store64(offset, v), "MemStore")
}

// Fill stores v into every word of the registration.
func (m *MemoryRegion) Fill(v uint64) error {
	if m == nil || m.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	buf := make([]byte, m.handle.Len()/8*8)
	for off := 0; off < len(buf); off += 8 {
		binary.LittleEndian.PutUint64(buf[off:], v)
	}
	return m.WriteAt(buf, 0)
}

// Deregister releases the registration. Calling it again is a no-op.
func (m *MemoryRegion) Deregister() error {
	if m == nil || m.handle == nil {
		return nil
	}
	if rc := m.handle.Deregister(); rc != hw.Success {
		return rc.WithOp("MemDeregister")
	}
	m.handle = nil
	return nil
}

// RemoteMemorySize is the encoded length of a RemoteMemory record.
const RemoteMemorySize = 24

// RemoteMemory is the {handle, address} tuple a rank publishes for its region.
type RemoteMemory struct {
	Handle  MemHandle
	Address uint64
}

// MarshalBinary encodes the descriptor as a fixed little-endian record.
func (r RemoteMemory) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RemoteMemorySize)
	binary.LittleEndian.PutUint64(buf[0:], r.Handle.Qword1)
	binary.LittleEndian.PutUint64(buf[8:], r.Handle.Qword2)
	binary.LittleEndian.PutUint64(buf[16:], r.Address)
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (r *RemoteMemory) UnmarshalBinary(data []byte) error {
	if len(data) != RemoteMemorySize {
		return fmt.Errorf("gni: remote memory record has %d bytes, want %d", len(data), RemoteMemorySize)
	}
	r.Handle.Qword1 = binary.LittleEndian.Uint64(data[0:])
	r.Handle.Qword2 = binary.LittleEndian.Uint64(data[8:])
	r.Address = binary.LittleEndian.Uint64(data[16:])
	return nil
}
