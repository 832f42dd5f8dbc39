package hw

import (
	"sync"
)

// Generation selects the feature set of the simulated NIC.
type Generation int

const (
	// GenerationAries supports every transaction and collective operation.
	GenerationAries Generation = iota
	// GenerationGemini lacks floating-point collective addition.
	GenerationGemini
)

func (g Generation) String() string {
	switch g {
	case GenerationAries:
		return "aries"
	case GenerationGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

const (
	// nicAddressBase is the physical address of node 0's device.
	nicAddressBase = 0x100
	// memAddressBase is the first virtual address handed out to a registration.
	memAddressBase = 0x10000000
	memAlign       = 4096
	// MaxOutstanding bounds in-flight descriptors per endpoint.
	MaxOutstanding = 4096
)

// Option configures a Fabric.
type Option func(*Fabric)

// WithGeneration selects the hardware generation emulated by the fabric.
func WithGeneration(g Generation) Option {
	return func(f *Fabric) { f.gen = g }
}

// Fabric is the shared interconnect connecting every device of a job.
// All data movement and collective processing is serialized by its mutex.
type Fabric struct {
	mu      sync.Mutex
	gen     Generation
	devices map[int]*Device
	ports   map[PortKey]*Port
	nextMem uint64
	nextKey uint64
	faults  []Fault
}

// NewFabric constructs an empty interconnect.
func NewFabric(opts ...Option) *Fabric {
	f := &Fabric{
		devices: make(map[int]*Device),
		ports:   make(map[PortKey]*Port),
		nextMem: memAddressBase,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Generation reports the emulated hardware generation.
func (f *Fabric) Generation() Generation {
	return f.gen
}

// Device returns the NIC installed in node at index id, creating it on first use.
// Only device 0 exists on a node.
func (f *Fabric) Device(node, id int) (*Device, Return) {
	if node < 0 || id != 0 {
		return nil, InvalidParam
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[node]
	if !ok {
		dev = &Device{fabric: f, node: node, addr: uint32(nicAddressBase + node)}
		f.devices[node] = dev
	}
	return dev, Success
}

// Fault describes a failure injected into the next posted transaction.
type Fault struct {
	Code        Return
	Recoverable bool
	Message     string
}

// InjectFault queues a fault consumed by the next data transaction posted on the fabric.
func (f *Fabric) InjectFault(fault Fault) {
	if fault.Code == Success {
		fault.Code = TransactionError
	}
	f.mu.Lock()
	f.faults = append(f.faults, fault)
	f.mu.Unlock()
}

func (f *Fabric) takeFault() (Fault, bool) {
	if len(f.faults) == 0 {
		return Fault{}, false
	}
	fault := f.faults[0]
	f.faults = f.faults[1:]
	return fault, true
}

// Device is a physical NIC shared by all ranks on one node.
type Device struct {
	fabric *Fabric
	node   int
	addr   uint32
}

// Address reports the physical address of the device.
func (d *Device) Address() uint32 {
	return d.addr
}

// Node reports the node hosting the device.
func (d *Device) Node() int {
	return d.node
}

// PortKey identifies an attached communication domain instance.
type PortKey struct {
	Addr uint32
	Inst uint32
}

// Port is a communication domain instance attached to a device.
type Port struct {
	fabric  *Fabric
	dev     *Device
	key     PortKey
	ptag    uint8
	cookie  uint32
	regions map[uint64]*Region
	ces     map[uint32]*CeChannel
	nextCE  uint32
	cqs     int
	eps     int
	closed  bool
}

// Attach binds a communication domain instance (inst, ptag, cookie) to the device.
func (d *Device) Attach(inst uint32, ptag uint8, cookie uint32) (*Port, Return) {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	key := PortKey{Addr: d.addr, Inst: inst}
	if _, exists := f.ports[key]; exists {
		return nil, InvalidParam
	}
	p := &Port{
		fabric:  f,
		dev:     d,
		key:     key,
		ptag:    ptag,
		cookie:  cookie,
		regions: make(map[uint64]*Region),
		ces:     make(map[uint32]*CeChannel),
	}
	f.ports[key] = p
	return p, Success
}

// Key returns the port's fabric-wide identity.
func (p *Port) Key() PortKey {
	return p.key
}

// Detach removes the port from the fabric. Every queue, endpoint, region and
// collective channel created on it must already be released.
func (p *Port) Detach() Return {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return Success
	}
	if p.cqs > 0 || p.eps > 0 || len(p.regions) > 0 || len(p.ces) > 0 {
		return InvalidState
	}
	p.closed = true
	delete(f.ports, p.key)
	return Success
}

func (p *Port) credentialsMatch(other *Port) bool {
	return p.ptag == other.ptag && p.cookie == other.cookie
}
