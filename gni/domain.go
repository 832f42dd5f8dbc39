package gni

import (
	"github.com/rocketbitz/gni-go/internal/hw"
)

// Generation selects the emulated hardware feature set.
type Generation = hw.Generation

const (
	GenerationAries  = hw.GenerationAries
	GenerationGemini = hw.GenerationGemini
)

// Fault describes a failure injected into the next posted data transaction.
type Fault = hw.Fault

// FabricOption configures a Fabric.
type FabricOption = hw.Option

// WithGeneration selects the hardware generation emulated by the fabric.
func WithGeneration(g Generation) FabricOption {
	return hw.WithGeneration(g)
}

// Fabric is the interconnect shared by every rank of a job.
type Fabric struct {
	handle *hw.Fabric
}

// NewFabric constructs an interconnect with no attached devices.
func NewFabric(opts ...FabricOption) *Fabric {
	return &Fabric{handle: hw.NewFabric(opts...)}
}

// Generation reports the emulated hardware generation.
func (f *Fabric) Generation() Generation {
	if f == nil || f.handle == nil {
		return GenerationAries
	}
	return f.handle.Generation()
}

// InjectFault queues a failure for the next data transaction posted on the fabric.
func (f *Fabric) InjectFault(fault Fault) {
	if f == nil || f.handle == nil {
		return
	}
	f.handle.InjectFault(fault)
}

// CdmMode holds communication domain creation flags.
type CdmMode uint32

const (
	// CdmModeForkNoCopy leaves registered memory unprotected across fork.
	CdmModeForkNoCopy CdmMode = 1 << iota
	// CdmModeFmaShared allows FMA descriptors to be shared between domains.
	CdmModeFmaShared
	// CdmModeErrNoKill reports fatal transaction errors instead of terminating the process.
	CdmModeErrNoKill
)

// CommunicationDomain binds a process instance id and job credentials to a node.
type CommunicationDomain struct {
	fabric *Fabric
	node   int
	instID uint32
	ptag   uint8
	cookie uint32
	modes  CdmMode
	nic    *Nic
}

// CdmCreate creates a communication domain for instance instID running on node.
func CdmCreate(fabric *Fabric, node int, instID uint32, ptag uint8, cookie uint32, modes CdmMode) (*CommunicationDomain, error) {
	if fabric == nil || fabric.handle == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	if node < 0 {
		return nil, RcInvalidParam.WithOp("CdmCreate")
	}
	return &CommunicationDomain{
		fabric: fabric,
		node:   node,
		instID: instID,
		ptag:   ptag,
		cookie: cookie,
		modes:  modes,
	}, nil
}

// InstID returns the instance id the domain was created with.
func (c *CommunicationDomain) InstID() uint32 {
	if c == nil {
		return 0
	}
	return c.instID
}

// Modes returns the creation flags.
func (c *CommunicationDomain) Modes() CdmMode {
	if c == nil {
		return 0
	}
	return c.modes
}

// Attach binds the domain to NIC deviceID on its node and returns the NIC
// together with its physical address. A domain attaches at most once.
func (c *CommunicationDomain) Attach(deviceID int) (*Nic, uint32, error) {
	if c == nil || c.fabric == nil {
		return nil, 0, ErrInvalidHandle{"communication domain"}
	}
	if c.nic != nil {
		return nil, 0, RcInvalidState.WithOp("CdmAttach")
	}
	dev, rc := c.fabric.handle.Device(c.node, deviceID)
	if rc != hw.Success {
		return nil, 0, rc.WithOp("CdmAttach")
	}
	port, rc := dev.Attach(c.instID, c.ptag, c.cookie)
	if rc != hw.Success {
		return nil, 0, rc.WithOp("CdmAttach")
	}
	c.nic = &Nic{cdm: c, port: port, addr: dev.Address()}
	return c.nic, dev.Address(), nil
}

// Destroy detaches the domain from its NIC. It fails with RcInvalidState while
// queues, endpoints, registrations or collective channels remain.
func (c *CommunicationDomain) Destroy() error {
	if c == nil {
		return nil
	}
	if c.nic != nil {
		if rc := c.nic.port.Detach(); rc != hw.Success {
			return rc.WithOp("CdmDestroy")
		}
		c.nic.port = nil
		c.nic = nil
	}
	c.fabric = nil
	return nil
}

// Nic is the attached network interface of a communication domain.
type Nic struct {
	cdm  *CommunicationDomain
	port *hw.Port
	addr uint32
}

// Address returns the physical NIC address peers bind to.
func (n *Nic) Address() uint32 {
	if n == nil {
		return 0
	}
	return n.addr
}

// InstID returns the instance id of the owning domain.
func (n *Nic) InstID() uint32 {
	if n == nil || n.cdm == nil {
		return 0
	}
	return n.cdm.instID
}

// Generation reports the hardware generation of the NIC.
func (n *Nic) Generation() Generation {
	if n == nil || n.cdm == nil {
		return GenerationAries
	}
	return n.cdm.fabric.Generation()
}

func (n *Nic) valid() bool {
	return n != nil && n.port != nil
}
