package gni

import (
	"github.com/rocketbitz/gni-go/internal/hw"
)

// CeOp is a collective reduction operation.
type CeOp = hw.CeOp

const (
	CeOpAnd      = hw.CeOpAnd
	CeOpOr       = hw.CeOpOr
	CeOpXor      = hw.CeOpXor
	CeOpIAdd     = hw.CeOpIAdd
	CeOpFAdd     = hw.CeOpFAdd
	CeOpIMinLidx = hw.CeOpIMinLidx
	CeOpIMinGidx = hw.CeOpIMinGidx
	CeOpIMaxLidx = hw.CeOpIMaxLidx
	CeOpIMaxGidx = hw.CeOpIMaxGidx
	CeOpFMinLidx = hw.CeOpFMinLidx
	CeOpFMinGidx = hw.CeOpFMinGidx
	CeOpFMaxLidx = hw.CeOpFMaxLidx
	CeOpFMaxGidx = hw.CeOpFMaxGidx
)

// CeChildKind distinguishes process leaves from child channels.
type CeChildKind = hw.ChildKind

const (
	CeChildPE  = hw.ChildPE
	CeChildVCE = hw.ChildVCE
)

// CeMode holds channel configuration flags.
type CeMode = hw.CeMode

const (
	CeModeCQEOnlyOnError     = hw.CeModeCQEOnlyOnError
	CeModeRoundRobinFromZero = hw.CeModeRoundRobinFromZero
)

// CeStatus is the status flag delivered with a reduction result.
type CeStatus = hw.CeStatus

const (
	CeStatusOK                  = hw.CeStatusOK
	CeStatusJoinChildInvalid    = hw.CeStatusJoinChildInvalid
	CeStatusReductionIDMismatch = hw.CeStatusReductionIDMismatch
	CeStatusOpMismatch          = hw.CeStatusOpMismatch
)

// CeResult is the gathered outcome of a reduction.
type CeResult = hw.CeResult

// CeHandle is a per-node collective reduction channel.
type CeHandle struct {
	nic    *Nic
	handle *hw.CeChannel
}

// CeCreate allocates a reduction channel on the NIC.
func (n *Nic) CeCreate() (*CeHandle, error) {
	if !n.valid() {
		return nil, ErrInvalidHandle{"nic"}
	}
	ch, rc := n.port.CreateCe()
	if rc != hw.Success {
		return nil, rc.WithOp("CeCreate")
	}
	return &CeHandle{nic: n, handle: ch}, nil
}

// ID returns the channel id peers reference in SetCeAttr.
func (c *CeHandle) ID() uint32 {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.ID()
}

// Configure installs the channel's child endpoints, its optional parent
// endpoint and the queue receiving channel events.
func (c *CeHandle) Configure(children []*Endpoint, parent *Endpoint, cq *CompletionQueue, modes CeMode) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"ce"}
	}
	if cq == nil || cq.handle == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	eps := make([]*hw.Endpoint, 0, len(children))
	for _, child := range children {
		if child == nil || child.handle == nil {
			return ErrInvalidHandle{"endpoint"}
		}
		eps = append(eps, child.handle)
	}
	var up *hw.Endpoint
	if parent != nil {
		if parent.handle == nil {
			return ErrInvalidHandle{"endpoint"}
		}
		up = parent.handle
	}
	return hw.Check(c.handle.Configure(eps, up, cq.handle, modes), "CeConfigure")
}

// Destroy releases the channel.
func (c *CeHandle) Destroy() error {
	if c == nil || c.handle == nil {
		return nil
	}
	if rc := c.handle.Destroy(); rc != hw.Success {
		return rc.WithOp("CeDestroy")
	}
	c.handle = nil
	return nil
}

// SetCeAttr declares the channel, child slot and child kind the endpoint joins.
// It must be called before the channel is configured.
func (e *Endpoint) SetCeAttr(ceID, childID uint32, kind CeChildKind) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return hw.Check(e.handle.SetCeAttr(ceID, childID, kind), "EpSetCeAttr")
}

// PostCe posts a leaf contribution to the channel the endpoint targets.
func (e *Endpoint) PostCe(desc *PostDescriptor) error {
	if desc != nil && desc.Type != PostCe {
		return RcInvalidParam.WithOp("PostCe")
	}
	return e.post(desc, "PostCe")
}

// CeCheckResult returns the gathered result of a posted reduction, or
// ErrNotDone until it has arrived.
func CeCheckResult(desc *PostDescriptor) (CeResult, error) {
	if desc == nil || desc.tx == nil || desc.ep == nil || desc.Type != PostCe {
		return CeResult{}, RcInvalidParam.WithOp("CeCheckResult")
	}
	res, ok := desc.ep.CeResult(desc.tx)
	if !ok {
		return CeResult{}, ErrNotDone
	}
	return res, nil
}
