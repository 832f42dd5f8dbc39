package gni

import (
	"github.com/rocketbitz/gni-go/internal/hw"
)

// Endpoint is a logical channel from this instance to exactly one remote instance.
type Endpoint struct {
	nic    *Nic
	cq     *CompletionQueue
	handle *hw.Endpoint
}

// EpCreate creates an unbound endpoint whose local completions are reported on cq.
func (n *Nic) EpCreate(cq *CompletionQueue) (*Endpoint, error) {
	if !n.valid() {
		return nil, ErrInvalidHandle{"nic"}
	}
	if cq == nil || cq.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	ep, rc := n.port.CreateEndpoint(cq.handle)
	if rc != hw.Success {
		return nil, rc.WithOp("EpCreate")
	}
	return &Endpoint{nic: n, cq: cq, handle: ep}, nil
}

// Bind attaches the endpoint to instance remoteInst on the NIC at remoteAddr.
// Binding more than once fails with RcInvalidState.
func (e *Endpoint) Bind(remoteAddr, remoteInst uint32) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return hw.Check(e.handle.Bind(remoteAddr, remoteInst), "EpBind")
}

// SetEventData sets the ids carried by local and remote completions of
// subsequent posts on this endpoint.
func (e *Endpoint) SetEventData(local, remote uint32) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return hw.Check(e.handle.SetEventData(local, remote), "EpSetEventData")
}

// Remote returns the bound peer address and instance id.
func (e *Endpoint) Remote() (addr, inst uint32, bound bool) {
	if e == nil || e.handle == nil {
		return 0, 0, false
	}
	key, ok := e.handle.Remote()
	return key.Addr, key.Inst, ok
}

// Outstanding reports posted descriptors whose local completion has not been retrieved.
func (e *Endpoint) Outstanding() int {
	if e == nil || e.handle == nil {
		return 0
	}
	return e.handle.Outstanding()
}

// CompletionQueue returns the queue receiving the endpoint's local completions.
func (e *Endpoint) CompletionQueue() *CompletionQueue {
	if e == nil {
		return nil
	}
	return e.cq
}

// Unbind detaches the endpoint from its peer. It fails with RcNotDone while
// completions are outstanding.
func (e *Endpoint) Unbind() error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return hw.Check(e.handle.Unbind(), "EpUnbind")
}

// Destroy unbinds and releases the endpoint.
func (e *Endpoint) Destroy() error {
	if e == nil || e.handle == nil {
		return nil
	}
	if rc := e.handle.Destroy(); rc != hw.Success {
		return rc.WithOp("EpDestroy")
	}
	releaseCompletions(e.handle)
	e.handle = nil
	return nil
}
