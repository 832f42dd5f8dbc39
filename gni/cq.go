package gni

import (
	"time"

	"github.com/rocketbitz/gni-go/internal/hw"
)

// CqWaitMode selects whether WaitEvent may be used on a queue.
type CqWaitMode uint8

const (
	// CqNonBlocking queues are polled with GetEvent only.
	CqNonBlocking CqWaitMode = iota
	// CqBlocking queues additionally support WaitEvent.
	CqBlocking
)

// CompletionQueue exposes a completion queue handle.
type CompletionQueue struct {
	nic    *Nic
	handle *hw.CQ
}

// CqEntry is one completion event.
type CqEntry struct {
	raw hw.Entry
}

// InstID returns the instance or event id carried by the event.
func (e CqEntry) InstID() uint32 {
	return e.raw.InstID
}

// Overrun reports whether the event signals dropped entries. The payload of
// an overrun event carries no identity.
func (e CqEntry) Overrun() bool {
	return e.raw.Overrun
}

// IsPost reports whether the event confirms a locally posted descriptor.
func (e CqEntry) IsPost() bool {
	return e.raw.Kind == hw.EntryPost
}

// IsRemote reports whether the event notifies of an inbound transaction.
func (e CqEntry) IsRemote() bool {
	return e.raw.Kind == hw.EntryRemote
}

// IsCe reports whether the event was raised by a collective channel.
func (e CqEntry) IsCe() bool {
	return e.raw.Kind == hw.EntryCe
}

// Source returns the NIC address and instance id of the originating peer.
func (e CqEntry) Source() (addr, inst uint32) {
	return e.raw.Source.Addr, e.raw.Source.Inst
}

// CeStatus returns the status reported by a collective channel event.
func (e CqEntry) CeStatus() CeStatus {
	return e.raw.CeStatus
}

// Failed reports whether the event carries a transaction error.
func (e CqEntry) Failed() bool {
	return e.raw.Err != nil
}

// CqCreate creates a completion queue with room for entries events.
func (n *Nic) CqCreate(entries int, mode CqWaitMode) (*CompletionQueue, error) {
	if !n.valid() {
		return nil, ErrInvalidHandle{"nic"}
	}
	cq, rc := n.port.CreateCQ(entries, mode == CqBlocking)
	if rc != hw.Success {
		return nil, rc.WithOp("CqCreate")
	}
	return &CompletionQueue{nic: n, handle: cq}, nil
}

// Capacity reports the number of events the queue holds before overrunning.
func (c *CompletionQueue) Capacity() int {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.Capacity()
}

// GetEvent returns the next event without blocking. It returns ErrNotDone when
// the queue is empty, an RcTransactionError error together with the entry for
// failed transactions and an RcError error with Overrun set after entries were dropped.
func (c *CompletionQueue) GetEvent() (CqEntry, error) {
	if c == nil || c.handle == nil {
		return CqEntry{}, ErrInvalidHandle{"completion queue"}
	}
	e, rc := c.handle.Get()
	return c.classify(e, rc, "CqGetEvent")
}

// WaitEvent blocks until an event arrives or timeout elapses. A negative
// timeout waits indefinitely. Only blocking queues support WaitEvent.
func (c *CompletionQueue) WaitEvent(timeout time.Duration) (CqEntry, error) {
	return c.WaitEventDone(nil, timeout)
}

// WaitEventDone is WaitEvent that also returns ErrTimeout when done is closed.
func (c *CompletionQueue) WaitEventDone(done <-chan struct{}, timeout time.Duration) (CqEntry, error) {
	if c == nil || c.handle == nil {
		return CqEntry{}, ErrInvalidHandle{"completion queue"}
	}
	e, rc := c.handle.Wait(done, timeout)
	return c.classify(e, rc, "CqWaitEvent")
}

func (c *CompletionQueue) classify(e hw.Entry, rc hw.Return, op string) (CqEntry, error) {
	switch rc {
	case hw.Success:
		return CqEntry{raw: e}, nil
	case hw.NotDone, hw.Timeout:
		return CqEntry{}, rc
	default:
		return CqEntry{raw: e}, rc.WithOp(op)
	}
}

// GetCompleted returns the descriptor a local completion belongs to and
// releases its endpoint slot. Error completions also resolve to their descriptor.
func (c *CompletionQueue) GetCompleted(entry CqEntry) (*PostDescriptor, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if !entry.IsPost() {
		return nil, RcInvalidParam.WithOp("CqGetCompleted")
	}
	desc, err := resolveCompletion(entry.raw.Endpoint(), entry.raw.Token)
	if err != nil {
		return nil, err
	}
	c.handle.Retire(entry.raw)
	if entry.raw.Err != nil {
		desc.failed = true
	}
	return desc, nil
}

// ErrorStr returns the diagnostic attached to a failed or overrun event.
func (c *CompletionQueue) ErrorStr(entry CqEntry) string {
	switch {
	case entry.raw.Overrun:
		return "completion queue overrun: events were dropped"
	case entry.raw.Err != nil:
		return entry.raw.Err.Code.String() + ": " + entry.raw.Err.Message
	default:
		return ""
	}
}

// ErrorRecoverable reports whether the failure attached to entry is recoverable.
func (c *CompletionQueue) ErrorRecoverable(entry CqEntry) bool {
	if entry.raw.Overrun {
		return true
	}
	return entry.raw.Err != nil && entry.raw.Err.Recoverable
}

// Destroy releases the queue. It fails with RcInvalidState while endpoints,
// registrations or channels still reference it.
func (c *CompletionQueue) Destroy() error {
	if c == nil || c.handle == nil {
		return nil
	}
	if rc := c.handle.Destroy(); rc != hw.Success {
		return rc.WithOp("CqDestroy")
	}
	c.handle = nil
	return nil
}
