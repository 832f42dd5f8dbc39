package hw

import (
	"sync"
	"time"

	"github.com/unixpickle/essentials"
)

// EntryKind classifies a completion queue entry.
type EntryKind uint8

const (
	// EntryPost confirms a locally issued transaction.
	EntryPost EntryKind = iota + 1
	// EntryRemote notifies of an inbound remote-initiated completion.
	EntryRemote
	// EntryCe is raised by a collective channel.
	EntryCe
)

func (k EntryKind) String() string {
	switch k {
	case EntryPost:
		return "post"
	case EntryRemote:
		return "remote"
	case EntryCe:
		return "ce"
	default:
		return "unknown"
	}
}

// TxError carries the diagnostic attached to a failed transaction.
type TxError struct {
	Code        Return
	Recoverable bool
	Message     string
}

// Entry is one completion queue event.
type Entry struct {
	Kind     EntryKind
	InstID   uint32
	Source   PortKey
	Token    uint64
	Overrun  bool
	Err      *TxError
	CeStatus CeStatus

	ep *Endpoint
}

// Endpoint returns the endpoint that posted the transaction, if any.
func (e Entry) Endpoint() *Endpoint {
	return e.ep
}

// CQ is a bounded completion ring. When full, further entries are dropped
// and the next read reports an overrun.
type CQ struct {
	port     *Port
	capacity int
	blocking bool

	mu      sync.Mutex
	entries []Entry
	overrun bool
	notify  chan struct{}
	closed  chan struct{}

	// guarded by fabric mutex
	refs      int
	destroyed bool
}

// CreateCQ allocates a completion queue with room for entries events.
func (p *Port) CreateCQ(entries int, blocking bool) (*CQ, Return) {
	if entries <= 0 {
		return nil, InvalidParam
	}
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return nil, InvalidState
	}
	p.cqs++
	return &CQ{
		port:     p,
		capacity: entries,
		blocking: blocking,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}, Success
}

// Capacity reports the number of entries the queue can hold.
func (q *CQ) Capacity() int {
	return q.capacity
}

// Blocking reports whether Wait may be used on the queue.
func (q *CQ) Blocking() bool {
	return q.blocking
}

func (q *CQ) push(e Entry) {
	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		q.overrun = true
	} else {
		q.entries = append(q.entries, e)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get returns the next event without blocking.
func (q *CQ) Get() (Entry, Return) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.overrun {
		q.overrun = false
		return Entry{Overrun: true}, Error
	}
	if len(q.entries) == 0 {
		return Entry{}, NotDone
	}
	e := q.entries[0]
	essentials.OrderedDelete(&q.entries, 0)
	if e.Err != nil {
		return e, TransactionError
	}
	return e, Success
}

// Wait blocks until an event arrives, the timeout elapses, done is closed or
// the queue is destroyed. A negative timeout waits indefinitely.
func (q *CQ) Wait(done <-chan struct{}, timeout time.Duration) (Entry, Return) {
	if !q.blocking {
		return Entry{}, InvalidParam
	}
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		e, rc := q.Get()
		if rc != NotDone {
			return e, rc
		}
		select {
		case <-q.notify:
		case <-expired:
			return Entry{}, Timeout
		case <-done:
			return Entry{}, Timeout
		case <-q.closed:
			return Entry{}, InvalidState
		}
	}
}

// Retire releases the endpoint slot held by a reaped local completion.
func (q *CQ) Retire(e Entry) {
	if e.ep == nil || e.Kind != EntryPost {
		return
	}
	f := q.port.fabric
	f.mu.Lock()
	e.ep.retire(e.Token)
	f.mu.Unlock()
}

// Destroy releases the queue. It fails while endpoints, memory registrations
// or collective channels still reference it.
func (q *CQ) Destroy() Return {
	f := q.port.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.destroyed {
		return Success
	}
	if q.refs > 0 {
		return InvalidState
	}
	q.destroyed = true
	q.port.cqs--
	close(q.closed)
	return Success
}
