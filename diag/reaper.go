package diag

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/gni-go/gni"
)

// EventIDScheme derives the instance ids completions must carry for a
// (sender, receiver) pair.
type EventIDScheme struct {
	Multiplier uint32
}

// Local is the id reported on the sender's source queue.
func (s EventIDScheme) Local(sender, receiver int) uint32 {
	return uint32(sender)*s.Multiplier + uint32(receiver)
}

// Remote is the id reported on the receiver's destination queue.
func (s EventIDScheme) Remote(sender, receiver int) uint32 {
	return uint32(receiver)*s.Multiplier + uint32(sender)
}

// Outcome classifies a reaped completion event.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransactionError
	OutcomeOverrun
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransactionError:
		return "transaction_error"
	case OutcomeOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// Completion is one classified event.
type Completion struct {
	Outcome Outcome
	Entry   gni.CqEntry
	// Descriptor is set for local completions.
	Descriptor  *gni.PostDescriptor
	Recoverable bool
	Detail      string
}

// Reaper polls completion queues of a fabric context and verifies the
// identity of every event it retrieves.
type Reaper struct {
	fc      *FabricContext
	backoff gni.Backoff
	// TolerateOverrun accepts overruns as the provoked outcome of a test mode.
	TolerateOverrun bool
}

// NewReaper returns a reaper using the context's options.
func NewReaper(fc *FabricContext) *Reaper {
	return &Reaper{
		fc:              fc,
		backoff:         fc.Options.Backoff,
		TolerateOverrun: fc.Options.Overrun,
	}
}

// ReapLocal waits for the next local completion of a transaction posted to
// peer and verifies its instance id.
func (r *Reaper) ReapLocal(ctx context.Context, peer int) (Completion, error) {
	c, err := r.reap(ctx, r.fc.SrcCQ, "source")
	if err != nil {
		return c, err
	}
	r.verify(c, "local_event_id", r.fc.Scheme.Local(r.fc.Rank, peer), peer)
	return c, nil
}

// ReapRemote waits for the next inbound event, expected from peer, on the
// destination queue.
func (r *Reaper) ReapRemote(ctx context.Context, peer int) (Completion, error) {
	if r.fc.DstCQ == nil {
		return Completion{}, gni.ErrInvalidHandle{Resource: "destination completion queue"}
	}
	c, err := r.reap(ctx, r.fc.DstCQ, "destination")
	if err != nil {
		return c, err
	}
	r.verify(c, "remote_event_id", r.fc.Scheme.Remote(peer, r.fc.Rank), peer)
	return c, nil
}

func (r *Reaper) verify(c Completion, check string, want uint32, peer int) {
	switch c.Outcome {
	case OutcomeSuccess:
		r.fc.Check(c.Entry.InstID() == want, check, "peer %d: inst id %d, want %d", peer, c.Entry.InstID(), want)
	case OutcomeTransactionError:
		r.fc.Check(false, "transaction", "peer %d: recoverable transaction error: %s", peer, c.Detail)
	case OutcomeOverrun:
		r.fc.Check(true, "overrun", "")
	}
}

// Drain empties cq without waiting and reports how many events and overruns
// it held. Overruns are fabric failures unless TolerateOverrun is set.
func (r *Reaper) Drain(cq *gni.CompletionQueue) (events, overruns int, err error) {
	for {
		entry, err := cq.GetEvent()
		switch {
		case err == nil:
			events++
			if entry.IsPost() {
				if _, err := cq.GetCompleted(entry); err != nil {
					return events, overruns, fmt.Errorf("get completed: %w", err)
				}
			}
		case gni.IsNotDone(err):
			return events, overruns, nil
		case entry.Overrun():
			overruns++
			r.fc.tel.trace("cq_overrun", logKV(labelQueue, "drain"))
			if !r.TolerateOverrun {
				return events, overruns, fmt.Errorf("unexpected overrun: %w", err)
			}
		default:
			return events, overruns, err
		}
	}
}

func (r *Reaper) reap(ctx context.Context, cq *gni.CompletionQueue, queue string) (Completion, error) {
	entry, err := gni.PollEvent(ctx, r.backoff, cq)
	switch {
	case err == nil:
		c := Completion{Outcome: OutcomeSuccess, Entry: entry}
		if entry.IsPost() {
			desc, err := cq.GetCompleted(entry)
			if err != nil {
				return c, fmt.Errorf("%s queue: get completed: %w", queue, err)
			}
			c.Descriptor = desc
		}
		r.fc.tel.metricReaped(logKV(labelQueue, queue), logKV(labelStatus, c.Outcome))
		return c, nil

	case entry.Overrun():
		c := Completion{Outcome: OutcomeOverrun, Entry: entry, Recoverable: true, Detail: cq.ErrorStr(entry)}
		r.fc.tel.failure("cq_overrun", err, logKV(labelQueue, queue), logKV("tolerated", r.TolerateOverrun))
		if r.TolerateOverrun {
			return c, nil
		}
		return c, fmt.Errorf("%s queue: %s: %w", queue, c.Detail, err)

	case errors.Is(err, gni.RcTransactionError):
		c := Completion{
			Outcome:     OutcomeTransactionError,
			Entry:       entry,
			Recoverable: cq.ErrorRecoverable(entry),
			Detail:      cq.ErrorStr(entry),
		}
		if entry.IsPost() {
			if desc, gerr := cq.GetCompleted(entry); gerr == nil {
				c.Descriptor = desc
			}
		}
		r.fc.tel.failure("transaction_error", err, logKV(labelQueue, queue), logKV("recoverable", c.Recoverable), logKV("detail", c.Detail))
		if c.Recoverable {
			return c, nil
		}
		return c, fmt.Errorf("%s queue: %s: %w", queue, c.Detail, err)

	default:
		return Completion{}, fmt.Errorf("%s queue: %w", queue, err)
	}
}
