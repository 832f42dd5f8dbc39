package gni

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// Backoff controls the delay between attempts of a Poll loop.
type Backoff struct {
	// Initial is the first delay after a not-done attempt. Zero yields the
	// processor without sleeping.
	Initial time.Duration
	// Max bounds the doubling delay.
	Max time.Duration
	// Timeout bounds the whole loop. Zero or negative waits until ctx is done.
	Timeout time.Duration
}

// DefaultBackoff starts at one millisecond and doubles up to ten.
var DefaultBackoff = Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond}

// WithTimeout returns a copy of b bounded by timeout.
func (b Backoff) WithTimeout(timeout time.Duration) Backoff {
	b.Timeout = timeout
	return b
}

// Poll calls fn until it returns something other than a not-done error.
// It returns fn's final error, ErrTimeout when the backoff timeout expires,
// or ctx.Err() when ctx is done first.
func Poll(ctx context.Context, b Backoff, fn func() error) error {
	if fn == nil {
		return errors.New("gni: nil poll function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline time.Time
	if b.Timeout > 0 {
		deadline = time.Now().Add(b.Timeout)
	}
	delay := b.Initial
	for {
		err := fn()
		if !IsNotDone(err) {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		if delay <= 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			runtime.Gosched()
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
}

// PollEvent polls cq until an event, failure or overrun is available.
func PollEvent(ctx context.Context, b Backoff, cq *CompletionQueue) (CqEntry, error) {
	var entry CqEntry
	err := Poll(ctx, b, func() error {
		var err error
		entry, err = cq.GetEvent()
		return err
	})
	return entry, err
}

// PollCeResult polls a posted reduction until its result has been gathered.
func PollCeResult(ctx context.Context, b Backoff, desc *PostDescriptor) (CeResult, error) {
	var res CeResult
	err := Poll(ctx, b, func() error {
		var err error
		res, err = CeCheckResult(desc)
		return err
	})
	return res, err
}
