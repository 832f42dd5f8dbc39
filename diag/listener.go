package diag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/gni-go/gni"
)

// errorAbortCode is the job abort code raised by a channel fault.
const errorAbortCode = 2

// ErrorListener waits on a blocking channel queue and escalates every fault
// it receives. The leader is counted as aborted and the job is aborted so
// that no rank keeps waiting for a reduction that cannot complete.
type ErrorListener struct {
	fc *FabricContext
	cq *gni.CompletionQueue

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	faults int
}

// NewErrorListener returns a listener for cq. It does nothing until Start.
func NewErrorListener(fc *FabricContext, cq *gni.CompletionQueue) *ErrorListener {
	return &ErrorListener{fc: fc, cq: cq}
}

// Start launches the listening goroutine. It stops when ctx is done or Stop
// is called.
func (l *ErrorListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.listen(ctx.Done())
	}()
}

// Stop ends the goroutine, waits for it to return and handles any event
// still queued.
func (l *ErrorListener) Stop() error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	l.wg.Wait()
	for {
		entry, err := l.cq.GetEvent()
		if err != nil && !errors.Is(err, gni.RcTransactionError) && !entry.Overrun() {
			return nil
		}
		l.handle(entry, err)
	}
}

// Faults reports how many faults were received.
func (l *ErrorListener) Faults() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faults
}

func (l *ErrorListener) listen(done <-chan struct{}) {
	for {
		entry, err := l.cq.WaitEventDone(done, -1)
		if errors.Is(err, gni.ErrTimeout) || errors.Is(err, gni.RcInvalidState) {
			return
		}
		l.handle(entry, err)
	}
}

func (l *ErrorListener) handle(entry gni.CqEntry, err error) {
	if err == nil {
		l.fc.tel.event("channel_event", logKV("channel", entry.InstID()), logKV("status", entry.CeStatus()))
		return
	}
	l.escalate(entry, err)
}

func (l *ErrorListener) escalate(entry gni.CqEntry, err error) {
	l.mu.Lock()
	l.faults++
	l.mu.Unlock()

	detail := l.cq.ErrorStr(entry)
	if entry.Overrun() {
		detail = "fault queue overrun"
	}
	l.fc.tel.failure("channel_fault", err, logKV("channel", entry.InstID()), logKV("status", entry.CeStatus()), logKV("detail", detail))
	l.fc.Check(false, "ce_channel", "channel %d: %s (%s)", entry.InstID(), entry.CeStatus(), detail)
	l.fc.results.Abort(l.fc.Rank, fmt.Errorf("channel %d fault: %s: %w", entry.InstID(), detail, err))
	l.fc.Proc.Abort(errorAbortCode, fmt.Sprintf("rank %d: channel %d fault: %s", l.fc.Rank, entry.InstID(), detail))
}
