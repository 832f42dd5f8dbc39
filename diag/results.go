package diag

import (
	"fmt"
	"io"
	"sync"
)

// Results accumulates the outcome of every check performed during a run.
// It is safe for concurrent use by all ranks.
type Results struct {
	mu        sync.Mutex
	passed    int
	failed    int
	aborted   int
	tolerated int
	failures  []string
}

// NewResults returns an empty result set.
func NewResults() *Results {
	return &Results{}
}

// Pass records a successful check.
func (r *Results) Pass() {
	r.mu.Lock()
	r.passed++
	r.mu.Unlock()
}

// Fail records a failed check together with its diagnostic line.
func (r *Results) Fail(rank int, format string, args ...any) {
	line := fmt.Sprintf("rank %d: ", rank) + fmt.Sprintf(format, args...)
	r.mu.Lock()
	r.failed++
	r.failures = append(r.failures, line)
	r.mu.Unlock()
}

// Abort records a fabric-level failure that ended a rank's run.
func (r *Results) Abort(rank int, err error) {
	r.mu.Lock()
	r.aborted++
	r.failures = append(r.failures, fmt.Sprintf("rank %d: aborted: %v", rank, err))
	r.mu.Unlock()
}

// Tolerate records a known outcome that is neither a pass nor a failure.
func (r *Results) Tolerate() {
	r.mu.Lock()
	r.tolerated++
	r.mu.Unlock()
}

// Summary is a snapshot of the accumulated counters.
type Summary struct {
	Passed    int
	Failed    int
	Aborted   int
	Tolerated int
	Failures  []string
}

// Summary returns a snapshot of the counters.
func (r *Results) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		Passed:    r.passed,
		Failed:    r.failed,
		Aborted:   r.aborted,
		Tolerated: r.tolerated,
		Failures:  append([]string(nil), r.failures...),
	}
}

// ExitCode is the number of failed checks plus aborted ranks.
func (s Summary) ExitCode() int {
	return s.Failed + s.Aborted
}

func (s Summary) String() string {
	return fmt.Sprintf("passed=%d failed=%d aborted=%d tolerated=%d", s.Passed, s.Failed, s.Aborted, s.Tolerated)
}

// Print writes the failure lines followed by the counters.
func (s Summary) Print(w io.Writer, name string) {
	for _, line := range s.Failures {
		fmt.Fprintf(w, "%s: %s\n", name, line)
	}
	fmt.Fprintf(w, "%s: %s\n", name, s)
}
