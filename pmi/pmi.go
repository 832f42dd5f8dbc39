// Package pmi provides the process-management interface a job uses for
// bootstrap: rank discovery, node membership, all-gather, barrier and abort.
package pmi

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAborted indicates that a rank aborted the job.
	ErrAborted = errors.New("pmi: job aborted")
	// ErrFinalized indicates that the calling rank already finalized.
	ErrFinalized = errors.New("pmi: rank finalized")
)

// Provider is the bootstrap collaborator consumed by a rank. Collective
// operations block until every rank of the job has entered them.
type Provider interface {
	// Init reports whether this process was the first spawned rank.
	Init() (bool, error)
	Rank() int
	Size() int
	// Node identifies the host the rank runs on.
	Node() int
	CliqueSize() int
	// CliqueRanks lists the ranks sharing this rank's node in ascending order.
	CliqueRanks() []int
	// AllGather returns every rank's value indexed by rank. All values must
	// have the same length.
	AllGather(ctx context.Context, local []byte) ([][]byte, error)
	Barrier(ctx context.Context) error
	// Abort terminates the whole job. Blocked collectives on every rank return ErrAborted.
	Abort(code int, msg string)
	Finalize() error
}

// Logger receives structured bootstrap events.
type Logger interface {
	Debugw(msg string, keyvals ...any)
}

// AbortError records the code and message of the rank that aborted a job.
type AbortError struct {
	Rank int
	Code int
	Msg  string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("pmi: rank %d aborted job with code %d: %s", e.Rank, e.Code, e.Msg)
}

// Unwrap allows errors.Is(err, ErrAborted).
func (e *AbortError) Unwrap() error {
	return ErrAborted
}
