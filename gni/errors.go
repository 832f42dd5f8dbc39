package gni

import (
	"errors"

	"github.com/rocketbitz/gni-go/internal/hw"
)

// Return re-exports the interconnect status type for consumers of the gni package.
type Return = hw.Return

const (
	RcSuccess          = hw.Success
	RcNotDone          = hw.NotDone
	RcInvalidParam     = hw.InvalidParam
	RcErrorResource    = hw.ErrorResource
	RcTimeout          = hw.Timeout
	RcPermissionError  = hw.PermissionError
	RcDescriptorError  = hw.DescriptorError
	RcAlignmentError   = hw.AlignmentError
	RcInvalidState     = hw.InvalidState
	RcNoMatch          = hw.NoMatch
	RcSizeError        = hw.SizeError
	RcTransactionError = hw.TransactionError
	RcIllegalOp        = hw.IllegalOp
	RcErrorNoMem       = hw.ErrorNoMem
	RcError            = hw.Error
)

var (
	// ErrNotDone indicates that no event or result was available yet.
	ErrNotDone error = hw.NotDone
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout error = hw.Timeout
	// ErrDescriptorUnknown indicates that a completion did not match any posted descriptor.
	ErrDescriptorUnknown = errors.New("gni: completion does not match a posted descriptor")
	// ErrDescriptorInFlight indicates that a descriptor was posted again before its completion was reaped.
	ErrDescriptorInFlight = errors.New("gni: descriptor already in flight")
)

// ErrInvalidHandle indicates a nil or destroyed handle was used.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or destroyed " + e.Resource + " handle"
}

// IsNotDone reports whether err signals a pending, retryable condition.
func IsNotDone(err error) bool {
	return errors.Is(err, ErrNotDone)
}
