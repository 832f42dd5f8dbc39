package hw

import "fmt"

// Return is a status code produced by the interconnect. Values mirror the
// return codes of the user-level NIC interface.
type Return int32

const (
	Success Return = iota
	NotDone
	InvalidParam
	ErrorResource
	Timeout
	PermissionError
	DescriptorError
	AlignmentError
	InvalidState
	NoMatch
	SizeError
	TransactionError
	IllegalOp
	ErrorNoMem
	Error
)

var returnNames = [...]string{
	Success:          "GNI_RC_SUCCESS",
	NotDone:          "GNI_RC_NOT_DONE",
	InvalidParam:     "GNI_RC_INVALID_PARAM",
	ErrorResource:    "GNI_RC_ERROR_RESOURCE",
	Timeout:          "GNI_RC_TIMEOUT",
	PermissionError:  "GNI_RC_PERMISSION_ERROR",
	DescriptorError:  "GNI_RC_DESCRIPTOR_ERROR",
	AlignmentError:   "GNI_RC_ALIGNMENT_ERROR",
	InvalidState:     "GNI_RC_INVALID_STATE",
	NoMatch:          "GNI_RC_NO_MATCH",
	SizeError:        "GNI_RC_SIZE_ERROR",
	TransactionError: "GNI_RC_TRANSACTION_ERROR",
	IllegalOp:        "GNI_RC_ILLEGAL_OP",
	ErrorNoMem:       "GNI_RC_ERROR_NOMEM",
	Error:            "GNI_RC_ERROR",
}

// Error returns the symbolic name of the status code.
func (r Return) Error() string {
	return r.String()
}

// String returns the symbolic name of the status code.
func (r Return) String() string {
	if r >= 0 && int(r) < len(returnNames) {
		return returnNames[r]
	}
	return fmt.Sprintf("GNI_RC_UNKNOWN(%d)", int32(r))
}

// WithOp adds operation context to the provided Return.
func (r Return) WithOp(op string) error {
	if op == "" {
		return r
	}
	return fmt.Errorf("%s: %w", op, r)
}

// Check converts a status into a Go error, treating Success as nil.
func Check(rc Return, op string) error {
	if rc == Success {
		return nil
	}
	return rc.WithOp(op)
}
