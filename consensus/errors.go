package consensus

import (
	"errors"
	"fmt"
)

// ErrorCode tags a NodeError with the error-taxonomy bucket it belongs to
// (validation / graph / unavailability / transport / fatal).
type ErrorCode string

const (
	// Validation errors: hash mismatch, bad Merkle proof, unknown
	// commitment, unrequested symbol, overlapping confirmed-availability
	// set. Logged and dropped; no peer penalty in this prototype.
	ERR_PARSE          ErrorCode = "ERR_PARSE"
	ERR_HASH_MISMATCH  ErrorCode = "ERR_HASH_MISMATCH"
	ERR_POW_INVALID    ErrorCode = "ERR_POW_INVALID"
	ERR_MERKLE_INVALID ErrorCode = "ERR_MERKLE_INVALID"

	// Graph errors. ERR_OVERLAPPING_CONFIRMATION is listed beside them but
	// belongs to the validation group above.
	ERR_PARENT_MISSING           ErrorCode = "ERR_PARENT_MISSING"
	ERR_BLOCK_ALREADY_EXISTS     ErrorCode = "ERR_BLOCK_ALREADY_EXISTS"
	ERR_PARENT_NOT_IN_VALID_SET  ErrorCode = "ERR_PARENT_NOT_IN_VALID_SET"
	ERR_OVERLAPPING_CONFIRMATION ErrorCode = "ERR_OVERLAPPING_CONFIRMATION"

	// Unavailability: referenced commitments not yet sampled.
	ERR_UNAVAILABLE ErrorCode = "ERR_UNAVAILABLE"

	// Symbol pool errors.
	ERR_ALREADY_REQUESTED ErrorCode = "ERR_ALREADY_REQUESTED"
	ERR_NOT_REQUESTED     ErrorCode = "ERR_NOT_REQUESTED"
	ERR_ALREADY_PRESENT   ErrorCode = "ERR_ALREADY_PRESENT"
	ERR_BAD_PROOF         ErrorCode = "ERR_BAD_PROOF"
	ERR_NOT_PRESENT       ErrorCode = "ERR_NOT_PRESENT"
	ERR_PARTIAL           ErrorCode = "ERR_PARTIAL"

	// Transport errors.
	ERR_TRANSPORT ErrorCode = "ERR_TRANSPORT"

	// Fatal: CLI parse failure, port binding failure, frame corruption.
	ERR_FATAL ErrorCode = "ERR_FATAL"
)

type NodeError struct {
	Code ErrorCode
	Msg  string
}

func (e *NodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func txerr(code ErrorCode, msg string) error {
	return &NodeError{Code: code, Msg: msg}
}

// NewNodeError builds a NodeError for callers outside this package (node/,
// cmd/) that need to surface one of the taxonomy's codes.
func NewNodeError(code ErrorCode, msg string) error {
	return txerr(code, msg)
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *NodeError.
func CodeOf(err error) (ErrorCode, bool) {
	var ne *NodeError
	if !errors.As(err, &ne) {
		return "", false
	}
	return ne.Code, true
}
