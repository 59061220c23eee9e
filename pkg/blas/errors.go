package blas

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedBatch is returned for batches whose parameters vary per
	// operation when the queue's policy rejects them.
	ErrUnsupportedBatch = errors.New("unsupported batch shape")

	// ErrUnsupportedPrecision is returned when a vendor has no entry point for
	// the requested element type.
	ErrUnsupportedPrecision = errors.New("unsupported precision")

	// ErrInvalidOperation is the condition wrapped by CheckError.
	ErrInvalidOperation = errors.New("invalid operation parameters")
)

// Panic messages for malformed calls. These are programming errors and are
// raised before any device interaction.
const (
	badBatchCount = "blas: negative batch count"
	badInfoLength = "blas: info length must be 0, 1 or batch"
	badSeqLength  = "blas: parameter length must be 1 or batch"
	badPtrLength  = "blas: pointer array length must equal batch"
	badQueue      = "blas: nil queue"
	badBatch      = "blas: nil batch descriptor"
)

// CheckError reports the first operation of a batch rejected by the checker.
type CheckError struct {
	Op    string // Routine name, e.g. "dtrsm_batch"
	Index int    // Operation index, -1 when only the aggregate code is known
	Info  int64  // Checker code, the negated position of the bad argument
}

func (e *CheckError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v: info %d", e.Op, ErrInvalidOperation, e.Info)
	}
	return fmt.Sprintf("%s: %v: operation %d: info %d (%s)", e.Op, ErrInvalidOperation, e.Index, e.Info, trsmArgName(e.Info))
}

func (e *CheckError) Unwrap() error { return ErrInvalidOperation }
