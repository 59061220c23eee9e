package blas

import (
	"fmt"

	"github.com/fxnlabs/devblas/pkg/device"
)

// Vendor is a device BLAS library bound to one runtime family.
//
// Implementation notes:
//   - Kernels are asynchronous: they enqueue work on the handle's stream and
//     return once it is submitted.
//   - Kernels receive the device explicitly through the handle; the engine
//     additionally scopes an ambient device selection around each call for
//     runtimes that need one.
type Vendor interface {
	// Name identifies the library in logs and metrics.
	Name() string

	// Open creates an execution context on dev, including its stream.
	Open(sess *device.Session, dev device.Device) (Handle, error)

	// Kernels returns the per-precision entry points of the library.
	Kernels() *KernelTable
}

// Handle is a vendor execution context bound to one device and stream.
type Handle interface {
	Device() device.Device
	Stream() device.Stream
	Close() error
}

// TrsmArgs are the shared scalar and shape parameters of a triangular solve
// in the vendor's integer width. Matrices are column-major.
type TrsmArgs struct {
	Side  Side
	Uplo  Uplo
	Trans Op
	Diag  Diag
	M, N  int
	Lda   int
	Ldb   int
}

// TrsmBatchedFunc solves batch systems sharing args. dA and dB address
// device-resident arrays of batch pointers each.
type TrsmBatchedFunc[T Scalar] func(h Handle, args TrsmArgs, alpha T, dA, dB device.Ptr, batch int) error

// TrsmFunc solves one system with A and B in device memory.
type TrsmFunc[T Scalar] func(h Handle, args TrsmArgs, alpha T, a, b device.Ptr) error

type trsmEntry struct {
	batchedSymbol string
	symbol        string
	batched       any
	single        any
}

// KernelTable maps each precision to a vendor's entry points.
type KernelTable struct {
	trsm [numPrecisions]trsmEntry
}

// RegisterTrsm installs the TRSM entry points for T. The symbols name the
// vendor routines and appear in metrics and logs.
func RegisterTrsm[T Scalar](t *KernelTable, batchedSymbol string, batched TrsmBatchedFunc[T], symbol string, single TrsmFunc[T]) {
	t.trsm[PrecisionOf[T]()] = trsmEntry{
		batchedSymbol: batchedSymbol,
		symbol:        symbol,
		batched:       batched,
		single:        single,
	}
}

type trsmKernels[T Scalar] struct {
	batchedSymbol string
	symbol        string
	batched       TrsmBatchedFunc[T]
	single        TrsmFunc[T]
}

func lookupTrsm[T Scalar](t *KernelTable) (trsmKernels[T], error) {
	prec := PrecisionOf[T]()
	e := t.trsm[prec]
	batched, ok1 := e.batched.(TrsmBatchedFunc[T])
	single, ok2 := e.single.(TrsmFunc[T])
	if !ok1 || !ok2 || batched == nil || single == nil {
		return trsmKernels[T]{}, fmt.Errorf("%strsm: %w", prec.Prefix(), ErrUnsupportedPrecision)
	}
	return trsmKernels[T]{
		batchedSymbol: e.batchedSymbol,
		symbol:        e.symbol,
		batched:       batched,
		single:        single,
	}, nil
}
