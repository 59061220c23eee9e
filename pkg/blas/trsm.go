package blas

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fxnlabs/devblas/internal/metrics"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// Dispatch paths recorded in metrics.
const (
	pathFixed    = "fixed"
	pathFallback = "fallback"
	pathRejected = "rejected"
	pathInvalid  = "invalid"
	pathEmpty    = "empty"
)

// maxVendorInt is the largest dimension vendor libraries accept; their
// integer arguments are 32-bit.
const maxVendorInt = math.MaxInt32

// Trsm solves a single system op(A) X = alpha B (side Left) or
// X op(A) = alpha B (side Right) in place of B on the queue's stream.
// A is k×k with k = m for Left and k = n for Right; B is m×n. Both are
// column-major device matrices.
func Trsm[T Scalar](q *Queue, side Side, uplo Uplo, trans Op, diag Diag, m, n int64, alpha T,
	a device.Ptr, lda int64, b device.Ptr, ldb int64) error {
	if q == nil {
		panic(badQueue)
	}
	op := PrecisionOf[T]().Prefix() + "trsm"
	if code := checkTrsm(side, uplo, trans, diag, m, n, a, lda, b, ldb); code != 0 {
		return &CheckError{Op: op, Index: 0, Info: code}
	}
	k, err := lookupTrsm[T](q.vendor.Kernels())
	if err != nil {
		return err
	}
	args, err := trsmArgs(side, uplo, trans, diag, m, n, lda, ldb)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return q.session.WithDevice(q.dev, func() error {
		return launchTrsm(q, k, args, alpha, a, b)
	})
}

// BatchTrsm solves batch independent triangular systems described by b.
//
// A negative batch, an info slice whose length is not 0, 1 or batch, or a
// parameter slice of the wrong length panics before anything is submitted.
// When info is non-empty every operation is checked first (see CheckTrsm);
// if any check fails nothing is launched and a *CheckError is returned.
//
// A fixed-size batch stages its A and B pointers into the queue's
// pointer-array buffer and issues exactly one vendor batched call. Other
// batches follow the queue's HeterogeneousPolicy. The call returns once the
// work is submitted; use Queue.Sync to wait for it.
//
// The fallback path submits one solve per operation. With an empty info
// slice nothing is checked up front, so when operation i fails the error is
// returned after operations 0 through i-1 have already been submitted and
// their B matrices will be overwritten. Passing info rejects operations
// that fail CheckTrsm before any of them is submitted.
//
// BatchTrsm reuses the queue's pointer-array buffer, so concurrent batched
// calls on the same queue must be serialized by the caller.
func BatchTrsm[T Scalar](q *Queue, b *TrsmBatch[T], batch int, info []int64) error {
	if q == nil {
		panic(badQueue)
	}
	if b == nil {
		panic(badBatch)
	}
	b.validate(batch, info)

	prec := PrecisionOf[T]()
	op := prec.Prefix() + "trsm_batch"
	dispatched := func(path string) {
		metrics.BatchDispatches.WithLabelValues("trsm", prec.Prefix(), path).Inc()
	}

	if len(info) > 0 {
		CheckTrsm(b, batch, info)
		if idx, code := firstFailure(info, batch); code != 0 {
			dispatched(pathInvalid)
			q.log.Debug("Batch rejected by checker", zap.String("op", op), zap.Int("index", idx), zap.Int64("info", code))
			return &CheckError{Op: op, Index: idx, Info: code}
		}
	}
	if batch == 0 {
		dispatched(pathEmpty)
		return nil
	}

	k, err := lookupTrsm[T](q.vendor.Kernels())
	if err != nil {
		return err
	}
	metrics.BatchSize.Observe(float64(batch))

	if b.FixedSize(batch) {
		if err := trsmFixed(q, k, b, batch); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		dispatched(pathFixed)
		return nil
	}

	if q.policy == HeterogeneousReject {
		dispatched(pathRejected)
		return fmt.Errorf("%s: %w: parameters vary per operation", op, ErrUnsupportedBatch)
	}
	if err := trsmFallback(q, k, b, batch); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	dispatched(pathFallback)
	return nil
}

func trsmFixed[T Scalar](q *Queue, k trsmKernels[T], b *TrsmBatch[T], batch int) error {
	return q.session.WithDevice(q.dev, func() error {
		args, err := trsmArgs(b.Side[0], b.Uplo[0], b.Trans[0], b.Diag[0], b.M[0], b.N[0], b.Lda[0], b.Ldb[0])
		if err != nil {
			return err
		}

		dA := q.ptrArray
		dB := q.ptrArray.Add(batch * device.PtrSize)
		if err := stagePointers(q, b.A, b.B); err != nil {
			return fmt.Errorf("failed to stage pointer arrays: %w", err)
		}

		q.log.Debug("Launching batched kernel",
			zap.String("symbol", k.batchedSymbol),
			zap.Int("batch", batch),
			zap.Int("m", args.M), zap.Int("n", args.N))
		if err := k.batched(q.handle, args, b.Alpha[0], dA, dB, batch); err != nil {
			return fmt.Errorf("%s: %w", k.batchedSymbol, err)
		}
		metrics.KernelLaunches.WithLabelValues(q.vendor.Name(), k.batchedSymbol).Inc()
		return nil
	})
}

func trsmFallback[T Scalar](q *Queue, k trsmKernels[T], b *TrsmBatch[T], batch int) error {
	q.log.Debug("Batch parameters vary per operation, solving one by one",
		zap.String("symbol", k.symbol), zap.Int("batch", batch))
	return q.session.WithDevice(q.dev, func() error {
		for i := 0; i < batch; i++ {
			args, err := trsmArgs(at(b.Side, i), at(b.Uplo, i), at(b.Trans, i), at(b.Diag, i),
				at(b.M, i), at(b.N, i), at(b.Lda, i), at(b.Ldb, i))
			if err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
			if err := launchTrsm(q, k, args, at(b.Alpha, i), b.A[i], b.B[i]); err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
		}
		return nil
	})
}

func launchTrsm[T Scalar](q *Queue, k trsmKernels[T], args TrsmArgs, alpha T, a, b device.Ptr) error {
	if err := k.single(q.handle, args, alpha, a, b); err != nil {
		return fmt.Errorf("%s: %w", k.symbol, err)
	}
	metrics.KernelLaunches.WithLabelValues(q.vendor.Name(), k.symbol).Inc()
	return nil
}

// stagePointers copies the A pointers into the first len(a) slots of the
// queue's pointer-array buffer and the B pointers into the slots right after.
// Capacity is not checked here; the queue owner sizes the buffer.
func stagePointers(q *Queue, a, b []device.Ptr) error {
	buf := make([]byte, (len(a)+len(b))*device.PtrSize)
	for i, p := range a {
		binary.LittleEndian.PutUint64(buf[i*device.PtrSize:], uint64(p))
	}
	off := len(a) * device.PtrSize
	for i, p := range b {
		binary.LittleEndian.PutUint64(buf[off+i*device.PtrSize:], uint64(p))
	}
	if err := q.handle.Stream().CopyToDevice(q.ptrArray, buf); err != nil {
		return err
	}
	metrics.PointerArrayBytesStaged.Add(float64(len(buf)))
	return nil
}

func trsmArgs(side Side, uplo Uplo, trans Op, diag Diag, m, n, lda, ldb int64) (TrsmArgs, error) {
	for _, v := range []int64{m, n, lda, ldb} {
		if v > maxVendorInt {
			return TrsmArgs{}, fmt.Errorf("%w: %d overflows the vendor integer width", ErrInvalidOperation, v)
		}
	}
	return TrsmArgs{
		Side:  side,
		Uplo:  uplo,
		Trans: trans,
		Diag:  diag,
		M:     int(m),
		N:     int(n),
		Lda:   int(lda),
		Ldb:   int(ldb),
	}, nil
}
