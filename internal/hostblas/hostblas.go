// Package hostblas is the device BLAS library of the emulated host runtime.
// Kernels run on the host stream of their handle and use gonum's BLAS.
package hostblas

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gblas "gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

const name = "host"

// Library implements blas.Vendor on top of *device.HostRuntime.
type Library struct {
	workers int
	log     *zap.Logger
	kernels blas.KernelTable
}

// New creates the host library. Batched kernels solve up to workers
// operations in parallel; workers <= 0 uses GOMAXPROCS.
func New(workers int, log *zap.Logger) *Library {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	l := &Library{
		workers: workers,
		log:     log.Named("hostblas"),
	}

	impl := gonum.Implementation{}
	blas.RegisterTrsm[float32](&l.kernels,
		"strsm_batched", batchedTrsm[float32](l, "strsm_batched", impl.Strsm),
		"strsm", singleTrsm[float32]("strsm", impl.Strsm))
	blas.RegisterTrsm[float64](&l.kernels,
		"dtrsm_batched", batchedTrsm[float64](l, "dtrsm_batched", impl.Dtrsm),
		"dtrsm", singleTrsm[float64]("dtrsm", impl.Dtrsm))
	blas.RegisterTrsm[complex64](&l.kernels,
		"ctrsm_batched", batchedTrsm[complex64](l, "ctrsm_batched", impl.Ctrsm),
		"ctrsm", singleTrsm[complex64]("ctrsm", impl.Ctrsm))
	blas.RegisterTrsm[complex128](&l.kernels,
		"ztrsm_batched", batchedTrsm[complex128](l, "ztrsm_batched", impl.Ztrsm),
		"ztrsm", singleTrsm[complex128]("ztrsm", impl.Ztrsm))
	return l
}

func (l *Library) Name() string { return name }

func (l *Library) Kernels() *blas.KernelTable { return &l.kernels }

// Open creates a handle with its own stream on dev. The session must be
// backed by the host runtime.
func (l *Library) Open(sess *device.Session, dev device.Device) (blas.Handle, error) {
	rt, ok := sess.Runtime().(*device.HostRuntime)
	if !ok {
		return nil, &device.Error{Op: "handle_create", Backend: sess.Backend(), Kind: device.ErrUnsupportedOperation,
			Err: fmt.Errorf("host BLAS requires the host runtime")}
	}
	stream, err := rt.NewHostStream(dev)
	if err != nil {
		return nil, err
	}
	l.log.Debug("Handle created", zap.Int("device", int(dev)), zap.Int("workers", l.workers))
	return &handle{rt: rt, stream: stream}, nil
}

type handle struct {
	rt     *device.HostRuntime
	stream *device.HostStream
}

func (h *handle) Device() device.Device { return h.stream.Device() }
func (h *handle) Stream() device.Stream { return h.stream }
func (h *handle) Close() error          { return h.stream.Close() }

func hostHandle(h blas.Handle) (*handle, error) {
	hh, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("handle %T does not belong to the host library", h)
	}
	return hh, nil
}

// trsmImpl is the shape of gonum's row-major ?trsm routines.
type trsmImpl[T blas.Scalar] func(s gblas.Side, ul gblas.Uplo, tA gblas.Transpose, d gblas.Diag,
	m, n int, alpha T, a []T, lda int, b []T, ldb int)

func batchedTrsm[T blas.Scalar](l *Library, symbol string, impl trsmImpl[T]) blas.TrsmBatchedFunc[T] {
	return func(h blas.Handle, args blas.TrsmArgs, alpha T, dA, dB device.Ptr, batch int) error {
		hh, err := hostHandle(h)
		if err != nil {
			return err
		}
		native, err := toNative[T](args)
		if err != nil {
			return err
		}
		return hh.stream.Launch(symbol, func() error {
			aPtrs, err := readPointers(hh.rt, dA, batch)
			if err != nil {
				return err
			}
			bPtrs, err := readPointers(hh.rt, dB, batch)
			if err != nil {
				return err
			}
			var g errgroup.Group
			g.SetLimit(l.workers)
			for i := 0; i < batch; i++ {
				a, b := aPtrs[i], bPtrs[i]
				g.Go(func() error {
					if err := solve(hh.rt, impl, native, args, alpha, a, b); err != nil {
						return fmt.Errorf("operation %d: %w", i, err)
					}
					return nil
				})
			}
			return g.Wait()
		})
	}
}

func singleTrsm[T blas.Scalar](symbol string, impl trsmImpl[T]) blas.TrsmFunc[T] {
	return func(h blas.Handle, args blas.TrsmArgs, alpha T, a, b device.Ptr) error {
		hh, err := hostHandle(h)
		if err != nil {
			return err
		}
		native, err := toNative[T](args)
		if err != nil {
			return err
		}
		return hh.stream.Launch(symbol, func() error {
			return solve(hh.rt, impl, native, args, alpha, a, b)
		})
	}
}

// solve runs one column-major solve through gonum's row-major routine. A
// column-major matrix read row-major is its transpose, so the side and the
// triangle flip and m, n swap while the operation stays the same.
func solve[T blas.Scalar](rt *device.HostRuntime, impl trsmImpl[T], native nativeArgs, args blas.TrsmArgs,
	alpha T, pa, pb device.Ptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid argument: %v", r)
		}
	}()
	if args.M == 0 || args.N == 0 {
		return nil
	}
	k := args.M
	if args.Side == blas.Right {
		k = args.N
	}
	a, err := view[T](rt, pa, args.Lda*(k-1)+k)
	if err != nil {
		return err
	}
	b, err := view[T](rt, pb, args.Ldb*(args.N-1)+args.M)
	if err != nil {
		return err
	}
	impl(native.side, native.uplo, native.trans, native.diag, args.N, args.M, alpha, a, args.Lda, b, args.Ldb)
	return nil
}

func view[T blas.Scalar](rt *device.HostRuntime, p device.Ptr, n int) ([]T, error) {
	var zero T
	raw, err := rt.Bytes(p, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(raw)))%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("%s is misaligned for %T", p, zero)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), n), nil
}

func readPointers(rt *device.HostRuntime, p device.Ptr, n int) ([]device.Ptr, error) {
	raw, err := rt.Bytes(p, n*device.PtrSize)
	if err != nil {
		return nil, fmt.Errorf("pointer array: %w", err)
	}
	ptrs := make([]device.Ptr, n)
	for i := range ptrs {
		ptrs[i] = device.Ptr(binary.LittleEndian.Uint64(raw[i*device.PtrSize:]))
	}
	return ptrs, nil
}

type nativeArgs struct {
	side  gblas.Side
	uplo  gblas.Uplo
	trans gblas.Transpose
	diag  gblas.Diag
}

// toNative converts column-major flags to gonum's row-major constants.
func toNative[T blas.Scalar](args blas.TrsmArgs) (nativeArgs, error) {
	var n nativeArgs
	switch args.Side {
	case blas.Left:
		n.side = gblas.Right
	case blas.Right:
		n.side = gblas.Left
	default:
		return n, fmt.Errorf("invalid side %v", args.Side)
	}
	switch args.Uplo {
	case blas.Upper:
		n.uplo = gblas.Lower
	case blas.Lower:
		n.uplo = gblas.Upper
	default:
		return n, fmt.Errorf("invalid uplo %v", args.Uplo)
	}
	switch args.Trans {
	case blas.NoTrans:
		n.trans = gblas.NoTrans
	case blas.Trans:
		n.trans = gblas.Trans
	case blas.ConjTrans:
		n.trans = gblas.ConjTrans
		if p := blas.PrecisionOf[T](); p == blas.Single || p == blas.Double {
			n.trans = gblas.Trans
		}
	default:
		return n, fmt.Errorf("invalid trans %v", args.Trans)
	}
	switch args.Diag {
	case blas.NonUnit:
		n.diag = gblas.NonUnit
	case blas.Unit:
		n.diag = gblas.Unit
	default:
		return n, fmt.Errorf("invalid diag %v", args.Diag)
	}
	return n, nil
}
