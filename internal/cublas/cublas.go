//go:build cuda
// +build cuda

// Package cublas binds blas.Vendor to NVIDIA cuBLAS.
package cublas

/*
#cgo LDFLAGS: -lcublas -lcudart
#include <cublas_v2.h>
#include <cuComplex.h>
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

const name = "cublas"

// Library implements blas.Vendor with cuBLAS.
type Library struct {
	log     *zap.Logger
	kernels blas.KernelTable
}

func New(log *zap.Logger) *Library {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Library{log: log.Named("cublas")}
	blas.RegisterTrsm[float32](&l.kernels, "cublasStrsmBatched", strsmBatched, "cublasStrsm", strsm)
	blas.RegisterTrsm[float64](&l.kernels, "cublasDtrsmBatched", dtrsmBatched, "cublasDtrsm", dtrsm)
	blas.RegisterTrsm[complex64](&l.kernels, "cublasCtrsmBatched", ctrsmBatched, "cublasCtrsm", ctrsm)
	blas.RegisterTrsm[complex128](&l.kernels, "cublasZtrsmBatched", ztrsmBatched, "cublasZtrsm", ztrsm)
	return l
}

func (l *Library) Name() string               { return name }
func (l *Library) Kernels() *blas.KernelTable { return &l.kernels }

func (l *Library) Open(sess *device.Session, dev device.Device) (blas.Handle, error) {
	rt, ok := sess.Runtime().(*device.CUDARuntime)
	if !ok {
		return nil, &device.Error{Op: "handle_create", Backend: sess.Backend(), Kind: device.ErrUnsupportedOperation,
			Err: fmt.Errorf("cuBLAS requires the CUDA runtime")}
	}
	stream, err := rt.NewCUDAStream(dev)
	if err != nil {
		return nil, err
	}
	h := &handle{stream: stream}
	err = sess.WithDevice(dev, func() error {
		if err := status("cublasCreate", C.cublasCreate(&h.h)); err != nil {
			return err
		}
		return status("cublasSetStream", C.cublasSetStream(h.h, C.cudaStream_t(stream.Handle())))
	})
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	l.log.Debug("Handle created", zap.Int("device", int(dev)))
	return h, nil
}

type handle struct {
	h      C.cublasHandle_t
	stream *device.CUDAStream
}

func (h *handle) Device() device.Device { return h.stream.Device() }
func (h *handle) Stream() device.Stream { return h.stream }

func (h *handle) Close() error {
	err := status("cublasDestroy", C.cublasDestroy(h.h))
	if serr := h.stream.Close(); err == nil {
		err = serr
	}
	return err
}

type flags struct {
	side  C.cublasSideMode_t
	uplo  C.cublasFillMode_t
	trans C.cublasOperation_t
	diag  C.cublasDiagType_t
}

func convert(args blas.TrsmArgs) (flags, error) {
	var f flags
	switch args.Side {
	case blas.Left:
		f.side = C.CUBLAS_SIDE_LEFT
	case blas.Right:
		f.side = C.CUBLAS_SIDE_RIGHT
	default:
		return f, fmt.Errorf("invalid side %v", args.Side)
	}
	switch args.Uplo {
	case blas.Upper:
		f.uplo = C.CUBLAS_FILL_MODE_UPPER
	case blas.Lower:
		f.uplo = C.CUBLAS_FILL_MODE_LOWER
	default:
		return f, fmt.Errorf("invalid uplo %v", args.Uplo)
	}
	switch args.Trans {
	case blas.NoTrans:
		f.trans = C.CUBLAS_OP_N
	case blas.Trans:
		f.trans = C.CUBLAS_OP_T
	case blas.ConjTrans:
		f.trans = C.CUBLAS_OP_C
	default:
		return f, fmt.Errorf("invalid trans %v", args.Trans)
	}
	switch args.Diag {
	case blas.NonUnit:
		f.diag = C.CUBLAS_DIAG_NON_UNIT
	case blas.Unit:
		f.diag = C.CUBLAS_DIAG_UNIT
	default:
		return f, fmt.Errorf("invalid diag %v", args.Diag)
	}
	return f, nil
}

func prepare(h blas.Handle, args blas.TrsmArgs) (*handle, flags, error) {
	hh, ok := h.(*handle)
	if !ok {
		return nil, flags{}, fmt.Errorf("handle %T does not belong to cuBLAS", h)
	}
	f, err := convert(args)
	return hh, f, err
}

func ptr(p device.Ptr) unsafe.Pointer { return unsafe.Pointer(uintptr(p)) }

func strsmBatched(h blas.Handle, args blas.TrsmArgs, alpha float32, dA, dB device.Ptr, batch int) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.float(alpha)
	return status("cublasStrsmBatched", C.cublasStrsmBatched(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(**C.float)(ptr(dA)), C.int(args.Lda),
		(**C.float)(ptr(dB)), C.int(args.Ldb), C.int(batch)))
}

func dtrsmBatched(h blas.Handle, args blas.TrsmArgs, alpha float64, dA, dB device.Ptr, batch int) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.double(alpha)
	return status("cublasDtrsmBatched", C.cublasDtrsmBatched(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(**C.double)(ptr(dA)), C.int(args.Lda),
		(**C.double)(ptr(dB)), C.int(args.Ldb), C.int(batch)))
}

func ctrsmBatched(h blas.Handle, args blas.TrsmArgs, alpha complex64, dA, dB device.Ptr, batch int) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.make_cuComplex(C.float(real(alpha)), C.float(imag(alpha)))
	return status("cublasCtrsmBatched", C.cublasCtrsmBatched(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(**C.cuComplex)(ptr(dA)), C.int(args.Lda),
		(**C.cuComplex)(ptr(dB)), C.int(args.Ldb), C.int(batch)))
}

func ztrsmBatched(h blas.Handle, args blas.TrsmArgs, alpha complex128, dA, dB device.Ptr, batch int) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.make_cuDoubleComplex(C.double(real(alpha)), C.double(imag(alpha)))
	return status("cublasZtrsmBatched", C.cublasZtrsmBatched(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(**C.cuDoubleComplex)(ptr(dA)), C.int(args.Lda),
		(**C.cuDoubleComplex)(ptr(dB)), C.int(args.Ldb), C.int(batch)))
}

func strsm(h blas.Handle, args blas.TrsmArgs, alpha float32, dA, dB device.Ptr) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.float(alpha)
	return status("cublasStrsm", C.cublasStrsm(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(*C.float)(ptr(dA)), C.int(args.Lda), (*C.float)(ptr(dB)), C.int(args.Ldb)))
}

func dtrsm(h blas.Handle, args blas.TrsmArgs, alpha float64, dA, dB device.Ptr) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.double(alpha)
	return status("cublasDtrsm", C.cublasDtrsm(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(*C.double)(ptr(dA)), C.int(args.Lda), (*C.double)(ptr(dB)), C.int(args.Ldb)))
}

func ctrsm(h blas.Handle, args blas.TrsmArgs, alpha complex64, dA, dB device.Ptr) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.make_cuComplex(C.float(real(alpha)), C.float(imag(alpha)))
	return status("cublasCtrsm", C.cublasCtrsm(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(*C.cuComplex)(ptr(dA)), C.int(args.Lda), (*C.cuComplex)(ptr(dB)), C.int(args.Ldb)))
}

func ztrsm(h blas.Handle, args blas.TrsmArgs, alpha complex128, dA, dB device.Ptr) error {
	hh, f, err := prepare(h, args)
	if err != nil {
		return err
	}
	a := C.make_cuDoubleComplex(C.double(real(alpha)), C.double(imag(alpha)))
	return status("cublasZtrsm", C.cublasZtrsm(hh.h, f.side, f.uplo, f.trans, f.diag,
		C.int(args.M), C.int(args.N), &a,
		(*C.cuDoubleComplex)(ptr(dA)), C.int(args.Lda), (*C.cuDoubleComplex)(ptr(dB)), C.int(args.Ldb)))
}

func status(op string, st C.cublasStatus_t) error {
	if st == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	kind := error(nil)
	switch st {
	case C.CUBLAS_STATUS_NOT_SUPPORTED, C.CUBLAS_STATUS_ARCH_MISMATCH:
		kind = device.ErrUnsupportedOperation
	case C.CUBLAS_STATUS_ALLOC_FAILED:
		kind = device.ErrOutOfMemory
	case C.CUBLAS_STATUS_NOT_INITIALIZED:
		kind = device.ErrBackendUnavailable
	}
	return &device.Error{Op: op, Backend: name, Kind: kind, Err: fmt.Errorf("cublas status %d", int(st))}
}
