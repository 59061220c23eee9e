//go:build cuda
// +build cuda

package device

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime_api.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

const cudaName = "cuda"

// CUDARuntime passes device calls through to the CUDA runtime API.
type CUDARuntime struct {
	log *zap.Logger

	mu      sync.Mutex
	streams map[*CUDAStream]struct{}
}

// NewCUDARuntime creates a CUDA runtime. It does not fail when no device is
// present; DeviceCount reports zero in that case.
func NewCUDARuntime(log *zap.Logger) *CUDARuntime {
	if log == nil {
		log = zap.NewNop()
	}
	return &CUDARuntime{
		log:     log.Named("cuda"),
		streams: make(map[*CUDAStream]struct{}),
	}
}

func (c *CUDARuntime) Name() string        { return cudaName }
func (c *CUDARuntime) AmbientDevice() bool { return true }

func (c *CUDARuntime) SetDevice(dev Device) error {
	return cudaCall("set_device", C.cudaSetDevice(C.int(dev)))
}

func (c *CUDARuntime) GetDevice() (Device, error) {
	var dev C.int = -1
	if err := cudaCall("get_device", C.cudaGetDevice(&dev)); err != nil {
		return -1, err
	}
	return Device(dev), nil
}

func (c *CUDARuntime) DeviceCount() (int, error) {
	var n C.int
	res := C.cudaGetDeviceCount(&n)
	if res == C.cudaErrorNoDevice || res == C.cudaErrorInsufficientDriver {
		return 0, nil
	}
	if err := cudaCall("get_device_count", res); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *CUDARuntime) DeviceInfo(dev Device) (Info, error) {
	var prop C.struct_cudaDeviceProp
	if err := cudaCall("device_info", C.cudaGetDeviceProperties(&prop, C.int(dev))); err != nil {
		return Info{}, err
	}
	var driver C.int
	_ = C.cudaDriverGetVersion(&driver)
	info := Info{
		Ordinal:           dev,
		Name:              C.GoString(&prop.name[0]),
		TotalMemory:       int64(prop.totalGlobalMem),
		AvailableMemory:   int64(prop.totalGlobalMem),
		ComputeCapability: fmt.Sprintf("%d.%d", int(prop.major), int(prop.minor)),
		DriverVersion:     fmt.Sprintf("%d.%d", int(driver)/1000, int(driver)%1000/10),
	}
	err := c.withDevice(dev, func() error {
		var free, total C.size_t
		if err := cudaCall("device_info", C.cudaMemGetInfo(&free, &total)); err != nil {
			return err
		}
		info.AvailableMemory = int64(free)
		return nil
	})
	return info, err
}

func (c *CUDARuntime) Malloc(dev Device, size int) (Ptr, error) {
	var p unsafe.Pointer
	err := c.withDevice(dev, func() error {
		return cudaCall("device_malloc", C.cudaMalloc(&p, C.size_t(size)))
	})
	return Ptr(uintptr(p)), err
}

func (c *CUDARuntime) MallocPinned(size int) (Ptr, error) {
	var p unsafe.Pointer
	err := cudaCall("device_malloc_pinned", C.cudaMallocHost(&p, C.size_t(size)))
	return Ptr(uintptr(p)), err
}

func (c *CUDARuntime) Free(ptr Ptr) error {
	return cudaCall("device_free", C.cudaFree(devPointer(ptr)))
}

func (c *CUDARuntime) FreeOn(dev Device, ptr Ptr) error {
	return c.withDevice(dev, func() error {
		return cudaCall("device_free", C.cudaFree(devPointer(ptr)))
	})
}

func (c *CUDARuntime) FreePinned(ptr Ptr) error {
	return cudaCall("device_free_pinned", C.cudaFreeHost(devPointer(ptr)))
}

func (c *CUDARuntime) NewStream(dev Device) (Stream, error) {
	return c.NewCUDAStream(dev)
}

// NewCUDAStream creates a stream on dev.
func (c *CUDARuntime) NewCUDAStream(dev Device) (*CUDAStream, error) {
	s := &CUDAStream{rt: c, dev: dev}
	err := c.withDevice(dev, func() error {
		return cudaCall("stream_create", C.cudaStreamCreate(&s.stream))
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *CUDARuntime) Close() error {
	c.mu.Lock()
	streams := make([]*CUDAStream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		if err := s.Close(); err != nil {
			c.log.Warn("Failed to destroy stream", zap.Error(err))
		}
	}
	return nil
}

func (c *CUDARuntime) withDevice(dev Device, fn func() error) error {
	prev, err := c.GetDevice()
	if err != nil {
		return err
	}
	if prev != dev {
		if err := c.SetDevice(dev); err != nil {
			return err
		}
		defer C.cudaSetDevice(C.int(prev))
	}
	return fn()
}

// CUDAStream wraps a cudaStream_t.
type CUDAStream struct {
	rt     *CUDARuntime
	dev    Device
	stream C.cudaStream_t
	once   sync.Once
}

func (s *CUDAStream) Device() Device { return s.dev }

// Handle returns the raw cudaStream_t for vendor libraries.
func (s *CUDAStream) Handle() unsafe.Pointer { return unsafe.Pointer(s.stream) }

func (s *CUDAStream) CopyToDevice(dst Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	// Copies from pageable memory are staged by the driver before the call
	// returns, so src may be reused immediately.
	return cudaCall("setvector", C.cudaMemcpyAsync(devPointer(dst), unsafe.Pointer(&src[0]),
		C.size_t(len(src)), C.cudaMemcpyHostToDevice, s.stream))
}

func (s *CUDAStream) CopyToHost(dst []byte, src Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaCall("getvector", C.cudaMemcpyAsync(unsafe.Pointer(&dst[0]), devPointer(src),
		C.size_t(len(dst)), C.cudaMemcpyDeviceToHost, s.stream))
}

func (s *CUDAStream) Synchronize() error {
	return cudaCall("queue_sync", C.cudaStreamSynchronize(s.stream))
}

func (s *CUDAStream) Close() error {
	var err error
	s.once.Do(func() {
		err = cudaCall("stream_destroy", C.cudaStreamDestroy(s.stream))
		s.rt.mu.Lock()
		delete(s.rt.streams, s)
		s.rt.mu.Unlock()
	})
	return err
}

func devPointer(p Ptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p))
}

func cudaCall(op string, res C.cudaError_t) error {
	if res == C.cudaSuccess {
		return nil
	}
	kind := error(nil)
	switch res {
	case C.cudaErrorInvalidDevice, C.cudaErrorNoDevice:
		kind = ErrInvalidDevice
	case C.cudaErrorMemoryAllocation:
		kind = ErrOutOfMemory
	case C.cudaErrorInvalidDevicePointer:
		kind = ErrInvalidPointer
	case C.cudaErrorNotSupported:
		kind = ErrUnsupportedOperation
	}
	return &Error{Op: op, Backend: cudaName, Kind: kind,
		Err: fmt.Errorf("%s (%d)", C.GoString(C.cudaGetErrorString(res)), int(res))}
}
