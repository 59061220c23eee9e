package device

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"unsafe"

	"github.com/fxnlabs/devblas/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

const hostName = "host"

// Pointer layout used by the host runtime:
//
//	bits 56-63  tag: 0 null, 1..254 device ordinal+1, 255 pinned host memory
//	bits 32-55  allocation id
//	bits  0-31  byte offset within the allocation
const (
	tagShift    = 56
	idShift     = 32
	idMask      = 1<<24 - 1
	offsetMask  = 1<<32 - 1
	pinnedTag   = 0xff
	maxHostDevs = pinnedTag - 1

	// DefaultHostMemory is the per-device memory limit of the host runtime.
	DefaultHostMemory = 1 << 30
)

// pinnedOwner marks allocations that live in pinned host memory.
const pinnedOwner Device = -1

// HostOptions configures the emulated host runtime.
type HostOptions struct {
	// Devices is the number of emulated devices. Zero is valid and behaves
	// like a machine with no accelerator.
	Devices int
	// MemoryPerDevice bounds the bytes allocatable on each device.
	MemoryPerDevice int64
	// ExplicitDevice emulates a queue-bound backend: there is no ambient
	// current device, and memory can only be released against the device
	// that allocated it.
	ExplicitDevice bool
}

type hostBlock struct {
	owner Device
	data  []byte
}

// HostRuntime emulates accelerator devices in host memory. Device memory is
// only reachable through Ptr values and the streams of this runtime.
type HostRuntime struct {
	opts HostOptions
	log  *zap.Logger

	mu      sync.Mutex
	current Device
	nextID  uint32
	blocks  map[uint32]*hostBlock
	used    []int64
	streams map[*HostStream]struct{}
	closed  bool
}

// NewHostRuntime creates a host runtime with opts.Devices emulated devices.
func NewHostRuntime(opts HostOptions, log *zap.Logger) (*HostRuntime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Devices < 0 || opts.Devices > maxHostDevs {
		return nil, fmt.Errorf("host runtime supports 0 to %d devices, got %d", maxHostDevs, opts.Devices)
	}
	if opts.MemoryPerDevice <= 0 {
		opts.MemoryPerDevice = DefaultHostMemory
	}
	h := &HostRuntime{
		opts:    opts,
		log:     log.Named("host"),
		blocks:  make(map[uint32]*hostBlock),
		used:    make([]int64, opts.Devices),
		streams: make(map[*HostStream]struct{}),
	}
	h.log.Info("Host runtime initialized",
		zap.Int("devices", opts.Devices),
		zap.Int64("memory_per_device", opts.MemoryPerDevice),
		zap.Bool("explicit_device", opts.ExplicitDevice))
	return h, nil
}

func (h *HostRuntime) Name() string { return hostName }

func (h *HostRuntime) AmbientDevice() bool { return !h.opts.ExplicitDevice }

func (h *HostRuntime) SetDevice(dev Device) error {
	if h.opts.ExplicitDevice {
		return unsupported(hostName, "set_device")
	}
	if err := h.checkDevice("set_device", dev); err != nil {
		return err
	}
	h.mu.Lock()
	h.current = dev
	h.mu.Unlock()
	return nil
}

func (h *HostRuntime) GetDevice() (Device, error) {
	if h.opts.ExplicitDevice {
		return -1, unsupported(hostName, "get_device")
	}
	if h.opts.Devices == 0 {
		return -1, newError(hostName, "get_device", ErrInvalidDevice, "no devices")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, nil
}

func (h *HostRuntime) DeviceCount() (int, error) {
	return h.opts.Devices, nil
}

func (h *HostRuntime) DeviceInfo(dev Device) (Info, error) {
	if err := h.checkDevice("device_info", dev); err != nil {
		return Info{}, err
	}
	h.mu.Lock()
	used := h.used[dev]
	h.mu.Unlock()
	return Info{
		Ordinal:           dev,
		Name:              fmt.Sprintf("Host emulated device %d (%s)", dev, runtime.GOARCH),
		TotalMemory:       h.opts.MemoryPerDevice,
		AvailableMemory:   h.opts.MemoryPerDevice - used,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
		Features:          cpuFeatures(),
	}, nil
}

func (h *HostRuntime) Malloc(dev Device, size int) (Ptr, error) {
	if err := h.checkDevice("device_malloc", dev); err != nil {
		return 0, err
	}
	return h.alloc("device_malloc", dev, size)
}

func (h *HostRuntime) MallocPinned(size int) (Ptr, error) {
	return h.alloc("device_malloc_pinned", pinnedOwner, size)
}

func (h *HostRuntime) Free(ptr Ptr) error {
	if h.opts.ExplicitDevice {
		return unsupported(hostName, "device_free")
	}
	return h.release("device_free", ptr, func(b *hostBlock) error {
		if b.owner == pinnedOwner {
			return newError(hostName, "device_free", ErrInvalidPointer, "%s is pinned host memory", ptr)
		}
		return nil
	})
}

func (h *HostRuntime) FreeOn(dev Device, ptr Ptr) error {
	if err := h.checkDevice("device_free", dev); err != nil {
		return err
	}
	return h.release("device_free", ptr, func(b *hostBlock) error {
		if b.owner == pinnedOwner {
			return newError(hostName, "device_free", ErrInvalidPointer, "%s is pinned host memory", ptr)
		}
		if h.opts.ExplicitDevice && b.owner != dev {
			return &Error{Op: "device_free", Backend: hostName, Kind: ErrUnsupportedOperation,
				Err: fmt.Errorf("%s was allocated on device %d, not %d", ptr, b.owner, dev)}
		}
		return nil
	})
}

func (h *HostRuntime) FreePinned(ptr Ptr) error {
	if h.opts.ExplicitDevice {
		return unsupported(hostName, "device_free_pinned")
	}
	return h.release("device_free_pinned", ptr, func(b *hostBlock) error {
		if b.owner != pinnedOwner {
			return newError(hostName, "device_free_pinned", ErrInvalidPointer, "%s is device memory", ptr)
		}
		return nil
	})
}

func (h *HostRuntime) NewStream(dev Device) (Stream, error) {
	return h.NewHostStream(dev)
}

// NewHostStream is NewStream returning the concrete stream type, which host
// vendor libraries need to launch kernels.
func (h *HostRuntime) NewHostStream(dev Device) (*HostStream, error) {
	if err := h.checkDevice("stream_create", dev); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, newError(hostName, "stream_create", ErrBackendUnavailable, "runtime closed")
	}
	s := newHostStream(h, dev)
	h.streams[s] = struct{}{}
	return s, nil
}

// Close releases all memory and stops every stream.
func (h *HostRuntime) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	streams := make([]*HostStream, 0, len(h.streams))
	for s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}

	h.mu.Lock()
	h.blocks = make(map[uint32]*hostBlock)
	for i := range h.used {
		h.used[i] = 0
		metrics.DeviceMemoryUsedBytes.WithLabelValues(hostName, strconv.Itoa(i)).Set(0)
	}
	h.mu.Unlock()
	h.log.Debug("Host runtime closed")
	return nil
}

// Bytes returns the n bytes of device memory starting at ptr. The slice
// aliases device memory; it is meant for kernels running on a HostStream.
func (h *HostRuntime) Bytes(ptr Ptr, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveLocked("resolve", ptr, n)
}

// ownerOf reports the device that allocated ptr. Pinned memory yields false.
func (h *HostRuntime) ownerOf(ptr Ptr) (Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[ptrID(ptr)]
	if !ok || b.owner == pinnedOwner {
		return -1, false
	}
	return b.owner, true
}

func (h *HostRuntime) checkDevice(op string, dev Device) error {
	if dev < 0 || int(dev) >= h.opts.Devices {
		return newError(hostName, op, ErrInvalidDevice, "device %d out of range [0,%d)", dev, h.opts.Devices)
	}
	return nil
}

func (h *HostRuntime) alloc(op string, owner Device, size int) (Ptr, error) {
	if size < 0 {
		return 0, newError(hostName, op, nil, "negative size %d", size)
	}
	if size == 0 {
		return 0, nil
	}
	if int64(size) > offsetMask {
		return 0, newError(hostName, op, ErrOutOfMemory, "allocation of %d bytes exceeds block limit", size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, newError(hostName, op, ErrBackendUnavailable, "runtime closed")
	}
	if owner != pinnedOwner {
		if h.used[owner]+int64(size) > h.opts.MemoryPerDevice {
			return 0, newError(hostName, op, ErrOutOfMemory, "device %d: %d of %d bytes in use, requested %d",
				owner, h.used[owner], h.opts.MemoryPerDevice, size)
		}
	}
	if len(h.blocks) > idMask {
		return 0, newError(hostName, op, ErrOutOfMemory, "too many live allocations")
	}
	h.nextID++
	for {
		id := h.nextID & idMask
		if _, taken := h.blocks[id]; id != 0 && !taken {
			h.nextID = id
			break
		}
		h.nextID++
	}

	// Back the block with 8-byte words so every element type is aligned.
	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size)
	h.blocks[h.nextID] = &hostBlock{owner: owner, data: data}

	tag := uint64(pinnedTag)
	if owner != pinnedOwner {
		tag = uint64(owner) + 1
		h.used[owner] += int64(size)
		metrics.DeviceMemoryUsedBytes.WithLabelValues(hostName, strconv.Itoa(int(owner))).Set(float64(h.used[owner]))
	}
	ptr := Ptr(tag<<tagShift | uint64(h.nextID)<<idShift)
	h.log.Debug("Allocated", zap.String("op", op), zap.Int("device", int(owner)), zap.Int("bytes", size), zap.Stringer("ptr", ptr))
	return ptr, nil
}

func (h *HostRuntime) release(op string, ptr Ptr, allowed func(*hostBlock) error) error {
	if ptr == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := ptrID(ptr)
	b, ok := h.blocks[id]
	if !ok || ptrOffset(ptr) != 0 || ptrTag(ptr) != ownerTag(b.owner) {
		return newError(hostName, op, ErrInvalidPointer, "%s is not the start of a live allocation", ptr)
	}
	if err := allowed(b); err != nil {
		return err
	}
	delete(h.blocks, id)
	if b.owner != pinnedOwner {
		h.used[b.owner] -= int64(len(b.data))
		metrics.DeviceMemoryUsedBytes.WithLabelValues(hostName, strconv.Itoa(int(b.owner))).Set(float64(h.used[b.owner]))
	}
	h.log.Debug("Released", zap.String("op", op), zap.Int("device", int(b.owner)), zap.Stringer("ptr", ptr))
	return nil
}

func (h *HostRuntime) resolveLocked(op string, ptr Ptr, n int) ([]byte, error) {
	if n < 0 {
		return nil, newError(hostName, op, ErrInvalidPointer, "negative length %d", n)
	}
	b, ok := h.blocks[ptrID(ptr)]
	if ptr == 0 || !ok || ptrTag(ptr) != ownerTag(b.owner) {
		return nil, newError(hostName, op, ErrInvalidPointer, "%s does not address a live allocation", ptr)
	}
	off := int(ptrOffset(ptr))
	if off+n > len(b.data) {
		return nil, newError(hostName, op, ErrInvalidPointer, "%s+%d exceeds allocation of %d bytes", ptr, n, len(b.data))
	}
	return b.data[off : off+n : off+n], nil
}

func ptrTag(p Ptr) uint64    { return uint64(p) >> tagShift }
func ptrID(p Ptr) uint32     { return uint32(uint64(p) >> idShift & idMask) }
func ptrOffset(p Ptr) uint64 { return uint64(p) & offsetMask }

func ownerTag(owner Device) uint64 {
	if owner == pinnedOwner {
		return pinnedTag
	}
	return uint64(owner) + 1
}

func cpuFeatures() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasFPHP, "fphp")
	add(cpu.ARM64.HasSVE, "sve")
	return features
}
