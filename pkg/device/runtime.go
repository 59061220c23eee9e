package device

import "fmt"

// Device is the ordinal of an accelerator device within its runtime.
type Device int

// Ptr is an address in device (or pinned host) memory. The zero value is the
// null pointer.
type Ptr uint64

// PtrSize is the size in bytes of a Ptr once staged into device memory.
const PtrSize = 8

// Add returns the address offset by n bytes.
func (p Ptr) Add(n int) Ptr {
	return Ptr(int64(p) + int64(n))
}

func (p Ptr) String() string {
	return fmt.Sprintf("0x%016x", uint64(p))
}

// Info describes one device.
type Info struct {
	Ordinal           Device   `json:"ordinal"`
	Name              string   `json:"name"`
	TotalMemory       int64    `json:"totalMemory"`     // in bytes
	AvailableMemory   int64    `json:"availableMemory"` // in bytes
	ComputeCapability string   `json:"computeCapability"`
	DriverVersion     string   `json:"driverVersion"`
	Features          []string `json:"features,omitempty"`
}

// Stream is an ordered execution queue bound to one device.
//
// Work submitted to the same stream executes in submission order, so a copy
// followed by a kernel that reads the copied data needs no explicit wait.
// Streams give no ordering guarantee relative to each other.
type Stream interface {
	// Device returns the device the stream is bound to.
	Device() Device

	// CopyToDevice enqueues a host-to-device copy of src into dst. The
	// contents of src are captured before CopyToDevice returns.
	CopyToDevice(dst Ptr, src []byte) error

	// CopyToHost enqueues a device-to-host copy of src into dst. dst must not
	// be touched until Synchronize returns.
	CopyToHost(dst []byte, src Ptr) error

	// Synchronize blocks until all submitted work has finished and returns the
	// first error raised by asynchronous work since the last Synchronize.
	Synchronize() error

	// Close waits for outstanding work and releases the stream.
	Close() error
}

// Runtime is the accelerator runtime a Session passes calls through to.
//
// Implementations exist for the emulated host runtime, for CUDA (cuda build
// tag) and for builds without any backend. A runtime reports conditions it
// cannot satisfy with ErrBackendUnavailable or ErrUnsupportedOperation
// wrapped in *Error.
type Runtime interface {
	// Name identifies the runtime in logs and errors.
	Name() string

	// AmbientDevice reports whether device-linked calls depend on a
	// process-wide current device selected with SetDevice. Runtimes that
	// carry the device explicitly return false.
	AmbientDevice() bool

	SetDevice(dev Device) error
	GetDevice() (Device, error)

	// DeviceCount returns the number of enumerable devices. Absence of
	// hardware or backend yields 0 and no error.
	DeviceCount() (int, error)

	DeviceInfo(dev Device) (Info, error)

	Malloc(dev Device, size int) (Ptr, error)
	MallocPinned(size int) (Ptr, error)

	// Free releases device memory allocated on the current device.
	Free(ptr Ptr) error
	// FreeOn releases device memory allocated on dev.
	FreeOn(dev Device, ptr Ptr) error
	// FreePinned releases pinned host memory.
	FreePinned(ptr Ptr) error

	NewStream(dev Device) (Stream, error)

	// Close releases every resource held by the runtime.
	Close() error
}
