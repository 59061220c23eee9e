package device

import (
	"errors"
	"sync"

	"github.com/fxnlabs/devblas/internal/metrics"
	"go.uber.org/zap"
)

// Session is the entry point for device-linked calls. It passes every call
// through to the configured Runtime and records the outcome.
type Session struct {
	runtime Runtime
	log     *zap.Logger

	mu        sync.RWMutex
	ambientMu sync.Mutex
}

// NewSession wraps rt. A nil runtime behaves like a build without backend.
func NewSession(rt Runtime, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if rt == nil {
		rt = UnavailableRuntime{}
	}
	return &Session{
		runtime: rt,
		log:     log.Named("device"),
	}
}

// Runtime returns the runtime behind the session.
func (s *Session) Runtime() Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime
}

// Backend returns the runtime name.
func (s *Session) Backend() string {
	return s.Runtime().Name()
}

// SetDevice selects the current device for subsequent ambient calls.
func (s *Session) SetDevice(dev Device) error {
	return s.record("set_device", s.Runtime().SetDevice(dev))
}

// Device returns the current device.
func (s *Session) Device() (Device, error) {
	dev, err := s.Runtime().GetDevice()
	return dev, s.record("get_device", err)
}

// DeviceCount returns the number of available devices, 0 when there is no
// backend or no hardware.
func (s *Session) DeviceCount() (int, error) {
	n, err := s.Runtime().DeviceCount()
	return n, s.record("get_device_count", err)
}

func (s *Session) DeviceInfo(dev Device) (Info, error) {
	info, err := s.Runtime().DeviceInfo(dev)
	return info, s.record("device_info", err)
}

func (s *Session) Malloc(dev Device, size int) (Ptr, error) {
	ptr, err := s.Runtime().Malloc(dev, size)
	return ptr, s.record("device_malloc", err)
}

func (s *Session) MallocPinned(size int) (Ptr, error) {
	ptr, err := s.Runtime().MallocPinned(size)
	return ptr, s.record("device_malloc_pinned", err)
}

// Free releases device memory.
func (s *Session) Free(ptr Ptr) error {
	return s.record("device_free", s.Runtime().Free(ptr))
}

// FreeOn releases device memory that was allocated on dev.
func (s *Session) FreeOn(dev Device, ptr Ptr) error {
	return s.record("device_free", s.Runtime().FreeOn(dev, ptr))
}

// FreePinned releases pinned host memory.
func (s *Session) FreePinned(ptr Ptr) error {
	return s.record("device_free_pinned", s.Runtime().FreePinned(ptr))
}

func (s *Session) NewStream(dev Device) (Stream, error) {
	st, err := s.Runtime().NewStream(dev)
	return st, s.record("stream_create", err)
}

// WithDevice runs fn with dev selected as the current device and restores
// the previous selection afterwards. Runtimes that carry the device
// explicitly skip the selection entirely. Concurrent WithDevice calls on one
// session are serialized so the restore cannot interleave.
func (s *Session) WithDevice(dev Device, fn func() error) error {
	rt := s.Runtime()
	if !rt.AmbientDevice() {
		return fn()
	}

	s.ambientMu.Lock()
	defer s.ambientMu.Unlock()

	prev, err := rt.GetDevice()
	if err != nil {
		return s.record("get_device", err)
	}
	if prev != dev {
		if err := rt.SetDevice(dev); err != nil {
			return s.record("set_device", err)
		}
		defer func() {
			if err := rt.SetDevice(prev); err != nil {
				s.log.Warn("Failed to restore device", zap.Int("device", int(prev)), zap.Error(err))
			}
		}()
	}
	return fn()
}

// Close releases the runtime.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return nil
	}
	if err := s.runtime.Close(); err != nil {
		return err
	}
	s.runtime = UnavailableRuntime{}
	return nil
}

func (s *Session) record(op string, err error) error {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrBackendUnavailable):
		result = "unavailable"
	case errors.Is(err, ErrUnsupportedOperation):
		result = "unsupported"
	default:
		result = "error"
	}
	metrics.DeviceOperations.WithLabelValues(s.Runtime().Name(), op, result).Inc()
	if err != nil {
		s.log.Debug("Device operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}
