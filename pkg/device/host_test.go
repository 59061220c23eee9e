package device

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHost(t *testing.T, opts HostOptions) *HostRuntime {
	t.Helper()
	rt, err := NewHostRuntime(opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestHostRuntime_Devices(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 2})

	n, err := rt.DeviceCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	info, err := rt.DeviceInfo(1)
	require.NoError(t, err)
	assert.Equal(t, Device(1), info.Ordinal)
	assert.Contains(t, info.Name, "Host")
	assert.Equal(t, int64(DefaultHostMemory), info.TotalMemory)
	assert.Equal(t, "N/A", info.ComputeCapability)

	_, err = rt.DeviceInfo(2)
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = NewHostRuntime(HostOptions{Devices: -1}, nil)
	assert.Error(t, err)
}

func TestHostRuntime_ZeroDevices(t *testing.T) {
	rt := newTestHost(t, HostOptions{})

	n, err := rt.DeviceCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = rt.GetDevice()
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, err = rt.Malloc(0, 16)
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestHostRuntime_SetGetDevice(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 3})

	dev, err := rt.GetDevice()
	require.NoError(t, err)
	assert.Equal(t, Device(0), dev)

	require.NoError(t, rt.SetDevice(2))
	dev, err = rt.GetDevice()
	require.NoError(t, err)
	assert.Equal(t, Device(2), dev)

	err = rt.SetDevice(3)
	var devErr *Error
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, "set_device", devErr.Op)
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestHostRuntime_MallocFree(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 2, MemoryPerDevice: 1024})

	p, err := rt.Malloc(1, 512)
	require.NoError(t, err)
	assert.NotZero(t, p)

	owner, ok := rt.ownerOf(p)
	assert.True(t, ok)
	assert.Equal(t, Device(1), owner)

	info, err := rt.DeviceInfo(1)
	require.NoError(t, err)
	assert.Equal(t, int64(512), info.AvailableMemory)

	_, err = rt.Malloc(1, 1024)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// Interior pointers are not allocations.
	assert.ErrorIs(t, rt.Free(p.Add(8)), ErrInvalidPointer)

	require.NoError(t, rt.Free(p))
	assert.ErrorIs(t, rt.Free(p), ErrInvalidPointer)

	// Freeing the null pointer is a no-op.
	assert.NoError(t, rt.Free(0))

	zero, err := rt.Malloc(0, 0)
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestHostRuntime_Pinned(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 1})

	p, err := rt.MallocPinned(64)
	require.NoError(t, err)

	_, ok := rt.ownerOf(p)
	assert.False(t, ok)

	assert.ErrorIs(t, rt.Free(p), ErrInvalidPointer)
	require.NoError(t, rt.FreePinned(p))

	d, err := rt.Malloc(0, 64)
	require.NoError(t, err)
	assert.ErrorIs(t, rt.FreePinned(d), ErrInvalidPointer)
}

func TestHostRuntime_FreeOn(t *testing.T) {
	t.Run("ambient backend frees across devices", func(t *testing.T) {
		rt := newTestHost(t, HostOptions{Devices: 2})
		p, err := rt.Malloc(0, 32)
		require.NoError(t, err)
		assert.NoError(t, rt.FreeOn(1, p))
	})

	t.Run("explicit backend rejects foreign device", func(t *testing.T) {
		rt := newTestHost(t, HostOptions{Devices: 2, ExplicitDevice: true})
		p, err := rt.Malloc(0, 32)
		require.NoError(t, err)

		err = rt.FreeOn(1, p)
		assert.ErrorIs(t, err, ErrUnsupportedOperation)
		assert.NoError(t, rt.FreeOn(0, p))
	})
}

func TestHostRuntime_ExplicitDevice(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 1, ExplicitDevice: true})
	assert.False(t, rt.AmbientDevice())

	assert.ErrorIs(t, rt.SetDevice(0), ErrUnsupportedOperation)
	_, err := rt.GetDevice()
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	p, err := rt.Malloc(0, 8)
	require.NoError(t, err)
	assert.ErrorIs(t, rt.Free(p), ErrUnsupportedOperation)
	assert.ErrorIs(t, rt.FreePinned(p), ErrUnsupportedOperation)

	n, err := rt.DeviceCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHostStream_CopyRoundTrip(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 1})
	s, err := rt.NewHostStream(0)
	require.NoError(t, err)
	defer s.Close()

	p, err := rt.Malloc(0, 16)
	require.NoError(t, err)

	src := make([]byte, 16)
	binary.LittleEndian.PutUint64(src, 42)
	binary.LittleEndian.PutUint64(src[8:], 7)
	require.NoError(t, s.CopyToDevice(p, src))

	// The source is captured at submission.
	src[0] = 0xff

	dst := make([]byte, 8)
	require.NoError(t, s.CopyToHost(dst, p.Add(8)))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(dst))

	require.NoError(t, s.CopyToHost(dst, p))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(dst))
}

func TestHostStream_OutOfRangeCopy(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 1})
	s, err := rt.NewHostStream(0)
	require.NoError(t, err)
	defer s.Close()

	p, err := rt.Malloc(0, 16)
	require.NoError(t, err)

	err = s.CopyToDevice(p.Add(8), make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidPointer)

	err = s.CopyToHost(make([]byte, 4), Ptr(12345))
	assert.ErrorIs(t, err, ErrInvalidPointer)
}

func TestHostStream_Ordering(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 1})
	s, err := rt.NewHostStream(0)
	require.NoError(t, err)
	defer s.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, s.Launch("task", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, s.Synchronize())
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestHostStream_Errors(t *testing.T) {
	rt := newTestHost(t, HostOptions{Devices: 1})
	s, err := rt.NewHostStream(0)
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, s.Launch("first", func() error { return boom }))
	require.NoError(t, s.Launch("second", func() error { panic("bad index") }))

	err = s.Synchronize()
	assert.ErrorIs(t, err, boom)

	// Errors are reported once.
	require.NoError(t, s.Launch("third", func() error { panic("bad index") }))
	err = s.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel panic")
	assert.NoError(t, s.Synchronize())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Launch("late", func() error { return nil }), ErrStreamClosed)
}

func TestHostRuntime_CloseStopsStreams(t *testing.T) {
	rt, err := NewHostRuntime(HostOptions{Devices: 1}, nil)
	require.NoError(t, err)
	s, err := rt.NewHostStream(0)
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	assert.ErrorIs(t, s.Launch("late", func() error { return nil }), ErrStreamClosed)
	_, err = rt.NewHostStream(0)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	_, err = rt.Malloc(0, 8)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
