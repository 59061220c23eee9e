package blas

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// DefaultMaxBatch is the pointer-array capacity used when QueueOptions
// leaves MaxBatch unset.
const DefaultMaxBatch = 1024

// HeterogeneousPolicy decides what happens to batches whose scalar or shape
// parameters vary per operation.
type HeterogeneousPolicy int

const (
	// HeterogeneousFallback issues one non-batched solve per operation.
	HeterogeneousFallback HeterogeneousPolicy = iota
	// HeterogeneousReject fails with ErrUnsupportedBatch.
	HeterogeneousReject
)

func (p HeterogeneousPolicy) String() string {
	switch p {
	case HeterogeneousFallback:
		return "fallback"
	case HeterogeneousReject:
		return "reject"
	}
	return fmt.Sprintf("HeterogeneousPolicy(%d)", int(p))
}

// ParseHeterogeneousPolicy parses "fallback" or "reject". The empty string
// selects the fallback.
func ParseHeterogeneousPolicy(s string) (HeterogeneousPolicy, error) {
	switch strings.ToLower(s) {
	case "", "fallback":
		return HeterogeneousFallback, nil
	case "reject":
		return HeterogeneousReject, nil
	}
	return 0, fmt.Errorf("unknown heterogeneous batch policy %q", s)
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	// MaxBatch is the largest batch the queue's pointer-array buffer can
	// stage. The buffer holds 2*MaxBatch device pointers.
	MaxBatch int
	// Heterogeneous selects the policy for non fixed-size batches.
	Heterogeneous HeterogeneousPolicy
}

// Queue is a vendor execution context on one device plus the scratch buffer
// batched routines stage their pointer arrays in.
//
// The pointer-array buffer is a single mutable resource reused by every
// batched call on the queue. Dispatch does not lock it: callers that issue
// batched routines on one Queue from several goroutines must serialize those
// calls themselves. Work on one queue executes in submission order; distinct
// queues are unordered.
type Queue struct {
	session  *device.Session
	vendor   Vendor
	handle   Handle
	dev      device.Device
	ptrArray device.Ptr
	maxBatch int
	policy   HeterogeneousPolicy
	log      *zap.Logger
}

// NewQueue opens vendor on dev and allocates the pointer-array buffer.
func NewQueue(sess *device.Session, vendor Vendor, dev device.Device, opts QueueOptions, log *zap.Logger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if vendor == nil {
		return nil, &device.Error{Op: "queue_create", Backend: sess.Backend(), Kind: device.ErrBackendUnavailable}
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}

	count, err := sess.DeviceCount()
	if err != nil {
		return nil, err
	}
	if dev < 0 || int(dev) >= count {
		return nil, &device.Error{Op: "queue_create", Backend: sess.Backend(), Kind: device.ErrInvalidDevice,
			Err: fmt.Errorf("device %d of %d", dev, count)}
	}

	handle, err := vendor.Open(sess, dev)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s on device %d: %w", vendor.Name(), dev, err)
	}
	ptrArray, err := sess.Malloc(dev, 2*opts.MaxBatch*device.PtrSize)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to allocate pointer array: %w", err)
	}

	q := &Queue{
		session:  sess,
		vendor:   vendor,
		handle:   handle,
		dev:      dev,
		ptrArray: ptrArray,
		maxBatch: opts.MaxBatch,
		policy:   opts.Heterogeneous,
		log:      log.Named("queue").With(zap.Int("device", int(dev)), zap.String("vendor", vendor.Name())),
	}
	q.log.Debug("Queue created", zap.Int("max_batch", opts.MaxBatch), zap.Stringer("heterogeneous", opts.Heterogeneous))
	return q, nil
}

// Device returns the device the queue is bound to.
func (q *Queue) Device() device.Device { return q.dev }

// MaxBatch returns the pointer-array capacity in operations.
func (q *Queue) MaxBatch() int { return q.maxBatch }

// Policy returns how the queue handles non fixed-size batches.
func (q *Queue) Policy() HeterogeneousPolicy { return q.policy }

// Session returns the device session the queue was created from.
func (q *Queue) Session() *device.Session { return q.session }

// Handle returns the vendor execution context.
func (q *Queue) Handle() Handle { return q.handle }

// Sync waits for all work submitted to the queue.
func (q *Queue) Sync() error {
	return q.handle.Stream().Synchronize()
}

// Free releases device memory allocated on the queue's device.
func (q *Queue) Free(ptr device.Ptr) error {
	return q.session.FreeOn(q.dev, ptr)
}

// Close waits for outstanding work, then releases the pointer-array buffer
// and the vendor handle.
func (q *Queue) Close() error {
	syncErr := q.Sync()
	freeErr := q.session.FreeOn(q.dev, q.ptrArray)
	closeErr := q.handle.Close()
	q.ptrArray = 0
	for _, err := range []error{syncErr, freeErr, closeErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Malloc allocates room for n elements of T on the queue's device.
func Malloc[T Scalar](q *Queue, n int) (device.Ptr, error) {
	return q.session.Malloc(q.dev, n*PrecisionOf[T]().Size())
}

// Offset returns p advanced by n elements of T.
func Offset[T Scalar](p device.Ptr, n int) device.Ptr {
	return p.Add(n * PrecisionOf[T]().Size())
}

// SetVector enqueues a copy of src into device memory at dst.
func SetVector[T Scalar](q *Queue, src []T, dst device.Ptr) error {
	return q.handle.Stream().CopyToDevice(dst, asBytes(src))
}

// GetVector copies len(dst) elements from src into dst and waits for the
// queue, so every previously submitted operation has completed on return.
func GetVector[T Scalar](q *Queue, src device.Ptr, dst []T) error {
	if err := q.handle.Stream().CopyToHost(asBytes(dst), src); err != nil {
		return err
	}
	return q.Sync()
}

func asBytes[T Scalar](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*PrecisionOf[T]().Size())
}
