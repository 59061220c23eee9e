package hostblas

import (
	"testing"

	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gblas "gonum.org/v1/gonum/blas"
)

func newQueue(t *testing.T) *blas.Queue {
	t.Helper()
	rt, err := device.NewHostRuntime(device.HostOptions{Devices: 1}, zap.NewNop())
	require.NoError(t, err)
	sess := device.NewSession(rt, zap.NewNop())
	q, err := blas.NewQueue(sess, New(0, nil), 0, blas.QueueOptions{MaxBatch: 8}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.Close()
		_ = sess.Close()
	})
	return q
}

func TestOpen_RequiresHostRuntime(t *testing.T) {
	sess := device.NewSession(device.UnavailableRuntime{}, zap.NewNop())
	_, err := New(1, nil).Open(sess, 0)
	assert.ErrorIs(t, err, device.ErrUnsupportedOperation)
}

func TestNew_DefaultWorkers(t *testing.T) {
	l := New(0, nil)
	assert.Positive(t, l.workers)
	assert.Equal(t, "host", l.Name())
	assert.NotNil(t, l.Kernels())
}

func TestToNative(t *testing.T) {
	n, err := toNative[float64](blas.TrsmArgs{Side: blas.Left, Uplo: blas.Upper, Trans: blas.ConjTrans, Diag: blas.Unit})
	require.NoError(t, err)
	assert.Equal(t, nativeArgs{side: gblas.Right, uplo: gblas.Lower, trans: gblas.Trans, diag: gblas.Unit}, n)

	n, err = toNative[complex64](blas.TrsmArgs{Side: blas.Right, Uplo: blas.Lower, Trans: blas.ConjTrans, Diag: blas.NonUnit})
	require.NoError(t, err)
	assert.Equal(t, nativeArgs{side: gblas.Left, uplo: gblas.Upper, trans: gblas.ConjTrans, diag: gblas.NonUnit}, n)

	_, err = toNative[float32](blas.TrsmArgs{Side: 'X', Uplo: blas.Upper, Trans: blas.NoTrans, Diag: blas.Unit})
	assert.Error(t, err)
}

func TestBatchedTrsm_RecoversArgumentFault(t *testing.T) {
	q := newQueue(t)
	a, err := blas.Malloc[float64](q, 16)
	require.NoError(t, err)
	b, err := blas.Malloc[float64](q, 16)
	require.NoError(t, err)

	// Without info the checker is skipped, so the bad lda reaches the kernel.
	err = blas.BatchTrsm(q, &blas.TrsmBatch[float64]{
		Side:  []blas.Side{blas.Left},
		Uplo:  []blas.Uplo{blas.Upper},
		Trans: []blas.Op{blas.NoTrans},
		Diag:  []blas.Diag{blas.NonUnit},
		M:     []int64{4},
		N:     []int64{4},
		Alpha: []float64{1},
		A:     []device.Ptr{a, a},
		Lda:   []int64{1},
		B:     []device.Ptr{b, b},
		Ldb:   []int64{4},
	}, 2, nil)
	require.NoError(t, err)

	err = q.Sync()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")

	// The stream error is cleared once reported.
	assert.NoError(t, q.Sync())
}

func TestSingleTrsm_OutOfRangeMatrix(t *testing.T) {
	q := newQueue(t)
	a, err := blas.Malloc[complex128](q, 4)
	require.NoError(t, err)
	b, err := blas.Malloc[complex128](q, 2)
	require.NoError(t, err)
	require.NoError(t, blas.SetVector(q, []complex128{1, 0, 0, 1}, a))

	require.NoError(t, blas.Trsm[complex128](q, blas.Left, blas.Lower, blas.NoTrans, blas.NonUnit, 2, 2, 1, a, 2, b, 2))
	err = q.Sync()
	assert.ErrorIs(t, err, device.ErrInvalidPointer)
}

func TestSingleTrsm_EmptyIsNoop(t *testing.T) {
	q := newQueue(t)
	require.NoError(t, blas.Trsm[float32](q, blas.Right, blas.Upper, blas.Trans, blas.Unit, 0, 3, 1, 0, 3, 0, 1))
	assert.NoError(t, q.Sync())
}
