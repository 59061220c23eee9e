package selftest

import (
	"context"
	"math/rand"
	"testing"

	"github.com/fxnlabs/devblas/internal/hostblas"
	"github.com/fxnlabs/devblas/internal/metrics"
	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newQueue(t *testing.T, policy blas.HeterogeneousPolicy) *blas.Queue {
	t.Helper()
	rt, err := device.NewHostRuntime(device.HostOptions{Devices: 1, MemoryPerDevice: 16 << 20}, zap.NewNop())
	require.NoError(t, err)
	sess := device.NewSession(rt, zap.NewNop())
	q, err := blas.NewQueue(sess, hostblas.New(4, nil), 0, blas.QueueOptions{MaxBatch: 8, Heterogeneous: policy}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, q.Close())
		assert.NoError(t, sess.Close())
	})
	return q
}

func TestRun_Fallback(t *testing.T) {
	q := newQueue(t, blas.HeterogeneousFallback)
	failures := testutil.ToFloat64(metrics.SelftestFailures)

	report, err := Run(context.Background(), q, Options{Batch: 32, Size: 6, Seed: 42}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "host", report.Backend)
	assert.Equal(t, int64(42), report.Seed)
	require.Len(t, report.Results, 8)
	for _, res := range report.Results {
		assert.Empty(t, res.Error, "%s/%s", res.Precision, res.Path)
		// Batch is capped at the queue's pointer-array capacity.
		assert.Equal(t, 8, res.Operations)
		assert.Contains(t, []string{PathFixed, PathHeterogeneous}, res.Path)
	}
	assert.Equal(t, "s", report.Results[0].Precision)
	assert.Equal(t, "z", report.Results[7].Precision)
	assert.Equal(t, failures, testutil.ToFloat64(metrics.SelftestFailures))

	// Every allocation is released again.
	info, err := q.Session().DeviceInfo(0)
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20-2*8*device.PtrSize), info.AvailableMemory)
}

func TestRun_Reject(t *testing.T) {
	q := newQueue(t, blas.HeterogeneousReject)

	report, err := Run(context.Background(), q, Options{Batch: 4, Size: 4, Seed: 7}, nil)
	require.NoError(t, err)
	for i, res := range report.Results {
		assert.Empty(t, res.Error)
		if i%2 == 1 {
			assert.Equal(t, PathRejected, res.Path)
		} else {
			assert.Equal(t, PathFixed, res.Path)
		}
	}
}

func TestRun_Canceled(t *testing.T) {
	q := newQueue(t, blas.HeterogeneousFallback)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := Run(ctx, q, Options{Seed: 1}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Results)
}

func TestRun_SizeLimit(t *testing.T) {
	q := newQueue(t, blas.HeterogeneousFallback)

	report, err := Run(context.Background(), q, Options{Size: 33, MaxSize: 32, Seed: 1}, nil)
	assert.ErrorIs(t, err, ErrSizeTooLarge)
	assert.Nil(t, report)

	_, err = Run(context.Background(), q, Options{Size: DefaultMaxSize + 1, Seed: 1}, nil)
	assert.ErrorIs(t, err, ErrSizeTooLarge)

	assert.NoError(t, Options{Size: 8}.CheckSize())
}

func TestFreivaldsResidual(t *testing.T) {
	// A = [2 1; 0 4] upper, B = [2; 4], alpha = 3 gives X = [1.5; 3].
	s := &Solve{
		Side: blas.Left, Uplo: blas.Upper, Trans: blas.NoTrans, Diag: blas.NonUnit,
		M: 2, N: 1, Alpha: 3,
		A: []complex128{2, 0, 1, 4}, Lda: 2,
		B: []complex128{2, 4}, X: []complex128{1.5, 3}, Ldb: 2,
	}
	r := rand.New(rand.NewSource(1))
	assert.Zero(t, FreivaldsResidual(s, 8, r))

	s.X = []complex128{1, 3}
	assert.Greater(t, FreivaldsResidual(s, 64, r), 0.1)
}

func TestFreivaldsResidual_RightConjTrans(t *testing.T) {
	// X op(A) = B with op(A) = conj(A)^T, A = [1 i; 0 2] upper.
	// op(A) = [1 0; -i 2], X = [1 1] gives B = [1-i 2].
	s := &Solve{
		Side: blas.Right, Uplo: blas.Upper, Trans: blas.ConjTrans, Diag: blas.NonUnit,
		M: 1, N: 2, Alpha: 1,
		A: []complex128{1, 0, 1i, 2}, Lda: 2,
		B: []complex128{1 - 1i, 2}, X: []complex128{1, 1}, Ldb: 1,
	}
	assert.Less(t, FreivaldsResidual(s, 8, rand.New(rand.NewSource(3))), 1e-15)
}
