package selftest

import (
	"math/cmplx"
	"math/rand"

	"github.com/fxnlabs/devblas/pkg/blas"
)

// Solve is one column-major triangular solve lifted to complex128 for
// verification. B holds the right-hand side before the solve and X the
// computed solution; both use leading dimension Ldb.
type Solve struct {
	Side  blas.Side
	Uplo  blas.Uplo
	Trans blas.Op
	Diag  blas.Diag
	M, N  int
	Alpha complex128
	A     []complex128
	Lda   int
	B     []complex128
	X     []complex128
	Ldb   int
}

// opA returns element (i, j) of op(A), honoring the referenced triangle and
// an implicit unit diagonal.
func (s *Solve) opA(i, j int) complex128 {
	r, c := i, j
	if s.Trans != blas.NoTrans {
		r, c = j, i
	}
	if r == c && s.Diag == blas.Unit {
		return 1
	}
	if (s.Uplo == blas.Upper && r > c) || (s.Uplo == blas.Lower && r < c) {
		return 0
	}
	v := s.A[r+c*s.Lda]
	if s.Trans == blas.ConjTrans {
		v = cmplx.Conj(v)
	}
	return v
}

func (s *Solve) k() int {
	if s.Side == blas.Left {
		return s.M
	}
	return s.N
}

// FreivaldsResidual probabilistically verifies that X solves the system by
// comparing op(A) (X v) with alpha B v (X (op(A) v) for side Right) for
// rounds random binary vectors v. It returns the worst residual relative to
// 1 + |alpha B v|, so 0 means an exact solution.
func FreivaldsResidual(s *Solve, rounds int, r *rand.Rand) float64 {
	worst := 0.0
	for round := 0; round < rounds; round++ {
		v := make([]complex128, s.N)
		for j := range v {
			v[j] = complex(float64(r.Intn(2)), 0)
		}

		var lhs []complex128
		if s.Side == blas.Left {
			lhs = s.applyOpA(s.multiply(s.X, v))
		} else {
			lhs = s.multiply(s.X, s.applyOpA(v))
		}
		rhs := s.multiply(s.B, v)

		for i := range rhs {
			want := s.Alpha * rhs[i]
			if d := cmplx.Abs(lhs[i]-want) / (1 + cmplx.Abs(want)); d > worst {
				worst = d
			}
		}
	}
	return worst
}

// multiply returns the m-vector M v for an m×n matrix stored with Ldb.
func (s *Solve) multiply(m []complex128, v []complex128) []complex128 {
	out := make([]complex128, s.M)
	for j := 0; j < s.N; j++ {
		if v[j] == 0 {
			continue
		}
		for i := 0; i < s.M; i++ {
			out[i] += m[i+j*s.Ldb] * v[j]
		}
	}
	return out
}

// applyOpA returns op(A) v.
func (s *Solve) applyOpA(v []complex128) []complex128 {
	k := s.k()
	out := make([]complex128, k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			out[i] += s.opA(i, j) * v[j]
		}
	}
	return out
}
