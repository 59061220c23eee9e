package blas

import "github.com/fxnlabs/devblas/pkg/device"

// TrsmBatch describes a batch of triangular solves op(A_i) X_i = alpha_i B_i
// or X_i op(A_i) = alpha_i B_i with column-major A_i and B_i in device memory.
//
// Every scalar and shape field holds either one value shared by the whole
// batch or one value per operation. A and B always hold one pointer per
// operation.
type TrsmBatch[T Scalar] struct {
	Side  []Side
	Uplo  []Uplo
	Trans []Op
	Diag  []Diag
	M     []int64
	N     []int64
	Alpha []T
	A     []device.Ptr
	Lda   []int64
	B     []device.Ptr
	Ldb   []int64
}

// FixedSize reports whether the batch shares one scalar/shape parameter set
// and varies only its matrix pointers, which is the shape a single vendor
// batched call accepts.
func (b *TrsmBatch[T]) FixedSize(batch int) bool {
	return len(b.Side) == 1 &&
		len(b.Uplo) == 1 &&
		len(b.Trans) == 1 &&
		len(b.Diag) == 1 &&
		len(b.M) == 1 &&
		len(b.N) == 1 &&
		len(b.Alpha) == 1 &&
		len(b.A) == batch &&
		len(b.Lda) == 1 &&
		len(b.B) == batch &&
		len(b.Ldb) == 1
}

// validate panics on malformed calls.
func (b *TrsmBatch[T]) validate(batch int, info []int64) {
	if batch < 0 {
		panic(badBatchCount)
	}
	if !(len(info) == 0 || len(info) == 1 || len(info) == batch) {
		panic(badInfoLength)
	}
	for _, n := range []int{len(b.Side), len(b.Uplo), len(b.Trans), len(b.Diag),
		len(b.M), len(b.N), len(b.Alpha), len(b.Lda), len(b.Ldb)} {
		if n != 1 && n != batch {
			panic(badSeqLength)
		}
	}
	if len(b.A) != batch || len(b.B) != batch {
		panic(badPtrLength)
	}
}

// Checker codes: the negated position of the offending argument in
// trsm(side, uplo, trans, diag, m, n, alpha, A, lda, B, ldb).
const (
	infoSide  int64 = -1
	infoUplo  int64 = -2
	infoTrans int64 = -3
	infoDiag  int64 = -4
	infoM     int64 = -5
	infoN     int64 = -6
	infoA     int64 = -8
	infoLda   int64 = -9
	infoB     int64 = -10
	infoLdb   int64 = -11
)

func trsmArgName(code int64) string {
	switch code {
	case infoSide:
		return "side"
	case infoUplo:
		return "uplo"
	case infoTrans:
		return "trans"
	case infoDiag:
		return "diag"
	case infoM:
		return "m"
	case infoN:
		return "n"
	case infoA:
		return "A"
	case infoLda:
		return "lda"
	case infoB:
		return "B"
	case infoLdb:
		return "ldb"
	}
	return "unknown"
}

// CheckTrsm validates every operation of the batch. With len(info) == batch
// each entry receives its operation's code; with len(info) == 1 the entry
// receives the first nonzero code, or 0. An empty info slice is left alone.
// Malformed calls panic as in BatchTrsm.
func CheckTrsm[T Scalar](b *TrsmBatch[T], batch int, info []int64) {
	b.validate(batch, info)
	switch {
	case len(info) == 0:
	case len(info) == batch:
		for i := range info {
			info[i] = checkTrsmOp(b, i)
		}
	default:
		info[0] = 0
		for i := 0; i < batch; i++ {
			if code := checkTrsmOp(b, i); code != 0 {
				info[0] = code
				break
			}
		}
	}
}

func checkTrsmOp[T Scalar](b *TrsmBatch[T], i int) int64 {
	return checkTrsm(at(b.Side, i), at(b.Uplo, i), at(b.Trans, i), at(b.Diag, i),
		at(b.M, i), at(b.N, i), b.A[i], at(b.Lda, i), b.B[i], at(b.Ldb, i))
}

func checkTrsm(side Side, uplo Uplo, trans Op, diag Diag, m, n int64, a device.Ptr, lda int64, b device.Ptr, ldb int64) int64 {
	switch {
	case !side.Valid():
		return infoSide
	case !uplo.Valid():
		return infoUplo
	case !trans.Valid():
		return infoTrans
	case !diag.Valid():
		return infoDiag
	case m < 0:
		return infoM
	case n < 0:
		return infoN
	}
	k := m
	if side == Right {
		k = n
	}
	empty := m == 0 || n == 0
	switch {
	case a == 0 && !empty:
		return infoA
	case lda < max(1, k):
		return infoLda
	case b == 0 && !empty:
		return infoB
	case ldb < max(1, m):
		return infoLdb
	}
	return 0
}

// firstFailure returns the index and code of the first rejected operation.
// The index is -1 when info holds a single aggregate code for several
// operations.
func firstFailure(info []int64, batch int) (int, int64) {
	for i, code := range info {
		if code != 0 {
			if len(info) == 1 && batch != 1 {
				return -1, code
			}
			return i, code
		}
	}
	return 0, 0
}

func at[E any](s []E, i int) E {
	if len(s) == 1 {
		return s[0]
	}
	return s[i]
}
