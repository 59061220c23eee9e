package challengers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// TrsmProblem is one system of a triangular solve challenge. A and B are
// given row by row; flags are single BLAS letters and default to L, U, N, N.
type TrsmProblem struct {
	Side  string      `json:"side"`
	Uplo  string      `json:"uplo"`
	Trans string      `json:"trans"`
	Diag  string      `json:"diag"`
	Alpha *float64    `json:"alpha"`
	A     [][]float64 `json:"A"`
	B     [][]float64 `json:"B"`
}

// TrsmChallenger solves the submitted systems as one batched call.
type TrsmChallenger struct {
	queue *SharedQueue
}

func NewTrsmChallenger(queue *SharedQueue) *TrsmChallenger {
	return &TrsmChallenger{queue: queue}
}

// Execute solves every problem of the payload and returns the solutions
// together with their verification data.
func (c *TrsmChallenger) Execute(payload interface{}, log *zap.Logger) (interface{}, error) {
	log.Info("Performing triangular solve challenge...")

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to marshal payload", zap.Error(err))
		return nil, err
	}

	var req struct {
		Problems []TrsmProblem `json:"problems"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error("Failed to unmarshal problems from payload", zap.Error(err))
		return nil, err
	}
	if len(req.Problems) == 0 {
		return nil, fmt.Errorf("no problems in payload")
	}
	if limit := c.queue.Queue().MaxBatch(); len(req.Problems) > limit {
		return nil, fmt.Errorf("%d problems exceed the batch limit of %d", len(req.Problems), limit)
	}

	batch, shapes, err := buildBatch(req.Problems)
	if err != nil {
		log.Error("Invalid problem", zap.Error(err))
		return nil, err
	}

	var solutions [][][]float64
	err = c.queue.Do(func(q *blas.Queue) error {
		solutions, err = solve(q, batch, shapes)
		return err
	})
	if err != nil {
		log.Error("Triangular solve failed", zap.Error(err))
		return nil, err
	}

	verification := make([]VerificationData, len(solutions))
	for i, x := range solutions {
		verification[i] = GenerateVerificationData(x, 3)
	}
	log.Info("Triangular solve successful", zap.Int("problems", len(solutions)))

	return map[string]interface{}{
		"X":            solutions,
		"verification": verification,
	}, nil
}

type shape struct {
	m, n, k int
	a, b    [][]float64
}

func flag(s string, def byte) byte {
	if s == "" {
		return def
	}
	return strings.ToUpper(s)[0]
}

func buildBatch(problems []TrsmProblem) (*blas.TrsmBatch[float64], []shape, error) {
	b := &blas.TrsmBatch[float64]{}
	shapes := make([]shape, len(problems))
	for i, p := range problems {
		if len(p.B) == 0 || len(p.B[0]) == 0 {
			return nil, nil, fmt.Errorf("problem %d: B is empty", i)
		}
		s := shape{m: len(p.B), n: len(p.B[0]), a: p.A, b: p.B}
		for r, row := range p.B {
			if len(row) != s.n {
				return nil, nil, fmt.Errorf("problem %d: row %d of B has %d columns, want %d", i, r, len(row), s.n)
			}
		}
		side := blas.Side(flag(p.Side, byte(blas.Left)))
		s.k = s.m
		if side == blas.Right {
			s.k = s.n
		}
		if len(p.A) != s.k {
			return nil, nil, fmt.Errorf("problem %d: A has %d rows, want %d", i, len(p.A), s.k)
		}
		for r, row := range p.A {
			if len(row) != s.k {
				return nil, nil, fmt.Errorf("problem %d: row %d of A has %d columns, want %d", i, r, len(row), s.k)
			}
		}
		shapes[i] = s

		alpha := 1.0
		if p.Alpha != nil {
			alpha = *p.Alpha
		}
		b.Side = append(b.Side, side)
		b.Uplo = append(b.Uplo, blas.Uplo(flag(p.Uplo, byte(blas.Upper))))
		b.Trans = append(b.Trans, blas.Op(flag(p.Trans, byte(blas.NoTrans))))
		b.Diag = append(b.Diag, blas.Diag(flag(p.Diag, byte(blas.NonUnit))))
		b.M = append(b.M, int64(s.m))
		b.N = append(b.N, int64(s.n))
		b.Alpha = append(b.Alpha, alpha)
		b.Lda = append(b.Lda, int64(s.k))
		b.Ldb = append(b.Ldb, int64(s.m))
	}

	// Identical parameters collapse to one entry so the batch is dispatched
	// as a single fixed-size call.
	b.Side = uniform(b.Side)
	b.Uplo = uniform(b.Uplo)
	b.Trans = uniform(b.Trans)
	b.Diag = uniform(b.Diag)
	b.M = uniform(b.M)
	b.N = uniform(b.N)
	b.Alpha = uniform(b.Alpha)
	b.Lda = uniform(b.Lda)
	b.Ldb = uniform(b.Ldb)
	return b, shapes, nil
}

func uniform[E comparable](s []E) []E {
	for _, v := range s[1:] {
		if v != s[0] {
			return s
		}
	}
	return s[:1]
}

func solve(q *blas.Queue, batch *blas.TrsmBatch[float64], shapes []shape) (solutions [][][]float64, err error) {
	var allocs []device.Ptr
	defer func() {
		if serr := q.Sync(); err == nil && serr != nil {
			err = serr
		}
		for _, p := range allocs {
			if ferr := q.Free(p); err == nil && ferr != nil {
				err = ferr
			}
		}
	}()
	upload := func(host []float64) (device.Ptr, error) {
		p, err := blas.Malloc[float64](q, len(host))
		if err != nil {
			return 0, err
		}
		allocs = append(allocs, p)
		return p, blas.SetVector(q, host, p)
	}

	for _, s := range shapes {
		dA, err := upload(columnMajor(s.a, s.k, s.k))
		if err != nil {
			return nil, err
		}
		dB, err := upload(columnMajor(s.b, s.m, s.n))
		if err != nil {
			return nil, err
		}
		batch.A = append(batch.A, dA)
		batch.B = append(batch.B, dB)
	}

	if err := blas.BatchTrsm(q, batch, len(shapes), make([]int64, len(shapes))); err != nil {
		return nil, err
	}

	solutions = make([][][]float64, len(shapes))
	for i, s := range shapes {
		x := make([]float64, s.m*s.n)
		if err := blas.GetVector(q, batch.B[i], x); err != nil {
			return nil, err
		}
		solutions[i] = rowMajor(x, s.m, s.n)
	}
	return solutions, nil
}

func columnMajor(rows [][]float64, m, n int) []float64 {
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[i+j*m] = rows[i][j]
		}
	}
	return out
}

func rowMajor(data []float64, m, n int) [][]float64 {
	out := make([][]float64, m)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = data[i+j*m]
		}
	}
	return out
}
