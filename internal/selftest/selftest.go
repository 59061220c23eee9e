// Package selftest exercises a queue's batched dispatch end to end with
// random well-conditioned problems.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"time"

	"github.com/fxnlabs/devblas/internal/metrics"
	"github.com/fxnlabs/devblas/pkg/blas"
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// ErrFailed is returned when at least one check of a run failed.
var ErrFailed = errors.New("self-test failed")

// ErrSizeTooLarge is returned when Options.Size exceeds Options.MaxSize.
var ErrSizeTooLarge = errors.New("self-test size too large")

// DefaultMaxSize bounds Options.Size when MaxSize is unset. Host memory for
// one run grows with the square of the size.
const DefaultMaxSize = 256

// Result paths.
const (
	PathFixed         = "fixed"
	PathHeterogeneous = "heterogeneous"
	PathRejected      = "rejected"
)

type Options struct {
	Batch   int   // Operations per batch, capped at the queue's MaxBatch
	Size    int   // Largest matrix dimension
	MaxSize int   // Upper bound for Size, DefaultMaxSize when unset
	Rounds  int   // Random vectors per verified solve
	Seed    int64 // 0 picks a time based seed
}

func (o Options) withDefaults(q *blas.Queue) Options {
	if o.Batch <= 0 {
		o.Batch = 16
	}
	if o.Batch > q.MaxBatch() {
		o.Batch = q.MaxBatch()
	}
	if o.Size <= 0 {
		o.Size = 8
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Rounds <= 0 {
		o.Rounds = 4
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o
}

// CheckSize rejects a Size above MaxSize, using DefaultMaxSize for an unset
// MaxSize.
func (o Options) CheckSize() error {
	limit := o.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	if o.Size > limit {
		return fmt.Errorf("%w: %d exceeds %d", ErrSizeTooLarge, o.Size, limit)
	}
	return nil
}

// Result is the outcome of one precision and batch shape.
type Result struct {
	Precision   string        `json:"precision"`
	Path        string        `json:"path"`
	Operations  int           `json:"operations"`
	MaxResidual float64       `json:"maxResidual"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

type Report struct {
	Backend  string        `json:"backend"`
	Device   int           `json:"device"`
	Seed     int64         `json:"seed"`
	Results  []Result      `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Failures returns the number of failed checks.
func (r *Report) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Error != "" {
			n++
		}
	}
	return n
}

type runner func(q *blas.Queue, opts Options, r *rand.Rand, heterogeneous bool) Result

// Run solves a fixed-size and a heterogeneous batch in every precision,
// compares each batched solution with a single solve of the same system and
// verifies it against the original right-hand side. A queue that rejects
// heterogeneous batches must reject them with blas.ErrUnsupportedBatch.
func Run(ctx context.Context, q *blas.Queue, opts Options, log *zap.Logger) (*Report, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("selftest")
	opts = opts.withDefaults(q)
	if err := opts.CheckSize(); err != nil {
		return nil, err
	}

	start := time.Now()
	rng := rand.New(rand.NewSource(opts.Seed))
	report := &Report{
		Backend: q.Session().Backend(),
		Device:  int(q.Device()),
		Seed:    opts.Seed,
	}

	for _, run := range []runner{runCase[float32], runCase[float64], runCase[complex64], runCase[complex128]} {
		for _, heterogeneous := range []bool{false, true} {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res := run(q, opts, rng, heterogeneous)
			fields := []zap.Field{
				zap.String("precision", res.Precision),
				zap.String("path", res.Path),
				zap.Int("operations", res.Operations),
				zap.Float64("max_residual", res.MaxResidual),
				zap.Duration("duration", res.Duration),
			}
			if res.Error != "" {
				log.Error("Check failed", append(fields, zap.String("error", res.Error))...)
			} else {
				log.Debug("Check passed", fields...)
			}
			report.Results = append(report.Results, res)
		}
	}

	report.Duration = time.Since(start)
	metrics.SelftestDuration.Observe(float64(report.Duration.Milliseconds()))
	if n := report.Failures(); n > 0 {
		metrics.SelftestFailures.Inc()
		return report, fmt.Errorf("%w: %d of %d checks", ErrFailed, n, len(report.Results))
	}
	log.Info("Self-test passed",
		zap.String("backend", report.Backend),
		zap.Int("checks", len(report.Results)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func runCase[T blas.Scalar](q *blas.Queue, opts Options, r *rand.Rand, heterogeneous bool) Result {
	res := Result{
		Precision:  blas.PrecisionOf[T]().String(),
		Path:       PathFixed,
		Operations: opts.Batch,
	}
	if heterogeneous {
		res.Path = PathHeterogeneous
	}

	start := time.Now()
	residual, err := solveAndVerify[T](q, opts, r, heterogeneous)
	res.Duration = time.Since(start)
	res.MaxResidual = residual

	switch {
	case heterogeneous && q.Policy() == blas.HeterogeneousReject && opts.Batch > 1:
		res.Path = PathRejected
		if !errors.Is(err, blas.ErrUnsupportedBatch) {
			res.Error = fmt.Sprintf("expected %v, got %v", blas.ErrUnsupportedBatch, err)
		}
	case err != nil:
		res.Error = err.Error()
	}
	return res
}

type problem struct {
	side     blas.Side
	uplo     blas.Uplo
	trans    blas.Op
	diag     blas.Diag
	m, n     int
	lda, ldb int
	alpha    complex128
}

func (p problem) k() int {
	if p.side == blas.Left {
		return p.m
	}
	return p.n
}

func randomProblem(r *rand.Rand, size int) problem {
	p := problem{
		side:  []blas.Side{blas.Left, blas.Right}[r.Intn(2)],
		uplo:  []blas.Uplo{blas.Upper, blas.Lower}[r.Intn(2)],
		trans: []blas.Op{blas.NoTrans, blas.Trans, blas.ConjTrans}[r.Intn(3)],
		diag:  []blas.Diag{blas.NonUnit, blas.Unit}[r.Intn(2)],
		m:     1 + r.Intn(size),
		n:     1 + r.Intn(size),
		alpha: complex(0.5+r.Float64(), r.Float64()-0.5),
	}
	p.lda = p.k() + r.Intn(3)
	p.ldb = p.m + r.Intn(3)
	return p
}

// triangular fills a k×k matrix whose diagonal dominates the referenced
// triangle, which keeps the solve well conditioned.
func triangular[T blas.Scalar](r *rand.Rand, k, ld int) []T {
	a := make([]T, ld*k)
	for j := 0; j < k; j++ {
		for i := 0; i < ld; i++ {
			a[i+j*ld] = fromParts[T]((r.Float64()-0.5)/float64(k), (r.Float64()-0.5)/float64(k))
		}
		a[j+j*ld] = fromParts[T](1+r.Float64(), r.Float64()-0.5)
	}
	return a
}

func general[T blas.Scalar](r *rand.Rand, n int) []T {
	b := make([]T, n)
	for i := range b {
		b[i] = fromParts[T](2*r.Float64()-1, 2*r.Float64()-1)
	}
	return b
}

func solveAndVerify[T blas.Scalar](q *blas.Queue, opts Options, r *rand.Rand, heterogeneous bool) (worst float64, err error) {
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
	upload := func(host []T) (device.Ptr, error) {
		p, err := blas.Malloc[T](q, len(host))
		if err != nil {
			return 0, err
		}
		allocs = append(allocs, p)
		return p, blas.SetVector(q, host, p)
	}

	batch := opts.Batch
	problems := make([]problem, batch)
	shared := randomProblem(r, opts.Size)
	for i := range problems {
		problems[i] = shared
		if heterogeneous {
			problems[i] = randomProblem(r, opts.Size)
		}
	}

	b := &blas.TrsmBatch[T]{}
	hostA := make([][]T, batch)
	hostB := make([][]T, batch)
	ref := make([]device.Ptr, batch)
	for i, p := range problems {
		if i == 0 || heterogeneous {
			b.Side = append(b.Side, p.side)
			b.Uplo = append(b.Uplo, p.uplo)
			b.Trans = append(b.Trans, p.trans)
			b.Diag = append(b.Diag, p.diag)
			b.M = append(b.M, int64(p.m))
			b.N = append(b.N, int64(p.n))
			b.Alpha = append(b.Alpha, fromParts[T](real(p.alpha), imag(p.alpha)))
			b.Lda = append(b.Lda, int64(p.lda))
			b.Ldb = append(b.Ldb, int64(p.ldb))
		}
		hostA[i] = triangular[T](r, p.k(), p.lda)
		hostB[i] = general[T](r, p.ldb*p.n)

		dA, err := upload(hostA[i])
		if err != nil {
			return 0, err
		}
		dB, err := upload(hostB[i])
		if err != nil {
			return 0, err
		}
		if ref[i], err = upload(hostB[i]); err != nil {
			return 0, err
		}
		b.A = append(b.A, dA)
		b.B = append(b.B, dB)
	}

	if err := blas.BatchTrsm(q, b, batch, make([]int64, batch)); err != nil {
		return 0, err
	}
	for i, p := range problems {
		alpha := fromParts[T](real(p.alpha), imag(p.alpha))
		if err := blas.Trsm(q, p.side, p.uplo, p.trans, p.diag, int64(p.m), int64(p.n), alpha,
			b.A[i], int64(p.lda), ref[i], int64(p.ldb)); err != nil {
			return 0, fmt.Errorf("single solve %d: %w", i, err)
		}
	}

	tol := tolerance[T]()
	for i, p := range problems {
		x := make([]T, len(hostB[i]))
		if err := blas.GetVector(q, b.B[i], x); err != nil {
			return worst, err
		}
		single := make([]T, len(hostB[i]))
		if err := blas.GetVector(q, ref[i], single); err != nil {
			return worst, err
		}
		if d := maxRelDiff(x, single); d > tol {
			return worst, fmt.Errorf("operation %d: batched and single solutions differ by %.3g", i, d)
		}

		// Verify against alpha as the kernel received it.
		alpha := toComplex(fromParts[T](real(p.alpha), imag(p.alpha)))
		s := &Solve{
			Side: p.side, Uplo: p.uplo, Trans: p.trans, Diag: p.diag,
			M: p.m, N: p.n, Alpha: alpha,
			A: lift(hostA[i]), Lda: p.lda,
			B: lift(hostB[i]), X: lift(x), Ldb: p.ldb,
		}
		worst = math.Max(worst, FreivaldsResidual(s, opts.Rounds, r))
		if worst > tol {
			return worst, fmt.Errorf("operation %d: residual %.3g exceeds %.3g", i, worst, tol)
		}
	}
	return worst, nil
}

func tolerance[T blas.Scalar]() float64 {
	switch blas.PrecisionOf[T]() {
	case blas.Single, blas.SingleComplex:
		return 1e-4
	}
	return 1e-10
}

func maxRelDiff[T blas.Scalar](a, b []T) float64 {
	worst := 0.0
	for i := range a {
		x, y := toComplex(a[i]), toComplex(b[i])
		worst = math.Max(worst, cmplx.Abs(x-y)/(1+cmplx.Abs(y)))
	}
	return worst
}

func lift[T blas.Scalar](s []T) []complex128 {
	out := make([]complex128, len(s))
	for i, v := range s {
		out[i] = toComplex(v)
	}
	return out
}

func fromParts[T blas.Scalar](re, im float64) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(float32(re)).(T)
	case float64:
		return any(re).(T)
	case complex64:
		return any(complex64(complex(re, im))).(T)
	default:
		return any(complex(re, im)).(T)
	}
}

func toComplex[T blas.Scalar](v T) complex128 {
	switch v := any(v).(type) {
	case float32:
		return complex(float64(v), 0)
	case float64:
		return complex(v, 0)
	case complex64:
		return complex128(v)
	default:
		return v.(complex128)
	}
}
