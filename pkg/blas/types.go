package blas

import "fmt"

// Side selects whether the triangular matrix multiplies from the left or right.
type Side byte

const (
	Left  Side = 'L'
	Right Side = 'R'
)

// Uplo selects the referenced triangle.
type Uplo byte

const (
	Upper Uplo = 'U'
	Lower Uplo = 'L'
)

// Op is the operation applied to the triangular matrix.
type Op byte

const (
	NoTrans   Op = 'N'
	Trans     Op = 'T'
	ConjTrans Op = 'C'
)

// Diag tells whether the triangular matrix has an implicit unit diagonal.
type Diag byte

const (
	NonUnit Diag = 'N'
	Unit    Diag = 'U'
)

func (s Side) Valid() bool { return s == Left || s == Right }
func (u Uplo) Valid() bool { return u == Upper || u == Lower }
func (o Op) Valid() bool   { return o == NoTrans || o == Trans || o == ConjTrans }
func (d Diag) Valid() bool { return d == NonUnit || d == Unit }

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Side(%d)", byte(s))
}

func (u Uplo) String() string {
	switch u {
	case Upper:
		return "upper"
	case Lower:
		return "lower"
	}
	return fmt.Sprintf("Uplo(%d)", byte(u))
}

func (o Op) String() string {
	switch o {
	case NoTrans:
		return "notrans"
	case Trans:
		return "trans"
	case ConjTrans:
		return "conjtrans"
	}
	return fmt.Sprintf("Op(%d)", byte(o))
}

func (d Diag) String() string {
	switch d {
	case NonUnit:
		return "nonunit"
	case Unit:
		return "unit"
	}
	return fmt.Sprintf("Diag(%d)", byte(d))
}

// Scalar is the set of element types with device BLAS support.
type Scalar interface {
	float32 | float64 | complex64 | complex128
}

// Precision tags an element type in kernel lookup tables.
type Precision int

const (
	Single        Precision = iota // float32
	Double                         // float64
	SingleComplex                  // complex64
	DoubleComplex                  // complex128
	numPrecisions
)

// Prefix returns the BLAS naming prefix: s, d, c or z.
func (p Precision) Prefix() string {
	switch p {
	case Single:
		return "s"
	case Double:
		return "d"
	case SingleComplex:
		return "c"
	case DoubleComplex:
		return "z"
	}
	return "?"
}

func (p Precision) String() string { return p.Prefix() }

// Size returns the element size in bytes.
func (p Precision) Size() int {
	switch p {
	case Single:
		return 4
	case Double, SingleComplex:
		return 8
	case DoubleComplex:
		return 16
	}
	return 0
}

// PrecisionOf returns the precision tag of T.
func PrecisionOf[T Scalar]() Precision {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Single
	case float64:
		return Double
	case complex64:
		return SingleComplex
	default:
		return DoubleComplex
	}
}
