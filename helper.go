package magnav

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultJacobianStep is the forward difference step used by NumericalJacobian.
	DefaultJacobianStep = 1e-6
	// singularDet is the determinant magnitude below which a matrix is considered singular.
	singularDet = 1e-10
)

// Identity returns an identity matrix of the provided size.
func Identity(n int) *mat.SymDense {
	return ScaledIdentity(n, 1)
}

// ScaledIdentity returns an identity matrix time a scaling factor of the provided size.
func ScaledIdentity(n int, s float64) *mat.SymDense {
	vals := make([]float64, n*n)
	for j := 0; j < n*n; j++ {
		if j%(n+1) == 0 {
			vals[j] = s
		}
	}
	return mat.NewSymDense(n, vals)
}

// IsNil returns whether the provided matrix only has zero values
func IsNil(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// AsSymDense attempts return a SymDense from the provided Dense.
func AsSymDense(m *mat.Dense) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.New("matrix must be square")
	}
	mT := m.T()
	vals := make([]float64, r*c)
	idx := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if mT.At(i, j) != m.At(i, j) {
				return nil, errors.New("matrix is not symmetric")
			}
			vals[idx] = m.At(i, j)
			idx++
		}
	}

	return mat.NewSymDense(r, vals), nil
}

// Symmetrize returns (m + m')/2, which absorbs the round-off asymmetry of covariance updates.
func Symmetrize(m mat.Matrix) *mat.SymDense {
	r, _ := m.Dims()
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}

// Multiply returns a*b.
func Multiply(a, b mat.Matrix) (*mat.Dense, error) {
	if err := checkMatDims(a, b, "A", "B", cols2rows); err != nil {
		return nil, err
	}
	var m mat.Dense
	m.Mul(a, b)
	return &m, nil
}

// Add returns a+b.
func Add(a, b mat.Matrix) (*mat.Dense, error) {
	if err := checkMatDims(a, b, "A", "B", rowsAndcols); err != nil {
		return nil, err
	}
	var m mat.Dense
	m.Add(a, b)
	return &m, nil
}

// Subtract returns a-b.
func Subtract(a, b mat.Matrix) (*mat.Dense, error) {
	if err := checkMatDims(a, b, "A", "B", rowsAndcols); err != nil {
		return nil, err
	}
	var m mat.Dense
	m.Sub(a, b)
	return &m, nil
}

// Transpose returns a copy of a'.
func Transpose(a mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(a.T())
}

// Inverse returns the inverse of a square matrix, or ErrSingular.
func Inverse(a mat.Matrix) (*mat.Dense, error) {
	if err := checkMatDims(a, a, "A", "A", rows2cols); err != nil {
		return nil, err
	}
	if math.Abs(mat.Det(a)) < singularDet {
		return nil, ErrSingular
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSingular, err)
	}
	return &inv, nil
}

// Inverse2x2 is Inverse restricted to 2x2 matrices.
func Inverse2x2(a mat.Matrix) (*mat.Dense, error) {
	return inverseN(a, 2)
}

// Inverse4x4 is Inverse restricted to 4x4 matrices.
func Inverse4x4(a mat.Matrix) (*mat.Dense, error) {
	return inverseN(a, 4)
}

func inverseN(a mat.Matrix, n int) (*mat.Dense, error) {
	if r, c := a.Dims(); r != n || c != n {
		return nil, fmt.Errorf("%w: expected %dx%d got %dx%d", ErrDimensions, n, n, r, c)
	}
	return Inverse(a)
}

// NumericalJacobian approximates the Jacobian of f at x by forward differences.
// A non-positive step uses DefaultJacobianStep. The first error returned by f
// aborts the computation.
func NumericalJacobian(f func(x []float64) ([]float64, error), x []float64, step float64) (*mat.Dense, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: empty input vector", ErrDimensions)
	}
	if step <= 0 {
		step = DefaultJacobianStep
	}
	f0, err := f(x)
	if err != nil {
		return nil, err
	}
	if len(f0) == 0 {
		return nil, fmt.Errorf("%w: empty output vector", ErrDimensions)
	}
	var ferr error
	wrapped := func(y, xi []float64) {
		if ferr != nil {
			return
		}
		v, err := f(xi)
		if err != nil {
			ferr = err
			return
		}
		if len(v) != len(y) {
			ferr = fmt.Errorf("%w: f returned %d values instead of %d", ErrDimensions, len(v), len(y))
			return
		}
		copy(y, v)
	}
	J := mat.NewDense(len(f0), len(x), nil)
	fd.Jacobian(J, wrapped, x, &fd.JacobianSettings{
		Formula:     fd.Forward,
		OriginValue: f0,
		Step:        step,
	})
	if ferr != nil {
		return nil, ferr
	}
	return J, nil
}
