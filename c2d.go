package magnav

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// VanLoan computes the F and Q matrices from the provided CT system A, Γ, W and
// the sampling rate Δt. The returned error only reports a violation of the Nyquist
// criterion, F and Q are always computed.
func VanLoan(A, Γ, W mat.Matrix, Δt float64) (*mat.Dense, *mat.SymDense, error) {
	var err error
	// Check aliasing
	var λ mat.Eigen
	if ok := λ.Factorize(A, mat.EigenNone); ok {
		var λmax float64
		for _, v := range λ.Values(nil) {
			if a := cmplx.Abs(v); a > λmax {
				λmax = a
			}
		}
		if 2*λmax*Δt >= math.Pi {
			err = fmt.Errorf("magnav: Nyquist sampling criterion not fulfilled with Δt=%f", Δt)
		}
	}

	// Compute F and Q.
	var ΓW, ΓWΓ, Ap mat.Dense
	ΓW.Mul(Γ, W)
	ΓWΓ.Mul(&ΓW, Γ.T())
	ΓWΓ.Scale(Δt, &ΓWΓ)
	Ap.Scale(Δt, A)
	// Find the size of the M matrix.
	rA, cA := A.Dims()
	r1, c1 := ΓWΓ.Dims()
	M := mat.NewDense(rA+cA, cA+c1, nil)

	// Populate M
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			M.Set(i, j, -Ap.At(i, j))
			M.Set(i+rA, j+cA, Ap.At(j, i))
		}
	}
	for i := 0; i < r1; i++ {
		for j := 0; j < c1; j++ {
			M.Set(i, j+cA, ΓWΓ.At(i, j))
		}
	}

	// Compute exponential
	var expM mat.Dense
	expM.Exp(M)
	reM, ceM := expM.Dims()

	// Extract F transpose (and F^-1*Q) knowing it has the same size as A.
	Ft := mat.NewDense(rA, cA, nil)
	F1Q := mat.NewDense(rA, cA, nil)
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			F1Q.Set(i, j, expM.At(i, ceM-cA+j))
			Ft.Set(i, j, expM.At(reM-rA+i, ceM-cA+j))
		}
	}
	F := Transpose(Ft)
	var Q mat.Dense
	Q.Mul(F, F1Q)
	return F, Symmetrize(&Q), err
}

// NoiseModel computes the discrete process noise of the constant velocity model
// over a time step, for a process noise intensity q.
type NoiseModel interface {
	ProcessNoise(dt, q float64) (*mat.SymDense, error)
	String() string
}

// DiscreteWhiteNoise is the discretized white noise acceleration model:
// dt⁴/4 on position, dt³/2 on position-velocity and dt² on velocity, scaled by q.
type DiscreteWhiteNoise struct{}

// ProcessNoise implements the NoiseModel interface.
func (DiscreteWhiteNoise) ProcessNoise(dt, q float64) (*mat.SymDense, error) {
	Q := mat.NewSymDense(stateSize, nil)
	pp := q * math.Pow(dt, 4) / 4
	pv := q * math.Pow(dt, 3) / 2
	vv := q * dt * dt
	Q.SetSym(0, 0, pp)
	Q.SetSym(1, 1, pp)
	Q.SetSym(0, 2, pv)
	Q.SetSym(1, 3, pv)
	Q.SetSym(2, 2, vv)
	Q.SetSym(3, 3, vv)
	return Q, nil
}

func (DiscreteWhiteNoise) String() string { return "discrete" }

// ContinuousWhiteNoise discretizes a continuous white noise acceleration of
// intensity q with the Van Loan method.
type ContinuousWhiteNoise struct{}

// ProcessNoise implements the NoiseModel interface.
func (ContinuousWhiteNoise) ProcessNoise(dt, q float64) (*mat.SymDense, error) {
	A := mat.NewDense(stateSize, stateSize, nil)
	A.Set(0, 2, 1)
	A.Set(1, 3, 1)
	Γ := mat.NewDense(stateSize, 2, []float64{0, 0, 0, 0, 1, 0, 0, 1})
	_, Q, err := VanLoan(A, Γ, ScaledIdentity(2, q), dt)
	return Q, err
}

func (ContinuousWhiteNoise) String() string { return "continuous" }

// ParseNoiseModel returns a NoiseModel by name, "discrete" or "continuous".
func ParseNoiseModel(name string) (NoiseModel, error) {
	switch name {
	case "", "discrete":
		return DiscreteWhiteNoise{}, nil
	case "continuous":
		return ContinuousWhiteNoise{}, nil
	default:
		return nil, fmt.Errorf("unknown noise model %q", name)
	}
}
