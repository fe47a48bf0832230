package magnav

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestVanLoan(t *testing.T) {
	A := mat.NewDense(2, 2, []float64{0, 1, 0, 0})
	Γ := mat.NewDense(2, 1, []float64{0, 1})
	W := mat.NewDense(1, 1, []float64{1})
	F, Q, err := VanLoan(A, Γ, W, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	Fexp := mat.NewDense(2, 2, []float64{1, 0.1, 0, 1})
	Qexp := mat.NewSymDense(2, []float64{0.0003, 0.005, 0.005, 0.1})

	if !mat.EqualApprox(F, Fexp, 1e-3) {
		t.Fatal("F incorrectly computed")
	}

	if !mat.EqualApprox(Q, Qexp, 1e-3) {
		t.Fatal("Q incorrectly computed")
	}
}

func TestVanLoanNyquist(t *testing.T) {
	// Harmonic oscillator at 1 rad/s sampled every 2 seconds.
	A := mat.NewDense(2, 2, []float64{0, 1, -1, 0})
	Γ := mat.NewDense(2, 1, []float64{0, 1})
	W := mat.NewDense(1, 1, []float64{1})
	if _, _, err := VanLoan(A, Γ, W, 2); err == nil {
		t.Fatal("aliasing not reported")
	}
}

func TestNoiseModels(t *testing.T) {
	dt, q := 2.0, 0.01
	Qd, err := DiscreteWhiteNoise{}.ProcessNoise(dt, q)
	if err != nil {
		t.Fatal(err)
	}
	exp := mat.NewSymDense(4, []float64{
		q * 4, 0, q * 4, 0,
		0, q * 4, 0, q * 4,
		q * 4, 0, q * 4, 0,
		0, q * 4, 0, q * 4,
	})
	if !mat.EqualApprox(Qd, exp, 1e-15) {
		t.Fatalf("Qd=\n%v", mat.Formatted(Qd))
	}

	Qc, err := ContinuousWhiteNoise{}.ProcessNoise(dt, q)
	if err != nil {
		t.Fatal(err)
	}
	expc := []float64{q * math.Pow(dt, 3) / 3, q * dt * dt / 2, q * dt}
	for axis := 0; axis < 2; axis++ {
		if math.Abs(Qc.At(axis, axis)-expc[0]) > 1e-9 || math.Abs(Qc.At(axis, axis+2)-expc[1]) > 1e-9 || math.Abs(Qc.At(axis+2, axis+2)-expc[2]) > 1e-9 {
			t.Fatalf("Qc=\n%v", mat.Formatted(Qc))
		}
	}
	if math.Abs(Qc.At(0, 1)) > 1e-12 {
		t.Fatal("axes are coupled")
	}

	for _, name := range []string{"", "discrete", "continuous"} {
		if _, err := ParseNoiseModel(name); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ParseNoiseModel("pink"); err == nil {
		t.Fatal("unknown noise model accepted")
	}
}
