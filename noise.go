package magnav

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Noise generates the measurement noise of a simulated magnetometer.
type Noise interface {
	Measurement(k int) *mat.VecDense   // Returns the measurement noise at step k
	MeasurementMatrix() mat.Symmetric // Returns the measurement noise matrix R
	String() string                   // Stringer interface implementation
}

// MeasurementNoise returns scalar AWGN of standard deviation σ, or Noiseless if σ is zero.
func MeasurementNoise(σ float64, seed uint64) Noise {
	if σ == 0 {
		return Noiseless{1}
	}
	return NewAWGN(mat.NewSymDense(1, []float64{σ * σ}), seed)
}

// Noiseless is noiseless and implements the Noise interface.
type Noiseless struct {
	measurementSize int
}

// NewNoiseless returns a Noiseless of the provided size.
func NewNoiseless(size int) Noiseless {
	return Noiseless{size}
}

// Measurement returns a vector of the correct size.
func (n Noiseless) Measurement(k int) *mat.VecDense {
	return mat.NewVecDense(n.measurementSize, nil)
}

// MeasurementMatrix implements the Noise interface.
func (n Noiseless) MeasurementMatrix() mat.Symmetric {
	return mat.NewSymDense(n.measurementSize, nil)
}

// String implements the Stringer interface.
func (n Noiseless) String() string {
	return fmt.Sprintf("Noiseless{%d}", n.measurementSize)
}

// BatchNoise replays recorded measurement noise and implements the Noise interface.
type BatchNoise struct {
	measurement []*mat.VecDense // Array of measurement noise
}

// NewBatchNoise returns a BatchNoise over the provided samples.
func NewBatchNoise(measurement []*mat.VecDense) *BatchNoise {
	if len(measurement) == 0 {
		panic("at least one measurement noise sample is required")
	}
	return &BatchNoise{measurement}
}

// Measurement implements the Noise interface.
func (n BatchNoise) Measurement(k int) *mat.VecDense {
	if k >= len(n.measurement) {
		panic(fmt.Errorf("no measurement noise defined at step k=%d", k))
	}
	return n.measurement[k]
}

// MeasurementMatrix implements the Noise interface.
func (n BatchNoise) MeasurementMatrix() mat.Symmetric {
	return mat.NewSymDense(n.measurement[0].Len(), nil)
}

// String implements the Stringer interface.
func (n BatchNoise) String() string {
	return "BatchNoise"
}

// AWGN implements the Noise interface and generates an Additive white Gaussian noise.
type AWGN struct {
	R           mat.Symmetric
	measurement *distmv.Normal
}

// NewAWGN creates new AWGN noise from the provided R. The same seed yields the same sequence.
func NewAWGN(R mat.Symmetric, seed uint64) *AWGN {
	sizeR, _ := R.Dims()
	meas, ok := distmv.NewNormal(make([]float64, sizeR), R, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if !ok {
		panic("measurement noise invalid")
	}
	return &AWGN{R, meas}
}

// MeasurementMatrix implements the Noise interface.
func (n AWGN) MeasurementMatrix() mat.Symmetric {
	return n.R
}

// Measurement implements the Noise interface.
func (n AWGN) Measurement(k int) *mat.VecDense {
	r := n.measurement.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// String implements the Stringer interface.
func (n AWGN) String() string {
	return fmt.Sprintf("AWGN{\nR=%v}\n", mat.Formatted(n.R, mat.Prefix("  ")))
}
