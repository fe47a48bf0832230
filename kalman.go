package magnav

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FieldFunc returns the expected scalar magnetic anomaly at a position. It must
// return an error wrapping ErrOutOfBounds for positions it cannot serve.
type FieldFunc func(lat, lon float64) (float64, error)

// VectorFieldFunc returns the expected three axis magnetic field at a position.
type VectorFieldFunc func(lat, lon float64) (MagneticVector, error)

// StepKind identifies the filter operation which produced an Estimate.
type StepKind uint8

const (
	// InitStep definition would be a tautology
	InitStep StepKind = iota
	// PredictStep definition would be a tautology
	PredictStep
	// PredictIMUStep definition would be a tautology
	PredictIMUStep
	// UpdateStep definition would be a tautology
	UpdateStep
	// UpdateVectorStep definition would be a tautology
	UpdateVectorStep
)

func (k StepKind) String() string {
	switch k {
	case InitStep:
		return "init"
	case PredictStep:
		return "predict"
	case PredictIMUStep:
		return "predict_imu"
	case UpdateStep:
		return "update"
	case UpdateVectorStep:
		return "update_vector"
	default:
		return fmt.Sprintf("StepKind(%d)", uint8(k))
	}
}

// Estimate is a snapshot of the navigation filter after an operation.
// Measurement, Innovation, InnovationCovariance and Gain are nil after a prediction.
type Estimate struct {
	Kind StepKind
	Step int
	// DT is the time step of a prediction.
	DT float64

	state, meas, innovation *mat.VecDense
	covar, predCovar        mat.Symmetric
	innovCovar              *mat.Dense
	gain                    mat.Matrix
}

// State returns \hat{x}_{k}^{+}, i.e. [lat, lon, dlat, dlon].
func (e Estimate) State() *mat.VecDense {
	return e.state
}

// IsEmpty returns whether the estimate carries no state, which is the case of
// the zero Estimate returned along with an error.
func (e Estimate) IsEmpty() bool {
	return e.state == nil || e.covar == nil
}

// Position returns the position part of the state. It panics on an empty estimate.
func (e Estimate) Position() LatLon {
	return LatLon{Lat: e.state.AtVec(0), Lon: e.state.AtVec(1)}
}

// Velocity returns the velocity part of the state in degrees per second.
func (e Estimate) Velocity() (dlat, dlon float64) {
	return e.state.AtVec(2), e.state.AtVec(3)
}

// VelocityMS returns the (north, east) velocity in m/s, from one second of motion.
func (e Estimate) VelocityMS() (north, east float64) {
	p := e.Position()
	dlat, dlon := e.Velocity()
	return LatLonToMeters(p.Lat, p.Lon, p.Lat+dlat, p.Lon+dlon)
}

// Measurement returns the expected measurement at the prior state.
func (e Estimate) Measurement() *mat.VecDense {
	return e.meas
}

// Innovation returns y_{k} - h(\hat{x}_{k}^{-}).
func (e Estimate) Innovation() *mat.VecDense {
	return e.innovation
}

// InnovationCovariance returns S = H*P*H' + R.
func (e Estimate) InnovationCovariance() *mat.Dense {
	return e.innovCovar
}

// Covariance returns P_{k}^{+}.
func (e Estimate) Covariance() mat.Symmetric {
	return e.covar
}

// PredCovariance returns P_{k}^{-}.
func (e Estimate) PredCovariance() mat.Symmetric {
	return e.predCovar
}

// Gain returns the Kalman gain.
func (e Estimate) Gain() mat.Matrix {
	return e.gain
}

// PositionSigma returns the one sigma position uncertainty in degrees.
func (e Estimate) PositionSigma() (lat, lon float64) {
	return math.Sqrt(e.covar.At(0, 0)), math.Sqrt(e.covar.At(1, 1))
}

// VelocitySigma returns the one sigma velocity uncertainty in degrees per second.
func (e Estimate) VelocitySigma() (dlat, dlon float64) {
	return math.Sqrt(e.covar.At(2, 2)), math.Sqrt(e.covar.At(3, 3))
}

// IsWithinNσ returns whether every innovation component is within N times the
// square root of its innovation variance. Predictions are always within bounds.
func (e Estimate) IsWithinNσ(N float64) bool {
	if e.innovation == nil {
		return true
	}
	for i := 0; i < e.innovation.Len(); i++ {
		nσ := N * math.Sqrt(e.innovCovar.At(i, i))
		if e.innovation.AtVec(i) > nσ || e.innovation.AtVec(i) < -nσ {
			return false
		}
	}
	return true
}

// IsWithin2σ returns whether the innovation is within the 2σ bounds.
func (e Estimate) IsWithin2σ() bool {
	return e.IsWithinNσ(2)
}

// NIS returns the normalized innovation squared. Each axis of a vector update is
// processed as an independent scalar measurement, so only the diagonal of S is used.
func (e Estimate) NIS() float64 {
	if e.innovation == nil {
		return 0
	}
	var nis float64
	for i := 0; i < e.innovation.Len(); i++ {
		nis += e.innovation.AtVec(i) * e.innovation.AtVec(i) / e.innovCovar.At(i, i)
	}
	return nis
}

// ContainsTruth returns whether the true position lies within N sigma of the estimate.
func (e Estimate) ContainsTruth(truth LatLon, N float64) bool {
	if e.IsEmpty() {
		return false
	}
	σlat, σlon := e.PositionSigma()
	p := e.Position()
	return math.Abs(p.Lat-truth.Lat) <= N*σlat && math.Abs(p.Lon-truth.Lon) <= N*σlon
}

func (e Estimate) String() string {
	if e.IsEmpty() {
		return fmt.Sprintf("{%s #%d empty}", e.Kind, e.Step)
	}
	state := mat.Formatted(e.state.T(), mat.Prefix("  "))
	covar := mat.Formatted(e.covar, mat.Prefix("  "))
	predp := mat.Formatted(e.predCovar, mat.Prefix("   "))
	if e.innovation == nil {
		return fmt.Sprintf("{%s #%d dt=%g\ns=%v\nP=%v\nP-=%v\n}", e.Kind, e.Step, e.DT, state, covar, predp)
	}
	meas := mat.Formatted(e.meas.T(), mat.Prefix("  "))
	innov := mat.Formatted(e.innovation.T(), mat.Prefix("  "))
	gain := mat.Formatted(e.gain, mat.Prefix("  "))
	S := mat.Formatted(e.innovCovar, mat.Prefix("  "))
	return fmt.Sprintf("{%s #%d\ns=%v\ny=%v\ni=%v\nS=%v\nK=%v\nP=%v\nP-=%v\n}", e.Kind, e.Step, state, meas, innov, S, gain, covar, predp)
}
