package magnav

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MinCalibrationSamples is the minimum number of samples of a calibration.
const MinCalibrationSamples = 8

// CalibrationParams are hard iron offsets and soft iron scale factors.
type CalibrationParams struct {
	Offset [3]float64 `json:"offset" yaml:"offset"`
	Scale  [3]float64 `json:"scale" yaml:"scale"`
}

// Apply returns (v - offset) * scale per axis.
func (c CalibrationParams) Apply(v MagneticVector) MagneticVector {
	return MagneticVector{
		X: (v.X - c.Offset[0]) * c.Scale[0],
		Y: (v.Y - c.Offset[1]) * c.Scale[1],
		Z: (v.Z - c.Offset[2]) * c.Scale[2],
	}
}

// CalibrationMethod is a calibration routine.
type CalibrationMethod func(samples []MagneticVector) (CalibrationParams, error)

// ParseCalibrationMethod returns "simple" or "ellipsoid" (the default).
func ParseCalibrationMethod(name string) (CalibrationMethod, error) {
	switch name {
	case "", "ellipsoid":
		return EllipsoidCalibration, nil
	case "simple":
		return SimpleCalibration, nil
	default:
		return nil, fmt.Errorf("unknown calibration method %q", name)
	}
}

// axes splits the samples per axis.
func axes(samples []MagneticVector) [3][]float64 {
	var a [3][]float64
	for i := range a {
		a[i] = make([]float64, len(samples))
	}
	for k, s := range samples {
		a[0][k], a[1][k], a[2][k] = s.X, s.Y, s.Z
	}
	return a
}

// scales normalizes each axis range to the mean range. Ranges below 1e-6 count as 1.
func scales(ranges [3]float64) [3]float64 {
	mean := stat.Mean(ranges[:], nil)
	var s [3]float64
	for i, r := range ranges {
		if r < 1e-6 {
			r = 1
		}
		s[i] = mean / r
	}
	return s
}

// SimpleCalibration centers each axis on the middle of its min/max range and
// scales every range to their mean.
func SimpleCalibration(samples []MagneticVector) (CalibrationParams, error) {
	if len(samples) < MinCalibrationSamples {
		return CalibrationParams{}, fmt.Errorf("%w: got %d", ErrTooFewSamples, len(samples))
	}
	var cal CalibrationParams
	var ranges [3]float64
	for i, axis := range axes(samples) {
		lo, hi := floats.Min(axis), floats.Max(axis)
		cal.Offset[i] = (lo + hi) / 2
		ranges[i] = hi - lo
	}
	cal.Scale = scales(ranges)
	return cal, nil
}

// EllipsoidCalibration centers the samples on their mean and uses twice the mean
// absolute deviation of each axis as its range.
func EllipsoidCalibration(samples []MagneticVector) (CalibrationParams, error) {
	if len(samples) < MinCalibrationSamples {
		return CalibrationParams{}, fmt.Errorf("%w: got %d", ErrTooFewSamples, len(samples))
	}
	var cal CalibrationParams
	var ranges [3]float64
	for i, axis := range axes(samples) {
		center := stat.Mean(axis, nil)
		var dev float64
		for _, v := range axis {
			dev += math.Abs(v - center)
		}
		cal.Offset[i] = center
		ranges[i] = 2 * dev / float64(len(axis))
	}
	cal.Scale = scales(ranges)
	return cal, nil
}
