package magnav

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular is returned when a matrix cannot be inverted.
	ErrSingular = errors.New("singular matrix")
	// ErrDimensions is wrapped by every dimension mismatch error.
	ErrDimensions = errors.New("dimensions must agree")
	// ErrOutOfBounds is returned when a location falls outside a map.
	ErrOutOfBounds = errors.New("location outside of map bounds")
	// ErrInvalidMethod is returned for unsupported interpolation methods.
	ErrInvalidMethod = errors.New("unsupported interpolation method")
	// ErrMalformedGrid is returned for non rectangular or degenerate grids.
	ErrMalformedGrid = errors.New("malformed grid")
	// ErrInvalidBounds is returned when min/max bounds are not ordered.
	ErrInvalidBounds = errors.New("invalid map bounds")
	// ErrInvalidLatitude is returned for latitudes outside [-90, 90].
	ErrInvalidLatitude = errors.New("latitude must be in [-90, 90]")
	// ErrInvalidLongitude is returned for longitudes outside [-180, 180].
	ErrInvalidLongitude = errors.New("longitude must be in [-180, 180]")
	// ErrUnknownFormat is returned when a map format cannot be resolved.
	ErrUnknownFormat = errors.New("unknown map format")
	// ErrInvalidTimeStep is returned for negative or non finite time steps.
	ErrInvalidTimeStep = errors.New("invalid time step")
	// ErrEmptyEstimate is returned when an Estimate carries no state, e.g. the result of a failed step.
	ErrEmptyEstimate = errors.New("estimate has no state")
	// ErrTooFewSamples is returned by the calibration routines.
	ErrTooFewSamples = errors.New("at least 8 samples are required for calibration")
)

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement. Returns an error if not.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return fmt.Errorf("%w: %s(%dx...) %s(...x%d)", ErrDimensions, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return fmt.Errorf("%w: %s(...x%d) %s(%dx...)", ErrDimensions, name1, c1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			return fmt.Errorf("%w: %s(%dx%d) %s(%dx%d)", ErrDimensions, name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}
