package magnav

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// GroundTruth computes the error of estimates against a known sequence of positions.
type GroundTruth struct {
	positions []LatLon
}

// NewGroundTruth initializes a new ground truth. Step k of a run is compared to positions[k].
func NewGroundTruth(positions []LatLon) *GroundTruth {
	return &GroundTruth{append([]LatLon(nil), positions...)}
}

// Len returns the number of known positions.
func (t *GroundTruth) Len() int { return len(t.positions) }

// Position returns the true position at step k.
func (t *GroundTruth) Position(k int) LatLon {
	return t.positions[k]
}

func (t *GroundTruth) check(k int, est Estimate) error {
	if k < 0 || k >= len(t.positions) {
		return fmt.Errorf("no ground truth at step k=%d", k)
	}
	if est.IsEmpty() {
		return fmt.Errorf("%w: step k=%d", ErrEmptyEstimate, k)
	}
	return nil
}

// Error returns the great circle distance in meters between the estimate and the truth at step k.
func (t *GroundTruth) Error(k int, est Estimate) (float64, error) {
	if err := t.check(k, est); err != nil {
		return 0, err
	}
	return est.Position().DistanceTo(t.positions[k]), nil
}

// Offset returns the (north, east) error in meters of the estimate at step k.
func (t *GroundTruth) Offset(k int, est Estimate) (north, east float64, err error) {
	if err = t.check(k, est); err != nil {
		return 0, 0, err
	}
	p := est.Position()
	north, east = LatLonToMeters(t.positions[k].Lat, t.positions[k].Lon, p.Lat, p.Lon)
	return
}

// Errors returns the error of each estimate, the i-th estimate being compared to step i.
func (t *GroundTruth) Errors(ests []Estimate) ([]float64, error) {
	if len(ests) > len(t.positions) {
		return nil, fmt.Errorf("%d estimates for %d known positions", len(ests), len(t.positions))
	}
	errs := make([]float64, len(ests))
	for k, est := range ests {
		e, err := t.Error(k, est)
		if err != nil {
			return nil, err
		}
		errs[k] = e
	}
	return errs, nil
}

// RMSE returns the root mean square of the errors of the estimates in meters.
func (t *GroundTruth) RMSE(ests []Estimate) (float64, error) {
	if len(ests) == 0 {
		return 0, fmt.Errorf("%w: no estimates", ErrTooFewSamples)
	}
	errs, err := t.Errors(ests)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(floats.Dot(errs, errs) / float64(len(errs))), nil
}
