package magnav

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ChiSquare holds the per step mean NIS and position NEES of Monte Carlo runs.
// Steps without any sample have NaN means.
type ChiSquare struct {
	NIS, NEES []float64
	α         float64
	// Samples and total degrees of freedom per step.
	nisN, nisDOF, neesN []int
}

// NewChiSquare runs the Chi square tests on the MonteCarlo runs at the significance α.
// The NIS uses the innovation of each update step; the NEES uses the position
// part of the state against the truth of each run.
func NewChiSquare(runs *MonteCarloRuns, α float64, withNEES, withNIS bool) (*ChiSquare, error) {
	if !withNEES && !withNIS {
		return nil, errors.New("Chi Square requires either NEES or NIS or both")
	}
	if α <= 0 || α >= 1 {
		return nil, fmt.Errorf("significance must be in (0, 1), got %f", α)
	}
	if runs == nil || len(runs.Runs) == 0 {
		return nil, fmt.Errorf("%w: no Monte Carlo runs", ErrTooFewSamples)
	}
	steps := runs.Steps()
	c := &ChiSquare{α: α, nisN: make([]int, steps), nisDOF: make([]int, steps), neesN: make([]int, steps)}
	NISsamples := make([][]float64, steps)
	NEESsamples := make([][]float64, steps)

	for _, run := range runs.Runs {
		for k, est := range run.Estimates {
			if withNIS && est.Innovation() != nil {
				NISsamples[k] = append(NISsamples[k], est.NIS())
				c.nisDOF[k] += est.Innovation().Len()
			}
			if withNEES {
				nees, err := positionNEES(est, run.Truth.Position(k))
				if err != nil {
					return nil, fmt.Errorf("step %d: %w", k, err)
				}
				NEESsamples[k] = append(NEESsamples[k], nees)
			}
		}
	}

	mean := func(samples []float64) float64 {
		if len(samples) == 0 {
			return math.NaN()
		}
		return stat.Mean(samples, nil)
	}
	if withNIS {
		c.NIS = make([]float64, steps)
	}
	if withNEES {
		c.NEES = make([]float64, steps)
	}
	for k := 0; k < steps; k++ {
		if withNIS {
			c.NIS[k] = mean(NISsamples[k])
			c.nisN[k] = len(NISsamples[k])
		}
		if withNEES {
			c.NEES[k] = mean(NEESsamples[k])
			c.neesN[k] = len(NEESsamples[k])
		}
	}
	return c, nil
}

// positionNEES returns e' * P^-1 * e over the lat/lon block.
func positionNEES(est Estimate, truth LatLon) (float64, error) {
	P := est.Covariance()
	Pp := mat.NewDense(2, 2, []float64{P.At(0, 0), P.At(0, 1), P.At(1, 0), P.At(1, 1)})
	PInv, err := Inverse2x2(Pp)
	if err != nil {
		return 0, err
	}
	p := est.Position()
	e := mat.NewVecDense(2, []float64{p.Lat - truth.Lat, p.Lon - truth.Lon})
	return mat.Inner(e, PInv, e), nil
}

// ChiSquareBounds returns the two sided acceptance region at the significance α
// of the mean of n samples sharing dof degrees of freedom in total.
func ChiSquareBounds(dof, n int, α float64) (lower, upper float64) {
	if dof < 1 || n < 1 {
		return math.NaN(), math.NaN()
	}
	dist := distuv.ChiSquared{K: float64(dof)}
	return dist.Quantile(α/2) / float64(n), dist.Quantile(1-α/2) / float64(n)
}

// NISBounds returns the acceptance region of the mean NIS at step k.
func (c *ChiSquare) NISBounds(k int) (lower, upper float64) {
	return ChiSquareBounds(c.nisDOF[k], c.nisN[k], c.α)
}

// NEESBounds returns the acceptance region of the mean position NEES at step k.
func (c *ChiSquare) NEESBounds(k int) (lower, upper float64) {
	return ChiSquareBounds(2*c.neesN[k], c.neesN[k], c.α)
}

// Consistency returns the fraction of the steps with samples whose mean NIS and
// NEES lie within their acceptance region.
func (c *ChiSquare) Consistency() (nis, nees float64) {
	ratio := func(means []float64, bounds func(int) (float64, float64)) float64 {
		var in, total int
		for k, m := range means {
			if math.IsNaN(m) {
				continue
			}
			total++
			if lo, hi := bounds(k); m >= lo && m <= hi {
				in++
			}
		}
		if total == 0 {
			return math.NaN()
		}
		return float64(in) / float64(total)
	}
	return ratio(c.NIS, c.NISBounds), ratio(c.NEES, c.NEESBounds)
}
