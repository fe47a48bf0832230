package magnav

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monteCarloConfig(t *testing.T, runs int) MonteCarloConfig {
	sim := DefaultSimulationConfig(LatLon{0.2, 0.2}, LatLon{0.8, 0.8})
	sim.Speed = 10000
	sim.NoiseLevel = 1
	return MonteCarloConfig{
		Runs:       runs,
		Simulation: sim,
		Field:      unitMap(t).Field(Bilinear),
		Options:    []Option{WithJacobianProbe(ProbeGradient)},
	}
}

func TestMCRuns(t *testing.T) {
	runs, err := RunMonteCarlo(monteCarloConfig(t, 5))
	require.NoError(t, err)
	if len(runs.Runs) != 5 {
		t.Fatal("requesting 5 runs did not generate five")
	}
	steps := runs.Steps()
	require.GreaterOrEqual(t, steps, 2)
	for r, run := range runs.Runs {
		if len(run.Estimates) != steps || len(run.Errors) != steps {
			t.Fatalf("sample #%d does not have %d steps", r, steps)
		}
		assert.Equal(t, UpdateStep, run.Estimates[0].Kind, "the first sample is fused without prediction")
		for k, e := range run.Errors {
			if math.IsNaN(e) || e < 0 {
				t.Fatalf("run %d step %d: invalid error %f", r, k, e)
			}
		}
	}
	mean, std := runs.ErrorStats(steps - 1)
	assert.GreaterOrEqual(t, mean, 0.0)
	assert.GreaterOrEqual(t, std, 0.0)
	assert.Len(t, runs.Mean(0), 4)
	assert.Len(t, runs.StdDev(0), 4)

	files := runs.AsCSV(StateHeaders)
	if len(files) != 4 {
		t.Fatal("less than 4 files returned from a four component state")
	}
	lines := strings.Split(files[0], "\n")
	if len(lines) != steps+1 {
		t.Fatalf("unexpected number of lines in the file: %d", len(lines))
	}
	assert.True(t, strings.HasPrefix(lines[0], "lat-0,lat-1,"))
	assert.True(t, strings.HasSuffix(lines[0], "lat-mean,lat-stddev"))
	assert.Len(t, strings.Split(lines[1], ","), 7)
	assert.Len(t, strings.Split(runs.ErrorsCSV(), "\n"), steps+1)

	// Seeded runs are reproducible.
	again, err := RunMonteCarlo(monteCarloConfig(t, 5))
	require.NoError(t, err)
	assert.Equal(t, runs.Runs[3].Errors, again.Runs[3].Errors)
}

func TestMCRunsErrors(t *testing.T) {
	cfg := monteCarloConfig(t, 0)
	_, err := RunMonteCarlo(cfg)
	assert.Error(t, err)

	cfg = monteCarloConfig(t, 1)
	cfg.Field = nil
	_, err = RunMonteCarlo(cfg)
	assert.Error(t, err)

	cfg = monteCarloConfig(t, 1)
	cfg.Simulation.SampleRate = 0
	_, err = RunMonteCarlo(cfg)
	assert.Error(t, err)

	cfg = monteCarloConfig(t, 1)
	cfg.Options = []Option{WithProcessNoise(-1)}
	_, err = RunMonteCarlo(cfg)
	assert.Error(t, err)
}

func TestMCInitialOffset(t *testing.T) {
	cfg := monteCarloConfig(t, 1)
	cfg.Initial = &LatLon{0.25, 0.25}
	runs, err := RunMonteCarlo(cfg)
	require.NoError(t, err)
	first := runs.Runs[0].Estimates[0]
	assert.NotEqual(t, LatLon{0.2, 0.2}, first.Position())
	assert.Equal(t, 0, runs.Runs[0].Skipped)
}

func TestMCCompatProbeSkipsUpdates(t *testing.T) {
	m, err := NewMap(Bounds{LatMin: 40, LatMax: 41, LonMin: -75, LonMax: -74}, [][]float64{{100, 200}, {300, 400}}, nil)
	require.NoError(t, err)
	sim := DefaultSimulationConfig(LatLon{40.2, -74.8}, LatLon{40.8, -74.2})
	sim.Speed = 10000
	sim.NoiseLevel = 1
	var logs bytes.Buffer
	cfg := MonteCarloConfig{
		Runs:       1,
		Simulation: sim,
		Field:      m.Field(Bilinear),
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	}

	// The default probe reads the field at (lon, lon+ε), which is outside of this map.
	runs, err := RunMonteCarlo(cfg)
	require.NoError(t, err)
	assert.Equal(t, runs.Steps(), runs.Runs[0].Skipped)
	assert.Contains(t, logs.String(), "level=WARN")

	logs.Reset()
	cfg.Options = []Option{WithJacobianProbe(ProbeGradient)}
	runs, err = RunMonteCarlo(cfg)
	require.NoError(t, err)
	assert.Less(t, runs.Runs[0].Skipped, runs.Steps())
	assert.NotContains(t, logs.String(), "level=WARN")
}

func TestChiSquare(t *testing.T) {
	runs, err := RunMonteCarlo(monteCarloConfig(t, 10))
	require.NoError(t, err)

	cs, err := NewChiSquare(runs, 0.05, true, true)
	require.NoError(t, err)
	if len(cs.NIS) != len(cs.NEES) || len(cs.NIS) != runs.Steps() {
		t.Fatal("invalid number of steps returned from ChiSquare tests")
	}
	for k := range cs.NIS {
		require.False(t, math.IsNaN(cs.NIS[k]), "step %d has no NIS", k)
		assert.GreaterOrEqual(t, cs.NIS[k], 0.0)
		assert.GreaterOrEqual(t, cs.NEES[k], 0.0)
		lo, hi := cs.NISBounds(k)
		assert.Less(t, lo, hi)
		lo, hi = cs.NEESBounds(k)
		assert.Less(t, lo, hi)
	}
	nis, nees := cs.Consistency()
	assert.True(t, nis >= 0 && nis <= 1)
	assert.True(t, nees >= 0 && nees <= 1)

	nisOnly, err := NewChiSquare(runs, 0.05, false, true)
	require.NoError(t, err)
	assert.Nil(t, nisOnly.NEES)
	assert.Equal(t, cs.NIS, nisOnly.NIS)

	if _, err := NewChiSquare(runs, 0.05, false, false); err == nil {
		t.Fatal("attempting to run Chisquare with neither NIS nor NEES fails")
	}
	_, err = NewChiSquare(runs, 1.5, true, true)
	assert.Error(t, err)
	_, err = NewChiSquare(nil, 0.05, true, true)
	assert.ErrorIs(t, err, ErrTooFewSamples)
}

func TestChiSquareBounds(t *testing.T) {
	lo, hi := ChiSquareBounds(1, 1, 0.05)
	assert.InDelta(t, 0.000982, lo, 1e-5)
	assert.InDelta(t, 5.0239, hi, 1e-3)

	// The mean of 10 two dimensional samples.
	lo, hi = ChiSquareBounds(20, 10, 0.05)
	assert.InDelta(t, 0.9591, lo, 1e-3)
	assert.InDelta(t, 3.4170, hi, 1e-3)

	lo, hi = ChiSquareBounds(0, 1, 0.05)
	assert.True(t, math.IsNaN(lo) && math.IsNaN(hi))
}
