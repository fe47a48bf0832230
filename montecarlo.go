package magnav

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// StateHeaders are the CSV headers of the filter state.
var StateHeaders = []string{"lat", "lon", "dlat", "dlon"}

// MonteCarloConfig configures RunMonteCarlo.
type MonteCarloConfig struct {
	Runs int
	// Simulation is the trajectory of each run. Run r uses the seed Simulation.Seed+r.
	Simulation SimulationConfig
	// Field is both the true field of the simulation and the map of the filter.
	Field FieldFunc
	// MeasurementNoise is the R of the filter. Zero uses the simulated noise
	// variance, or DefaultMeasurementNoise for noiseless simulations.
	MeasurementNoise float64
	// Initial is the initial filter position. Nil starts at the true start.
	Initial *LatLon
	Options []Option
	Logger  *slog.Logger
}

// MonteCarloRun stores the results of an MC run.
type MonteCarloRun struct {
	Estimates []Estimate
	// Errors are the position errors in meters.
	Errors []float64
	Truth  *GroundTruth
	// Skipped counts the updates rejected because the estimate left the map.
	Skipped int
}

// MonteCarloRuns stores MC runs.
type MonteCarloRuns struct {
	runs, steps int
	Runs        []MonteCarloRun
}

// Steps returns the number of steps of each run.
func (mc *MonteCarloRuns) Steps() int { return mc.steps }

// RunMonteCarlo simulates cfg.Runs trajectories and filters each of them with
// a new NavEKF: one prediction at the sample period and one update per in-map sample.
func RunMonteCarlo(cfg MonteCarloConfig) (*MonteCarloRuns, error) {
	if cfg.Runs < 1 {
		return nil, fmt.Errorf("at least one run is required, got %d", cfg.Runs)
	}
	if cfg.Field == nil {
		return nil, errors.New("field function must be specified")
	}
	if err := cfg.Simulation.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	R := cfg.MeasurementNoise
	if R == 0 {
		R = cfg.Simulation.NoiseLevel * cfg.Simulation.NoiseLevel
		if R == 0 {
			R = DefaultMeasurementNoise
		}
	}
	dt := 1 / cfg.Simulation.SampleRate

	mc := &MonteCarloRuns{runs: cfg.Runs, Runs: make([]MonteCarloRun, cfg.Runs)}
	for r := 0; r < cfg.Runs; r++ {
		simCfg := cfg.Simulation
		simCfg.Seed += uint64(r)
		sim, err := SimulateTrajectory(simCfg, cfg.Field, nil)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", r, err)
		}
		initial := sim.Samples[0].Position
		if cfg.Initial != nil {
			initial = *cfg.Initial
		}
		kf, err := New(initial, cfg.Options...)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", r, err)
		}
		run := MonteCarloRun{Estimates: make([]Estimate, len(sim.Samples)), Truth: sim.Truth()}
		attempted := 0
		for k, sample := range sim.Samples {
			est := kf.Last()
			if k > 0 {
				if est, err = kf.Predict(dt); err != nil {
					return nil, fmt.Errorf("run %d step %d: %w", r, k, err)
				}
			}
			if sample.InMap {
				attempted++
				upd, err := kf.Update(sample.Field, cfg.Field, R)
				switch {
				case err == nil:
					est = upd
				case errors.Is(err, ErrOutOfBounds):
					run.Skipped++
				default:
					return nil, fmt.Errorf("run %d step %d: %w", r, k, err)
				}
			}
			run.Estimates[k] = est
		}
		if run.Errors, err = run.Truth.Errors(run.Estimates); err != nil {
			return nil, err
		}
		if attempted > 0 && run.Skipped == attempted {
			logger.Warn("every update of the run was rejected as out of the map, check the jacobian probe", "run", r, "updates", attempted)
		}
		mc.Runs[r] = run
		mc.steps = len(sim.Samples)
		logger.Debug("monte carlo run", "run", r, "steps", mc.steps, "skipped", run.Skipped, "final_error_m", run.Errors[mc.steps-1])
	}
	return mc, nil
}

// samples gathers the i-th state component of every run at the given step.
func (mc *MonteCarloRuns) samples(step, i int) []float64 {
	vals := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		vals[r] = run.Estimates[step].State().AtVec(i)
	}
	return vals
}

// Mean returns the mean of all the samples for the given time step.
func (mc *MonteCarloRuns) Mean(step int) []float64 {
	means := make([]float64, stateSize)
	for i := range means {
		means[i] = stat.Mean(mc.samples(step, i), nil)
	}
	return means
}

// StdDev returns the standard deviation of all the samples for the given time step.
func (mc *MonteCarloRuns) StdDev(step int) []float64 {
	devs := make([]float64, stateSize)
	for i := range devs {
		devs[i] = stat.StdDev(mc.samples(step, i), nil)
	}
	return devs
}

// ErrorStats returns the mean and standard deviation of the position error in
// meters at the given step.
func (mc *MonteCarloRuns) ErrorStats(step int) (mean, std float64) {
	errs := make([]float64, len(mc.Runs))
	for r, run := range mc.Runs {
		errs[r] = run.Errors[step]
	}
	if len(errs) == 1 {
		return errs[0], 0
	}
	return stat.MeanStdDev(errs, nil)
}

// AsCSV is used as a CSV serializer, returning one document per state component.
// The first line of each document is its header.
func (mc *MonteCarloRuns) AsCSV(headers []string) []string {
	rtn := make([]string, len(headers))
	means := make([][]float64, mc.steps)
	devs := make([][]float64, mc.steps)
	for k := 0; k < mc.steps; k++ {
		means[k], devs[k] = mc.Mean(k), mc.StdDev(k)
	}
	for i, header := range headers {
		lines := make([]string, mc.steps+1) // One line per step, plus header.
		for rNo := 0; rNo < mc.runs; rNo++ {
			lines[0] += fmt.Sprintf("%s-%d,", header, rNo)
		}
		lines[0] += header + "-mean," + header + "-stddev"
		for k := 0; k < mc.steps; k++ {
			for _, run := range mc.Runs {
				lines[k+1] += fmt.Sprintf("%f,", run.Estimates[k].State().AtVec(i))
			}
			lines[k+1] += fmt.Sprintf("%f,%f", means[k][i], devs[k][i])
		}
		rtn[i] = strings.Join(lines, "\n")
	}
	return rtn
}

// ErrorsCSV returns the position error of each run in meters per step, with the
// mean and standard deviation as the last columns.
func (mc *MonteCarloRuns) ErrorsCSV() string {
	lines := make([]string, mc.steps+1)
	lines[0] = "step,"
	for rNo := 0; rNo < mc.runs; rNo++ {
		lines[0] += fmt.Sprintf("error-%d,", rNo)
	}
	lines[0] += "error-mean,error-stddev"
	for k := 0; k < mc.steps; k++ {
		lines[k+1] = fmt.Sprintf("%d,", k)
		for _, run := range mc.Runs {
			lines[k+1] += fmt.Sprintf("%f,", run.Errors[k])
		}
		mean, std := mc.ErrorStats(k)
		lines[k+1] += fmt.Sprintf("%f,%f", mean, std)
	}
	return strings.Join(lines, "\n")
}
