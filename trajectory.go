package magnav

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// PathType is the shape of a simulated trajectory.
type PathType uint8

const (
	// Straight follows the straight line between both ends.
	Straight PathType = iota + 1
	// Curved follows a quadratic Bézier curve bulging to the left of the straight line.
	Curved
	// Random perturbs the inner points of the straight line.
	Random
)

func (p PathType) String() string {
	switch p {
	case Straight:
		return "straight"
	case Curved:
		return "curved"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("PathType(%d)", uint8(p))
	}
}

// ParsePathType returns the path type of the provided name. The empty name is straight.
func ParsePathType(name string) (PathType, error) {
	switch strings.ToLower(name) {
	case "", "straight":
		return Straight, nil
	case "curved":
		return Curved, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("unknown path type %q", name)
	}
}

// GenerateTrajectory returns n points from start to end along the provided path.
// Both ends are always part of the trajectory. A nil rng uses the global source.
func GenerateTrajectory(start, end LatLon, n int, path PathType, rng *rand.Rand) ([]LatLon, error) {
	if n < 2 {
		return nil, fmt.Errorf("a trajectory needs at least two points, got %d", n)
	}
	line := func(t float64) LatLon {
		return LatLon{Lat: start.Lat + (end.Lat-start.Lat)*t, Lon: start.Lon + (end.Lon-start.Lon)*t}
	}
	points := make([]LatLon, n)
	last := float64(n - 1)
	switch path {
	case Straight:
		for i := range points {
			points[i] = line(float64(i) / last)
		}

	case Curved:
		dLat, dLon := end.Lat-start.Lat, end.Lon-start.Lon
		ctrl := line(0.5)
		// The perpendicular has the same length as the chord.
		ctrl.Lat -= 0.2 * dLon
		ctrl.Lon += 0.2 * dLat
		for i := range points {
			t := float64(i) / last
			mt := 1 - t
			points[i] = LatLon{
				Lat: mt*mt*start.Lat + 2*mt*t*ctrl.Lat + t*t*end.Lat,
				Lon: mt*mt*start.Lon + 2*mt*t*ctrl.Lon + t*t*end.Lon,
			}
		}

	case Random:
		uniform := rand.Float64
		if rng != nil {
			uniform = rng.Float64
		}
		north, east := LatLonToMeters(start.Lat, start.Lon, end.Lat, end.Lon)
		maxOffset := 0.1 * math.Hypot(north, east) / last
		for i := range points {
			points[i] = line(float64(i) / last)
			if i == 0 || i == n-1 {
				continue
			}
			dist := uniform() * maxOffset
			angle := uniform() * 2 * math.Pi
			points[i].Lat, points[i].Lon = MetersToLatLon(points[i].Lat, points[i].Lon, dist*math.Cos(angle), dist*math.Sin(angle))
		}

	default:
		return nil, fmt.Errorf("unknown path type %s", path)
	}
	return points, nil
}

// SimulationConfig configures SimulateTrajectory.
type SimulationConfig struct {
	Start, End LatLon
	// Speed in meters per second.
	Speed float64
	// SampleRate in Hz.
	SampleRate float64
	// NoiseLevel is the standard deviation of the measurement noise in nT.
	NoiseLevel float64
	Path       PathType
	// Seed drives both the noise and the random path.
	Seed uint64
}

// DefaultSimulationConfig returns a straight 10 m/s trajectory sampled at 1 Hz with 5 nT of noise.
func DefaultSimulationConfig(start, end LatLon) SimulationConfig {
	return SimulationConfig{Start: start, End: end, Speed: 10, SampleRate: 1, NoiseLevel: 5, Path: Straight, Seed: 1}
}

// Validate checks the simulation parameters.
func (c SimulationConfig) Validate() error {
	if c.Speed <= 0 {
		return fmt.Errorf("speed must be > 0, got %f", c.Speed)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be > 0, got %f", c.SampleRate)
	}
	if c.NoiseLevel < 0 {
		return fmt.Errorf("noise level must be >= 0, got %f", c.NoiseLevel)
	}
	if _, err := NewLatLon(c.Start.Lat, c.Start.Lon); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := NewLatLon(c.End.Lat, c.End.Lon); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

// Sample is one simulated magnetometer reading.
type Sample struct {
	Time     float64 `json:"time"`
	Position LatLon  `json:"position"`
	// Field is the noisy measurement. It is zero outside of the map.
	Field float64 `json:"magnetic_field"`
	InMap bool    `json:"in_map"`
}

// Simulation is the result of SimulateTrajectory.
type Simulation struct {
	Config        SimulationConfig `json:"-"`
	TotalDistance float64          `json:"total_distance"`
	TotalTime     float64          `json:"total_time"`
	Samples       []Sample         `json:"samples"`
}

// Truth returns the ground truth of the simulation.
func (s *Simulation) Truth() *GroundTruth {
	positions := make([]LatLon, len(s.Samples))
	for i, sample := range s.Samples {
		positions[i] = sample.Position
	}
	return NewGroundTruth(positions)
}

// SimulateTrajectory samples the field along a trajectory at the configured rate.
// A nil noise uses AWGN of the configured level and seed. Positions the field
// reports as out of bounds read zero.
func SimulateTrajectory(cfg SimulationConfig, field FieldFunc, noise Noise) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if field == nil {
		return nil, errors.New("field function must be specified")
	}
	if noise == nil {
		noise = MeasurementNoise(cfg.NoiseLevel, cfg.Seed)
	}
	if cfg.Path == 0 {
		cfg.Path = Straight
	}
	north, east := LatLonToMeters(cfg.Start.Lat, cfg.Start.Lon, cfg.End.Lat, cfg.End.Lon)
	sim := &Simulation{Config: cfg, TotalDistance: math.Hypot(north, east)}
	sim.TotalTime = sim.TotalDistance / cfg.Speed
	n := int(sim.TotalTime * cfg.SampleRate)
	if n < 2 {
		n = 2
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, ^cfg.Seed))
	points, err := GenerateTrajectory(cfg.Start, cfg.End, n, cfg.Path, rng)
	if err != nil {
		return nil, err
	}
	sim.Samples = make([]Sample, n)
	for k, p := range points {
		sample := Sample{Time: float64(k) / cfg.SampleRate, Position: p}
		value, err := field(p.Lat, p.Lon)
		switch {
		case err == nil:
			sample.Field = value + noise.Measurement(k).AtVec(0)
			sample.InMap = true
		case !errors.Is(err, ErrOutOfBounds):
			return nil, fmt.Errorf("sample %d: %w", k, err)
		}
		sim.Samples[k] = sample
	}
	return sim, nil
}
