package magnav

import (
	"errors"
	"fmt"
	"sync"
)

// SensorSpec holds the nominal characteristics of a magnetometer.
type SensorSpec struct {
	Model        string  `json:"model" yaml:"model"`
	SampleRateHz float64 `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	NoiseStdNT   float64 `json:"noise_std_nt" yaml:"noise_std_nt"`
}

// Validate checks the sample rate is positive and the noise is not negative.
func (s SensorSpec) Validate() error {
	if s.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be > 0, got %f", s.SampleRateHz)
	}
	if s.NoiseStdNT < 0 {
		return fmt.Errorf("noise_std_nt must be >= 0, got %f", s.NoiseStdNT)
	}
	return nil
}

// Driver reads raw magnetic vectors from a sensor.
type Driver interface {
	Read() (MagneticVector, error)
}

// MockDriver returns pre-programmed vectors in sequence, cycling forever.
type MockDriver struct {
	mu      sync.Mutex
	samples []MagneticVector
	idx     int
}

// NewMockDriver returns a MockDriver over at least one sample.
func NewMockDriver(samples []MagneticVector) (*MockDriver, error) {
	if len(samples) == 0 {
		return nil, errors.New("at least one sample required")
	}
	return &MockDriver{samples: append([]MagneticVector(nil), samples...)}, nil
}

// Read implements the Driver interface.
func (d *MockDriver) Read() (MagneticVector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.samples[d.idx]
	d.idx = (d.idx + 1) % len(d.samples)
	return v, nil
}

// MovingAverage is a sliding window average over a vector stream.
type MovingAverage struct {
	window int
	buf    []MagneticVector
}

// NewMovingAverage returns a MovingAverage over the last window samples.
func NewMovingAverage(window int) (*MovingAverage, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window size must be > 0, got %d", window)
	}
	return &MovingAverage{window: window, buf: make([]MagneticVector, 0, window)}, nil
}

// RestoreMovingAverage rebuilds a MovingAverage from a snapshot, keeping only
// the most recent window samples.
func RestoreMovingAverage(window int, snapshot []MagneticVector) (*MovingAverage, error) {
	ma, err := NewMovingAverage(window)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > window {
		snapshot = snapshot[len(snapshot)-window:]
	}
	ma.buf = append(ma.buf, snapshot...)
	return ma, nil
}

// Window returns the window length.
func (ma *MovingAverage) Window() int { return ma.window }

// Update adds a sample and returns the mean of the buffered samples.
func (ma *MovingAverage) Update(v MagneticVector) MagneticVector {
	if len(ma.buf) == ma.window {
		copy(ma.buf, ma.buf[1:])
		ma.buf = ma.buf[:ma.window-1]
	}
	ma.buf = append(ma.buf, v)
	var mean MagneticVector
	for _, s := range ma.buf {
		mean.X += s.X
		mean.Y += s.Y
		mean.Z += s.Z
	}
	n := float64(len(ma.buf))
	return MagneticVector{mean.X / n, mean.Y / n, mean.Z / n}
}

// Snapshot returns a copy of the buffered samples, oldest first.
func (ma *MovingAverage) Snapshot() []MagneticVector {
	return append([]MagneticVector(nil), ma.buf...)
}

// Magnetometer reads a driver, applies the calibration if any, then smooths the result.
type Magnetometer struct {
	driver Driver
	cal    *CalibrationParams
	filter *MovingAverage
}

// NewMagnetometer returns a Magnetometer. A nil calibration leaves readings uncorrected.
func NewMagnetometer(driver Driver, cal *CalibrationParams, window int) (*Magnetometer, error) {
	if driver == nil {
		return nil, errors.New("driver must be specified")
	}
	filter, err := NewMovingAverage(window)
	if err != nil {
		return nil, err
	}
	return &Magnetometer{driver: driver, cal: cal, filter: filter}, nil
}

// Read returns a calibrated and smoothed vector in nanotesla.
func (m *Magnetometer) Read() (MagneticVector, error) {
	raw, err := m.driver.Read()
	if err != nil {
		return MagneticVector{}, err
	}
	if m.cal != nil {
		raw = m.cal.Apply(raw)
	}
	return m.filter.Update(raw), nil
}

// Filter returns the smoothing buffer, e.g. to snapshot it.
func (m *Magnetometer) Filter() *MovingAverage { return m.filter }
