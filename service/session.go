package service

import (
	"sync"

	"github.com/ChristopherRabotin/magnav"
)

// Session is a navigation filter shared by the requests of a server.
// Each step runs its prediction and update under one lock.
type Session struct {
	mu   sync.Mutex
	kf   *magnav.NavEKF
	opts []magnav.Option
	// R is the measurement variance of every update.
	R float64
}

// NewSession returns a session at the initial position. A zero R uses
// magnav.DefaultMeasurementNoise.
func NewSession(initial magnav.LatLon, R float64, opts ...magnav.Option) (*Session, error) {
	if R == 0 {
		R = magnav.DefaultMeasurementNoise
	}
	kf, err := magnav.New(initial, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{kf: kf, opts: opts, R: R}, nil
}

// Reset replaces the filter with a new one at the initial position.
func (s *Session) Reset(initial magnav.LatLon) error {
	kf, err := magnav.New(initial, s.opts...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.kf = kf
	s.mu.Unlock()
	return nil
}

// Filter returns the current filter.
func (s *Session) Filter() *magnav.NavEKF {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kf
}

// Step predicts over dt seconds then fuses the scalar observation. A failed
// update leaves the filter at its prediction.
func (s *Session) Step(dt, obs float64, f magnav.FieldFunc) (magnav.Estimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.kf.Predict(dt); err != nil {
		return magnav.Estimate{}, err
	}
	return s.kf.Update(obs, f, s.R)
}
