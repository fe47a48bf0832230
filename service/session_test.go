package service

import (
	"sync"
	"testing"

	"github.com/ChristopherRabotin/magnav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession(t *testing.T) {
	m, err := magnav.NewMap(magnav.Bounds{LatMin: 0, LatMax: 1, LonMin: 0, LonMax: 1}, [][]float64{{100, 200}, {300, 400}}, nil)
	require.NoError(t, err)
	field := m.Field(magnav.Bilinear)

	s, err := NewSession(magnav.LatLon{Lat: 0.5, Lon: 0.5}, 0, magnav.WithJacobianProbe(magnav.ProbeGradient))
	require.NoError(t, err)
	assert.Equal(t, magnav.DefaultMeasurementNoise, s.R)

	est, err := s.Step(1, 260, field)
	require.NoError(t, err)
	assert.Equal(t, magnav.UpdateStep, est.Kind)
	assert.Equal(t, 2, est.Step)
	assert.Greater(t, est.Position().Lat, 0.5)

	// An invalid time step leaves the filter untouched.
	_, err = s.Step(-1, 260, field)
	assert.ErrorIs(t, err, magnav.ErrInvalidTimeStep)
	assert.Equal(t, 2, s.Filter().Last().Step)

	require.NoError(t, s.Reset(magnav.LatLon{Lat: 0.25, Lon: 0.75}))
	assert.Equal(t, magnav.LatLon{Lat: 0.25, Lon: 0.75}, s.Filter().Estimate())
	assert.ErrorIs(t, s.Reset(magnav.LatLon{Lat: 91}), magnav.ErrInvalidLatitude)

	_, err = NewSession(magnav.LatLon{Lon: 200}, 1)
	assert.ErrorIs(t, err, magnav.ErrInvalidLongitude)
}

func TestSessionConcurrent(t *testing.T) {
	m, err := magnav.NewMap(magnav.Bounds{LatMin: 0, LatMax: 1, LonMin: 0, LonMax: 1}, [][]float64{{100, 200}, {300, 400}}, nil)
	require.NoError(t, err)
	s, err := NewSession(m.Bounds().Center(), 0, magnav.WithJacobianProbe(magnav.ProbeGradient))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Step(0.1, 250, m.Field(magnav.Bilinear))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, s.Filter().Last().Step)
}
