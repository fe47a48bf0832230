package magnav

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sumField(lat, lon float64) (float64, error) {
	return lat + lon, nil
}

func TestNavEKFDefaults(t *testing.T) {
	kf, err := New(LatLon{0.5, 0.25})
	require.NoError(t, err)
	assert.Equal(t, LatLon{0.5, 0.25}, kf.Estimate())
	dlat, dlon := kf.Velocity()
	assert.Zero(t, dlat)
	assert.Zero(t, dlon)
	if !mat.Equal(kf.Covariance(), mat.NewDiagDense(4, []float64{1, 1, 0.01, 0.01})) {
		t.Fatalf("default covariance=\n%v", mat.Formatted(kf.Covariance()))
	}
	assert.Equal(t, [2]float64{}, kf.AccelBias())
	assert.Zero(t, kf.GyroBias())
	assert.Equal(t, InitStep, kf.Last().Kind)
	assert.True(t, kf.Last().IsWithin2σ())

	kf, err = New(LatLon{1, 2}, WithVelocity(0.1, -0.2))
	require.NoError(t, err)
	dlat, dlon = kf.Velocity()
	assert.Equal(t, 0.1, dlat)
	assert.Equal(t, -0.2, dlon)

	// Copies must not alias the filter.
	kf.State().SetVec(0, 42)
	kf.Covariance().Set(0, 0, 42)
	assert.Equal(t, 1.0, kf.Estimate().Lat)
	σlat, _ := kf.PositionUncertainty()
	assert.Equal(t, 1.0, σlat)
}

func TestNavEKFOptionErrors(t *testing.T) {
	if _, err := New(LatLon{91, 0}); !errors.Is(err, ErrInvalidLatitude) {
		t.Fatalf("lat=91 returned %v", err)
	}
	if _, err := New(LatLon{0, 0}, WithCovariance(Identity(3))); !errors.Is(err, ErrDimensions) {
		t.Fatalf("3x3 covariance returned %v", err)
	}
	if _, err := New(LatLon{0, 0}, WithProcessNoise(-1)); err == nil {
		t.Fatal("negative process noise accepted")
	}
	if _, err := New(LatLon{0, 0}, WithJacobianProbe(JacobianProbe(9))); err == nil {
		t.Fatal("unknown probe accepted")
	}
	if _, err := New(LatLon{0, 0}, WithNoiseModel(nil)); err == nil {
		t.Fatal("nil noise model accepted")
	}
	if _, err := New(LatLon{0, 0}, WithCovariance(mat.NewDense(4, 4, nil))); err == nil {
		t.Fatal("zero covariance accepted")
	}
	asym := DiagCovariance(1, 0.01)
	asym.Set(0, 1, 0.5)
	if _, err := New(LatLon{0, 0}, WithCovariance(asym)); err == nil {
		t.Fatal("non symmetric covariance accepted")
	}
	kf, err := New(LatLon{0, 0}, WithCovariance(ScaledIdentity(4, 2)), WithLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, 2.0, kf.Covariance().At(3, 3))
}

func TestNavEKFPredict(t *testing.T) {
	kf, err := New(LatLon{0.5, 0.5}, WithVelocity(0.1, -0.2))
	require.NoError(t, err)
	est, err := kf.Predict(2)
	require.NoError(t, err)
	assert.Equal(t, PredictStep, est.Kind)
	assert.Equal(t, 1, est.Step)
	assert.InDelta(t, 0.7, kf.Estimate().Lat, 1e-15)
	assert.InDelta(t, 0.1, kf.Estimate().Lon, 1e-15)

	// F*P*F' + Q with q=0.01 and dt=2
	Pexp := mat.NewDense(4, 4, []float64{
		1.08, 0, 0.06, 0,
		0, 1.08, 0, 0.06,
		0.06, 0, 0.05, 0,
		0, 0.06, 0, 0.05,
	})
	if !mat.EqualApprox(kf.Covariance(), Pexp, 1e-12) {
		t.Fatalf("P=\n%v", mat.Formatted(kf.Covariance()))
	}

	kf, err = New(LatLon{0.5, 0.5}, WithNoiseModel(ContinuousWhiteNoise{}))
	require.NoError(t, err)
	_, err = kf.Predict(2)
	require.NoError(t, err)
	assert.InDelta(t, 1+0.04+0.01*8/3, kf.Covariance().At(0, 0), 1e-9)

	if _, err := kf.Predict(-1); !errors.Is(err, ErrInvalidTimeStep) {
		t.Fatalf("negative dt returned %v", err)
	}
	if _, err := kf.Predict(math.NaN()); !errors.Is(err, ErrInvalidTimeStep) {
		t.Fatalf("NaN dt returned %v", err)
	}
}

func TestNavEKFCovarianceGrowth(t *testing.T) {
	kf, err := New(LatLon{10, 10}, WithVelocity(1e-4, 1e-4), WithProcessNoise(0.5))
	require.NoError(t, err)
	for _, dt := range []float64{0.01, 0.1, 1, 5, 0.5} {
		σlat0, σlon0 := kf.PositionUncertainty()
		_, err := kf.Predict(dt)
		require.NoError(t, err)
		σlat1, σlon1 := kf.PositionUncertainty()
		if σlat1 < σlat0 || σlon1 < σlon0 {
			t.Fatalf("position uncertainty decreased over dt=%f: (%f, %f) -> (%f, %f)", dt, σlat0, σlon0, σlat1, σlon1)
		}
	}
}

func TestNavEKFPredictWithIMU(t *testing.T) {
	start := LatLon{45, 7}
	kf, err := New(start)
	require.NoError(t, err)
	est, err := kf.PredictWithIMU(1, [2]float64{1, 2}, 0.3, DefaultIMUNoise)
	require.NoError(t, err)
	assert.Equal(t, PredictIMUStep, est.Kind)

	north, east := kf.VelocityMS()
	assert.InDelta(t, 1, north, 0.1)
	assert.InDelta(t, 2, east, 0.1)
	p := kf.Estimate()
	assert.Greater(t, p.Lat, start.Lat)
	assert.Greater(t, p.Lon, start.Lon)
	// Half of the one second displacement.
	n, e := LatLonToMeters(start.Lat, start.Lon, p.Lat, p.Lon)
	assert.InDelta(t, 0.5, n, 1e-6)
	assert.InDelta(t, 1, e, 1e-6)

	P := kf.Covariance()
	assert.InDelta(t, 0.01+0.01+0.1, P.At(2, 2), 1e-12)
	assert.InDelta(t, 0.01+0.01+0.1, P.At(3, 3), 1e-12)
	assert.InDelta(t, 1+0.01+0.01/4, P.At(0, 0), 1e-12)
	assert.Equal(t, [2]float64{}, kf.AccelBias(), "biases are never estimated")

	if _, err := kf.PredictWithIMU(0, [2]float64{1, 2}, 0, DefaultIMUNoise); !errors.Is(err, ErrInvalidTimeStep) {
		t.Fatalf("dt=0 returned %v", err)
	}
}

func TestNavEKFUpdateShrinks(t *testing.T) {
	m := unitMap(t)
	kf, err := New(LatLon{0.5, 0.5}, WithJacobianProbe(ProbeGradient))
	require.NoError(t, err)
	σlat0, σlon0 := kf.PositionUncertainty()
	est, err := kf.Update(260, m.Field(Bilinear), DefaultMeasurementNoise)
	require.NoError(t, err)
	σlat1, σlon1 := kf.PositionUncertainty()
	if σlat1 > σlat0 || σlon1 > σlon0 {
		t.Fatalf("position uncertainty increased: (%f, %f) -> (%f, %f)", σlat0, σlon0, σlat1, σlon1)
	}
	p := kf.Estimate()
	assert.InDelta(t, 0.54, p.Lat, 1e-6)
	assert.InDelta(t, 0.52, p.Lon, 1e-6)

	assert.Equal(t, UpdateStep, est.Kind)
	assert.InDelta(t, 250, est.Measurement().AtVec(0), 1e-9)
	assert.InDelta(t, 10, est.Innovation().AtVec(0), 1e-9)
	s := est.InnovationCovariance().At(0, 0)
	assert.InDelta(t, 200*200+100*100+DefaultMeasurementNoise, s, 1e-2)
	assert.InDelta(t, 100/s, est.NIS(), 1e-12)
	assert.True(t, est.IsWithin2σ())
	assert.Equal(t, 1.0, est.PredCovariance().At(0, 0))
	r, c := est.Gain().Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 1, c)
	assert.True(t, strings.Contains(est.String(), "update"))
}

func TestNavEKFUpdateErrors(t *testing.T) {
	m := unitMap(t)
	for _, probe := range []JacobianProbe{ProbeCompat, ProbeGradient} {
		// At the upper boundary, probing beyond the map fails.
		kf, err := New(LatLon{1, 0.5}, WithJacobianProbe(probe))
		require.NoError(t, err)
		before := kf.State()
		P := kf.Covariance()
		_, err = kf.Update(100, m.Field(Bilinear), DefaultMeasurementNoise)
		if !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("%s: expected out of bounds, got %v", probe, err)
		}
		if !mat.Equal(before, kf.State()) || !mat.Equal(P, kf.Covariance()) {
			t.Fatalf("%s: failed update mutated the filter", probe)
		}
		assert.Equal(t, InitStep, kf.Last().Kind)
	}

	boom := errors.New("boom")
	kf, err := New(LatLon{0, 0})
	require.NoError(t, err)
	_, err = kf.Update(1, func(lat, lon float64) (float64, error) { return 0, boom }, 0.05)
	assert.ErrorIs(t, err, boom)
	_, err = kf.UpdateVector(MagneticVector{}, func(lat, lon float64) (MagneticVector, error) { return MagneticVector{}, boom }, 0.05)
	assert.ErrorIs(t, err, boom)

	// A flat field with no measurement noise has no innovation variance.
	_, err = kf.Update(1, func(lat, lon float64) (float64, error) { return 0, nil }, 0)
	assert.ErrorIs(t, err, ErrSingular)
}

func TestNavEKFConvergence(t *testing.T) {
	for _, tt := range []struct {
		start LatLon
		probe JacobianProbe
	}{
		{LatLon{0, 0}, ProbeCompat},
		{LatLon{0, 0}, ProbeGradient},
		{LatLon{0.5, -0.2}, ProbeGradient},
	} {
		kf, err := New(tt.start, WithJacobianProbe(tt.probe))
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			_, err := kf.Predict(0.1)
			require.NoError(t, err)
			_, err = kf.Update(0, sumField, DefaultMeasurementNoise)
			require.NoError(t, err)
		}
		p := kf.Estimate()
		if math.Abs(p.Lat+p.Lon) >= 1e-3 {
			t.Fatalf("%s from %s: lat+lon=%g", tt.probe, tt.start, p.Lat+p.Lon)
		}
	}
}

func TestNavEKFEndToEnd(t *testing.T) {
	m := unitMap(t)
	target := LatLon{0.25, 0.75}
	obs, err := m.Interpolate(target.Lat, target.Lon, Bilinear)
	require.NoError(t, err)
	require.InDelta(t, 225.0, obs, 1e-12)

	start := LatLon{0.9, 0.1}
	kf, err := New(start)
	require.NoError(t, err)
	field := NewInterpolationCache(DefaultInterpolationCacheSize).Field(m, Bilinear)
	for i := 0; i < 20; i++ {
		if _, err := kf.Predict(1); err != nil {
			t.Fatalf("predict #%d: %s", i, err)
		}
		if _, err := kf.Update(obs, field, DefaultMeasurementNoise); err != nil {
			t.Fatalf("update #%d: %s", i, err)
		}
	}
	p := kf.Estimate()
	if math.Abs(p.Lat-target.Lat) >= math.Abs(start.Lat-target.Lat) {
		t.Fatalf("latitude did not get closer: %f", p.Lat)
	}
	if math.Abs(p.Lon-target.Lon) >= math.Abs(start.Lon-target.Lon) {
		t.Fatalf("longitude did not get closer: %f", p.Lon)
	}
	assert.Equal(t, 40, kf.Last().Step)
}

func TestNavEKFUpdateVector(t *testing.T) {
	field := func(lat, lon float64) (MagneticVector, error) {
		return MagneticVector{100 + 200*lat, 50 + 100*lon, 30}, nil
	}
	truth := LatLon{0.2, 0.7}
	obs, _ := field(truth.Lat, truth.Lon)

	kf, err := New(LatLon{0.5, 0.5}, WithJacobianProbe(ProbeGradient))
	require.NoError(t, err)
	d0 := kf.Estimate().DistanceTo(truth)
	σlat0, _ := kf.PositionUncertainty()
	est, err := kf.UpdateVector(obs, field, DefaultMeasurementNoise)
	require.NoError(t, err)
	p := kf.Estimate()
	if p.DistanceTo(truth) >= d0 {
		t.Fatalf("vector update moved away: %s", p)
	}
	σlat1, _ := kf.PositionUncertainty()
	assert.Less(t, σlat1, σlat0)
	// Three sequential scalar updates with the magnitude Jacobian.
	assert.InDelta(t, 0.18149204545, p.Lat, 1e-6)
	assert.InDelta(t, 0.42037298789, p.Lon, 1e-6)

	assert.Equal(t, UpdateVectorStep, est.Kind)
	assert.Equal(t, 3, est.Innovation().Len())
	assert.InDelta(t, -60, est.Innovation().AtVec(0), 1e-9)
	assert.InDelta(t, 20, est.Innovation().AtVec(1), 1e-9)
	assert.InDelta(t, 0, est.Innovation().AtVec(2), 1e-9)
	r, c := est.Gain().Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 3, c)
	S := est.InnovationCovariance()
	// Every axis shares the same row of H, so S is H*P*H' everywhere plus R on the diagonal.
	assert.InDelta(t, S.At(0, 1)+DefaultMeasurementNoise, S.At(0, 0), 1e-9)
	assert.Greater(t, est.NIS(), 0.0)
}

type failingNoise struct{}

func (failingNoise) ProcessNoise(dt, q float64) (*mat.SymDense, error) {
	return nil, errors.New("no process noise")
}

func (failingNoise) String() string { return "failing" }

func TestNavEKFPredictWithIMUNoiseError(t *testing.T) {
	kf, err := New(LatLon{0.5, 0.5}, WithVelocity(0.01, 0.01), WithNoiseModel(failingNoise{}))
	require.NoError(t, err)
	_, err = kf.PredictWithIMU(1, [2]float64{1, 2}, 0, DefaultIMUNoise)
	require.Error(t, err)
	assert.Equal(t, LatLon{0.5, 0.5}, kf.Estimate())
	dlat, dlon := kf.Velocity()
	assert.Equal(t, 0.01, dlat)
	assert.Equal(t, 0.01, dlon)
	assert.Equal(t, InitStep, kf.Last().Kind)
}

func TestNavEKFUpdateVectorSingular(t *testing.T) {
	constant := func(lat, lon float64) (MagneticVector, error) {
		return MagneticVector{10, 20, 30}, nil
	}
	kf, err := New(LatLon{0.5, 0.5}, WithJacobianProbe(ProbeGradient))
	require.NoError(t, err)
	before := kf.Covariance()
	// A flat field and a perfect sensor leave no innovation variance.
	_, err = kf.UpdateVector(MagneticVector{11, 20, 30}, constant, 0)
	require.ErrorIs(t, err, ErrSingular)
	assert.Equal(t, LatLon{0.5, 0.5}, kf.Estimate())
	if !mat.Equal(before, kf.Covariance()) {
		t.Fatal("covariance changed by a failed update")
	}
	assert.Equal(t, 0, kf.Last().Step)
}

func TestNavEKFResetCovariance(t *testing.T) {
	kf, err := New(LatLon{3, 4}, WithVelocity(0.01, 0.02))
	require.NoError(t, err)
	_, err = kf.Predict(3)
	require.NoError(t, err)
	before := kf.State()
	kf.ResetCovariance(4, 0.25)
	if !mat.Equal(kf.Covariance(), mat.NewDiagDense(4, []float64{4, 4, 0.25, 0.25})) {
		t.Fatalf("P=\n%v", mat.Formatted(kf.Covariance()))
	}
	if !mat.Equal(before, kf.State()) {
		t.Fatal("reset covariance changed the state")
	}
	σlat, σlon := kf.PositionUncertainty()
	assert.Equal(t, 2.0, σlat)
	assert.Equal(t, 2.0, σlon)
	σdlat, σdlon := kf.VelocityUncertainty()
	assert.Equal(t, 0.5, σdlat)
	assert.Equal(t, 0.5, σdlon)
}

func TestNavEKFConcurrent(t *testing.T) {
	kf, err := New(LatLon{0.5, 0.5}, WithJacobianProbe(ProbeGradient))
	require.NoError(t, err)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := kf.Predict(0.01); err != nil {
					t.Error(err)
					return
				}
				if _, err := kf.Update(1, sumField, DefaultMeasurementNoise); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, kf.Last().Step)
	P := kf.Covariance()
	assert.InDelta(t, P.At(0, 1), P.At(1, 0), 1e-9)
}

func TestParseJacobianProbe(t *testing.T) {
	for name, exp := range map[string]JacobianProbe{"": ProbeCompat, "compat": ProbeCompat, "gradient": ProbeGradient} {
		p, err := ParseJacobianProbe(name)
		require.NoError(t, err)
		assert.Equal(t, exp, p)
		if name != "" {
			assert.Equal(t, name, p.String())
		}
	}
	_, err := ParseJacobianProbe("analytic")
	assert.Error(t, err)
}
