package magnav

import (
	"math"
	"strings"
	"testing"
)

func TestStepKind(t *testing.T) {
	for k, exp := range map[StepKind]string{
		InitStep:         "init",
		PredictStep:      "predict",
		PredictIMUStep:   "predict_imu",
		UpdateStep:       "update",
		UpdateVectorStep: "update_vector",
		StepKind(42):     "StepKind(42)",
	} {
		if k.String() != exp {
			t.Fatalf("%d: got %q, expected %q", k, k, exp)
		}
	}
}

func TestEstimatePrediction(t *testing.T) {
	kf, err := New(LatLon{0.5, 0.5}, WithVelocity(0.01, -0.02))
	if err != nil {
		t.Fatal(err)
	}
	est, err := kf.Predict(2)
	if err != nil {
		t.Fatal(err)
	}
	if est.Kind != PredictStep || est.Step != 1 || est.DT != 2 {
		t.Fatalf("unexpected prediction %s", est)
	}
	if est.Innovation() != nil || est.Measurement() != nil || est.Gain() != nil {
		t.Fatal("prediction carries update data")
	}
	if !est.IsWithin2σ() || est.NIS() != 0 {
		t.Fatal("predictions are always within bounds")
	}
	if p := est.Position(); math.Abs(p.Lat-0.52) > 1e-12 || math.Abs(p.Lon-0.46) > 1e-12 {
		t.Fatalf("position %s", p)
	}
	dlat, dlon := est.Velocity()
	if dlat != 0.01 || dlon != -0.02 {
		t.Fatalf("velocity (%f, %f)", dlat, dlon)
	}
	north, east := est.VelocityMS()
	if n, e := kf.VelocityMS(); n != north || e != east {
		t.Fatalf("snapshot velocity (%f, %f), filter (%f, %f)", north, east, n, e)
	}
	σdlat, σdlon := est.VelocitySigma()
	if d1, d2 := kf.VelocityUncertainty(); d1 != σdlat || d2 != σdlon {
		t.Fatalf("snapshot velocity sigma (%f, %f), filter (%f, %f)", σdlat, σdlon, d1, d2)
	}
	σlat, _ := est.PositionSigma()
	if σlat <= 1 {
		t.Fatalf("sigma did not grow: %f", σlat)
	}
	if !strings.HasPrefix(est.String(), "{predict #1 dt=2") {
		t.Fatalf("unexpected string %q", est)
	}
}

func TestEstimateUpdate(t *testing.T) {
	m := unitMap(t)
	for _, tc := range []struct {
		obs    float64
		within bool
	}{{260, true}, {2000, false}} {
		kf, err := New(LatLon{0.5, 0.5})
		if err != nil {
			t.Fatal(err)
		}
		est, err := kf.Update(tc.obs, m.Field(Bilinear), DefaultMeasurementNoise)
		if err != nil {
			t.Fatal(err)
		}
		if est.Kind != UpdateStep || est.Innovation() == nil {
			t.Fatalf("unexpected update %s", est)
		}
		ν := est.Innovation().AtVec(0)
		if math.Abs(ν-(tc.obs-250)) > 1e-9 {
			t.Fatalf("innovation %f", ν)
		}
		S := est.InnovationCovariance().At(0, 0)
		if nis := est.NIS(); math.Abs(nis-ν*ν/S) > 1e-9 {
			t.Fatalf("NIS %f, expected %f", nis, ν*ν/S)
		}
		if est.IsWithin2σ() != tc.within {
			t.Fatalf("obs %f: within 2σ = %v", tc.obs, !tc.within)
		}
		if !est.ContainsTruth(est.Position(), 0) {
			t.Fatal("an estimate contains itself")
		}
		σlat, σlon := est.PositionSigma()
		if est.ContainsTruth(LatLon{est.Position().Lat + 3*σlat, est.Position().Lon}, 2) {
			t.Fatal("3σ away is outside of 2σ")
		}
		if !est.ContainsTruth(LatLon{est.Position().Lat, est.Position().Lon - σlon}, 2) {
			t.Fatal("1σ away is inside of 2σ")
		}
		if !strings.Contains(est.String(), "update #1") {
			t.Fatalf("unexpected string %q", est)
		}
	}
}
