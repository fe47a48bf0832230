package magnav

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// stateSize is the length of [lat, lon, dlat, dlon].
const stateSize = 4

const (
	// DefaultProcessNoise is the default white noise acceleration intensity q.
	DefaultProcessNoise = 0.01
	// DefaultMeasurementNoise is the default measurement variance R.
	DefaultMeasurementNoise = 0.05
	// DefaultPositionVariance is the default initial lat/lon variance in deg².
	DefaultPositionVariance = 1.0
	// DefaultVelocityVariance is the default initial dlat/dlon variance in (deg/s)².
	DefaultVelocityVariance = 0.01
	// JacobianStep is the finite difference step of the measurement Jacobian, in degrees.
	JacobianStep = 1e-6
)

// IMUNoise is the noise of an inertial measurement.
type IMUNoise struct {
	Accel float64 // Added to the velocity process noise, scaled by dt².
	Gyro  float64 // Accepted but the gyroscope is not fused.
}

// DefaultIMUNoise is the noise used by PredictWithIMU when none is known.
var DefaultIMUNoise = IMUNoise{Accel: 0.1, Gyro: 0.01}

// JacobianProbe selects how the longitude column of the measurement Jacobian is probed.
type JacobianProbe uint8

const (
	// ProbeCompat differentiates the longitude column from the field at (lon, lon+ε).
	// The latitude column is a regular forward difference.
	// The longitude probe reads the field at a latitude equal to the current
	// longitude: Update fails with ErrOutOfBounds on maps whose latitude range does
	// not cover their longitudes, and the longitude column is not the gradient.
	// Use ProbeGradient for anything but the unit square maps this mode reproduces.
	ProbeCompat JacobianProbe = iota + 1
	// ProbeGradient is the forward difference gradient at (lat+ε, lon) and (lat, lon+ε).
	ProbeGradient
)

func (p JacobianProbe) String() string {
	switch p {
	case ProbeCompat:
		return "compat"
	case ProbeGradient:
		return "gradient"
	default:
		return fmt.Sprintf("JacobianProbe(%d)", uint8(p))
	}
}

// ParseJacobianProbe returns the probe by name, "compat" (or empty) or "gradient".
func ParseJacobianProbe(name string) (JacobianProbe, error) {
	switch name {
	case "", "compat":
		return ProbeCompat, nil
	case "gradient":
		return ProbeGradient, nil
	default:
		return 0, fmt.Errorf("unknown jacobian probe %q", name)
	}
}

// Option configures a NavEKF.
type Option func(*NavEKF) error

// WithVelocity sets the initial velocity in degrees per second.
func WithVelocity(dlat, dlon float64) Option {
	return func(kf *NavEKF) error {
		kf.x.SetVec(2, dlat)
		kf.x.SetVec(3, dlon)
		return nil
	}
}

// WithCovariance sets the initial 4x4 covariance.
func WithCovariance(P mat.Matrix) Option {
	return func(kf *NavEKF) error {
		if err := checkMatDims(P, kf.P, "P0", "state", rowsAndcols); err != nil {
			return err
		}
		if IsNil(P) {
			return errors.New("initial covariance cannot be zero")
		}
		P0 := mat.DenseCopyOf(P)
		if _, err := AsSymDense(P0); err != nil {
			return fmt.Errorf("initial covariance: %w", err)
		}
		kf.P = P0
		return nil
	}
}

// WithProcessNoise sets the process noise intensity q.
func WithProcessNoise(q float64) Option {
	return func(kf *NavEKF) error {
		if q < 0 || math.IsNaN(q) {
			return fmt.Errorf("process noise must be positive, got %f", q)
		}
		kf.q = q
		return nil
	}
}

// WithJacobianProbe sets the measurement Jacobian probe.
func WithJacobianProbe(probe JacobianProbe) Option {
	return func(kf *NavEKF) error {
		if probe != ProbeCompat && probe != ProbeGradient {
			return fmt.Errorf("unknown jacobian probe %s", probe)
		}
		kf.probe = probe
		return nil
	}
}

// WithNoiseModel sets how the process noise is discretized.
func WithNoiseModel(model NoiseModel) Option {
	return func(kf *NavEKF) error {
		if model == nil {
			return errors.New("noise model must be specified")
		}
		kf.noise = model
		return nil
	}
}

// WithLogger sets the logger used to trace every step at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(kf *NavEKF) error {
		if logger != nil {
			kf.logger = logger
		}
		return nil
	}
}

// NavEKF is an extended Kalman filter estimating [lat, lon, dlat, dlon] from
// magnetic anomaly measurements against a map. Use New to initialize.
// All methods are safe for concurrent use.
type NavEKF struct {
	mu        sync.Mutex
	x         *mat.VecDense
	P         *mat.Dense
	q         float64
	accelBias [2]float64
	gyroBias  float64
	probe     JacobianProbe
	noise     NoiseModel
	logger    *slog.Logger
	last      Estimate
	step      int
}

// New returns a new NavEKF at the initial position, with a zero velocity and a
// covariance of diag(1, 1, 0.01, 0.01) unless specified otherwise.
// The default Jacobian probe is ProbeCompat, see its caveats; real maps need
// WithJacobianProbe(ProbeGradient).
func New(initial LatLon, opts ...Option) (*NavEKF, error) {
	if _, err := NewLatLon(initial.Lat, initial.Lon); err != nil {
		return nil, err
	}
	kf := &NavEKF{
		x:      mat.NewVecDense(stateSize, []float64{initial.Lat, initial.Lon, 0, 0}),
		P:      DiagCovariance(DefaultPositionVariance, DefaultVelocityVariance),
		q:      DefaultProcessNoise,
		probe:  ProbeCompat,
		noise:  DiscreteWhiteNoise{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if err := opt(kf); err != nil {
			return nil, err
		}
	}
	kf.last = kf.snapshot(InitStep, 0, Symmetrize(kf.P))
	return kf, nil
}

// DiagCovariance returns diag(posVar, posVar, velVar, velVar).
func DiagCovariance(posVar, velVar float64) *mat.Dense {
	return mat.DenseCopyOf(mat.NewDiagDense(stateSize, []float64{posVar, posVar, velVar, velVar}))
}

// transition returns the constant velocity state transition matrix.
func transition(dt float64) *mat.Dense {
	F := mat.DenseCopyOf(Identity(stateSize))
	F.Set(0, 2, dt)
	F.Set(1, 3, dt)
	return F
}

func checkTimeStep(dt float64, strict bool) error {
	if math.IsNaN(dt) || math.IsInf(dt, 0) || dt < 0 || (strict && dt == 0) {
		return fmt.Errorf("%w: dt=%f", ErrInvalidTimeStep, dt)
	}
	return nil
}

// propagate computes P = F*P*F' + Q.
func (kf *NavEKF) propagate(F *mat.Dense, Q mat.Symmetric) {
	var FP, FPFt mat.Dense
	FP.Mul(F, kf.P)
	FPFt.Mul(&FP, F.T())
	FPFt.Add(&FPFt, Q)
	kf.P = &FPFt
}

func (kf *NavEKF) snapshot(kind StepKind, dt float64, predCovar mat.Symmetric) Estimate {
	return Estimate{
		Kind:      kind,
		Step:      kf.step,
		DT:        dt,
		state:     mat.VecDenseCopyOf(kf.x),
		covar:     Symmetrize(kf.P),
		predCovar: predCovar,
	}
}

// Predict propagates the state and covariance over dt seconds with the constant
// velocity model.
func (kf *NavEKF) Predict(dt float64) (Estimate, error) {
	if err := checkTimeStep(dt, false); err != nil {
		return Estimate{}, err
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()

	Q, err := kf.noise.ProcessNoise(dt, kf.q)
	if err != nil {
		return Estimate{}, err
	}
	F := transition(dt)
	var x mat.VecDense
	x.MulVec(F, kf.x)
	kf.x = &x
	kf.propagate(F, Q)
	kf.step++
	kf.last = kf.snapshot(PredictStep, dt, Symmetrize(kf.P))
	kf.logger.Debug("predict", "step", kf.step, "dt", dt, "lat", x.AtVec(0), "lon", x.AtVec(1))
	return kf.last, nil
}

// PredictWithIMU propagates the state over dt seconds with a (north, east)
// acceleration in m/s². The acceleration is converted to degrees through a one
// step displacement on the local tangent plane. The gyroscope is not fused.
func (kf *NavEKF) PredictWithIMU(dt float64, accel [2]float64, gyro float64, noise IMUNoise) (Estimate, error) {
	if err := checkTimeStep(dt, true); err != nil {
		return Estimate{}, err
	}
	kf.mu.Lock()
	defer kf.mu.Unlock()

	lat, lon := kf.x.AtVec(0), kf.x.AtVec(1)
	dlat, dlon := kf.x.AtVec(2), kf.x.AtVec(3)
	accN := accel[0] - kf.accelBias[0]
	accE := accel[1] - kf.accelBias[1]
	dt2 := dt * dt

	la, lo := MetersToLatLon(lat, lon, accN*dt2, accE*dt2)
	latAcc := (la - lat) / dt2
	lonAcc := (lo - lon) / dt2

	Q, err := kf.noise.ProcessNoise(dt, kf.q)
	if err != nil {
		return Estimate{}, err
	}
	kf.x = mat.NewVecDense(stateSize, []float64{
		lat + dlat*dt + 0.5*latAcc*dt2,
		lon + dlon*dt + 0.5*lonAcc*dt2,
		dlat + latAcc*dt,
		dlon + lonAcc*dt,
	})
	Q.SetSym(2, 2, Q.At(2, 2)+noise.Accel*dt2)
	Q.SetSym(3, 3, Q.At(3, 3)+noise.Accel*dt2)
	kf.propagate(transition(dt), Q)
	kf.step++
	kf.last = kf.snapshot(PredictIMUStep, dt, Symmetrize(kf.P))
	kf.logger.Debug("predict imu", "step", kf.step, "dt", dt, "accel_n", accN, "accel_e", accE, "gyro", gyro)
	return kf.last, nil
}

// measurementJacobian returns the 1x4 Jacobian of f at (lat, lon) where f0 = f(lat, lon).
// The velocity columns are zero.
func (kf *NavEKF) measurementJacobian(f FieldFunc, lat, lon, f0 float64) (*mat.Dense, error) {
	H := mat.NewDense(1, stateSize, nil)
	if kf.probe == ProbeGradient {
		J, err := NumericalJacobian(func(p []float64) ([]float64, error) {
			v, err := f(p[0], p[1])
			return []float64{v}, err
		}, []float64{lat, lon}, JacobianStep)
		if err != nil {
			return nil, err
		}
		H.Set(0, 0, J.At(0, 0))
		H.Set(0, 1, J.At(0, 1))
		return H, nil
	}
	fLat, err := f(lat+JacobianStep, lon)
	if err != nil {
		return nil, err
	}
	fLon, err := f(lon, lon+JacobianStep)
	if err != nil {
		return nil, err
	}
	H.Set(0, 0, (fLat-f0)/JacobianStep)
	H.Set(0, 1, (fLon-f0)/JacobianStep)
	return H, nil
}

// scalarGain returns K = P*H'/s.
func (kf *NavEKF) scalarGain(H *mat.Dense, s float64) (*mat.Dense, error) {
	if s == 0 || math.IsNaN(s) {
		return nil, fmt.Errorf("%w: innovation variance is %f", ErrSingular, s)
	}
	var K mat.Dense
	K.Mul(kf.P, H.T())
	K.Scale(1/s, &K)
	return &K, nil
}

// correct applies x = x + K*ν and P = (I - K*H)*P.
func (kf *NavEKF) correct(K, H *mat.Dense, ν float64) {
	for i := 0; i < stateSize; i++ {
		kf.x.SetVec(i, kf.x.AtVec(i)+K.At(i, 0)*ν)
	}
	var KH, IKH, P mat.Dense
	KH.Mul(K, H)
	IKH.Sub(Identity(stateSize), &KH)
	P.Mul(&IKH, kf.P)
	kf.P = &P
}

// Update corrects the state with a scalar magnetic observation, f returning the
// expected field at a position and R being the measurement variance. Errors from f
// are returned before any change to the filter.
func (kf *NavEKF) Update(obs float64, f FieldFunc, R float64) (Estimate, error) {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	lat, lon := kf.x.AtVec(0), kf.x.AtVec(1)
	expected, err := f(lat, lon)
	if err != nil {
		return Estimate{}, err
	}
	H, err := kf.measurementJacobian(f, lat, lon, expected)
	if err != nil {
		return Estimate{}, err
	}
	ν := obs - expected

	var HPHt mat.Dense
	HPHt.Product(H, kf.P, H.T())
	s := HPHt.At(0, 0) + R
	K, err := kf.scalarGain(H, s)
	if err != nil {
		return Estimate{}, err
	}
	predCovar := Symmetrize(kf.P)
	kf.correct(K, H, ν)
	kf.step++

	est := kf.snapshot(UpdateStep, 0, predCovar)
	est.meas = mat.NewVecDense(1, []float64{expected})
	est.innovation = mat.NewVecDense(1, []float64{ν})
	est.innovCovar = mat.NewDense(1, 1, []float64{s})
	est.gain = K
	kf.last = est
	kf.logger.Debug("update", "step", kf.step, "obs", obs, "innovation", ν, "S", s, "lat", kf.x.AtVec(0), "lon", kf.x.AtVec(1))
	return est, nil
}

// UpdateVector corrects the state with a three axis observation. The Jacobian is
// that of the field magnitude and is used for every axis, and the axes are applied
// as three sequential scalar updates sharing the innovation covariance computed
// before the first one.
func (kf *NavEKF) UpdateVector(obs MagneticVector, f VectorFieldFunc, R float64) (Estimate, error) {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	lat, lon := kf.x.AtVec(0), kf.x.AtVec(1)
	expected, err := f(lat, lon)
	if err != nil {
		return Estimate{}, err
	}
	magnitude := func(lat, lon float64) (float64, error) {
		v, err := f(lat, lon)
		if err != nil {
			return 0, err
		}
		return v.Magnitude(), nil
	}
	H, err := kf.measurementJacobian(magnitude, lat, lon, expected.Magnitude())
	if err != nil {
		return Estimate{}, err
	}
	ν := mat.NewVecDense(3, []float64{obs.X - expected.X, obs.Y - expected.Y, obs.Z - expected.Z})

	H3 := mat.NewDense(3, stateSize, nil)
	for i := 0; i < 3; i++ {
		H3.SetRow(i, H.RawRowView(0))
	}
	var S mat.Dense
	S.Product(H3, kf.P, H3.T())
	for i := 0; i < 3; i++ {
		S.Set(i, i, S.At(i, i)+R)
	}

	// A singular axis restores the state and covariance from before the first axis.
	x, P := mat.VecDenseCopyOf(kf.x), mat.DenseCopyOf(kf.P)
	predCovar := Symmetrize(kf.P)
	gains := mat.NewDense(stateSize, 3, nil)
	for i := 0; i < 3; i++ {
		K, err := kf.scalarGain(H, S.At(i, i))
		if err != nil {
			kf.x, kf.P = x, P
			return Estimate{}, fmt.Errorf("axis %d: %w", i, err)
		}
		kf.correct(K, H, ν.AtVec(i))
		gains.SetCol(i, K.RawMatrix().Data)
	}
	kf.step++

	est := kf.snapshot(UpdateVectorStep, 0, predCovar)
	est.meas = mat.NewVecDense(3, expected.Slice())
	est.innovation = ν
	est.innovCovar = &S
	est.gain = gains
	kf.last = est
	kf.logger.Debug("update vector", "step", kf.step, "innovation", ν.RawVector().Data, "lat", kf.x.AtVec(0), "lon", kf.x.AtVec(1))
	return est, nil
}

// Estimate returns the current position.
func (kf *NavEKF) Estimate() LatLon {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return LatLon{Lat: kf.x.AtVec(0), Lon: kf.x.AtVec(1)}
}

// Velocity returns the current velocity in degrees per second.
func (kf *NavEKF) Velocity() (dlat, dlon float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.x.AtVec(2), kf.x.AtVec(3)
}

// VelocityMS returns the (north, east) velocity in m/s, from one second of motion.
func (kf *NavEKF) VelocityMS() (north, east float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	lat, lon := kf.x.AtVec(0), kf.x.AtVec(1)
	return LatLonToMeters(lat, lon, lat+kf.x.AtVec(2), lon+kf.x.AtVec(3))
}

// PositionUncertainty returns the one sigma lat and lon uncertainty in degrees.
func (kf *NavEKF) PositionUncertainty() (lat, lon float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return math.Sqrt(kf.P.At(0, 0)), math.Sqrt(kf.P.At(1, 1))
}

// VelocityUncertainty returns the one sigma dlat and dlon uncertainty in degrees per second.
func (kf *NavEKF) VelocityUncertainty() (dlat, dlon float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return math.Sqrt(kf.P.At(2, 2)), math.Sqrt(kf.P.At(3, 3))
}

// ResetCovariance replaces the covariance with diag(posVar, posVar, velVar, velVar).
// The state is left untouched.
func (kf *NavEKF) ResetCovariance(posVar, velVar float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.P = DiagCovariance(posVar, velVar)
}

// State returns a copy of [lat, lon, dlat, dlon].
func (kf *NavEKF) State() *mat.VecDense {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return mat.VecDenseCopyOf(kf.x)
}

// Covariance returns a copy of the covariance.
func (kf *NavEKF) Covariance() *mat.Dense {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return mat.DenseCopyOf(kf.P)
}

// AccelBias returns the (north, east) accelerometer bias. It is never estimated.
func (kf *NavEKF) AccelBias() [2]float64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.accelBias
}

// GyroBias returns the gyroscope bias. It is never estimated.
func (kf *NavEKF) GyroBias() float64 {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.gyroBias
}

// Last returns the estimate of the last operation.
func (kf *NavEKF) Last() Estimate {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.last
}

func (kf *NavEKF) String() string {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return fmt.Sprintf("NavEKF{probe=%s noise=%s q=%g\nx=%v\nP=%v\n}", kf.probe, kf.noise, kf.q, mat.Formatted(kf.x.T(), mat.Prefix("  ")), mat.Formatted(kf.P, mat.Prefix("  ")))
}
