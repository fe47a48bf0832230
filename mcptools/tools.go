// Package mcptools exposes the navigation operations as MCP tools.
package mcptools

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChristopherRabotin/magnav"
	"github.com/ChristopherRabotin/magnav/service"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tools holds the map and the navigation session shared by the tool calls.
type Tools struct {
	m      *magnav.Map
	interp *magnav.InterpolationCache
	R      float64
	opts   []magnav.Option
	logger *slog.Logger

	mu      sync.Mutex
	session *service.Session
}

// Option configures Tools.
type Option func(*Tools)

// WithLogger sets the tool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tools) { t.logger = logger }
}

// WithFilter sets the measurement variance and the options of the filters
// created by estimate_position.
func WithFilter(R float64, opts ...magnav.Option) Option {
	return func(t *Tools) {
		t.R = R
		t.opts = opts
	}
}

// NewTools returns the tools of the map m.
func NewTools(m *magnav.Map, interp *magnav.InterpolationCache, opts ...Option) (*Tools, error) {
	if m == nil || interp == nil {
		return nil, errors.New("map and interpolation cache must be specified")
	}
	t := &Tools{
		m:      m,
		interp: interp,
		opts:   []magnav.Option{magnav.WithJacobianProbe(magnav.ProbeGradient)},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ServerTools returns the tool definitions with their handlers.
func (t *Tools) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("query_magnetic_field",
				mcp.WithDescription("Query the magnetic anomaly field at a location from the loaded map"),
				mcp.WithNumber("latitude", mcp.Required(), mcp.Description("Latitude in decimal degrees")),
				mcp.WithNumber("longitude", mcp.Required(), mcp.Description("Longitude in decimal degrees")),
				mcp.WithString("interpolation_method",
					mcp.DefaultString("bilinear"),
					mcp.Enum("bilinear", "bicubic"),
					mcp.Description("Interpolation method"),
				),
			),
			Handler: t.queryMagneticField,
		},
		{
			Tool: mcp.NewTool("estimate_position",
				mcp.WithDescription("Estimate position using Extended Kalman Filter with magnetic measurements"),
				mcp.WithNumber("magnetic_field", mcp.Required(), mcp.Description("Measured magnetic field value in nT")),
				mcp.WithNumber("initial_latitude", mcp.Description("Initial latitude estimate in decimal degrees")),
				mcp.WithNumber("initial_longitude", mcp.Description("Initial longitude estimate in decimal degrees")),
				mcp.WithNumber("dt", mcp.DefaultNumber(1), mcp.Description("Time step in seconds since last measurement")),
				mcp.WithBoolean("reset", mcp.DefaultBool(false), mcp.Description("Reset the filter with new initial position")),
			),
			Handler: t.estimatePosition,
		},
		{
			Tool: mcp.NewTool("calibrate_sensor",
				mcp.WithDescription("Compute hard and soft iron calibration parameters from raw magnetometer samples"),
				mcp.WithArray("samples",
					mcp.Required(),
					mcp.MinItems(magnav.MinCalibrationSamples),
					mcp.Items(map[string]any{
						"type":     "array",
						"items":    map[string]any{"type": "number"},
						"minItems": 3,
						"maxItems": 3,
					}),
					mcp.Description("Raw samples as [bx, by, bz] in nT"),
				),
				mcp.WithString("method",
					mcp.DefaultString("ellipsoid"),
					mcp.Enum("ellipsoid", "simple"),
					mcp.Description("Calibration method"),
				),
			),
			Handler: t.calibrateSensor,
		},
		{
			Tool: mcp.NewTool("simulate_trajectory",
				mcp.WithDescription("Simulate a trajectory over the map with noisy magnetic measurements"),
				mcp.WithNumber("start_latitude", mcp.Required(), mcp.Description("Starting latitude in decimal degrees")),
				mcp.WithNumber("start_longitude", mcp.Required(), mcp.Description("Starting longitude in decimal degrees")),
				mcp.WithNumber("end_latitude", mcp.Required(), mcp.Description("Ending latitude in decimal degrees")),
				mcp.WithNumber("end_longitude", mcp.Required(), mcp.Description("Ending longitude in decimal degrees")),
				mcp.WithNumber("speed", mcp.DefaultNumber(10), mcp.Description("Speed in meters per second")),
				mcp.WithNumber("sample_rate", mcp.DefaultNumber(1), mcp.Description("Sampling rate in Hz")),
				mcp.WithNumber("noise_level", mcp.DefaultNumber(5), mcp.Description("Noise level for magnetic measurements in nT")),
				mcp.WithString("path_type",
					mcp.DefaultString("straight"),
					mcp.Enum("straight", "curved", "random"),
					mcp.Description("Type of path to simulate"),
				),
			),
			Handler: t.simulateTrajectory,
		},
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	res, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("encoding result", err)
	}
	return res
}

// FieldResult is the result of query_magnetic_field, the field in nT.
type FieldResult struct {
	Latitude            float64 `json:"latitude"`
	Longitude           float64 `json:"longitude"`
	MagneticField       float64 `json:"magnetic_field"`
	Units               string  `json:"units"`
	InterpolationMethod string  `json:"interpolation_method"`
}

func (t *Tools) queryMagneticField(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lat, err := request.RequireFloat("latitude")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lon, err := request.RequireFloat("longitude")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	method, err := magnav.ParseMethod(request.GetString("interpolation_method", "bilinear"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := t.interp.Interpolate(t.m, lat, lon, method)
	if err != nil {
		return mcp.NewToolResultErrorf("querying magnetic field: %v", err), nil
	}
	return jsonResult(FieldResult{
		Latitude:            lat,
		Longitude:           lon,
		MagneticField:       v,
		Units:               "nT",
		InterpolationMethod: method.String(),
	}), nil
}

// PositionResult is the result of estimate_position.
type PositionResult struct {
	Position    magnav.LatLon     `json:"position"`
	Velocity    VelocityResult    `json:"velocity"`
	Uncertainty UncertaintyResult `json:"uncertainty"`
	Step        int               `json:"step"`
}

// VelocityResult holds the velocity in m/s and in degrees per second.
type VelocityResult struct {
	NorthMPS float64 `json:"north_mps"`
	EastMPS  float64 `json:"east_mps"`
	DLatDPS  float64 `json:"dlat_dps"`
	DLonDPS  float64 `json:"dlon_dps"`
}

// UncertaintyResult holds the one sigma uncertainties in degrees and degrees per second.
type UncertaintyResult struct {
	Position magnav.LatLon `json:"position"`
	DLat     float64       `json:"dlat"`
	DLon     float64       `json:"dlon"`
}

// sessionFor returns the running session, or a new one when reset is set or
// no session exists yet. A new session starts at the initial position when both
// coordinates are given, at the map center otherwise.
func (t *Tools) sessionFor(initial *magnav.LatLon, reset bool) (*service.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil && !reset {
		return t.session, nil
	}
	start := t.m.Bounds().Center()
	if initial != nil {
		start = *initial
	}
	session, err := service.NewSession(start, t.R, t.opts...)
	if err != nil {
		return nil, err
	}
	t.logger.Info("navigation session started", "lat", start.Lat, "lon", start.Lon)
	t.session = session
	return session, nil
}

func (t *Tools) estimatePosition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	obs, err := request.RequireFloat("magnetic_field")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var initial *magnav.LatLon
	args := request.GetArguments()
	_, hasLat := args["initial_latitude"]
	_, hasLon := args["initial_longitude"]
	if hasLat && hasLon {
		p, err := magnav.NewLatLon(request.GetFloat("initial_latitude", 0), request.GetFloat("initial_longitude", 0))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		initial = &p
	}
	session, err := t.sessionFor(initial, request.GetBool("reset", false))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("initializing filter", err), nil
	}
	est, err := session.Step(request.GetFloat("dt", 1), obs, t.interp.Field(t.m, magnav.Bilinear))
	if err != nil {
		return mcp.NewToolResultErrorf("estimating position: %v", err), nil
	}
	north, east := est.VelocityMS()
	dlat, dlon := est.Velocity()
	σlat, σlon := est.PositionSigma()
	σdlat, σdlon := est.VelocitySigma()
	return jsonResult(PositionResult{
		Position: est.Position(),
		Velocity: VelocityResult{NorthMPS: north, EastMPS: east, DLatDPS: dlat, DLonDPS: dlon},
		Uncertainty: UncertaintyResult{
			Position: magnav.LatLon{Lat: σlat, Lon: σlon},
			DLat:     σdlat,
			DLon:     σdlon,
		},
		Step: est.Step,
	}), nil
}

type calibrationArgs struct {
	Samples [][]float64 `json:"samples"`
	Method  string      `json:"method"`
}

// CalibrationResult is the result of calibrate_sensor.
type CalibrationResult struct {
	Calibration struct {
		Scale       [3]float64 `json:"scale"`
		Offset      [3]float64 `json:"offset"`
		Method      string     `json:"method"`
		SamplesUsed int        `json:"samples_used"`
	} `json:"calibration"`
}

func (t *Tools) calibrateSensor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args calibrationArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid arguments", err), nil
	}
	if args.Method == "" {
		args.Method = "ellipsoid"
	}
	calibrate, err := magnav.ParseCalibrationMethod(args.Method)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	samples := make([]magnav.MagneticVector, len(args.Samples))
	for i, s := range args.Samples {
		if len(s) != 3 {
			return mcp.NewToolResultErrorf("sample %d: expected [bx, by, bz], got %d values", i, len(s)), nil
		}
		samples[i] = magnav.MagneticVector{X: s[0], Y: s[1], Z: s[2]}
	}
	params, err := calibrate(samples)
	if err != nil {
		return mcp.NewToolResultErrorf("calibrating sensor: %v", err), nil
	}
	var res CalibrationResult
	res.Calibration.Scale = params.Scale
	res.Calibration.Offset = params.Offset
	res.Calibration.Method = args.Method
	res.Calibration.SamplesUsed = len(samples)
	return jsonResult(res), nil
}

// SimulationResult is the result of simulate_trajectory. The samples themselves are
// summarized by the first and last ones.
type SimulationResult struct {
	Metadata   SimulationMetadata `json:"metadata"`
	FirstPoint *magnav.Sample     `json:"first_point"`
	LastPoint  *magnav.Sample     `json:"last_point"`
}

// SimulationMetadata describes a simulated trajectory.
type SimulationMetadata struct {
	Start         magnav.LatLon `json:"start"`
	End           magnav.LatLon `json:"end"`
	Speed         float64       `json:"speed"`
	SampleRate    float64       `json:"sample_rate"`
	NoiseLevel    float64       `json:"noise_level"`
	PathType      string        `json:"path_type"`
	TotalDistance float64       `json:"total_distance"`
	TotalTime     float64       `json:"total_time"`
	NumPoints     int           `json:"num_points"`
}

func (t *Tools) simulateTrajectory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var coords [4]float64
	for i, name := range []string{"start_latitude", "start_longitude", "end_latitude", "end_longitude"} {
		v, err := request.RequireFloat(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		coords[i] = v
	}
	cfg := magnav.DefaultSimulationConfig(magnav.LatLon{Lat: coords[0], Lon: coords[1]}, magnav.LatLon{Lat: coords[2], Lon: coords[3]})
	cfg.Speed = request.GetFloat("speed", cfg.Speed)
	cfg.SampleRate = request.GetFloat("sample_rate", cfg.SampleRate)
	cfg.NoiseLevel = request.GetFloat("noise_level", cfg.NoiseLevel)
	name := request.GetString("path_type", "straight")
	path, err := magnav.ParsePathType(name)
	if err != nil {
		t.logger.Warn("unknown path type, simulating a straight path", "path_type", name)
		path = magnav.Straight
	}
	cfg.Path = path

	sim, err := magnav.SimulateTrajectory(cfg, t.interp.Field(t.m, magnav.Bilinear), nil)
	if err != nil {
		return mcp.NewToolResultErrorf("simulating trajectory: %v", err), nil
	}
	n := len(sim.Samples)
	return jsonResult(SimulationResult{
		Metadata: SimulationMetadata{
			Start:         cfg.Start,
			End:           cfg.End,
			Speed:         cfg.Speed,
			SampleRate:    cfg.SampleRate,
			NoiseLevel:    cfg.NoiseLevel,
			PathType:      cfg.Path.String(),
			TotalDistance: sim.TotalDistance,
			TotalTime:     sim.TotalTime,
			NumPoints:     n,
		},
		FirstPoint: &sim.Samples[0],
		LastPoint:  &sim.Samples[n-1],
	}), nil
}
