// Package service exposes a navigation session over HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ChristopherRabotin/magnav"
	"github.com/gin-gonic/gin"
	gometrics "github.com/rcrowley/go-metrics"
)

// ProcessTimeHeader carries the handling time of a request in seconds.
const ProcessTimeHeader = "X-Process-Time"

// Server serves one navigation session against one map.
type Server struct {
	m        *magnav.Map
	interp   *magnav.InterpolationCache
	method   magnav.Method
	session  *Session
	registry gometrics.Registry
	logger   *slog.Logger

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry sets the registry of the request metrics.
func WithRegistry(r gometrics.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithMethod sets the interpolation method of the estimation routes.
func WithMethod(m magnav.Method) Option {
	return func(s *Server) { s.method = m }
}

// New returns a Server. The session starts at the map center when nil.
func New(m *magnav.Map, interp *magnav.InterpolationCache, session *Session, opts ...Option) (*Server, error) {
	if m == nil || interp == nil {
		return nil, errors.New("map and interpolation cache must be specified")
	}
	s := &Server{
		m:        m,
		interp:   interp,
		method:   magnav.Bilinear,
		session:  session,
		registry: gometrics.NewRegistry(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.method.Valid() {
		return nil, fmt.Errorf("%w: %s", magnav.ErrInvalidMethod, s.method)
	}
	if s.session == nil {
		var err error
		if s.session, err = NewSession(m.Bounds().Center(), 0, magnav.WithJacobianProbe(magnav.ProbeGradient)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Session returns the navigation session.
func (s *Server) Session() *Session { return s.session }

// Router returns the gin engine of the server.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic", "path", c.Request.URL.Path, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "reason": "internal error"})
	}))
	r.Use(processTime(), s.metricsInterceptor(), s.requestLogger())

	r.GET("/healthz", s.handleHealthz)
	r.POST("/estimate", s.handleEstimate)
	r.POST("/estimate/position", s.handleEstimatePosition)
	r.POST("/reset", s.handleReset)
	r.GET("/field", s.handleField)
	r.GET("/metadata", s.handleMetadata)
	r.GET("/metrics", s.handleMetrics)
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	lsnr, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lsnr)
}

// Serve serves on lsnr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lsnr net.Listener) error {
	gin.SetMode(gin.ReleaseMode)
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(lsnr) }()
	s.logger.Info("HTTP Listen", "addr", lsnr.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("gracefully stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusOf maps an error to its HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, magnav.ErrOutOfBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, magnav.ErrInvalidMethod),
		errors.Is(err, magnav.ErrInvalidLatitude),
		errors.Is(err, magnav.ErrInvalidLongitude),
		errors.Is(err, magnav.ErrInvalidTimeStep):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(code, gin.H{"success": false, "reason": err.Error()})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EstimateRequest is the body of POST /estimate. DT defaults to one second.
type EstimateRequest struct {
	MagneticField *float64 `json:"magnetic_field" binding:"required"`
	// DT defaults to one second.
	DT *float64 `json:"dt"`
}

// Velocity is a (north, east) velocity in m/s.
type Velocity struct {
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Uncertainty is the one sigma position uncertainty in degrees.
type Uncertainty struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EstimateResponse is the filter state after a POST /estimate step.
type EstimateResponse struct {
	Lat         float64     `json:"lat"`
	Lon         float64     `json:"lon"`
	Velocity    Velocity    `json:"velocity"`
	Uncertainty Uncertainty `json:"uncertainty"`
	Innovation  float64     `json:"innovation"`
	NIS         float64     `json:"nis"`
	Step        int         `json:"step"`
}

func (s *Server) handleEstimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	dt := 1.0
	if req.DT != nil {
		dt = *req.DT
	}
	est, err := s.session.Step(dt, *req.MagneticField, s.interp.Field(s.m, s.method))
	if err != nil {
		s.fail(c, statusOf(err), err)
		return
	}
	north, east := est.VelocityMS()
	σlat, σlon := est.PositionSigma()
	p := est.Position()
	c.JSON(http.StatusOK, EstimateResponse{
		Lat:         p.Lat,
		Lon:         p.Lon,
		Velocity:    Velocity{North: north, East: east},
		Uncertainty: Uncertainty{Lat: σlat, Lon: σlon},
		Innovation:  est.Innovation().AtVec(0),
		NIS:         est.NIS(),
		Step:        est.Step,
	})
}

// PositionRequest is the body of POST /estimate/position.
type PositionRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lon *float64 `json:"lon" binding:"required"`
}

// PositionResponse is the fused position and a quality in (0, 1], higher is better.
type PositionResponse struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Quality float64 `json:"quality"`
}

// quality maps the mean one sigma position uncertainty in degrees to (0, 1].
func quality(σlat, σlon float64) float64 {
	return 1 / (1 + (σlat+σlon)/2)
}

// handleEstimatePosition fuses the map value at the reported position.
func (s *Server) handleEstimatePosition(c *gin.Context) {
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if _, err := magnav.NewLatLon(*req.Lat, *req.Lon); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	obs, err := s.interp.Interpolate(s.m, *req.Lat, *req.Lon, s.method)
	if err != nil {
		s.fail(c, statusOf(err), err)
		return
	}
	est, err := s.session.Step(1, obs, s.interp.Field(s.m, s.method))
	if err != nil {
		s.fail(c, statusOf(err), err)
		return
	}
	p := est.Position()
	c.JSON(http.StatusOK, PositionResponse{Lat: p.Lat, Lon: p.Lon, Quality: quality(est.PositionSigma())})
}

// ResetRequest is the body of POST /reset. Missing coordinates reset to the map center.
type ResetRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) handleReset(c *gin.Context) {
	var req ResetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}
	initial := s.m.Bounds().Center()
	if req.Lat != nil {
		initial.Lat = *req.Lat
	}
	if req.Lon != nil {
		initial.Lon = *req.Lon
	}
	if err := s.session.Reset(initial); err != nil {
		s.fail(c, statusOf(err), err)
		return
	}
	s.logger.Info("session reset", "lat", initial.Lat, "lon", initial.Lon)
	c.JSON(http.StatusOK, gin.H{"success": true, "lat": initial.Lat, "lon": initial.Lon})
}

func queryFloat(c *gin.Context, name string) (float64, error) {
	raw, ok := c.GetQuery(name)
	if !ok {
		return 0, fmt.Errorf("missing query parameter %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("invalid query parameter %q: %q", name, raw)
	}
	return v, nil
}

func (s *Server) handleField(c *gin.Context) {
	lat, err := queryFloat(c, "lat")
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	lon, err := queryFloat(c, "lon")
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	method := s.method
	if name, ok := c.GetQuery("method"); ok {
		if method, err = magnav.ParseMethod(name); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}
	v, err := s.interp.Interpolate(s.m, lat, lon, method)
	if err != nil {
		s.fail(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lat": lat, "lon": lon, "method": method.String(), "value": v})
}

func (s *Server) handleMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tile": s.m.TileMetadata(), "header": s.m.Header()})
}

func (s *Server) handleMetrics(c *gin.Context) {
	all := s.registry.GetAll()
	im := s.interp.Metrics()
	all["cache.interpolations"] = map[string]any{
		"len":       s.interp.Len(),
		"hits":      im.Hits,
		"misses":    im.Misses,
		"evictions": im.Evictions,
	}
	c.JSON(http.StatusOK, all)
}

// timedWriter stamps the process time header right before the header is written.
type timedWriter struct {
	gin.ResponseWriter
	start time.Time
}

func (w *timedWriter) stamp() {
	if !w.Written() {
		w.Header().Set(ProcessTimeHeader, strconv.FormatFloat(time.Since(w.start).Seconds(), 'f', 6, 64))
	}
}

func (w *timedWriter) WriteHeaderNow() {
	w.stamp()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *timedWriter) Write(data []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(data)
}

func (w *timedWriter) WriteString(str string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(str)
}

func processTime() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer = &timedWriter{ResponseWriter: c.Writer, start: time.Now()}
		c.Next()
	}
}

func (s *Server) metricsInterceptor() gin.HandlerFunc {
	requests := gometrics.GetOrRegisterCounter("http.requests", s.registry)
	latency := gometrics.GetOrRegisterTimer("http.latency", s.registry)
	estimates := gometrics.GetOrRegisterTimer("http.estimate.latency", s.registry)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		requests.Inc(1)
		latency.UpdateSince(start)
		if strings.HasPrefix(c.Request.URL.Path, "/estimate") {
			estimates.UpdateSince(start)
		}
		status := c.Writer.Status()
		gometrics.GetOrRegisterCounter(fmt.Sprintf("http.status.%dxx", status/100), s.registry).Inc(1)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// ignore healthz and metrics
		if c.Request.Method == http.MethodGet && (c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics") {
			return
		}
		s.logger.Info("http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP())
	}
}
