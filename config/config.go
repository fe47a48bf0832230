// Package config loads the YAML configuration of the magnav commands.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChristopherRabotin/magnav"
	"github.com/ChristopherRabotin/magnav/logging"
	"gopkg.in/yaml.v3"
)

// Config is the top level configuration.
type Config struct {
	Map     MapConfig      `yaml:"map"`
	Cache   CacheConfig    `yaml:"cache"`
	Filter  FilterConfig   `yaml:"filter"`
	HTTP    HTTPConfig     `yaml:"http"`
	MCP     MCPConfig      `yaml:"mcp"`
	Logging logging.Config `yaml:"logging"`
}

// MapConfig locates the magnetic anomaly map.
type MapConfig struct {
	Path string `yaml:"path"`
	// Format is detected from the extension of Path when empty.
	Format  string            `yaml:"format"`
	Method  string            `yaml:"method"`
	Options map[string]string `yaml:"options"`
}

// CacheConfig bounds the map and interpolation caches.
type CacheConfig struct {
	Maps           uint64 `yaml:"maps"`
	Interpolations uint64 `yaml:"interpolations"`
}

// FilterConfig tunes the navigation filter.
type FilterConfig struct {
	ProcessNoise     float64 `yaml:"process_noise"`
	MeasurementNoise float64 `yaml:"measurement_noise"`
	PositionVar      float64 `yaml:"position_var"`
	VelocityVar      float64 `yaml:"velocity_var"`
	Probe            string  `yaml:"probe"`
	Noise            string  `yaml:"noise"`
}

// HTTPConfig configures the REST service.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MCPConfig configures the MCP tool server.
type MCPConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	// Addr is the listen address of the sse transport.
	Addr string `yaml:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Map:   MapConfig{Method: "bilinear"},
		Cache: CacheConfig{Maps: 32, Interpolations: 1024},
		Filter: FilterConfig{
			ProcessNoise:     magnav.DefaultProcessNoise,
			MeasurementNoise: magnav.DefaultMeasurementNoise,
			PositionVar:      magnav.DefaultPositionVariance,
			VelocityVar:      magnav.DefaultVelocityVariance,
			Probe:            "gradient",
			Noise:            "discrete",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		MCP:  MCPConfig{Name: "magnav", Transport: "stdio", Addr: ":8081"},
		Logging: logging.Config{
			Console:    true,
			Filename:   "-",
			Append:     true,
			Level:      "INFO",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if _, err := magnav.ParseMethod(c.Map.Method); err != nil {
		errs = append(errs, fmt.Errorf("map.method: %w", err))
	}
	if c.Map.Format != "" {
		if _, ok := magnav.DefaultLoaders()[c.Map.Format]; !ok {
			errs = append(errs, fmt.Errorf("map.format: %w: %q", magnav.ErrUnknownFormat, c.Map.Format))
		}
	}
	if c.Cache.Maps == 0 || c.Cache.Interpolations == 0 {
		errs = append(errs, errors.New("cache: capacities must be positive"))
	}
	if c.Filter.ProcessNoise < 0 {
		errs = append(errs, fmt.Errorf("filter.process_noise must be >= 0, got %f", c.Filter.ProcessNoise))
	}
	if c.Filter.MeasurementNoise <= 0 {
		errs = append(errs, fmt.Errorf("filter.measurement_noise must be > 0, got %f", c.Filter.MeasurementNoise))
	}
	if c.Filter.PositionVar <= 0 || c.Filter.VelocityVar <= 0 {
		errs = append(errs, errors.New("filter: initial variances must be positive"))
	}
	if _, err := magnav.ParseJacobianProbe(c.Filter.Probe); err != nil {
		errs = append(errs, fmt.Errorf("filter.probe: %w", err))
	}
	if _, err := magnav.ParseNoiseModel(c.Filter.Noise); err != nil {
		errs = append(errs, fmt.Errorf("filter.noise: %w", err))
	}
	switch c.MCP.Transport {
	case "stdio", "sse":
	default:
		errs = append(errs, fmt.Errorf("mcp.transport must be stdio or sse, got %q", c.MCP.Transport))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// InterpolationMethod returns the parsed map.method.
func (c *Config) InterpolationMethod() magnav.Method {
	m, _ := magnav.ParseMethod(c.Map.Method)
	return m
}

// FilterOptions returns the filter options of the configuration.
func (c *Config) FilterOptions() ([]magnav.Option, error) {
	probe, err := magnav.ParseJacobianProbe(c.Filter.Probe)
	if err != nil {
		return nil, err
	}
	noise, err := magnav.ParseNoiseModel(c.Filter.Noise)
	if err != nil {
		return nil, err
	}
	pv, vv := c.Filter.PositionVar, c.Filter.VelocityVar
	return []magnav.Option{
		magnav.WithProcessNoise(c.Filter.ProcessNoise),
		magnav.WithJacobianProbe(probe),
		magnav.WithNoiseModel(noise),
		magnav.WithCovariance(magnav.DiagCovariance(pv, vv)),
	}, nil
}
