// Package logging configures the slog loggers of the magnav commands.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

/*
	Log rotation schedule

	"0 30 * * * *"             Every hour on the half hour
	"@hourly"                  Every hour
	"@every 1h30m"             Every hour thirty
	"@daily", "@midnight"      Every day at midnight
*/

// Config is the logging configuration. The filename "-" logs to stdout and "." discards.
type Config struct {
	Console        bool   `json:"console" yaml:"console"`
	Filename       string `json:"filename" yaml:"filename"`
	Append         bool   `json:"append" yaml:"append"`
	RotateSchedule string `json:"rotate_schedule" yaml:"rotate_schedule"`
	MaxSize        int    `json:"max_size" yaml:"max_size"`
	MaxBackups     int    `json:"max_backups" yaml:"max_backups"`
	MaxAge         int    `json:"max_age" yaml:"max_age"`
	Compress       bool   `json:"compress" yaml:"compress"`
	UTC            bool   `json:"utc" yaml:"utc"`
	Level          string `json:"level" yaml:"level"`
	JSON           bool   `json:"json" yaml:"json"`
}

// PresetConfigStdout logs INFO and above to stdout.
var PresetConfigStdout = Config{
	Filename: "-",
	Append:   true,
	Level:    "INFO",
}

// PresetConfigDiscard drops every record.
var PresetConfigDiscard = Config{
	Filename: ".",
	Level:    "ERROR",
}

// LevelTrace is below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel parses TRACE, DEBUG, INFO, WARN and ERROR, case insensitive.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(name) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Sink owns the outputs of a configured logger.
type Sink struct {
	Logger *slog.Logger
	file   *lumberjack.Logger
	cron   *cron.Cron

	totalCounter gometrics.Counter
	warnCounter  gometrics.Counter
	errorCounter gometrics.Counter
}

// Open builds a logger from cfg. Records are counted in the registry as
// log.total, log.warns and log.errors; a nil registry uses the default one.
func Open(cfg *Config, registry gometrics.Registry) (*Sink, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = gometrics.DefaultRegistry
	}
	s := &Sink{
		totalCounter: gometrics.GetOrRegisterCounter("log.total", registry),
		warnCounter:  gometrics.GetOrRegisterCounter("log.warns", registry),
		errorCounter: gometrics.GetOrRegisterCounter("log.errors", registry),
	}

	var w io.Writer
	switch cfg.Filename {
	case ".":
		w = io.Discard
	case "", "-":
		w = os.Stdout
	default:
		s.file = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  !cfg.UTC,
		}
		if !cfg.Append {
			if err := s.file.Rotate(); err != nil {
				return nil, err
			}
		}
		if len(cfg.RotateSchedule) > 0 {
			s.cron = cron.New()
			if _, err := s.cron.AddFunc(cfg.RotateSchedule, func() { s.file.Rotate() }); err != nil {
				s.file.Close()
				return nil, fmt.Errorf("logger rotate schedule %q: %w", cfg.RotateSchedule, err)
			}
			s.cron.Start()
		}
		w = s.file
		if cfg.Console {
			w = io.MultiWriter(s.file, os.Stdout)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	s.Logger = slog.New(&countingHandler{Handler: h, sink: s})
	return s, nil
}

// Rotate rotates the log file, if any.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close stops the rotation schedule and closes the log file.
func (s *Sink) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// countingHandler counts the handled records per level.
type countingHandler struct {
	slog.Handler
	sink *Sink
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.sink.totalCounter.Inc(1)
	switch {
	case r.Level >= slog.LevelError:
		h.sink.errorCounter.Inc(1)
	case r.Level >= slog.LevelWarn:
		h.sink.warnCounter.Inc(1)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{Handler: h.Handler.WithAttrs(attrs), sink: h.sink}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{Handler: h.Handler.WithGroup(name), sink: h.sink}
}
