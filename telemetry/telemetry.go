// Package telemetry sets up logging and tracing for the coordinator.
package telemetry

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

type LogFormat int

const (
	LogFormatUndefined LogFormat = iota
	LogFormatJSON
	LogFormatPretty
)

func ParseLogFormat(s string) LogFormat {
	switch strings.ToLower(s) {
	case "json":
		return LogFormatJSON
	case "pretty":
		return LogFormatPretty
	}
	return LogFormatUndefined
}

// NewLogger builds the root logger. Every component derives its own logger with a component field.
func NewLogger(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), eris.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", level)
	}

	var logger zerolog.Logger
	switch ParseLogFormat(format) {
	case LogFormatPretty:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	case LogFormatJSON:
		logger = zerolog.New(os.Stdout)
	case LogFormatUndefined:
		return zerolog.Nop(), eris.Errorf("invalid log format: %s (must be 'json' or 'pretty')", format)
	}
	return logger.Level(lvl).With().Timestamp().Logger(), nil
}

type Manager struct {
	tracerShutdownFunc   func() error
	profilerShutdownFunc func()
	tracerProvider       *ddotel.TracerProvider
}

func New(enableTrace bool, enableProfiler bool) (*Manager, error) {
	tm := Manager{}

	tm.setupPropagator()

	if enableTrace {
		tm.setupTrace()
	}

	if enableProfiler {
		if err := tm.setupProfiler(); err != nil {
			return nil, errors.Join(err, tm.Shutdown())
		}
	}

	return &tm, nil
}

// Shutdown stops the tracer and the profiler. Errors from the tracer are returned.
func (tm *Manager) Shutdown() error {
	var err error
	if tm.tracerShutdownFunc != nil {
		err = tm.tracerShutdownFunc()
		tm.tracerShutdownFunc = nil
	}
	if tm.profilerShutdownFunc != nil {
		tm.profilerShutdownFunc()
		tm.profilerShutdownFunc = nil
	}
	return err
}

func (tm *Manager) setupPropagator() {
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)
}

func (tm *Manager) setupTrace() {
	tm.tracerProvider = ddotel.NewTracerProvider(tracer.WithRuntimeMetrics(), tracer.WithService("pairing"))
	tm.tracerShutdownFunc = tm.tracerProvider.Shutdown
	otel.SetTracerProvider(tm.tracerProvider)
}

func (tm *Manager) setupProfiler() error {
	err := profiler.Start(
		profiler.WithService("pairing"),
		profiler.WithProfileTypes(
			profiler.CPUProfile,
			profiler.HeapProfile,
		),
	)
	if err != nil {
		return err
	}
	tm.profilerShutdownFunc = profiler.Stop
	return nil
}
