package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles logging, tracing, metrics and observers for one process.
type Telemetry struct {
	Logger    *Logger
	Tracer    *Tracer
	Metrics   *Metrics
	Observers *Observers
	Config    *Config
}

// NewTelemetry validates cfg and builds every part of the bundle.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tel := &Telemetry{Observers: NewObservers(), Config: cfg}

	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, errors.Join(err, tel.Tracer.Shutdown(context.Background()))
	}
	return tel, nil
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}
