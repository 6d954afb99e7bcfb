package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"opensase/sase-policy/pkg/config"
	"opensase/sase-policy/pkg/telemetry/logging"
	"opensase/sase-policy/pkg/telemetry/metrics"
	"opensase/sase-policy/pkg/telemetry/tracing"
)

// Telemetry bundles the process-wide observability components.
type Telemetry struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// New builds the logger, the metrics collector (nil when metrics are
// disabled) and the tracer. Logs go to w, or stderr when w is nil.
func New(cfg *config.TelemetryConfig, version string, w io.Writer) (*Telemetry, error) {
	logger, err := logging.New(logging.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		AddSource:       cfg.Logging.AddSource,
		RedactAddresses: cfg.Logging.RedactAddresses,
		Writer:          w,
	})
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.New(&cfg.Tracing, version)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{logger: logger, tracer: tracer}
	if !cfg.Metrics.Disabled {
		t.metrics = metrics.NewCollector(&cfg.Metrics, nil)
	}
	return t, nil
}

// Logger returns the root logger.
func (t *Telemetry) Logger() *slog.Logger { return t.logger }

// Metrics returns the collector, or nil when metrics are disabled.
func (t *Telemetry) Metrics() *metrics.Collector { return t.metrics }

// Tracer returns the tracer.
func (t *Telemetry) Tracer() *tracing.Tracer { return t.tracer }

// Shutdown flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tracer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
