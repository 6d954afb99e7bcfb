// Package telemetry wires logging, metrics and tracing for the daemon.
//
// # Components
//
//   - logging: slog construction, request and trace fields, address redaction
//   - metrics: Prometheus collectors for the engine, reloads and audit
//   - tracing: OpenTelemetry provider with OTLP gRPC export
//   - health: liveness and readiness probes
//
// # Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, version)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger()
//	tel.Metrics().RegisterEngine(eng)
package telemetry
