// Package tracing configures OpenTelemetry for sase-policy.
//
// Spans are exported over OTLP gRPC when telemetry.tracing.enabled is set:
//
//	telemetry:
//	  tracing:
//	    enabled: true
//	    endpoint: otel-collector:4317
//	    insecure: true
//	    sampler: ratio
//	    sample_ratio: 0.1
//
// New installs the provider globally, so packages that call otel.Tracer
// (the rule manager, the otelhttp middleware on the admin server) pick it
// up without being handed a Tracer.
//
// The lookup path is not traced. Reloads produce a "policy.reload" span
// and admin decisions a "policy.decide" span carrying FlowAttributes and
// DecisionAttributes.
package tracing
