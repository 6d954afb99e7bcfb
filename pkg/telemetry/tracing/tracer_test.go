package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"opensase/sase-policy/pkg/config"
	"opensase/sase-policy/pkg/policy"
)

func TestNew_Disabled(t *testing.T) {
	tr, err := New(&config.TracingConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tr.Enabled() || tr.Provider() != nil {
		t.Error("disabled tracer should have no provider")
	}
	ctx, span := tr.Start(context.Background(), "noop")
	span.End()
	if TraceID(ctx) != "" {
		t.Error("noop span should carry no trace ID")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(nil, "test"); err == nil {
		t.Error("expected error for nil config")
	}
	cfg := &config.TracingConfig{Enabled: true, Sampler: "sometimes", Endpoint: "localhost:4317"}
	if _, err := New(cfg, "test"); err == nil {
		t.Error("expected error for unknown sampler")
	}
}

func TestNew_EnabledLazyExporter(t *testing.T) {
	cfg := &config.TracingConfig{
		Enabled:     true,
		Sampler:     SamplerAlways,
		Endpoint:    "127.0.0.1:1",
		Insecure:    true,
		ServiceName: "sase-policy-test",
	}
	tr, err := New(cfg, "v0.0.0")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !tr.Enabled() || tr.Provider() == nil {
		t.Error("expected an enabled tracer")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tr.Shutdown(ctx)
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		strategy string
		ratio    float64
		wantErr  bool
	}{
		{SamplerAlways, 0, false},
		{SamplerNever, 0, false},
		{SamplerRatio, 0.5, false},
		{"", 0.1, false},
		{SamplerRatio, 1.5, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		_, err := createSampler(tt.strategy, tt.ratio)
		if (err != nil) != tt.wantErr {
			t.Errorf("createSampler(%q, %v) error = %v, wantErr %v", tt.strategy, tt.ratio, err, tt.wantErr)
		}
	}
}

func TestSpansAndAttributes(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	sampler, _ := createSampler(SamplerAlways, 0)
	tr := &Tracer{
		tracer: sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exp),
			sdktrace.WithSampler(sampler),
		).Tracer(InstrumentationName),
		enabled: true,
	}

	key := policy.PolicyKey{
		SrcIP:    policy.MustParseAddr("10.0.0.1"),
		DstIP:    policy.MustParseAddr("10.0.0.2"),
		DstPort:  443,
		Protocol: policy.ProtoTCP,
	}
	decision := policy.PolicyDecision{Action: policy.ActionDeny, RuleID: 9}

	ctx, span := tr.Start(context.Background(), "policy.decide")
	if TraceID(ctx) == "" {
		t.Error("expected trace ID in context")
	}
	span.SetAttributes(FlowAttributes(key, false)...)
	span.SetAttributes(DecisionAttributes(decision, 4)...)
	SetStatus(span, errors.New("boom"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		got[kv.Key] = kv.Value
	}
	if got[AttrFlowDstPort].AsInt64() != 443 {
		t.Errorf("dst_port = %v", got[AttrFlowDstPort])
	}
	if got[AttrFlowProtocol].AsString() != "tcp" {
		t.Errorf("protocol = %v", got[AttrFlowProtocol])
	}
	if _, ok := got[AttrFlowSrc]; ok {
		t.Error("addresses recorded without withAddrs")
	}
	if got[AttrDecisionAction].AsString() != "deny" || got[AttrDecisionRule].AsInt64() != 9 {
		t.Errorf("decision attributes = %v", got)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}

	withAddrs := FlowAttributes(key, true)
	if len(withAddrs) != len(FlowAttributes(key, false))+2 {
		t.Errorf("withAddrs should add src and dst")
	}
}
