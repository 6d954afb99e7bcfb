package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"opensase/sase-policy/pkg/policy"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		format string
		check  func(t *testing.T, out string)
	}{
		{"json", func(t *testing.T, out string) {
			if !strings.HasPrefix(out, "{") {
				t.Errorf("expected JSON, got %q", out)
			}
		}},
		{"text", func(t *testing.T, out string) {
			if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "time=") {
				t.Errorf("expected text with time, got %q", out)
			}
		}},
		{"console", func(t *testing.T, out string) {
			if !strings.Contains(out, "msg=hello") || strings.Contains(out, "time=") {
				t.Errorf("expected console without time, got %q", out)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(Config{Level: "info", Format: tt.format, Writer: &buf})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			logger.Info("hello", "k", 1)
			tt.check(t, buf.String())
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn not logged: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(WithRequestID(context.Background(), "req-42"), "op")
	defer span.End()

	logger.With("component", "test").InfoContext(ctx, "traced")

	entry := decodeLine(t, &buf)
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", entry["trace_id"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v", entry["component"])
	}

	if GetRequestID(context.Background()) != "" {
		t.Error("expected empty request ID")
	}
}

func TestRedactor_Redact(t *testing.T) {
	r := NewRedactor()
	tests := []struct {
		in, want string
	}{
		{"flow from 10.20.30.40 denied", "flow from 10.x.x.x denied"},
		{"10.0.0.0/8", "10.x.x.x/8"},
		{"dst 2001:db8::1 port 443", "dst 2001:x port 443"},
		{"fe80::1%eth0", "fe80:x"},
		{"at 12:30:45 nothing", "at 12:30:45 nothing"},
		{"version 1.2.3", "version 1.2.3"},
		{"not an ip 999.1.1.1", "not an ip 999.1.1.1"},
	}
	for _, tt := range tests {
		if got := r.Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNew_RedactAddresses(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Writer: &buf, RedactAddresses: true})
	if err != nil {
		t.Fatal(err)
	}

	key := policy.PolicyKey{
		SrcIP:    policy.MustParseAddr("192.168.1.10"),
		DstIP:    policy.MustParseAddr("8.8.8.8"),
		DstPort:  53,
		Protocol: policy.ProtoUDP,
	}
	logger.Info("lookup for 172.16.0.9",
		"key", key,
		"addr", netip.MustParseAddr("2001:db8::5"),
		"prefix", netip.MustParsePrefix("10.1.0.0/16"),
		"err", errors.New("bad peer 1.2.3.4"),
	)

	out := buf.String()
	for _, leaked := range []string{"192.168.1.10", "8.8.8.8", "172.16.0.9", "2001:db8::5", "1.2.3.4", "10.1.0.0"} {
		if strings.Contains(out, leaked) {
			t.Errorf("address %s leaked: %s", leaked, out)
		}
	}
	entry := decodeLine(t, &buf)
	if entry["prefix"] != "10.x.x.x/16" {
		t.Errorf("prefix = %v", entry["prefix"])
	}
	if entry["addr"] != "2001:x" {
		t.Errorf("addr = %v", entry["addr"])
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should be disabled")
	}
}
