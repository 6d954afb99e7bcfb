package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"opensase/sase-policy/pkg/audit"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/policy/manager"
	"opensase/sase-policy/pkg/policy/rules"
)

type recordingApplier struct {
	origin string
	rules  []policy.PolicyRule
	err    error
}

func (a *recordingApplier) Apply(_ context.Context, rs []policy.PolicyRule, origin string) (manager.Result, error) {
	a.origin = origin
	a.rules = rs
	if a.err != nil {
		return manager.Result{Outcome: audit.OutcomeRejected, Origin: origin, RuleCount: len(rs)}, a.err
	}
	return manager.Result{Outcome: audit.OutcomeApplied, Origin: origin, Version: 4, RuleCount: len(rs), Checksum: "abc"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleMessage_Applies(t *testing.T) {
	app := &recordingApplier{}
	s := NewSubscriber(Config{}, app, testLogger())

	doc := `{"name":"hq","rules":[{"id":1,"dst_ports":"443","protocol":"tcp","action":"deny"}]}`
	reply := s.HandleMessage(context.Background(), []byte(doc))

	if !reply.OK || reply.Outcome != "applied" || reply.Version != 4 || reply.RuleCount != 1 {
		t.Errorf("reply = %+v", reply)
	}
	if app.origin != "bus:sase.policy.rules/hq" {
		t.Errorf("origin = %q", app.origin)
	}
	if len(app.rules) != 1 || app.rules[0].Decision.Action != policy.ActionDeny {
		t.Errorf("applied rules = %+v", app.rules)
	}
}

func TestHandleMessage_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		err     error
		wantErr string
	}{
		{"malformed", "rules: [", nil, "parse"},
		{"invalid rule", `{"rules":[{"id":1,"action":"explode"}]}`, nil, "action"},
		{"applier error", `{"rules":[{"id":1,"action":"allow"}]}`, errors.New("too many rules"), "too many rules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &recordingApplier{err: tt.err}
			reply := NewSubscriber(Config{Subject: "edge.rules"}, app, testLogger()).HandleMessage(context.Background(), []byte(tt.data))
			if reply.OK {
				t.Fatalf("reply.OK = true for %s", tt.name)
			}
			if !strings.Contains(reply.Error, tt.wantErr) {
				t.Errorf("reply.Error = %q, want to contain %q", reply.Error, tt.wantErr)
			}
		})
	}
}

func TestHandleMessage_ThroughManager(t *testing.T) {
	e, err := engine.New(nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m, err := manager.New(manager.Options{Engine: e, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	doc := rules.FromRules("push", []policy.PolicyRule{policy.DenyRule(7).WithDstPort(22).WithProtocol(policy.ProtoTCP)})
	var sb strings.Builder
	if err := doc.Encode(&sb, rules.FormatYAML); err != nil {
		t.Fatal(err)
	}

	s := NewSubscriber(Config{}, m, testLogger())
	reply := s.HandleMessage(context.Background(), []byte(sb.String()))
	if !reply.OK || reply.Version != 1 {
		t.Fatalf("reply = %+v", reply)
	}

	again := s.HandleMessage(context.Background(), []byte(sb.String()))
	if again.Outcome != "unchanged" {
		t.Errorf("second reply outcome = %q, want unchanged", again.Outcome)
	}

	k := policy.KeyFromIPv4(1, 2, 3, 22, policy.ProtoTCP)
	if d := e.Lookup(k); d.Action != policy.ActionDeny || d.RuleID != 7 {
		t.Errorf("Lookup() = %v", d)
	}
}

func TestConfigDefaults(t *testing.T) {
	s := NewSubscriber(Config{}, &recordingApplier{}, nil)
	if s.config.Subject != DefaultSubject || s.config.Name != "sase-policy" || s.config.ApplyTimeout <= 0 {
		t.Errorf("defaults not applied: %+v", s.config)
	}
	if err := s.Start(); err == nil {
		t.Error("Start() without URL succeeded")
	}
	if err := s.Attach(nil); !errors.Is(err, errNotConnected) {
		t.Errorf("Attach(nil) error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on unstarted subscriber error = %v", err)
	}
}

func TestPublish_Validates(t *testing.T) {
	if _, err := Publish(nil, DefaultSubject, &rules.Document{}, 0); !errors.Is(err, errNotConnected) {
		t.Errorf("Publish(nil conn) error = %v", err)
	}
}

func TestCheck_NotConnected(t *testing.T) {
	s := NewSubscriber(Config{}, nil, nil)
	if err := s.Check(context.Background()); err == nil {
		t.Error("Check() on unstarted subscriber should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
