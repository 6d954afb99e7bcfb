package engine

import (
	"sync"
	"sync/atomic"
	"testing"

	"opensase/sase-policy/pkg/policy"
)

// TestConcurrentLookupsDuringReload races many readers against a writer
// flipping between two rule sets. Every answer must belong to one of the
// two sets, and once the writer stops every reader sees the final set.
func TestConcurrentLookupsDuringReload(t *testing.T) {
	e := newTestEngine(t, DefaultConfig().WithFailMode(FailClosed))

	setA := []policy.PolicyRule{policy.AllowRule(1).WithDstPort(443).WithProtocol(policy.ProtoTCP)}
	setB := []policy.PolicyRule{
		policy.DenyRule(2).WithDstPort(443).WithProtocol(policy.ProtoTCP).WithPriority(1),
		policy.AllowRule(3).WithDstPorts(1, 1024),
	}
	if err := e.LoadRules(setA); err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}

	k := key(443, policy.ProtoTCP)
	var stop atomic.Bool
	var wg sync.WaitGroup

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				d := e.Lookup(k)
				switch d.RuleID {
				case 1:
					if d.Action != policy.ActionAllow {
						t.Errorf("rule 1 answered %v", d.Action)
						return
					}
				case 2:
					if d.Action != policy.ActionDeny {
						t.Errorf("rule 2 answered %v", d.Action)
						return
					}
				default:
					t.Errorf("Lookup() = %v, want rule 1 or 2", d)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		set := setA
		if i%2 == 0 {
			set = setB
		}
		if err := e.LoadRules(set); err != nil {
			t.Fatalf("LoadRules() error = %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()

	// Last load was setA (i = 199).
	if d := e.Lookup(k); d.RuleID != 1 {
		t.Errorf("Lookup() after reloads = %v, want rule 1", d)
	}
	if got := e.Version(); got != 201 {
		t.Errorf("Version() = %d, want 201", got)
	}
}

// TestIPv6Flows exercises the engine with native IPv6 keys.
func TestIPv6Flows(t *testing.T) {
	e := newTestEngine(t, nil)
	rules := []policy.PolicyRule{
		policy.DenyRule(10).
			WithDstCIDR(policy.MustParseCIDR("2001:db8:bad::/48")).
			WithPriority(1),
		policy.AllowRule(11).
			WithDstCIDR(policy.MustParseCIDR("2001:db8::/32")).
			WithProtocol(policy.ProtoTCP).
			WithDecision(policy.PolicyDecision{Action: policy.ActionInspect, Inspection: policy.InspectDeepML, Priority: 2}),
	}
	if err := e.LoadRules(rules); err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}

	src := policy.MustParseAddr("fd00::10")
	tests := []struct {
		dst  string
		want uint32
	}{
		{"2001:db8:bad::1", 10},
		{"2001:db8:1::1", 11},
		{"2001:db9::1", 0},
		{"10.0.0.1", 0},
	}
	for _, tt := range tests {
		k := policy.PolicyKey{SrcIP: src, DstIP: policy.MustParseAddr(tt.dst), DstPort: 443, Protocol: policy.ProtoTCP}
		if d := e.Lookup(k); d.RuleID != tt.want {
			t.Errorf("Lookup(%s).RuleID = %d, want %d", tt.dst, d.RuleID, tt.want)
		}
	}
}
