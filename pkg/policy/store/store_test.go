package store

import (
	"errors"
	"sync"
	"testing"

	"opensase/sase-policy/pkg/policy"
)

var httpsKey = policy.KeyFromIPv4(0x0a000001, 0x5db8d822, 40000, 443, policy.ProtoTCP)

func TestNew_Empty(t *testing.T) {
	s := New()
	if s.Version() != 0 {
		t.Errorf("Version() = %d, want 0", s.Version())
	}
	if !s.IsEmpty() || s.Len() != 0 {
		t.Errorf("Len() = %d, want empty store", s.Len())
	}
	if _, ok := s.Lookup(httpsKey); ok {
		t.Error("Lookup() on empty store = match, want none")
	}
}

func TestNewWithRules(t *testing.T) {
	s, err := NewWithRules([]policy.PolicyRule{policy.DenyRule(1)})
	if err != nil {
		t.Fatalf("NewWithRules() error = %v", err)
	}
	if s.Version() != 1 {
		t.Errorf("Version() = %d, want 1", s.Version())
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestUpdate_PriorityOrdering(t *testing.T) {
	s := New()
	err := s.Update([]policy.PolicyRule{
		policy.AllowRule(10).WithDstPort(443).WithPriority(50),
		policy.DenyRule(20).WithDstPort(443).WithPriority(5),
		policy.AllowRule(30).WithPriority(5),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	d, ok := s.Lookup(httpsKey)
	if !ok {
		t.Fatal("Lookup() = no match")
	}
	if d.RuleID != 20 {
		t.Errorf("Lookup().RuleID = %d, want 20 (lowest priority value, loaded first)", d.RuleID)
	}

	rules := s.Rules()
	gotOrder := []uint32{rules[0].ID, rules[1].ID, rules[2].ID}
	wantOrder := []uint32{20, 30, 10}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("rule order = %v, want %v", gotOrder, wantOrder)
		}
	}
}

func TestUpdate_StableOnTies(t *testing.T) {
	s := New()
	err := s.Update([]policy.PolicyRule{
		policy.DenyRule(7).WithPriority(1),
		policy.AllowRule(3).WithPriority(1),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	d, _ := s.Lookup(httpsKey)
	if d.RuleID != 7 {
		t.Errorf("Lookup().RuleID = %d, want 7 (first loaded on tie)", d.RuleID)
	}
}

func TestUpdate_StampsRuleID(t *testing.T) {
	s := New()
	r := policy.DenyRule(42)
	r.Decision.RuleID = 0
	if err := s.Update([]policy.PolicyRule{r}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	d, _ := s.Lookup(httpsKey)
	if d.RuleID != 42 {
		t.Errorf("Decision.RuleID = %d, want 42", d.RuleID)
	}
}

func TestUpdate_VersionIncrements(t *testing.T) {
	s := New()
	for want := uint64(1); want <= 3; want++ {
		if err := s.Update(nil); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if s.Version() != want {
			t.Errorf("Version() = %d, want %d", s.Version(), want)
		}
	}
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	s, err := NewWithRules([]policy.PolicyRule{policy.DenyRule(1).WithDstPort(443)})
	if err != nil {
		t.Fatalf("NewWithRules() error = %v", err)
	}

	bad := []policy.PolicyRule{
		policy.AllowRule(2),
		policy.AllowRule(3).WithDstPorts(100, 10),
		policy.AllowRule(4).WithSrcCIDR(policy.CIDR{Bits: 40, V4: true, Network: policy.AddrFromIPv4(0)}),
	}
	err = s.Update(bad)
	if err == nil {
		t.Fatal("Update() with invalid rules succeeded, want error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Update() error = %T, want *ValidationError", err)
	}
	if len(verr.Errors) != 2 {
		t.Errorf("len(ValidationError.Errors) = %d, want 2", len(verr.Errors))
	}
	if !errors.Is(err, ErrRuleSetRejected) || !errors.Is(err, policy.ErrInvalidRule) {
		t.Errorf("error %v does not wrap ErrRuleSetRejected and ErrInvalidRule", err)
	}
	var rerr *policy.RuleError
	if !errors.As(err, &rerr) || rerr.RuleID != 3 {
		t.Errorf("first RuleError = %+v, want rule 3", rerr)
	}

	if s.Version() != 1 {
		t.Errorf("Version() = %d after rejected update, want 1", s.Version())
	}
	if d, ok := s.Lookup(httpsKey); !ok || d.RuleID != 1 {
		t.Errorf("Lookup() = %v, %v after rejected update, want rule 1", d, ok)
	}
}

func TestUpdate_DoesNotAliasInput(t *testing.T) {
	rules := []policy.PolicyRule{policy.DenyRule(1).WithDstPort(443)}
	s, err := NewWithRules(rules)
	if err != nil {
		t.Fatalf("NewWithRules() error = %v", err)
	}
	rules[0].DstPorts.Start = 80
	rules[0].DstPorts.End = 80
	rules[0].Decision.Action = policy.ActionAllow

	d, ok := s.Lookup(httpsKey)
	if !ok || d.Action != policy.ActionDeny {
		t.Errorf("Lookup() = %v, %v after caller mutation, want deny", d, ok)
	}

	out := s.Rules()
	out[0].DstPorts.Start = 1
	if s.Rules()[0].DstPorts.Start != 443 {
		t.Error("Rules() returned aliased rule data")
	}
}

func TestSnapshot_Consistent(t *testing.T) {
	s := New()
	ruleSets := [][]policy.PolicyRule{
		{policy.DenyRule(1)},
		{policy.AllowRule(2), policy.DenyRule(3)},
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := s.Update(ruleSets[i%2]); err != nil {
				t.Errorf("Update() error = %v", err)
				return
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		snap := s.Snapshot()
		d, ok := snap.Lookup(httpsKey)
		switch {
		case snap.Version == 0:
			if ok {
				t.Fatalf("version 0 returned a match")
			}
		case snap.Version%2 == 1:
			if snap.Len() != 1 || d.RuleID != 1 {
				t.Fatalf("version %d: len=%d rule=%d, want len 1 rule 1", snap.Version, snap.Len(), d.RuleID)
			}
		default:
			if snap.Len() != 2 || d.RuleID != 2 {
				t.Fatalf("version %d: len=%d rule=%d, want len 2 rule 2", snap.Version, snap.Len(), d.RuleID)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func BenchmarkLookup100Rules(b *testing.B) {
	rules := make([]policy.PolicyRule, 100)
	for i := range rules {
		rules[i] = policy.DenyRule(uint32(i + 1)).WithDstPort(uint16(1000 + i)).WithProtocol(policy.ProtoUDP)
	}
	s, err := NewWithRules(rules)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Lookup(httpsKey)
	}
}
