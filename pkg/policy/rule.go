package policy

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// CIDR is an address prefix. Bits is the prefix length as written, measured
// on the IPv4 width when V4 is set and on the IPv6 width otherwise.
type CIDR struct {
	Network Addr
	Bits    uint8
	V4      bool
}

// ParseCIDR parses "a.b.c.d/n" or "x::/n". A bare address is treated as a
// host prefix.
func ParseCIDR(s string) (CIDR, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return CIDR{}, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		return PrefixFrom(netip.PrefixFrom(a, a.BitLen())), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return CIDR{}, fmt.Errorf("invalid cidr %q: %w", s, err)
	}
	return PrefixFrom(p), nil
}

// MustParseCIDR is like ParseCIDR but panics on error.
func MustParseCIDR(s string) CIDR {
	c, err := ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return c
}

// PrefixFrom converts a netip.Prefix. An IPv4-mapped IPv6 prefix stays an
// IPv6 prefix.
func PrefixFrom(p netip.Prefix) CIDR {
	return CIDR{
		Network: AddrFromNetip(p.Addr()),
		Bits:    uint8(p.Bits()),
		V4:      p.Addr().Is4(),
	}
}

// Width is the address width of the prefix family.
func (c CIDR) Width() uint8 {
	if c.V4 {
		return 32
	}
	return 128
}

// effectiveBits is the prefix length on the 128-bit mapped representation.
func (c CIDR) effectiveBits() uint8 {
	if c.V4 {
		return c.Bits + 96
	}
	return c.Bits
}

// Contains reports whether a lies inside the prefix. A zero-length prefix
// contains every address of either family.
func (c CIDR) Contains(a Addr) bool {
	if c.Bits == 0 {
		return true
	}
	if c.Bits >= c.Width() {
		return a == c.Network
	}
	bits := c.effectiveBits()
	return a.Mask(bits) == c.Network.Mask(bits)
}

func (c CIDR) String() string {
	if c.V4 {
		v4, _ := c.Network.IPv4()
		return fmt.Sprintf("%d.%d.%d.%d/%d", byte(v4>>24), byte(v4>>16), byte(v4>>8), byte(v4), c.Bits)
	}
	return fmt.Sprintf("%s/%d", netip.AddrFrom16(c.Network.As16()), c.Bits)
}

// PortRange is an inclusive port interval.
type PortRange struct {
	Start uint16
	End   uint16
}

// SinglePort is the range holding only p.
func SinglePort(p uint16) PortRange {
	return PortRange{Start: p, End: p}
}

// ParsePortRange parses "443" or "1000-2000".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, found := strings.Cut(s, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	if !found {
		return SinglePort(uint16(start)), nil
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	return PortRange{Start: uint16(start), End: uint16(end)}, nil
}

// Contains reports whether p is inside the range.
func (r PortRange) Contains(p uint16) bool {
	return p >= r.Start && p <= r.End
}

// Width is the number of ports covered; zero for an inverted range.
func (r PortRange) Width() int {
	if r.End < r.Start {
		return 0
	}
	return int(r.End) - int(r.Start) + 1
}

func (r PortRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(int(r.Start))
	}
	return strconv.Itoa(int(r.Start)) + "-" + strconv.Itoa(int(r.End))
}

// PolicyRule is a predicate over PolicyKey plus the decision returned when
// it matches. Every nil or empty field matches anything.
type PolicyRule struct {
	ID         uint32
	SrcCIDR    *CIDR
	DstCIDR    *CIDR
	SrcPorts   *PortRange
	DstPorts   *PortRange
	Protocol   *uint8
	SrcSegment *uint8
	DstSegment *uint8
	UserGroups []uint8
	Decision   PolicyDecision
}

// AllowRule returns an unrestricted rule that allows.
func AllowRule(id uint32) PolicyRule {
	return newRule(id, ActionAllow)
}

// DenyRule returns an unrestricted rule that denies.
func DenyRule(id uint32) PolicyRule {
	return newRule(id, ActionDeny)
}

func newRule(id uint32, action Action) PolicyRule {
	d := DefaultDecision()
	d.Action = action
	d.RuleID = id
	return PolicyRule{ID: id, Decision: d}
}

// Matches reports whether every set field of r accepts k.
func (r *PolicyRule) Matches(k PolicyKey) bool {
	if r.SrcCIDR != nil && !r.SrcCIDR.Contains(k.SrcIP) {
		return false
	}
	if r.DstCIDR != nil && !r.DstCIDR.Contains(k.DstIP) {
		return false
	}
	if r.SrcPorts != nil && !r.SrcPorts.Contains(k.SrcPort) {
		return false
	}
	if r.DstPorts != nil && !r.DstPorts.Contains(k.DstPort) {
		return false
	}
	if r.Protocol != nil && *r.Protocol != k.Protocol {
		return false
	}
	if r.SrcSegment != nil && *r.SrcSegment != k.SrcSegment {
		return false
	}
	if r.DstSegment != nil && *r.DstSegment != k.DstSegment {
		return false
	}
	if len(r.UserGroups) > 0 && !slices.Contains(r.UserGroups, k.UserGroup) {
		return false
	}
	return true
}

// Validate checks the rule for values that cannot be matched sensibly.
// All problems are reported in order of the fields.
func (r *PolicyRule) Validate() error {
	var errs []error
	if r.SrcCIDR != nil {
		if err := validateCIDR(r.ID, "src_cidr", *r.SrcCIDR); err != nil {
			errs = append(errs, err)
		}
	}
	if r.DstCIDR != nil {
		if err := validateCIDR(r.ID, "dst_cidr", *r.DstCIDR); err != nil {
			errs = append(errs, err)
		}
	}
	if r.SrcPorts != nil && r.SrcPorts.Start > r.SrcPorts.End {
		errs = append(errs, newRuleError(r.ID, "src_ports", "start %d exceeds end %d", r.SrcPorts.Start, r.SrcPorts.End))
	}
	if r.DstPorts != nil && r.DstPorts.Start > r.DstPorts.End {
		errs = append(errs, newRuleError(r.ID, "dst_ports", "start %d exceeds end %d", r.DstPorts.Start, r.DstPorts.End))
	}
	if !r.Decision.Action.Valid() {
		errs = append(errs, newRuleError(r.ID, "action", "unknown action %d", uint8(r.Decision.Action)))
	}
	if !r.Decision.Inspection.Valid() {
		errs = append(errs, newRuleError(r.ID, "inspection", "unknown inspection level %d", uint8(r.Decision.Inspection)))
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &RuleErrors{RuleID: r.ID, Errors: errs}
	}
}

func validateCIDR(id uint32, field string, c CIDR) error {
	if c.Bits > c.Width() {
		return newRuleError(id, field, "prefix length %d exceeds address width %d", c.Bits, c.Width())
	}
	if c.V4 && !c.Network.Is4() {
		return newRuleError(id, field, "network %s is not an IPv4 address", c.Network)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r PolicyRule) Clone() PolicyRule {
	if r.SrcCIDR != nil {
		v := *r.SrcCIDR
		r.SrcCIDR = &v
	}
	if r.DstCIDR != nil {
		v := *r.DstCIDR
		r.DstCIDR = &v
	}
	if r.SrcPorts != nil {
		v := *r.SrcPorts
		r.SrcPorts = &v
	}
	if r.DstPorts != nil {
		v := *r.DstPorts
		r.DstPorts = &v
	}
	r.Protocol = cloneU8(r.Protocol)
	r.SrcSegment = cloneU8(r.SrcSegment)
	r.DstSegment = cloneU8(r.DstSegment)
	r.UserGroups = slices.Clone(r.UserGroups)
	return r
}

func cloneU8(p *uint8) *uint8 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// WithSrcCIDR returns a copy of r restricted to source prefix c.
func (r PolicyRule) WithSrcCIDR(c CIDR) PolicyRule {
	r.SrcCIDR = &c
	return r
}

// WithDstCIDR returns a copy of r restricted to destination prefix c.
func (r PolicyRule) WithDstCIDR(c CIDR) PolicyRule {
	r.DstCIDR = &c
	return r
}

// WithSrcPorts returns a copy of r restricted to source ports [start, end].
func (r PolicyRule) WithSrcPorts(start, end uint16) PolicyRule {
	r.SrcPorts = &PortRange{Start: start, End: end}
	return r
}

// WithDstPorts returns a copy of r restricted to destination ports
// [start, end].
func (r PolicyRule) WithDstPorts(start, end uint16) PolicyRule {
	r.DstPorts = &PortRange{Start: start, End: end}
	return r
}

// WithDstPort returns a copy of r restricted to a single destination port.
func (r PolicyRule) WithDstPort(p uint16) PolicyRule {
	return r.WithDstPorts(p, p)
}

// WithProtocol returns a copy of r restricted to protocol p.
func (r PolicyRule) WithProtocol(p uint8) PolicyRule {
	r.Protocol = &p
	return r
}

// WithSegments returns a copy of r restricted to the given segments.
func (r PolicyRule) WithSegments(src, dst uint8) PolicyRule {
	r.SrcSegment = &src
	r.DstSegment = &dst
	return r
}

// WithUserGroups returns a copy of r requiring membership in one of groups.
func (r PolicyRule) WithUserGroups(groups ...uint8) PolicyRule {
	r.UserGroups = slices.Clone(groups)
	return r
}

// WithPriority returns a copy of r with decision priority p.
func (r PolicyRule) WithPriority(p uint16) PolicyRule {
	r.Decision.Priority = p
	return r
}

// WithDecision returns a copy of r carrying d. The rule id is kept.
func (r PolicyRule) WithDecision(d PolicyDecision) PolicyRule {
	d.RuleID = r.ID
	r.Decision = d
	return r
}
