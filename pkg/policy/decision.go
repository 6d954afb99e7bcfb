package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is the verdict applied to a flow.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDeny
	ActionInspect
	ActionLog
	ActionRateLimit
	ActionRedirect
)

var actionNames = [...]string{
	ActionAllow:     "allow",
	ActionDeny:      "deny",
	ActionInspect:   "inspect",
	ActionLog:       "log",
	ActionRateLimit: "rate_limit",
	ActionRedirect:  "redirect",
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return int(a) < len(actionNames)
}

func (a Action) String() string {
	if !a.Valid() {
		return "action(" + strconv.Itoa(int(a)) + ")"
	}
	return actionNames[a]
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown action %d", a)
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction parses an action name. "ratelimit" and "rate-limit" are
// accepted as aliases.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "permit":
		return ActionAllow, nil
	case "deny", "drop", "block":
		return ActionDeny, nil
	case "inspect":
		return ActionInspect, nil
	case "log":
		return ActionLog, nil
	case "rate_limit", "ratelimit", "rate-limit":
		return ActionRateLimit, nil
	case "redirect":
		return ActionRedirect, nil
	default:
		return 0, fmt.Errorf("unknown action: %s", s)
	}
}

// InspectionLevel selects how deeply an allowed flow is inspected.
type InspectionLevel uint8

const (
	InspectNone InspectionLevel = iota
	InspectMetadata
	InspectFull
	InspectDeepML
)

var inspectionNames = [...]string{
	InspectNone:     "none",
	InspectMetadata: "metadata",
	InspectFull:     "full",
	InspectDeepML:   "deep_ml",
}

// Valid reports whether l is a known level.
func (l InspectionLevel) Valid() bool {
	return int(l) < len(inspectionNames)
}

func (l InspectionLevel) String() string {
	if !l.Valid() {
		return "inspection(" + strconv.Itoa(int(l)) + ")"
	}
	return inspectionNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l InspectionLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("unknown inspection level %d", l)
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *InspectionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseInspectionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseInspectionLevel parses an inspection level name. The empty string
// is InspectNone.
func ParseInspectionLevel(s string) (InspectionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return InspectNone, nil
	case "metadata":
		return InspectMetadata, nil
	case "full":
		return InspectFull, nil
	case "deep_ml", "deepml", "deep-ml":
		return InspectDeepML, nil
	default:
		return 0, fmt.Errorf("unknown inspection level: %s", s)
	}
}

// Flags is a bitfield carried with a decision for the enforcement layer.
type Flags uint16

const (
	// FlagLog asks the enforcer to emit a flow log for this decision.
	FlagLog Flags = 1 << iota
	// FlagAlert raises a security alert.
	FlagAlert
	// FlagMirror mirrors the flow to an analysis sink.
	FlagMirror
	// FlagBypassCache marks decisions the enforcer must not memoize in
	// its own flow table.
	FlagBypassCache
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagLog, "log"},
	{FlagAlert, "alert"},
	{FlagMirror, "mirror"},
	{FlagBypassCache, "bypass_cache"},
}

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Names returns the names of the set flags in bit order. Unknown bits are
// omitted.
func (f Flags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// ParseFlags parses a list of flag names.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, n := range names {
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(strings.TrimSpace(n), fn.name) {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown flag: %s", n)
		}
	}
	return f, nil
}

// DefaultPriority is the priority of the default decision; it sorts after
// any explicitly prioritised rule.
const DefaultPriority uint16 = 1000

// PolicyDecision is the verdict for a flow. RateLimitPPS of zero means
// unlimited.
type PolicyDecision struct {
	Action       Action          `json:"action"`
	Inspection   InspectionLevel `json:"inspection"`
	Priority     uint16          `json:"priority"`
	RateLimitPPS uint32          `json:"rate_limit_pps"`
	RuleID       uint32          `json:"rule_id"`
	Flags        Flags           `json:"flags"`
}

// DefaultDecision allows the flow without inspection.
func DefaultDecision() PolicyDecision {
	return PolicyDecision{
		Action:     ActionAllow,
		Inspection: InspectNone,
		Priority:   DefaultPriority,
	}
}

// DenyDecision is the fail-closed counterpart of DefaultDecision.
func DenyDecision() PolicyDecision {
	d := DefaultDecision()
	d.Action = ActionDeny
	return d
}

// IsAllow reports whether the decision lets the flow through, possibly
// with inspection, logging or shaping.
func (d PolicyDecision) IsAllow() bool {
	return d.Action != ActionDeny && d.Action != ActionRedirect
}

func (d PolicyDecision) String() string {
	return fmt.Sprintf("%s rule=%d priority=%d inspection=%s rate=%d flags=%s",
		d.Action, d.RuleID, d.Priority, d.Inspection, d.RateLimitPPS, d.Flags)
}

// ProtocolName returns the conventional name for an IP protocol number.
func ProtocolName(p uint8) string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMPv6:
		return "icmpv6"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParseProtocol parses a protocol name or number. "any" and the empty
// string report ok=false, meaning the field is unset.
func ParseProtocol(s string) (proto uint8, ok bool, err error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "", "any", "*":
		return 0, false, nil
	case "tcp":
		return ProtoTCP, true, nil
	case "udp":
		return ProtoUDP, true, nil
	case "icmp":
		return ProtoICMP, true, nil
	case "icmpv6", "ipv6-icmp":
		return ProtoICMPv6, true, nil
	}
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, false, fmt.Errorf("unknown protocol: %q", s)
	}
	return uint8(n), true, nil
}
