// Package rules reads and writes rule documents, the YAML or JSON form in
// which rule sets are distributed to edge nodes.
//
// A document looks like:
//
//	version: "1"
//	name: edge-default
//	rules:
//	  - id: 1
//	    description: block outbound https from guests
//	    src_cidr: 10.20.0.0/16
//	    dst_ports: "443"
//	    protocol: tcp
//	    action: deny
//	    priority: 1
//	  - id: 2
//	    dst_ports: 8000-8999
//	    user_groups: [3, 4]
//	    action: inspect
//	    inspection: full
//	    flags: [log]
//
// Documents are compiled into policy.PolicyRule values; compile errors name
// the offending rule and field.
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/store"
)

// CurrentVersion is the document format version written by Encode.
const CurrentVersion = "1"

// Document is a named rule set.
type Document struct {
	Version string     `yaml:"version" json:"version"`
	Name    string     `yaml:"name,omitempty" json:"name,omitempty"`
	Rules   []RuleSpec `yaml:"rules" json:"rules"`
}

// RuleSpec is the serialized form of one rule. Empty fields are
// unrestricted.
type RuleSpec struct {
	ID          uint32   `yaml:"id" json:"id"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	SrcCIDR     string   `yaml:"src_cidr,omitempty" json:"src_cidr,omitempty"`
	DstCIDR     string   `yaml:"dst_cidr,omitempty" json:"dst_cidr,omitempty"`
	SrcPorts    string   `yaml:"src_ports,omitempty" json:"src_ports,omitempty"`
	DstPorts    string   `yaml:"dst_ports,omitempty" json:"dst_ports,omitempty"`
	Protocol    string   `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	SrcSegment  *uint8   `yaml:"src_segment,omitempty" json:"src_segment,omitempty"`
	DstSegment  *uint8   `yaml:"dst_segment,omitempty" json:"dst_segment,omitempty"`
	UserGroups  []int    `yaml:"user_groups,omitempty" json:"user_groups,omitempty"`
	Action      string   `yaml:"action" json:"action"`
	Inspection  string   `yaml:"inspection,omitempty" json:"inspection,omitempty"`
	RateLimit   uint32   `yaml:"rate_limit_pps,omitempty" json:"rate_limit_pps,omitempty"`
	Priority    *uint16  `yaml:"priority,omitempty" json:"priority,omitempty"`
	Flags       []string `yaml:"flags,omitempty" json:"flags,omitempty"`
}

// Parse decodes a YAML or JSON document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &Document{Version: CurrentVersion}, nil
		}
		return nil, fmt.Errorf("failed to parse rule document: %w", err)
	}
	if doc.Version == "" {
		doc.Version = CurrentVersion
	}
	if doc.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported rule document version %q", doc.Version)
	}
	return &doc, nil
}

// ParseFile reads and decodes a document from disk.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %q: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Compile converts the document to engine rules in document order.
// Disabled rules are skipped. Every problem is collected into a
// *CompileError.
func (d *Document) Compile() ([]policy.PolicyRule, error) {
	var errs []FieldError
	seen := make(map[uint32]int, len(d.Rules))
	out := make([]policy.PolicyRule, 0, len(d.Rules))

	for i := range d.Rules {
		spec := &d.Rules[i]
		if spec.ID == 0 {
			errs = append(errs, FieldError{Index: i, Field: "id", Message: "must be non-zero"})
			continue
		}
		if prev, dup := seen[spec.ID]; dup {
			errs = append(errs, FieldError{Index: i, RuleID: spec.ID, Field: "id", Message: "duplicates rule at index " + strconv.Itoa(prev)})
			continue
		}
		seen[spec.ID] = i
		if spec.Disabled {
			continue
		}

		rule, ferrs := spec.compile(i)
		if len(ferrs) > 0 {
			errs = append(errs, ferrs...)
			continue
		}
		out = append(out, rule)
	}

	if len(errs) > 0 {
		return nil, &CompileError{Errors: errs}
	}
	return out, nil
}

func (s *RuleSpec) compile(index int) (policy.PolicyRule, []FieldError) {
	var errs []FieldError
	fail := func(field string, err error) {
		errs = append(errs, FieldError{Index: index, RuleID: s.ID, Field: field, Message: err.Error()})
	}

	d := policy.DefaultDecision()
	if a, err := policy.ParseAction(s.Action); err != nil {
		fail("action", err)
	} else {
		d.Action = a
	}
	if l, err := policy.ParseInspectionLevel(s.Inspection); err != nil {
		fail("inspection", err)
	} else {
		d.Inspection = l
	}
	if f, err := policy.ParseFlags(s.Flags); err != nil {
		fail("flags", err)
	} else {
		d.Flags = f
	}
	d.RateLimitPPS = s.RateLimit
	if s.Priority != nil {
		d.Priority = *s.Priority
	}

	r := policy.PolicyRule{ID: s.ID}
	if s.SrcCIDR != "" {
		if c, err := policy.ParseCIDR(s.SrcCIDR); err != nil {
			fail("src_cidr", err)
		} else {
			r.SrcCIDR = &c
		}
	}
	if s.DstCIDR != "" {
		if c, err := policy.ParseCIDR(s.DstCIDR); err != nil {
			fail("dst_cidr", err)
		} else {
			r.DstCIDR = &c
		}
	}
	if s.SrcPorts != "" {
		if p, err := policy.ParsePortRange(s.SrcPorts); err != nil {
			fail("src_ports", err)
		} else {
			r.SrcPorts = &p
		}
	}
	if s.DstPorts != "" {
		if p, err := policy.ParsePortRange(s.DstPorts); err != nil {
			fail("dst_ports", err)
		} else {
			r.DstPorts = &p
		}
	}
	if proto, set, err := policy.ParseProtocol(s.Protocol); err != nil {
		fail("protocol", err)
	} else if set {
		r.Protocol = &proto
	}
	if s.SrcSegment != nil {
		v := *s.SrcSegment
		r.SrcSegment = &v
	}
	if s.DstSegment != nil {
		v := *s.DstSegment
		r.DstSegment = &v
	}
	for _, g := range s.UserGroups {
		if g < 0 || g > 255 {
			fail("user_groups", fmt.Errorf("group %d out of range 0-255", g))
			continue
		}
		r.UserGroups = append(r.UserGroups, uint8(g))
	}
	r = r.WithDecision(d)

	if len(errs) == 0 {
		if err := r.Validate(); err != nil {
			fail("rule", err)
		}
	}
	return r, errs
}

// FromRules builds a document describing rules.
func FromRules(name string, rules []policy.PolicyRule) *Document {
	doc := &Document{Version: CurrentVersion, Name: name, Rules: make([]RuleSpec, len(rules))}
	for i := range rules {
		doc.Rules[i] = specFromRule(&rules[i])
	}
	return doc
}

func specFromRule(r *policy.PolicyRule) RuleSpec {
	prio := r.Decision.Priority
	s := RuleSpec{
		ID:        r.ID,
		Action:    r.Decision.Action.String(),
		RateLimit: r.Decision.RateLimitPPS,
		Priority:  &prio,
		Flags:     r.Decision.Flags.Names(),
	}
	if r.Decision.Inspection != policy.InspectNone {
		s.Inspection = r.Decision.Inspection.String()
	}
	if r.SrcCIDR != nil {
		s.SrcCIDR = r.SrcCIDR.String()
	}
	if r.DstCIDR != nil {
		s.DstCIDR = r.DstCIDR.String()
	}
	if r.SrcPorts != nil {
		s.SrcPorts = r.SrcPorts.String()
	}
	if r.DstPorts != nil {
		s.DstPorts = r.DstPorts.String()
	}
	if r.Protocol != nil {
		s.Protocol = policy.ProtocolName(*r.Protocol)
	}
	if r.SrcSegment != nil {
		v := *r.SrcSegment
		s.SrcSegment = &v
	}
	if r.DstSegment != nil {
		v := *r.DstSegment
		s.DstSegment = &v
	}
	for _, g := range r.UserGroups {
		s.UserGroups = append(s.UserGroups, int(g))
	}
	return s
}

// Format selects the encoding written by Encode.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Encode writes the document in the given format.
func (d *Document) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case FormatYAML, "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// Checksum returns a stable fingerprint of the rules' canonical form. The
// rules are hashed in evaluation order, so a rule set and its installed
// snapshot share a checksum whatever order it was loaded in.
func Checksum(rules []policy.PolicyRule) string {
	data, err := json.Marshal(FromRules("", store.Prepare(rules)).Rules)
	if err != nil {
		// RuleSpec holds only plain values; Marshal cannot fail.
		panic(err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
