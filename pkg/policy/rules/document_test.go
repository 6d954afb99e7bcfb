package rules

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opensase/sase-policy/pkg/policy"
)

const sampleYAML = `
version: "1"
name: edge-default
rules:
  - id: 1
    description: block outbound https from guests
    src_cidr: 10.20.0.0/16
    dst_ports: 443
    protocol: tcp
    action: deny
    priority: 1
  - id: 2
    dst_ports: 8000-8999
    user_groups: [3, 4]
    action: inspect
    inspection: full
    flags: [log, mirror]
  - id: 3
    disabled: true
    action: allow
  - id: 4
    dst_cidr: 2001:db8::/32
    src_segment: 2
    dst_segment: 5
    action: rate_limit
    rate_limit_pps: 5000
`

func TestParseAndCompile(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "edge-default", doc.Name)
	require.Len(t, doc.Rules, 4)

	compiled, err := doc.Compile()
	require.NoError(t, err)
	require.Len(t, compiled, 3, "disabled rule must be skipped")

	r1 := compiled[0]
	assert.Equal(t, uint32(1), r1.ID)
	assert.Equal(t, policy.ActionDeny, r1.Decision.Action)
	assert.Equal(t, uint16(1), r1.Decision.Priority)
	assert.Equal(t, uint32(1), r1.Decision.RuleID)
	require.NotNil(t, r1.SrcCIDR)
	assert.Equal(t, "10.20.0.0/16", r1.SrcCIDR.String())
	require.NotNil(t, r1.DstPorts)
	assert.Equal(t, policy.SinglePort(443), *r1.DstPorts)
	require.NotNil(t, r1.Protocol)
	assert.Equal(t, policy.ProtoTCP, *r1.Protocol)

	r2 := compiled[1]
	assert.Equal(t, policy.ActionInspect, r2.Decision.Action)
	assert.Equal(t, policy.InspectFull, r2.Decision.Inspection)
	assert.Equal(t, policy.DefaultPriority, r2.Decision.Priority)
	assert.Equal(t, policy.FlagLog|policy.FlagMirror, r2.Decision.Flags)
	assert.Equal(t, []uint8{3, 4}, r2.UserGroups)
	assert.Nil(t, r2.Protocol)

	r4 := compiled[2]
	assert.Equal(t, policy.ActionRateLimit, r4.Decision.Action)
	assert.Equal(t, uint32(5000), r4.Decision.RateLimitPPS)
	require.NotNil(t, r4.SrcSegment)
	assert.Equal(t, uint8(2), *r4.SrcSegment)
	assert.Equal(t, uint8(5), *r4.DstSegment)

	k := policy.PolicyKey{
		SrcIP:      policy.MustParseAddr("fd00::1"),
		DstIP:      policy.MustParseAddr("2001:db8::7"),
		SrcSegment: 2,
		DstSegment: 5,
	}
	assert.True(t, r4.Matches(k))
}

func TestParseJSON(t *testing.T) {
	data := `{"version":"1","rules":[{"id":9,"dst_ports":"53","protocol":"udp","action":"allow"}]}`
	doc, err := Parse([]byte(data))
	require.NoError(t, err)
	compiled, err := doc.Compile()
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	assert.Equal(t, policy.ProtoUDP, *compiled[0].Protocol)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown field", "rules:\n  - id: 1\n    action: allow\n    colour: red\n"},
		{"bad version", "version: \"7\"\nrules: []\n"},
		{"not yaml", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	doc, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, doc.Version)
	rules, err := doc.Compile()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestCompile_Errors(t *testing.T) {
	doc := &Document{Rules: []RuleSpec{
		{ID: 0, Action: "allow"},
		{ID: 1, Action: "explode"},
		{ID: 2, Action: "deny", SrcCIDR: "10.0.0.0/40", DstPorts: "90-80"},
		{ID: 2, Action: "deny"},
		{ID: 3, Action: "allow", Protocol: "sctp-ish", Flags: []string{"loud"}},
		{ID: 4, Action: "allow", UserGroups: []int{3, 300}},
	}}

	_, err := doc.Compile()
	var ce *CompileError
	require.True(t, errors.As(err, &ce), "error = %v", err)

	fields := make([]string, 0, len(ce.Errors))
	for _, fe := range ce.Errors {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "id")
	assert.Contains(t, fields, "action")
	assert.Contains(t, fields, "src_cidr")
	assert.Contains(t, fields, "protocol")
	assert.Contains(t, fields, "flags")
	assert.Contains(t, fields, "user_groups")
	assert.Contains(t, err.Error(), "rules[1] (id 1).action")
	assert.Contains(t, err.Error(), "duplicates rule at index 2")
}

func TestCompile_InvertedPortsRejected(t *testing.T) {
	doc := &Document{Rules: []RuleSpec{{ID: 5, Action: "deny", DstPorts: "90-80"}}}
	_, err := doc.Compile()
	require.Error(t, err)
}

func TestFromRulesRoundTrip(t *testing.T) {
	original := []policy.PolicyRule{
		policy.DenyRule(1).
			WithSrcCIDR(policy.MustParseCIDR("192.168.0.0/16")).
			WithDstPort(22).
			WithProtocol(policy.ProtoTCP).
			WithPriority(5),
		policy.AllowRule(2).
			WithDstCIDR(policy.MustParseCIDR("2001:db8::/48")).
			WithSrcPorts(1024, 65535).
			WithSegments(1, 2).
			WithUserGroups(7).
			WithDecision(policy.PolicyDecision{
				Action:     policy.ActionInspect,
				Inspection: policy.InspectMetadata,
				Priority:   10,
				Flags:      policy.FlagAlert,
			}),
	}

	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, FromRules("roundtrip", original).Encode(&buf, format))

			doc, err := Parse(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, "roundtrip", doc.Name)

			got, err := doc.Compile()
			require.NoError(t, err)
			assert.Equal(t, original, got)
			assert.Equal(t, Checksum(original), Checksum(got))
		})
	}
}

func TestEncode_UnknownFormat(t *testing.T) {
	err := FromRules("", nil).Encode(&bytes.Buffer{}, Format("toml"))
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	a := []policy.PolicyRule{policy.DenyRule(1).WithDstPort(443)}
	b := []policy.PolicyRule{policy.DenyRule(1).WithDstPort(443)}
	c := []policy.PolicyRule{policy.DenyRule(1).WithDstPort(444)}

	assert.Equal(t, Checksum(a), Checksum(b))
	assert.NotEqual(t, Checksum(a), Checksum(c))
	assert.Len(t, Checksum(nil), 16)
}

func TestChecksum_EvaluationOrder(t *testing.T) {
	loaded := []policy.PolicyRule{
		policy.AllowRule(2).WithDstPort(80).WithPriority(20),
		policy.DenyRule(1).WithDstPort(443).WithPriority(10),
	}
	installed := []policy.PolicyRule{loaded[1], loaded[0]}
	assert.Equal(t, Checksum(loaded), Checksum(installed))

	// Equal priorities keep their order, which decides the first match.
	tieA := []policy.PolicyRule{policy.DenyRule(1).WithDstPort(443), policy.AllowRule(2).WithDstPort(443)}
	tieB := []policy.PolicyRule{tieA[1], tieA[0]}
	assert.NotEqual(t, Checksum(tieA), Checksum(tieB))
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	doc, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, doc.Rules, 4)

	_, err = ParseFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: {"), 0o644))
	_, err = ParseFile(bad)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad.yaml"))
}
