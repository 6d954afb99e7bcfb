package tracing

import (
	"go.opentelemetry.io/otel/attribute"

	"opensase/sase-policy/pkg/policy"
)

// Attribute keys for policy spans.
const (
	AttrFlowSrc        = "policy.flow.src"
	AttrFlowDst        = "policy.flow.dst"
	AttrFlowDstPort    = "policy.flow.dst_port"
	AttrFlowProtocol   = "policy.flow.protocol"
	AttrFlowSegments   = "policy.flow.segments"
	AttrFlowUserGroup  = "policy.flow.user_group"
	AttrDecisionAction = "policy.decision.action"
	AttrDecisionRule   = "policy.decision.rule_id"
	AttrDecisionLevel  = "policy.decision.inspection"
	AttrRuleSetVersion = "policy.version"
)

// FlowAttributes describes a flow key. Addresses are left out unless
// withAddrs is set.
func FlowAttributes(k policy.PolicyKey, withAddrs bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrFlowDstPort, int(k.DstPort)),
		attribute.String(AttrFlowProtocol, policy.ProtocolName(k.Protocol)),
		attribute.IntSlice(AttrFlowSegments, []int{int(k.SrcSegment), int(k.DstSegment)}),
		attribute.Int(AttrFlowUserGroup, int(k.UserGroup)),
	}
	if withAddrs {
		attrs = append(attrs,
			attribute.String(AttrFlowSrc, k.SrcIP.String()),
			attribute.String(AttrFlowDst, k.DstIP.String()),
		)
	}
	return attrs
}

// DecisionAttributes describes a decision and the rule-set version that
// produced it.
func DecisionAttributes(d policy.PolicyDecision, version uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDecisionAction, d.Action.String()),
		attribute.Int64(AttrDecisionRule, int64(d.RuleID)),
		attribute.String(AttrDecisionLevel, d.Inspection.String()),
		attribute.Int64(AttrRuleSetVersion, int64(version)),
	}
}
