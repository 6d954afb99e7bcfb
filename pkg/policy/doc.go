// Package policy defines the value types of the decision engine: the
// flow classification key, the rule predicate, and the decision it yields.
//
// # Keys
//
// A PolicyKey is a fixed-size, pointer-free value holding the 5-tuple of a
// flow plus its segment and user-group context. Addresses are always stored
// as 128-bit values; IPv4 inputs are widened to the IPv4-mapped IPv6 form
// (::ffff:a.b.c.d) so the two families never collide:
//
//	key := policy.KeyFromIPv4(src, dst, 51000, 443, policy.ProtoTCP)
//
// # Rules
//
// A PolicyRule is a conjunction of optional predicates. Unset fields match
// anything. Fields are checked in a fixed order (source CIDR, destination
// CIDR, source ports, destination ports, protocol, source segment,
// destination segment, user groups) so cheap rejections happen first:
//
//	rule := policy.DenyRule(1).
//	    WithProtocol(policy.ProtoTCP).
//	    WithDstPort(443).
//	    WithPriority(1)
//
// Matching is total. Malformed rules are caught by Validate before they are
// loaded and never at match time.
package policy
