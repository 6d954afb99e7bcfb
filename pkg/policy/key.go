package policy

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// Well-known IP protocol numbers.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// PolicyKey classifies a flow. It is 40 bytes, holds no pointers and is
// comparable, so it can be copied, hashed and used as a map key without
// allocating.
type PolicyKey struct {
	SrcIP      Addr
	DstIP      Addr
	SrcPort    uint16
	DstPort    uint16
	Protocol   uint8
	SrcSegment uint8
	DstSegment uint8
	UserGroup  uint8
}

// keySize is the encoded length used for hashing.
const keySize = 40

// KeyFromIPv4 builds a key from host-order IPv4 addresses. Segments and
// user group are zero.
func KeyFromIPv4(src, dst uint32, srcPort, dstPort uint16, protocol uint8) PolicyKey {
	return PolicyKey{
		SrcIP:    AddrFromIPv4(src),
		DstIP:    AddrFromIPv4(dst),
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: protocol,
	}
}

// KeyFromAddrs builds a key from netip addresses of either family.
func KeyFromAddrs(src, dst netip.Addr, srcPort, dstPort uint16, protocol uint8) PolicyKey {
	return PolicyKey{
		SrcIP:    AddrFromNetip(src),
		DstIP:    AddrFromNetip(dst),
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: protocol,
	}
}

// WithSegments returns a copy of k with the given segment ids.
func (k PolicyKey) WithSegments(src, dst uint8) PolicyKey {
	k.SrcSegment = src
	k.DstSegment = dst
	return k
}

// WithUserGroup returns a copy of k with the given user group.
func (k PolicyKey) WithUserGroup(group uint8) PolicyKey {
	k.UserGroup = group
	return k
}

// Hash returns a structural 64-bit hash of the key. Equal keys hash equal.
func (k PolicyKey) Hash() uint64 {
	var buf [keySize]byte
	binary.LittleEndian.PutUint64(buf[0:], k.SrcIP.Hi)
	binary.LittleEndian.PutUint64(buf[8:], k.SrcIP.Lo)
	binary.LittleEndian.PutUint64(buf[16:], k.DstIP.Hi)
	binary.LittleEndian.PutUint64(buf[24:], k.DstIP.Lo)
	binary.LittleEndian.PutUint16(buf[32:], k.SrcPort)
	binary.LittleEndian.PutUint16(buf[34:], k.DstPort)
	buf[36] = k.Protocol
	buf[37] = k.SrcSegment
	buf[38] = k.DstSegment
	buf[39] = k.UserGroup
	return xxhash.Sum64(buf[:])
}

func (k PolicyKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d proto=%s seg=%d/%d group=%d",
		k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, ProtocolName(k.Protocol),
		k.SrcSegment, k.DstSegment, k.UserGroup)
}
