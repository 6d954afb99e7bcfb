package policy

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// v4MappedPrefix is the high 32 bits of the low word of an IPv4-mapped
// IPv6 address (::ffff:0:0/96).
const v4MappedPrefix = 0x0000ffff00000000

// Addr is a 128-bit network address. IPv4 addresses are held in their
// IPv4-mapped IPv6 form. The zero value is the IPv6 unspecified address.
type Addr struct {
	Hi uint64
	Lo uint64
}

// AddrFromIPv4 widens a host-order IPv4 address into its mapped form.
func AddrFromIPv4(v4 uint32) Addr {
	return Addr{Lo: v4MappedPrefix | uint64(v4)}
}

// AddrFrom4 returns the mapped form of a 4-byte IPv4 address.
func AddrFrom4(b [4]byte) Addr {
	return AddrFromIPv4(binary.BigEndian.Uint32(b[:]))
}

// AddrFrom16 returns the address given in network byte order.
func AddrFrom16(b [16]byte) Addr {
	return Addr{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}
}

// AddrFromNetip converts a netip.Addr. Zones are dropped and IPv4 addresses
// are mapped.
func AddrFromNetip(a netip.Addr) Addr {
	if a.Is4() {
		return AddrFrom4(a.As4())
	}
	return AddrFrom16(a.As16())
}

// ParseAddr parses an IPv4 or IPv6 literal.
func ParseAddr(s string) (Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return AddrFromNetip(a), nil
}

// MustParseAddr is like ParseAddr but panics on error. Intended for tests
// and static tables.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Is4 reports whether a is an IPv4-mapped address.
func (a Addr) Is4() bool {
	return a.Hi == 0 && a.Lo>>32 == 0xffff
}

// IPv4 returns the host-order IPv4 value of a mapped address.
func (a Addr) IPv4() (uint32, bool) {
	if !a.Is4() {
		return 0, false
	}
	return uint32(a.Lo), true
}

// As16 returns the address in network byte order.
func (a Addr) As16() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], a.Hi)
	binary.BigEndian.PutUint64(b[8:], a.Lo)
	return b
}

// Netip converts back to a netip.Addr, unmapping IPv4.
func (a Addr) Netip() netip.Addr {
	return netip.AddrFrom16(a.As16()).Unmap()
}

// Mask keeps the top bits of a and zeroes the rest. bits is measured on the
// full 128-bit width.
func (a Addr) Mask(bits uint8) Addr {
	switch {
	case bits == 0:
		return Addr{}
	case bits >= 128:
		return a
	case bits <= 64:
		return Addr{Hi: a.Hi & ^(^uint64(0) >> bits)}
	default:
		return Addr{Hi: a.Hi, Lo: a.Lo & ^(^uint64(0) >> (bits - 64))}
	}
}

func (a Addr) String() string {
	return a.Netip().String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
