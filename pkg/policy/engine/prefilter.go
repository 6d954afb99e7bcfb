package engine

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/bloom"
	"opensase/sase-policy/pkg/policy/store"
)

// Wildcard markers outside the range of real protocol and port values.
const (
	anyProtocol uint16 = 0x100
	anyPort     uint32 = 0x10000
)

// token hashes a (protocol, destination port) pair.
func token(proto uint16, port uint32) uint64 {
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[0:], proto)
	binary.LittleEndian.PutUint32(buf[2:], port)
	return xxhash.Sum64(buf[:])
}

// prefilter is an immutable Bloom index over the rules of one snapshot.
type prefilter struct {
	version   uint64
	filter    *bloom.Filter
	tokens    int
	saturated bool

	// Token kinds present, so probes for absent kinds are skipped.
	hasPort      bool
	hasAnyProto  bool
	hasProtoOnly bool
}

func narrowPorts(r *policy.PolicyRule, maxExpansion int) bool {
	return r.DstPorts != nil && r.DstPorts.Width() <= maxExpansion
}

// buildPrefilter indexes snap. The result is saturated when some rule
// restricts neither protocol nor a narrow port range, or when the index
// would exceed cfg.MaxPrefilterTokens.
func buildPrefilter(snap *store.Snapshot, cfg *Config) *prefilter {
	pf := &prefilter{version: snap.Version}

	n := 0
	for i := range snap.Rules {
		r := &snap.Rules[i]
		switch {
		case narrowPorts(r, cfg.MaxPortExpansion):
			n += r.DstPorts.Width()
		case r.Protocol != nil:
			n++
		default:
			pf.saturated = true
			return pf
		}
	}
	if n > cfg.MaxPrefilterTokens {
		pf.saturated = true
		pf.tokens = n
		return pf
	}

	bits := uint64(n) * uint64(cfg.BloomBitsPerItem)
	hashes := cfg.BloomHashes
	if hashes == 0 {
		hashes = bloom.OptimalHashes(bits, uint64(n))
	}
	f := bloom.NewWithSize(bits, hashes)

	for i := range snap.Rules {
		r := &snap.Rules[i]
		if narrowPorts(r, cfg.MaxPortExpansion) {
			proto := anyProtocol
			if r.Protocol != nil {
				proto = uint16(*r.Protocol)
				pf.hasPort = true
			} else {
				pf.hasAnyProto = true
			}
			for p := uint32(r.DstPorts.Start); p <= uint32(r.DstPorts.End); p++ {
				f.Add(token(proto, p))
			}
			continue
		}
		f.Add(token(uint16(*r.Protocol), anyPort))
		pf.hasProtoOnly = true
	}

	pf.filter = f
	pf.tokens = n
	return pf
}

// mightMatch reports false only when no rule of the indexed snapshot can
// match k.
func (p *prefilter) mightMatch(k policy.PolicyKey) bool {
	if p.saturated {
		return true
	}
	proto, port := uint16(k.Protocol), uint32(k.DstPort)
	if p.hasPort && p.filter.MightContain(token(proto, port)) {
		return true
	}
	if p.hasAnyProto && p.filter.MightContain(token(anyProtocol, port)) {
		return true
	}
	if p.hasProtoOnly && p.filter.MightContain(token(proto, anyPort)) {
		return true
	}
	return false
}
