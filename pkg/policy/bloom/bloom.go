// Package bloom implements a fixed-size Bloom filter over pre-computed
// 64-bit hashes.
//
// Indexes are derived by double hashing: the two 32-bit halves h1 and h2
// of the input give idx_i = (h1 + i*h2) mod m for i in [0, k). Callers are
// expected to feed well-mixed hashes (xxhash, for instance).
//
// A Filter is not synchronized. Build it on one goroutine, then publish it
// and treat it as read-only.
package bloom

import "math"

const (
	// BitsPerItem is the default sizing ratio. With DefaultHashes it gives
	// a false-positive rate just under 1%.
	BitsPerItem = 10

	// DefaultHashes is the optimal hash count for BitsPerItem.
	DefaultHashes = 7

	// minBits keeps tiny filters from degenerating.
	minBits = 64
)

// Filter is a Bloom filter with a bit array of m bits and k probes.
type Filter struct {
	words []uint64
	m     uint64
	k     uint32
	count uint64
}

// New returns a filter sized for expectedItems at BitsPerItem bits each.
func New(expectedItems int) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	return NewWithSize(uint64(expectedItems)*BitsPerItem, DefaultHashes)
}

// NewWithSize returns a filter of the given bit count and hash count.
// bits is rounded up to a whole number of 64-bit words.
func NewWithSize(bits uint64, hashes int) *Filter {
	if bits < minBits {
		bits = minBits
	}
	if hashes < 1 {
		hashes = 1
	}
	words := (bits + 63) / 64
	return &Filter{
		words: make([]uint64, words),
		m:     bits,
		k:     uint32(hashes),
	}
}

// OptimalHashes returns round(ln2 * bits/items), at least 1.
func OptimalHashes(bits, items uint64) int {
	if items == 0 {
		return 1
	}
	k := int(math.Round(math.Ln2 * float64(bits) / float64(items)))
	if k < 1 {
		return 1
	}
	return k
}

// Add inserts an item hash.
func (f *Filter) Add(itemHash uint64) {
	h1, h2 := itemHash&0xffffffff, itemHash>>32
	for i := uint64(0); i < uint64(f.k); i++ {
		idx := (h1 + i*h2) % f.m
		f.words[idx>>6] |= 1 << (idx & 63)
	}
	f.count++
}

// MightContain reports false only if no item with this hash was added.
func (f *Filter) MightContain(keyHash uint64) bool {
	h1, h2 := keyHash&0xffffffff, keyHash>>32
	for i := uint64(0); i < uint64(f.k); i++ {
		idx := (h1 + i*h2) % f.m
		if f.words[idx>>6]&(1<<(idx&63)) == 0 {
			return false
		}
	}
	return true
}

// Clear resets the filter to empty without reallocating.
func (f *Filter) Clear() {
	clear(f.words)
	f.count = 0
}

// Bits is the size of the bit array.
func (f *Filter) Bits() uint64 { return f.m }

// Hashes is the number of probes per item.
func (f *Filter) Hashes() int { return int(f.k) }

// Count is the number of Add calls since creation or the last Clear.
func (f *Filter) Count() uint64 { return f.count }

// EstimatedFalsePositiveRate returns (1 - e^(-kn/m))^k for the current
// item count.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k := float64(f.k)
	return math.Pow(1-math.Exp(-k*float64(f.count)/float64(f.m)), k)
}
