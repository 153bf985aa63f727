package storage

import (
	"encoding/binary"
	"hash/fnv"
)

// bloomFilter is a fixed-size bloom filter with double hashing over FNV-64a.
// No third-party filter is pulled in for this: the construction is a dozen
// lines and the filter must round-trip through the segment footer unchanged
// across releases.
type bloomFilter struct {
	bits []byte
	k    uint32
}

// bloomBitsPerKey gives ~1% false positives at k=7.
const (
	bloomBitsPerKey = 10
	bloomHashes     = 7
)

func newBloomFilter(n int) *bloomFilter {
	if n < 1 {
		n = 1
	}
	nBits := n * bloomBitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	return &bloomFilter{
		bits: make([]byte, (nBits+7)/8),
		k:    bloomHashes,
	}
}

func bloomHash(key []byte) (h1, h2 uint64) {
	f := fnv.New64a()
	_, _ = f.Write(key)
	h1 = f.Sum64()
	h2 = (h1 >> 17) | (h1 << 47)
	h2 |= 1 // ensure the probe stride is odd
	return h1, h2
}

func (b *bloomFilter) add(key []byte) {
	h1, h2 := bloomHash(key)
	nBits := uint64(len(b.bits)) * 8
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % nBits
		b.bits[bit/8] |= 1 << (bit % 8)
	}
}

func (b *bloomFilter) mayContain(key []byte) bool {
	if len(b.bits) == 0 {
		return true
	}
	h1, h2 := bloomHash(key)
	nBits := uint64(len(b.bits)) * 8
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % nBits
		if b.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// encode serializes the filter as k | bits.
func (b *bloomFilter) encode() []byte {
	out := make([]byte, 4+len(b.bits))
	binary.BigEndian.PutUint32(out[0:4], b.k)
	copy(out[4:], b.bits)
	return out
}

func decodeBloomFilter(raw []byte) *bloomFilter {
	if len(raw) < 4 {
		return &bloomFilter{}
	}
	return &bloomFilter{
		k:    binary.BigEndian.Uint32(raw[0:4]),
		bits: append([]byte(nil), raw[4:]...),
	}
}
