package sstable

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a probabilistic set membership test used to skip an
// SSTable file entirely when it provably does not contain a user key.
// False positives are possible; false negatives are not.
//
// The k probe positions are derived from a single xxhash64 sum split
// into two 32-bit halves and combined by double hashing
// (Kirsch-Mitzenmacher): probe_i = h1 + i*h2. This is the standard way
// to get k independent-enough probes from one fast hash instead of
// running k separate hash functions.
type BloomFilter struct {
	bits     []byte
	bitCount uint32
	k        uint32
}

// NewBloomFilter creates a Bloom filter sized for capacity elements at
// the given false positive rate (e.g. 0.01 for 1%).
func NewBloomFilter(capacity uint32, falsePositiveRate float64) *BloomFilter {
	if capacity == 0 {
		capacity = 1
	}
	bitCount := uint32(float64(capacity) * (-math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2))
	byteCount := (bitCount + 7) / 8
	bitCount = byteCount * 8

	k := uint32((float64(bitCount) / float64(capacity)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &BloomFilter{
		bits:     make([]byte, byteCount),
		bitCount: bitCount,
		k:        k,
	}
}

func (bf *BloomFilter) probes(key []byte) (h1, h2 uint32) {
	sum := xxhash.Sum64(key)
	return uint32(sum), uint32(sum >> 32)
}

// Add adds a key to the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.probes(key)
	for i := uint32(0); i < bf.k; i++ {
		bitIndex := (h1 + i*h2) % bf.bitCount
		bf.bits[bitIndex/8] |= 1 << (bitIndex % 8)
	}
}

// MayContain reports whether key might be present. false is conclusive;
// true may be a false positive.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.probes(key)
	for i := uint32(0); i < bf.k; i++ {
		bitIndex := (h1 + i*h2) % bf.bitCount
		if bf.bits[bitIndex/8]&(1<<(bitIndex%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes serializes the filter. Format: [bitCount(4)][k(4)][bits...].
func (bf *BloomFilter) Bytes() []byte {
	result := make([]byte, 8+len(bf.bits))
	binary.LittleEndian.PutUint32(result[0:4], bf.bitCount)
	binary.LittleEndian.PutUint32(result[4:8], bf.k)
	copy(result[8:], bf.bits)
	return result
}

// LoadBloomFilter deserializes a filter produced by Bytes.
func LoadBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	bitCount := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])

	expectedSize := 8 + int((bitCount+7)/8)
	if len(data) < expectedSize {
		return nil, io.ErrUnexpectedEOF
	}

	bits := make([]byte, (bitCount+7)/8)
	copy(bits, data[8:expectedSize])

	return &BloomFilter{bits: bits, bitCount: bitCount, k: k}, nil
}
