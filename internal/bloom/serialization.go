package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Serialize converts the bloom filter to a byte representation:
//   - 8 bytes: numBits (uint64, little-endian)
//   - 8 bytes: numHashes (uint64, little-endian)
//   - 8 bytes: count (uint64, little-endian)
//   - remaining: bit array ([]uint64, little-endian)
func (bf *BloomFilter) Serialize() ([]byte, error) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	headerSize := 3 * 8
	buf := make([]byte, headerSize+len(bf.bits)*8)

	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], bf.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], bf.count)

	for i, word := range bf.bits {
		offset := headerSize + i*8
		binary.LittleEndian.PutUint64(buf[offset:offset+8], word)
	}

	return buf, nil
}

// Deserialize reconstructs a bloom filter from bytes produced by Serialize.
func Deserialize(data []byte) (*BloomFilter, error) {
	if len(data) < 24 {
		return nil, errors.New("bloom: serialized data too short")
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])

	if numBits == 0 {
		return nil, errors.New("bloom: numBits cannot be zero")
	}
	if numHashes == 0 {
		return nil, errors.New("bloom: numHashes cannot be zero")
	}

	numWords := (numBits + 63) / 64
	expectedSize := 24 + int(numWords)*8
	if len(data) < expectedSize {
		return nil, fmt.Errorf("bloom: expected %d bytes, got %d", expectedSize, len(data))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		offset := 24 + i*8
		bits[i] = binary.LittleEndian.Uint64(data[offset : offset+8])
	}

	return &BloomFilter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}
