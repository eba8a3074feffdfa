package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Locator maps a global position to the byte offset of its record frame
// within the owning segment file.
type Locator struct {
	GlobalPos uint64
	Offset    int64
}

// Trailer closes out one committed batch. It is both the "batch-trailer
// record whose CRC covers the entire batch" and a "segment trailer" index
// block mapping global positions to offsets since the previous trailer —
// the two roles spec.md describes separately are the same frame here,
// written once per commit.
type Trailer struct {
	// BatchStart/BatchEnd are the byte offsets (within the segment) of the
	// first byte and one-past-the-last byte of the batch's record frames.
	BatchStart int64
	BatchEnd   int64
	// BatchCRC covers exactly the bytes [BatchStart, BatchEnd) of the
	// segment file — the whole batch, not just this trailer frame.
	BatchCRC uint32
	Entries  []Locator
	// StreamFilter is a serialised Bloom filter over the batch's distinct
	// stream ids (see internal/segment/filter.go); nil if none.
	StreamFilter []byte
}

// BatchCRC computes the checksum a Trailer.BatchCRC field must carry for
// the given batch bytes, using the same table as every other checksum in
// this package.
func BatchCRC(batch []byte) uint32 {
	return crc32.Checksum(batch, castagnoli)
}

// EncodeTrailer serialises a trailer into its on-disk frame.
func EncodeTrailer(t Trailer) []byte {
	bodyLen := 8 + 8 + 4 + 4 + len(t.Entries)*16 + 4 + len(t.StreamFilter)
	buf := make([]byte, frameHeaderLen+bodyLen+frameCRCLen)

	buf[0], buf[1] = frameMagic[0], frameMagic[1]
	buf[2] = byte(kindTrailer)
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bodyLen))

	off := frameHeaderLen
	binary.LittleEndian.PutUint64(buf[off:], uint64(t.BatchStart))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(t.BatchEnd))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], t.BatchCRC)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.Entries)))
	off += 4
	for _, e := range t.Entries {
		binary.LittleEndian.PutUint64(buf[off:], e.GlobalPos)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Offset))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(t.StreamFilter)))
	off += 4
	off += copy(buf[off:], t.StreamFilter)

	crc := crc32.Checksum(buf[:off], castagnoli)
	binary.LittleEndian.PutUint32(buf[off:], crc)

	return buf
}

// DecodeTrailer parses a trailer frame from the start of buf, returning the
// trailer and the number of bytes consumed.
func DecodeTrailer(buf []byte) (Trailer, int, error) {
	if len(buf) < frameHeaderLen {
		return Trailer{}, 0, fmt.Errorf("segment: short header")
	}
	if buf[0] != frameMagic[0] || buf[1] != frameMagic[1] {
		return Trailer{}, 0, fmt.Errorf("segment: bad magic")
	}
	if frameKind(buf[2]) != kindTrailer {
		return Trailer{}, 0, fmt.Errorf("segment: expected trailer frame, got kind %d", buf[2])
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[4:8]))
	total := frameHeaderLen + bodyLen + frameCRCLen
	if bodyLen < 8+8+4+4 || total > len(buf) {
		return Trailer{}, 0, fmt.Errorf("segment: trailer length overruns buffer")
	}

	body := buf[frameHeaderLen : frameHeaderLen+bodyLen]
	crcField := buf[frameHeaderLen+bodyLen : total]
	wantCRC := binary.LittleEndian.Uint32(crcField)
	gotCRC := crc32.Checksum(buf[:frameHeaderLen+bodyLen], castagnoli)
	if gotCRC != wantCRC {
		return Trailer{}, 0, fmt.Errorf("segment: trailer crc mismatch")
	}

	off := 0
	t := Trailer{}
	t.BatchStart = int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	t.BatchEnd = int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	t.BatchCRC = binary.LittleEndian.Uint32(body[off:])
	off += 4
	count := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+count*16+4 > len(body) {
		return Trailer{}, 0, fmt.Errorf("segment: trailer entry count overruns body")
	}
	t.Entries = make([]Locator, count)
	for i := 0; i < count; i++ {
		t.Entries[i].GlobalPos = binary.LittleEndian.Uint64(body[off:])
		off += 8
		t.Entries[i].Offset = int64(binary.LittleEndian.Uint64(body[off:]))
		off += 8
	}
	filterLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+filterLen != len(body) {
		return Trailer{}, 0, fmt.Errorf("segment: trailer filter length mismatch")
	}
	if filterLen > 0 {
		t.StreamFilter = append([]byte(nil), body[off:off+filterLen]...)
	}

	return t, total, nil
}

// IsTrailerFrame reports whether the frame starting at buf is a trailer
// rather than a record, without fully decoding it. Callers must already
// know len(buf) >= frameHeaderLen.
func IsTrailerFrame(buf []byte) bool {
	return buf[0] == frameMagic[0] && buf[1] == frameMagic[1] && frameKind(buf[2]) == kindTrailer
}
