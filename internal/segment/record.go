// Package segment implements the on-disk framing for the event log: a
// binary, CRC-protected record format and the periodic trailer blocks that
// make crash recovery cheap. It has no knowledge of streams, revisions, or
// commit protocol beyond encoding and decoding bytes — those live in
// internal/eventlog.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/arkiliandb/eventcore/pkg/types"
)

// frameMagic identifies the start of a frame (record or trailer). It is not
// a format version; a version bump would need a new magic value.
var frameMagic = [2]byte{0xE5, 0xC1}

// frameKind is stored in the flags byte (the third header byte),
// distinguishing an event record from a trailer block.
type frameKind byte

const (
	kindRecord  frameKind = 0
	kindTrailer frameKind = 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frameHeaderLen is magic(2) + flags(1) + reserved(1) + length(4).
const frameHeaderLen = 8

// frameCRCLen is the length of the trailing crc32c field.
const frameCRCLen = 4

// EncodeRecord serialises a single event into its on-disk frame:
//
//	magic(2B) flags(1B) reserved(1B) length(4B)
//	global_pos(8B) stream_rev(8B) timestamp_ms(8B)
//	stream_id_len(2B) tenant_id_len(2B) command_id_len(2B) payload_len(4B)
//	stream_id tenant_id command_id payload
//	crc32c(4B)
//
// length covers everything between the header and the trailing crc32c.
// crc32c covers every preceding byte of the record, header included.
func EncodeRecord(ev types.Event) ([]byte, error) {
	if len(ev.StreamID) > 0xFFFF || len(ev.TenantID) > 0xFFFF || len(ev.CommandID) > 0xFFFF {
		return nil, fmt.Errorf("segment: stream/tenant/command id exceeds 65535 bytes")
	}
	if len(ev.Payload) > 0xFFFFFFFF {
		return nil, fmt.Errorf("segment: payload exceeds uint32 length")
	}

	bodyLen := 8 + 8 + 8 + 2 + 2 + 2 + 4 + len(ev.StreamID) + len(ev.TenantID) + len(ev.CommandID) + len(ev.Payload)
	buf := make([]byte, frameHeaderLen+bodyLen+frameCRCLen)

	buf[0], buf[1] = frameMagic[0], frameMagic[1]
	buf[2] = byte(kindRecord)
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bodyLen))

	off := frameHeaderLen
	binary.LittleEndian.PutUint64(buf[off:], ev.GlobalPos)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], ev.StreamRev)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], ev.TimestampMs)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(ev.StreamID)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(ev.TenantID)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(ev.CommandID)))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ev.Payload)))
	off += 4
	off += copy(buf[off:], ev.StreamID)
	off += copy(buf[off:], ev.TenantID)
	off += copy(buf[off:], ev.CommandID)
	off += copy(buf[off:], ev.Payload)

	crc := crc32.Checksum(buf[:off], castagnoli)
	binary.LittleEndian.PutUint32(buf[off:], crc)

	return buf, nil
}

// DecodeRecord parses a single record frame from the start of buf.
// It returns the decoded event and the number of bytes consumed. It
// returns an error (and zero consumed) if buf does not hold a complete,
// CRC-valid record — the caller decides whether that means "torn tail" or
// genuine corruption depending on where in the segment it occurred.
func DecodeRecord(buf []byte) (types.Event, int, error) {
	if len(buf) < frameHeaderLen {
		return types.Event{}, 0, fmt.Errorf("segment: short header")
	}
	if buf[0] != frameMagic[0] || buf[1] != frameMagic[1] {
		return types.Event{}, 0, fmt.Errorf("segment: bad magic")
	}
	if frameKind(buf[2]) != kindRecord {
		return types.Event{}, 0, fmt.Errorf("segment: expected record frame, got kind %d", buf[2])
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[4:8]))
	total := frameHeaderLen + bodyLen + frameCRCLen
	if bodyLen < 8+8+8+2+2+2+4 || total > len(buf) {
		return types.Event{}, 0, fmt.Errorf("segment: record length overruns buffer")
	}

	body := buf[frameHeaderLen : frameHeaderLen+bodyLen]
	crcField := buf[frameHeaderLen+bodyLen : total]
	wantCRC := binary.LittleEndian.Uint32(crcField)
	gotCRC := crc32.Checksum(buf[:frameHeaderLen+bodyLen], castagnoli)
	if gotCRC != wantCRC {
		return types.Event{}, 0, fmt.Errorf("segment: crc mismatch")
	}

	off := 0
	ev := types.Event{}
	ev.GlobalPos = binary.LittleEndian.Uint64(body[off:])
	off += 8
	ev.StreamRev = binary.LittleEndian.Uint64(body[off:])
	off += 8
	ev.TimestampMs = binary.LittleEndian.Uint64(body[off:])
	off += 8
	streamLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	tenantLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	commandLen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	payloadLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4

	if off+streamLen+tenantLen+commandLen+payloadLen != len(body) {
		return types.Event{}, 0, fmt.Errorf("segment: record field lengths do not match body size")
	}

	ev.StreamID = string(body[off : off+streamLen])
	off += streamLen
	ev.TenantID = string(body[off : off+tenantLen])
	off += tenantLen
	ev.CommandID = string(body[off : off+commandLen])
	off += commandLen
	ev.Payload = append([]byte(nil), body[off:off+payloadLen]...)

	return ev, total, nil
}
