package segment

import (
	"bytes"
	"testing"

	"github.com/arkiliandb/eventcore/pkg/types"
)

func TestEncodeDecodeRecord_RoundTrip(t *testing.T) {
	ev := types.Event{
		GlobalPos:   42,
		StreamID:    "order-123",
		StreamRev:   3,
		TenantID:    "tenant-a",
		CommandID:   "cmd-abc",
		TimestampMs: 1700000000000,
		Payload:     []byte(`{"type":"OrderPlaced","total":100}`),
	}

	buf, err := EncodeRecord(ev)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	got, n, err := DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if got.GlobalPos != ev.GlobalPos || got.StreamID != ev.StreamID || got.StreamRev != ev.StreamRev ||
		got.TenantID != ev.TenantID || got.CommandID != ev.CommandID || got.TimestampMs != ev.TimestampMs {
		t.Fatalf("decoded event mismatch: got %+v, want %+v", got, ev)
	}
	if !bytes.Equal(got.Payload, ev.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, ev.Payload)
	}
}

func TestDecodeRecord_CRCMismatch(t *testing.T) {
	ev := types.Event{GlobalPos: 1, StreamID: "s", TenantID: "t", CommandID: "c"}
	buf, err := EncodeRecord(ev)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF

	if _, _, err := DecodeRecord(buf); err == nil {
		t.Fatal("expected crc mismatch error, got nil")
	}
}

func TestDecodeRecord_ShortBuffer(t *testing.T) {
	if _, _, err := DecodeRecord([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected short header error, got nil")
	}
}

func TestDecodeRecord_TruncatedFrame(t *testing.T) {
	ev := types.Event{GlobalPos: 1, StreamID: "s", TenantID: "t", CommandID: "c", Payload: []byte("hello")}
	buf, err := EncodeRecord(ev)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if _, _, err := DecodeRecord(buf[:len(buf)-2]); err == nil {
		t.Fatal("expected overrun error for truncated frame, got nil")
	}
}

func TestDecodeRecord_WrongKind(t *testing.T) {
	tr := Trailer{BatchStart: 0, BatchEnd: 0}
	buf := EncodeTrailer(tr)
	if _, _, err := DecodeRecord(buf); err == nil {
		t.Fatal("expected kind mismatch error decoding a trailer as a record")
	}
}
