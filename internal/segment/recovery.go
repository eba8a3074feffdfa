package segment

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/arkiliandb/eventcore/pkg/types"
)

// RecoverResult is the outcome of scanning a single segment file on open.
type RecoverResult struct {
	// Trailers holds every fully validated (CRC-clean) trailer found, in
	// file order. Each one closes a durably committed batch.
	Trailers []Trailer
	// Events holds every record decoded from a durably committed batch, in
	// file (= global position) order, for rebuilding the stream index on
	// open. Records from a torn or never-closed tail batch are excluded.
	Events []types.Event
	// ValidLength is the number of bytes, from the start of the file, that
	// are known-good. Anything beyond it — an in-flight batch that never
	// acquired its closing trailer before the process died — is discarded.
	ValidLength int64
	// Truncated reports whether bytes beyond ValidLength existed and were
	// dropped.
	Truncated bool
}

// Recover scans a segment file frame by frame and determines how much of
// it is safe to keep.
//
// Every record frame is decoded and CRC-checked as the scan reaches it. A
// trailer is accepted only if its own CRC is clean, its BatchStart and
// BatchEnd match the bytes scanned since the previous trailer, and the
// BatchCRC it carries matches those bytes; an accepted trailer makes its
// batch durable. The scan reads and checks every byte of the file, so
// recovery cost grows with the segment's total size: trailers do not let
// it skip over committed batches.
//
// A commit writes its record frames and trailer in a single buffer with a
// single fsync (internal/eventlog), so a crash mid-write can never leave a
// batch half-durable: either the trailer is present and CRC-clean, or the
// whole batch — valid-looking stray records included — is torn and must
// be discarded as a unit.
func Recover(path string) (RecoverResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("segment: recover %s: %w", path, err)
	}

	var trailers []Trailer
	// pendingEvents holds records decoded since the last validated
	// trailer; they're only kept if a trailer closes out their batch.
	var committedEvents []types.Event
	var pendingEvents []types.Event
	validEnd := int64(0)
	pos := int64(0)

	for pos < int64(len(data)) {
		ev, n, ok := tryRecord(data[pos:])
		if ok {
			pendingEvents = append(pendingEvents, ev)
			pos += int64(n)
			continue
		}

		tr, n, ok := tryTrailer(data[pos:])
		if ok {
			if tr.BatchStart != validEnd || tr.BatchEnd != pos || !batchCRCValid(data, tr) {
				break
			}
			trailers = append(trailers, tr)
			committedEvents = append(committedEvents, pendingEvents...)
			pendingEvents = nil
			pos += int64(n)
			validEnd = pos
			continue
		}

		break
	}

	return RecoverResult{
		Trailers:    trailers,
		Events:      committedEvents,
		ValidLength: validEnd,
		Truncated:   validEnd < int64(len(data)),
	}, nil
}

// Truncate drops everything in the segment file past result.ValidLength,
// discarding a torn or never-closed tail batch as a whole.
func Truncate(path string, result RecoverResult) error {
	if !result.Truncated {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("segment: truncate open %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(result.ValidLength); err != nil {
		return fmt.Errorf("segment: truncate %s: %w", path, err)
	}
	return f.Sync()
}

func tryRecord(buf []byte) (types.Event, int, bool) {
	ev, n, err := DecodeRecord(buf)
	if err != nil {
		return types.Event{}, 0, false
	}
	return ev, n, true
}

func tryTrailer(buf []byte) (Trailer, int, bool) {
	tr, n, err := DecodeTrailer(buf)
	if err != nil {
		return Trailer{}, 0, false
	}
	return tr, n, true
}

func batchCRCValid(data []byte, tr Trailer) bool {
	if tr.BatchStart < 0 || tr.BatchEnd < tr.BatchStart || tr.BatchEnd > int64(len(data)) {
		return false
	}
	return crc32.Checksum(data[tr.BatchStart:tr.BatchEnd], castagnoli) == tr.BatchCRC
}
