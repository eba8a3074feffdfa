package eventlog

import (
	"hash/crc32"
	"os"

	"github.com/arkiliandb/eventcore/internal/segment"
	"github.com/arkiliandb/eventcore/internal/streamindex"
)

// streamAccumulator collects the pieces of StreamState, locator list, and
// command idempotency records that Recover rebuilds for one stream as it
// replays the log in global-position order.
type streamAccumulator struct {
	state    streamindex.StreamState
	locators []streamindex.RecordLocator
	commands map[string]streamindex.CommandRecord
}

// Recover opens the log directory, truncating any torn tail on the active
// segment, and rebuilds the stream index by replaying every committed
// record in global-position order. It returns the index, the segment that
// should be appended to next, and the global position the next commit
// should assign.
//
// If dir contains no segments yet, Recover creates dir if it does not
// exist, creates the first segment in it, and returns an empty index
// starting at global position 1.
func Recover(dir string, maxResidentLocators int64) (*streamindex.Index, *segment.Segment, uint64, error) {
	files, err := segment.ListDir(dir)
	if err != nil {
		return nil, nil, 0, err
	}

	idx := streamindex.New(maxResidentLocators)

	if len(files) == 0 {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, 0, err
		}
		active, err := segment.Create(dir, 1)
		if err != nil {
			return nil, nil, 0, err
		}
		return idx, active, 1, nil
	}

	accumulators := make(map[string]*streamAccumulator)
	var nextGlobalPos uint64 = 1

	for _, fi := range files {
		result, err := segment.Recover(fi.Path)
		if err != nil {
			return nil, nil, 0, err
		}
		if result.Truncated {
			if err := segment.Truncate(fi.Path, result); err != nil {
				return nil, nil, 0, err
			}
		}

		// Trailer entries and decoded events share the same order: each
		// committed batch contributes one entry and one event per record,
		// appended to both slices in lockstep as the batch was written.
		var entries []segment.Locator
		for _, tr := range result.Trailers {
			entries = append(entries, tr.Entries...)
		}

		for i, ev := range result.Events {
			acc := accumulators[ev.StreamID]
			if acc == nil {
				acc = &streamAccumulator{commands: make(map[string]streamindex.CommandRecord)}
				accumulators[ev.StreamID] = acc
			}
			acc.state = streamindex.StreamState{CurrentRev: ev.StreamRev, HeadGlobalPos: ev.GlobalPos, Exists: true}
			if i < len(entries) {
				acc.locators = append(acc.locators, streamindex.RecordLocator{
					SegmentFirstGlobalPos: fi.FirstGlobalPos,
					GlobalPos:             ev.GlobalPos,
					Offset:                entries[i].Offset,
				})
			}
			if ev.CommandID != "" {
				rec, ok := acc.commands[ev.CommandID]
				if !ok {
					rec = streamindex.CommandRecord{FirstRev: ev.StreamRev, FirstGlobalPos: ev.GlobalPos}
				}
				rec.LastRev = ev.StreamRev
				rec.LastGlobalPos = ev.GlobalPos
				rec.PayloadCRCs = append(rec.PayloadCRCs, crc32.ChecksumIEEE(ev.Payload))
				acc.commands[ev.CommandID] = rec
			}
			if ev.GlobalPos >= nextGlobalPos {
				nextGlobalPos = ev.GlobalPos + 1
			}
		}
	}

	for streamID, acc := range accumulators {
		idx.Seed(streamID, acc.state, acc.locators, acc.commands)
	}

	last := files[len(files)-1]
	active, err := reopenActive(last)
	if err != nil {
		return nil, nil, 0, err
	}

	return idx, active, nextGlobalPos, nil
}

func reopenActive(last segment.FileInfo) (*segment.Segment, error) {
	result, err := segment.Recover(last.Path)
	if err != nil {
		return nil, err
	}
	return segment.OpenForAppend(last.Path, last.FirstGlobalPos, result.ValidLength)
}
