// Package reader implements the read paths from spec.md §4.D: per-stream
// reads with tenant enforcement, and the unfiltered global read the
// projection coordinator uses. Readers never block the writer — they only
// ever take the stream index's brief locks and read segment files
// directly.
package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/arkiliandb/eventcore/internal/segment"
	"github.com/arkiliandb/eventcore/internal/streamindex"
	"github.com/arkiliandb/eventcore/pkg/types"
)

// Reader serves reads against the log. It holds no lock the writer ever
// waits on.
type Reader struct {
	dir  string
	idx  *streamindex.Index
	head func() uint64
}

// Open creates a Reader over the segment files in dir, backed by idx for
// per-stream lookups. head reports the writer's current global_head.
func Open(dir string, idx *streamindex.Index, head func() uint64) *Reader {
	return &Reader{dir: dir, idx: idx, head: head}
}

// ReadStream returns events on streamID starting at fromRev, in revision
// order, up to maxCount. Every returned record's tenant_id must match
// tenantID, unless tenantID is types.SystemTenant.
func (r *Reader) ReadStream(ctx context.Context, streamID string, fromRev uint64, maxCount int, tenantID string) ([]types.Event, error) {
	state, ok := r.idx.Lookup(streamID)
	if !ok {
		return nil, &types.StreamNotFound{Stream: streamID}
	}
	if fromRev == 0 {
		fromRev = 1
	}
	if fromRev > state.CurrentRev {
		return nil, nil
	}

	locators, resident := r.idx.Locators(streamID)
	if !resident {
		rebuilt, err := r.rebuildLocators(streamID)
		if err != nil {
			return nil, err
		}
		locators = rebuilt
		r.idx.RestoreLocators(streamID, locators)
	}

	// Locators are appended in commit order and every stream is gap-free
	// from rev 1, so the locator at index i always corresponds to rev i+1.
	startIdx := int(fromRev) - 1
	if startIdx < 0 || startIdx >= len(locators) {
		return nil, nil
	}
	endIdx := startIdx + maxCount
	if endIdx > len(locators) || maxCount <= 0 {
		endIdx = len(locators)
	}

	var out []types.Event
	for _, loc := range locators[startIdx:endIdx] {
		ev, err := r.readAt(loc.SegmentFirstGlobalPos, loc.Offset)
		if err != nil {
			return nil, err
		}
		if tenantID != types.SystemTenant && ev.TenantID != tenantID {
			return nil, &types.TenantMismatch{Stream: streamID, Expected: tenantID, Actual: ev.TenantID}
		}
		out = append(out, ev)
	}
	return out, nil
}

// ReadGlobal returns events in global-position order starting at fromPos,
// up to maxCount. Callers of this form are trusted: tenant filtering is
// their own responsibility. If fromPos is beyond the current global head,
// ReadGlobal returns an empty, non-error result.
func (r *Reader) ReadGlobal(ctx context.Context, fromPos uint64, maxCount int) ([]types.Event, error) {
	if fromPos == 0 {
		fromPos = 1
	}
	if maxCount <= 0 {
		maxCount = 100
	}
	head := r.head()
	if fromPos > head {
		return nil, nil
	}

	files, err := segment.ListDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reader: list segments: %w", err)
	}

	var out []types.Event
	for _, fi := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		result, err := segment.Recover(fi.Path)
		if err != nil {
			return nil, fmt.Errorf("reader: scan %s: %w", fi.Path, err)
		}
		for _, ev := range result.Events {
			if ev.GlobalPos < fromPos {
				continue
			}
			if ev.GlobalPos > head {
				return out, nil
			}
			out = append(out, ev)
			if len(out) >= maxCount {
				return out, nil
			}
		}
	}
	return out, nil
}

// GetStreamRevision returns streamID's current revision under tenantID.
func (r *Reader) GetStreamRevision(ctx context.Context, streamID, tenantID string) (uint64, error) {
	state, ok := r.idx.Lookup(streamID)
	if !ok {
		return 0, &types.StreamNotFound{Stream: streamID}
	}
	if tenantID != types.SystemTenant {
		events, err := r.ReadStream(ctx, streamID, state.CurrentRev, 1, tenantID)
		if err != nil {
			return 0, err
		}
		if len(events) == 0 {
			return 0, &types.StreamNotFound{Stream: streamID}
		}
	}
	return state.CurrentRev, nil
}

// readAt decodes the single record at offset within the segment whose
// first global position is segmentFirstPos.
func (r *Reader) readAt(segmentFirstPos uint64, offset int64) (types.Event, error) {
	path := filepath.Join(r.dir, segment.FileName(segmentFirstPos))
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Event{}, fmt.Errorf("reader: open %s: %w", path, err)
	}
	if offset < 0 || offset >= int64(len(data)) {
		return types.Event{}, &types.Corrupted{Segment: path, Offset: offset, Reason: "offset out of range"}
	}
	ev, _, err := segment.DecodeRecord(data[offset:])
	if err != nil {
		return types.Event{}, &types.Corrupted{Segment: path, Offset: offset, Reason: err.Error()}
	}
	return ev, nil
}

// rebuildLocators reconstructs a stream's locator list segment by segment.
// Each segment is recovered in full to reach its trailers; if none of their
// Bloom filters can contain the stream, its events are not searched.
// Segments that might contain the stream are searched event by event. This is the
// path the stream index's eviction contract promises: a cold stream's
// locators are never lost, only temporarily uncached.
func (r *Reader) rebuildLocators(streamID string) ([]streamindex.RecordLocator, error) {
	files, err := segment.ListDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reader: list segments: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FirstGlobalPos < files[j].FirstGlobalPos })

	var locators []streamindex.RecordLocator
	for _, fi := range files {
		result, err := segment.Recover(fi.Path)
		if err != nil {
			return nil, fmt.Errorf("reader: rebuild scan %s: %w", fi.Path, err)
		}

		might := false
		for _, tr := range result.Trailers {
			if segment.MightContainStream(tr.StreamFilter, streamID) {
				might = true
				break
			}
		}
		if !might {
			continue
		}

		for _, ev := range result.Events {
			if ev.StreamID != streamID {
				continue
			}
			locators = append(locators, streamindex.RecordLocator{
				SegmentFirstGlobalPos: fi.FirstGlobalPos,
				GlobalPos:             ev.GlobalPos,
				Offset:                offsetOf(result, ev.GlobalPos),
			})
		}
	}
	return locators, nil
}

// offsetOf looks up the byte offset recorded for globalPos among a
// segment's recovered trailer entries.
func offsetOf(result segment.RecoverResult, globalPos uint64) int64 {
	for _, tr := range result.Trailers {
		for _, e := range tr.Entries {
			if e.GlobalPos == globalPos {
				return e.Offset
			}
		}
	}
	return -1
}
