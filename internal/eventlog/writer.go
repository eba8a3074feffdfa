// Package eventlog implements the commit protocol described in spec.md
// §4.B: per-stream optimistic concurrency, command-id idempotency, global
// position assignment, and the fsync-before-visibility ordering that makes
// the log safe to recover. Group commit coalesces concurrent callers into a
// single write and a single fsync without weakening any caller's
// durability guarantee.
package eventlog

import (
	"hash/crc32"
	"sync"
	"time"

	"github.com/arkiliandb/eventcore/internal/segment"
	"github.com/arkiliandb/eventcore/internal/streamindex"
	"github.com/arkiliandb/eventcore/pkg/types"
)

// Notifier is the narrow interface the writer needs from the
// write-visibility pub/sub bus (internal/notify).
type Notifier interface {
	Publish(globalHead uint64)
}

// Archiver is the narrow interface the writer needs from the cold-storage
// segment archiver (internal/archive). Archiving a sealed segment never
// blocks or fails a commit.
type Archiver interface {
	ArchiveAsync(path string, firstGlobalPos uint64)
}

type noopNotifier struct{}

func (noopNotifier) Publish(uint64) {}

type noopArchiver struct{}

func (noopArchiver) ArchiveAsync(string, uint64) {}

// Writer is the single-writer entry point for every mutation to the log.
type Writer struct {
	dir             string
	maxPayloadBytes int
	maxSegmentBytes int64

	index    *streamindex.Index
	notifier Notifier
	archiver Archiver

	// submitMu guards pending/leading, the group-commit admission queue.
	submitMu sync.Mutex
	pending  []*call
	leading  bool

	// The fields below are touched only by whichever goroutine currently
	// holds group-commit leadership; runCommitLoop never runs concurrently
	// with itself, so no separate lock is needed here. The one exception is
	// globalHead, which the leader also writes under submitMu so GlobalHead
	// can read it from any goroutine.
	active        *segment.Segment
	nextGlobalPos uint64
	globalHead    uint64
	unhealthy     error
}

// Options configures a new Writer.
type Options struct {
	Dir             string
	MaxPayloadBytes int
	MaxSegmentBytes int64
	Notifier        Notifier
	Archiver        Archiver
}

type call struct {
	commands []Command
	tenantID string
	done     chan struct{}
	results  []AppendResult
	err      error
}

// Open wraps an already-recovered active segment and stream index into a
// ready-to-use Writer. See Recover in this package for producing active
// and nextGlobalPos from an on-disk log.
func Open(opts Options, idx *streamindex.Index, active *segment.Segment, nextGlobalPos uint64) (*Writer, error) {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = types.MaxPayloadBytes
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 128 << 20
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	archiver := opts.Archiver
	if archiver == nil {
		archiver = noopArchiver{}
	}

	head := uint64(0)
	if nextGlobalPos > 1 {
		head = nextGlobalPos - 1
	}

	return &Writer{
		dir:             opts.Dir,
		maxPayloadBytes: opts.MaxPayloadBytes,
		maxSegmentBytes: opts.MaxSegmentBytes,
		index:           idx,
		notifier:        notifier,
		archiver:        archiver,
		active:          active,
		nextGlobalPos:   nextGlobalPos,
		globalHead:      head,
	}, nil
}

// GlobalHead returns the most recently committed global position, or 0 if
// the log is empty.
func (w *Writer) GlobalHead() uint64 {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()
	return w.globalHead
}

// Close closes the active segment. Callers must ensure no AppendBatch call
// is outstanding.
func (w *Writer) Close() error {
	return w.active.Close()
}

// AppendBatch commits a set of commands, across one or more streams,
// atomically: either every event is durably recorded and visible, or none
// is. tenantID is stamped onto every event in every command.
//
// Concurrent callers may have their calls coalesced into the same
// underlying write and fsync; each caller still observes the full commit
// protocol and only returns once its own data is durable.
func (w *Writer) AppendBatch(tenantID string, commands []Command) ([]AppendResult, error) {
	if len(commands) == 0 {
		return nil, nil
	}

	c := &call{commands: commands, tenantID: tenantID, done: make(chan struct{})}

	w.submitMu.Lock()
	w.pending = append(w.pending, c)
	amLeader := !w.leading
	if amLeader {
		w.leading = true
	}
	w.submitMu.Unlock()

	if amLeader {
		w.runCommitLoop()
	}

	<-c.done
	return c.results, c.err
}

// Append is sugar for a single-stream, single-command AppendBatch.
func (w *Writer) Append(tenantID string, cmd Command) (AppendResult, error) {
	results, err := w.AppendBatch(tenantID, []Command{cmd})
	if err != nil {
		return AppendResult{}, err
	}
	return results[0], nil
}

// runCommitLoop is the group-commit leader: it repeatedly drains whatever
// has queued up, commits it in one write and one fsync, and hands results
// back to every caller in that round, then checks again before giving up
// leadership — callers who queued while the round was in flight don't have
// to wait for a new leader to notice them.
func (w *Writer) runCommitLoop() {
	for {
		w.submitMu.Lock()
		batch := w.pending
		w.pending = nil
		if len(batch) == 0 {
			w.leading = false
			w.submitMu.Unlock()
			return
		}
		w.submitMu.Unlock()

		w.commitRound(batch)

		for _, c := range batch {
			close(c.done)
		}
	}
}

// indexUpdate is one prepared command's worth of state to apply to the
// stream index, deferred until after the round's fsync succeeds.
type indexUpdate struct {
	streamID      string
	newRev        uint64
	headGlobalPos uint64
	locators      []streamindex.RecordLocator
	commandID     string
	record        streamindex.CommandRecord
}

// commitRound performs the eight-step protocol from spec.md §4.B over every
// call queued for this round, in arrival order, producing one combined
// write buffer and one fsync. A call that fails validation does not affect
// any other call in the round; a failure writing or fsyncing the combined
// buffer fails every call that had something to write.
func (w *Writer) commitRound(batch []*call) {
	if w.unhealthy != nil {
		for _, c := range batch {
			c.err = &types.StoreUnhealthy{Cause: w.unhealthy}
		}
		return
	}

	var writeBuf []byte
	baseOffset := w.active.Size()
	roundRevs := make(map[string]uint64)
	now := uint64(time.Now().UnixMilli())

	type pendingWrite struct {
		c       *call
		updates []indexUpdate
	}
	var pendingWrites []pendingWrite

	for _, c := range batch {
		prepared, idempotentResults, err := w.prepareCall(c, roundRevs)
		if err != nil {
			c.err = err
			continue
		}
		if idempotentResults != nil {
			c.results = idempotentResults
			continue
		}

		buf, results, updates := w.serializeCall(c, prepared, now, baseOffset+int64(len(writeBuf)))
		writeBuf = append(writeBuf, buf...)
		c.results = results
		pendingWrites = append(pendingWrites, pendingWrite{c: c, updates: updates})
	}

	if len(writeBuf) == 0 {
		return
	}

	if err := w.writeAndMaybeRoll(writeBuf); err != nil {
		w.unhealthy = err
		for _, pw := range pendingWrites {
			pw.c.results = nil
			pw.c.err = err
		}
		return
	}

	for _, pw := range pendingWrites {
		for _, u := range pw.updates {
			w.index.Apply(u.streamID, u.newRev, u.headGlobalPos, u.locators, u.commandID, u.record)
		}
	}

	w.submitMu.Lock()
	w.globalHead = w.nextGlobalPos - 1
	head := w.globalHead
	w.submitMu.Unlock()
	w.notifier.Publish(head)
}

// preparedCommand is a command that passed validation, annotated with the
// stream revision its first event will occupy.
type preparedCommand struct {
	Command
	startRev uint64
}

// prepareCall validates every command in a call against the committed
// index plus whatever this round has already provisionally committed
// (roundRevs), only mutating roundRevs once the whole call is known to
// pass. It assigns no global positions — that happens in serializeCall,
// strictly after the entire call's validation succeeds.
func (w *Writer) prepareCall(c *call, roundRevs map[string]uint64) ([]preparedCommand, []AppendResult, error) {
	prepared := make([]preparedCommand, 0, len(c.commands))
	shadow := make(map[string]uint64)

	for _, cmd := range c.commands {
		for _, ev := range cmd.Events {
			if len(ev.Payload) > w.maxPayloadBytes {
				return nil, nil, &types.PayloadTooLarge{Stream: cmd.StreamID, Size: len(ev.Payload), MaxSize: w.maxPayloadBytes}
			}
		}

		if cmd.CommandID != "" {
			if rec, ok := w.index.CommandSeen(cmd.StreamID, cmd.CommandID); ok {
				if payloadsMatch(rec.PayloadCRCs, cmd.Events) {
					return nil, []AppendResult{{
						StreamID:       cmd.StreamID,
						FirstRev:       rec.FirstRev,
						LastRev:        rec.LastRev,
						FirstGlobalPos: rec.FirstGlobalPos,
						LastGlobalPos:  rec.LastGlobalPos,
					}}, nil
				}
				return nil, nil, &types.CommandIDReuse{Stream: cmd.StreamID, CommandID: cmd.CommandID}
			}
		}

		currentRev, exists := w.currentRev(cmd.StreamID, roundRevs, shadow)
		if err := checkExpectedRev(cmd.StreamID, cmd.ExpectedRev, currentRev, exists); err != nil {
			return nil, nil, err
		}

		prepared = append(prepared, preparedCommand{Command: cmd, startRev: currentRev + 1})
		shadow[cmd.StreamID] = currentRev + uint64(len(cmd.Events))
	}

	for streamID, rev := range shadow {
		roundRevs[streamID] = rev
	}

	return prepared, nil, nil
}

func (w *Writer) currentRev(streamID string, roundRevs, shadow map[string]uint64) (uint64, bool) {
	if rev, ok := shadow[streamID]; ok {
		return rev, true
	}
	if rev, ok := roundRevs[streamID]; ok {
		return rev, true
	}
	state, ok := w.index.Lookup(streamID)
	if !ok {
		return 0, false
	}
	return state.CurrentRev, true
}

func checkExpectedRev(streamID string, expected int64, currentRev uint64, exists bool) error {
	switch {
	case expected == ExpectedRevAny:
		return nil
	case expected == ExpectedRevMustNotExist:
		if exists {
			return &types.RevisionConflict{Stream: streamID, Expected: ExpectedRevMustNotExist, Actual: int64(currentRev)}
		}
		return nil
	default:
		if !exists || int64(currentRev) != expected {
			actual := int64(-1)
			if exists {
				actual = int64(currentRev)
			}
			return &types.RevisionConflict{Stream: streamID, Expected: expected, Actual: actual}
		}
		return nil
	}
}

func payloadsMatch(priorCRCs []uint32, events []EventInput) bool {
	if len(priorCRCs) != len(events) {
		return false
	}
	for i, ev := range events {
		if crc32.ChecksumIEEE(ev.Payload) != priorCRCs[i] {
			return false
		}
	}
	return true
}

// serializeCall assigns global positions and stream revisions for a
// validated call, encodes its records and trailer, and returns the
// combined frame bytes, the per-command results, and the index updates to
// apply once the round's fsync succeeds. baseOffset is the absolute byte
// offset, within the active segment, at which this call's bytes will land.
func (w *Writer) serializeCall(c *call, prepared []preparedCommand, nowMs uint64, baseOffset int64) (
	buf []byte, results []AppendResult, updates []indexUpdate,
) {
	results = make([]AppendResult, 0, len(prepared))
	updates = make([]indexUpdate, 0, len(prepared))
	var entries []segment.Locator
	var streamIDs []string

	segmentFirstPos := w.active.FirstGlobalPos()

	for _, pc := range prepared {
		firstGlobalPos := w.nextGlobalPos
		rev := pc.startRev
		crcs := make([]uint32, len(pc.Events))
		var locators []streamindex.RecordLocator

		for i, ev := range pc.Events {
			record := types.Event{
				GlobalPos:   w.nextGlobalPos,
				StreamID:    pc.StreamID,
				StreamRev:   rev,
				TenantID:    c.tenantID,
				CommandID:   pc.CommandID,
				TimestampMs: nowMs,
				Payload:     ev.Payload,
			}
			frame, err := segment.EncodeRecord(record)
			if err != nil {
				// Validated already (payload size is the only caller-
				// controlled failure mode); anything else here is a bug in
				// how this writer builds records, not a caller error.
				panic("eventlog: encode record: " + err.Error())
			}

			offset := baseOffset + int64(len(buf))
			entries = append(entries, segment.Locator{GlobalPos: w.nextGlobalPos, Offset: offset})
			locators = append(locators, streamindex.RecordLocator{
				SegmentFirstGlobalPos: segmentFirstPos,
				GlobalPos:             w.nextGlobalPos,
				Offset:                offset,
			})
			buf = append(buf, frame...)
			crcs[i] = crc32.ChecksumIEEE(ev.Payload)

			w.nextGlobalPos++
			rev++
		}

		lastGlobalPos := w.nextGlobalPos - 1
		lastRev := rev - 1

		results = append(results, AppendResult{
			StreamID:       pc.StreamID,
			FirstRev:       pc.startRev,
			LastRev:        lastRev,
			FirstGlobalPos: firstGlobalPos,
			LastGlobalPos:  lastGlobalPos,
		})

		var rec streamindex.CommandRecord
		if pc.CommandID != "" {
			rec = streamindex.CommandRecord{
				PayloadCRCs:    crcs,
				FirstRev:       pc.startRev,
				LastRev:        lastRev,
				FirstGlobalPos: firstGlobalPos,
				LastGlobalPos:  lastGlobalPos,
			}
		}

		updates = append(updates, indexUpdate{
			streamID:      pc.StreamID,
			newRev:        lastRev,
			headGlobalPos: lastGlobalPos,
			locators:      locators,
			commandID:     pc.CommandID,
			record:        rec,
		})

		streamIDs = append(streamIDs, pc.StreamID)
	}

	batchEnd := baseOffset + int64(len(buf))
	tr := segment.Trailer{
		BatchStart:   baseOffset,
		BatchEnd:     batchEnd,
		BatchCRC:     segment.BatchCRC(buf),
		Entries:      entries,
		StreamFilter: segment.BuildStreamFilter(dedupe(streamIDs)),
	}
	buf = append(buf, segment.EncodeTrailer(tr)...)

	return buf, results, updates
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// writeAndMaybeRoll appends buf to the active segment, fsyncs it, and
// rolls to a new segment if the cap is now exceeded. Archiving the sealed
// segment is handed off asynchronously and never blocks this call.
func (w *Writer) writeAndMaybeRoll(buf []byte) error {
	if _, err := w.active.Append(buf); err != nil {
		return &types.StorageFull{Path: w.active.Path()}
	}

	if w.active.Size() < w.maxSegmentBytes {
		return nil
	}

	sealedPath := w.active.Path()
	sealedFirstPos := w.active.FirstGlobalPos()
	if err := w.active.Close(); err != nil {
		return err
	}

	next, err := segment.Create(w.dir, w.nextGlobalPos)
	if err != nil {
		return err
	}
	w.active = next

	w.archiver.ArchiveAsync(sealedPath, sealedFirstPos)
	return nil
}
