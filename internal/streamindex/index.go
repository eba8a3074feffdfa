// Package streamindex keeps the in-memory stream_id → StreamState map that
// backs expected_rev checks and command-id idempotency. It is fully
// rebuildable from segment trailers, so locator lists for cold streams can
// be evicted under memory pressure without losing correctness.
package streamindex

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// RecordLocator identifies one record's position by the segment it lives in
// (named by that segment's first global position) and its byte offset
// within that segment file.
type RecordLocator struct {
	SegmentFirstGlobalPos uint64
	GlobalPos             uint64
	Offset                int64
}

// CommandRecord is the idempotency record kept per (stream_id, command_id)
// so a retried append with the same command id can be answered from memory
// instead of re-appending.
type CommandRecord struct {
	PayloadCRCs    []uint32
	FirstRev       uint64
	LastRev        uint64
	FirstGlobalPos uint64
	LastGlobalPos  uint64
}

// StreamState is the durable-enough-to-rebuild summary of one stream.
type StreamState struct {
	CurrentRev    uint64
	HeadGlobalPos uint64
	Exists        bool
}

// Metrics holds stream index statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Streams   atomic.Int64
	Locators  atomic.Int64 // resident (non-evicted) locator count across all streams
}

type entry struct {
	mu          sync.RWMutex
	state       StreamState
	locators    []RecordLocator // nil when evicted; rebuildable from trailers
	commands    map[string]CommandRecord
	lastAccess  atomic.Int64
	accessCount atomic.Int64
}

// Index is the process-wide stream index. One Index is shared by the
// writer (exclusive per-stream updates, taken while the global write lock
// is held) and readers (brief read locks).
type Index struct {
	maxLocators int64 // resident locator budget across all streams; 0 = unbounded
	metrics     Metrics

	mu      sync.RWMutex
	streams map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an Index that evicts locator lists once the total number of
// resident locators exceeds maxLocators. maxLocators <= 0 disables
// eviction.
func New(maxLocators int64) *Index {
	idx := &Index{
		maxLocators: maxLocators,
		streams:     make(map[string]*entry),
		stopCh:      make(chan struct{}),
	}
	if maxLocators > 0 {
		idx.wg.Add(1)
		go idx.evictionLoop()
	}
	return idx
}

// Close stops the background eviction loop, if running.
func (idx *Index) Close() {
	idx.stopOnce.Do(func() { close(idx.stopCh) })
	idx.wg.Wait()
}

// Lookup returns the current state of a stream without touching its
// locator list.
func (idx *Index) Lookup(streamID string) (StreamState, bool) {
	e := idx.get(streamID)
	if e == nil {
		idx.metrics.Misses.Add(1)
		return StreamState{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx.metrics.Hits.Add(1)
	e.touch()
	return e.state, e.state.Exists
}

// CommandSeen returns the idempotency record for (streamID, commandID) if
// one was recorded by a prior commit.
func (idx *Index) CommandSeen(streamID, commandID string) (CommandRecord, bool) {
	e := idx.get(streamID)
	if e == nil {
		return CommandRecord{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.commands[commandID]
	return rec, ok
}

// Locators returns the resident locator list for a stream. A nil, false
// result with state.Exists true means the list was evicted and must be
// rebuilt by scanning the owning segments' trailers.
func (idx *Index) Locators(streamID string) ([]RecordLocator, bool) {
	e := idx.get(streamID)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.touch()
	if e.locators == nil {
		return nil, false
	}
	out := make([]RecordLocator, len(e.locators))
	copy(out, e.locators)
	return out, true
}

// Apply records a newly committed batch of record locators for a single
// stream, called by the writer exactly once per stream per commit, strictly
// after that commit's fsync has returned.
func (idx *Index) Apply(streamID string, newRev, headGlobalPos uint64, locators []RecordLocator, commandID string, rec CommandRecord) {
	e := idx.getOrCreate(streamID)

	e.mu.Lock()
	e.state = StreamState{CurrentRev: newRev, HeadGlobalPos: headGlobalPos, Exists: true}
	e.locators = append(e.locators, locators...)
	if commandID != "" {
		if e.commands == nil {
			e.commands = make(map[string]CommandRecord)
		}
		e.commands[commandID] = rec
	}
	e.touch()
	e.mu.Unlock()

	idx.metrics.Locators.Add(int64(len(locators)))
}

// RestoreLocators reinstates a previously evicted stream's locator list,
// e.g. after rebuilding it from segment trailers on demand.
func (idx *Index) RestoreLocators(streamID string, locators []RecordLocator) {
	e := idx.getOrCreate(streamID)
	e.mu.Lock()
	before := len(e.locators)
	e.locators = locators
	e.mu.Unlock()
	idx.metrics.Locators.Add(int64(len(locators) - before))
}

// Seed installs a stream's state during recovery, without going through
// the commit path.
func (idx *Index) Seed(streamID string, state StreamState, locators []RecordLocator, commands map[string]CommandRecord) {
	e := idx.getOrCreate(streamID)
	e.mu.Lock()
	e.state = state
	e.locators = locators
	e.commands = commands
	e.mu.Unlock()
	idx.metrics.Locators.Add(int64(len(locators)))
}

// StreamCount returns the number of streams known to the index.
func (idx *Index) StreamCount() int64 {
	return idx.metrics.Streams.Load()
}

func (idx *Index) get(streamID string) *entry {
	idx.mu.RLock()
	e := idx.streams[streamID]
	idx.mu.RUnlock()
	return e
}

func (idx *Index) getOrCreate(streamID string) *entry {
	idx.mu.RLock()
	e := idx.streams[streamID]
	idx.mu.RUnlock()
	if e != nil {
		return e
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e = idx.streams[streamID]; e != nil {
		return e
	}
	e = &entry{}
	idx.streams[streamID] = e
	idx.metrics.Streams.Add(1)
	return e
}

func (e *entry) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
}

func (idx *Index) evictionLoop() {
	defer idx.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			idx.evictCold()
		}
	}
}

// evictCold drops locator lists for the least-recently-used streams until
// resident locator count is back under the configured budget. State
// (CurrentRev, HeadGlobalPos, command idempotency records) is never
// evicted: it is small and required for correctness on every append.
func (idx *Index) evictCold() {
	if idx.metrics.Locators.Load() <= idx.maxLocators {
		return
	}

	type candidate struct {
		streamID string
		e        *entry
		access   int64
	}

	idx.mu.RLock()
	candidates := make([]candidate, 0, len(idx.streams))
	for id, e := range idx.streams {
		e.mu.RLock()
		hasLocators := len(e.locators) > 0
		e.mu.RUnlock()
		if hasLocators {
			candidates = append(candidates, candidate{streamID: id, e: e, access: e.lastAccess.Load()})
		}
	}
	idx.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].access < candidates[j].access })

	for _, c := range candidates {
		if idx.metrics.Locators.Load() <= idx.maxLocators {
			return
		}
		c.e.mu.Lock()
		freed := int64(len(c.e.locators))
		c.e.locators = nil
		c.e.mu.Unlock()
		idx.metrics.Locators.Add(-freed)
		idx.metrics.Evictions.Add(1)
	}
}
