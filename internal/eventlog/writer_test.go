package eventlog

import (
	"sync"
	"testing"

	"github.com/arkiliandb/eventcore/internal/segment"
	"github.com/arkiliandb/eventcore/internal/streamindex"
	"github.com/arkiliandb/eventcore/pkg/types"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	dir := t.TempDir()
	active, err := segment.Create(dir, 1)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	idx := streamindex.New(0)
	t.Cleanup(idx.Close)

	w, err := Open(Options{Dir: dir}, idx, active, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWriter_AppendSingleStream(t *testing.T) {
	w := newTestWriter(t)

	res, err := w.Append("tenant-a", Command{
		StreamID:    "order-1",
		ExpectedRev: ExpectedRevMustNotExist,
		Events: []EventInput{
			{Payload: []byte("created")},
			{Payload: []byte("confirmed")},
		},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.FirstRev != 1 || res.LastRev != 2 {
		t.Fatalf("unexpected revisions: %+v", res)
	}
	if res.FirstGlobalPos != 1 || res.LastGlobalPos != 2 {
		t.Fatalf("unexpected global positions: %+v", res)
	}
	if w.GlobalHead() != 2 {
		t.Fatalf("GlobalHead() = %d, want 2", w.GlobalHead())
	}
}

func TestWriter_ExpectedRevMustNotExistConflict(t *testing.T) {
	w := newTestWriter(t)

	if _, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("a")}}}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("b")}}})
	if _, ok := err.(*types.RevisionConflict); !ok {
		t.Fatalf("expected RevisionConflict, got %v", err)
	}
}

func TestWriter_ExpectedRevExactMatch(t *testing.T) {
	w := newTestWriter(t)

	if _, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("a")}}}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	res, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: 1, Events: []EventInput{{Payload: []byte("b")}}})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if res.FirstRev != 2 {
		t.Fatalf("FirstRev = %d, want 2", res.FirstRev)
	}

	_, err = w.Append("t", Command{StreamID: "s1", ExpectedRev: 1, Events: []EventInput{{Payload: []byte("c")}}})
	if _, ok := err.(*types.RevisionConflict); !ok {
		t.Fatalf("expected RevisionConflict for stale expected_rev, got %v", err)
	}
}

func TestWriter_ExpectedRevAny(t *testing.T) {
	w := newTestWriter(t)

	if _, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevAny, Events: []EventInput{{Payload: []byte("a")}}}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	res, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevAny, Events: []EventInput{{Payload: []byte("b")}}})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if res.FirstRev != 2 {
		t.Fatalf("FirstRev = %d, want 2", res.FirstRev)
	}
}

func TestWriter_CommandIDIdempotentRetrySamePayload(t *testing.T) {
	w := newTestWriter(t)

	cmd := Command{
		StreamID:    "s1",
		CommandID:   "cmd-1",
		ExpectedRev: ExpectedRevMustNotExist,
		Events:      []EventInput{{Payload: []byte("a")}},
	}

	first, err := w.Append("t", cmd)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	second, err := w.Append("t", cmd)
	if err != nil {
		t.Fatalf("retried append: %v", err)
	}
	if second != first {
		t.Fatalf("retried append returned different result: first=%+v second=%+v", first, second)
	}
	if w.GlobalHead() != 1 {
		t.Fatalf("retry must not advance the log: GlobalHead() = %d, want 1", w.GlobalHead())
	}
}

func TestWriter_CommandIDReuseDifferentPayload(t *testing.T) {
	w := newTestWriter(t)

	if _, err := w.Append("t", Command{
		StreamID:    "s1",
		CommandID:   "cmd-1",
		ExpectedRev: ExpectedRevMustNotExist,
		Events:      []EventInput{{Payload: []byte("a")}},
	}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := w.Append("t", Command{
		StreamID:    "s1",
		CommandID:   "cmd-1",
		ExpectedRev: ExpectedRevAny,
		Events:      []EventInput{{Payload: []byte("different")}},
	})
	if _, ok := err.(*types.CommandIDReuse); !ok {
		t.Fatalf("expected CommandIDReuse, got %v", err)
	}
}

func TestWriter_PayloadTooLarge(t *testing.T) {
	dir := t.TempDir()
	active, err := segment.Create(dir, 1)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	idx := streamindex.New(0)
	defer idx.Close()

	w, err := Open(Options{Dir: dir, MaxPayloadBytes: 4}, idx, active, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	_, err = w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevAny, Events: []EventInput{{Payload: []byte("way too big")}}})
	if _, ok := err.(*types.PayloadTooLarge); !ok {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}

func TestWriter_AppendBatchMultiStreamAtomic(t *testing.T) {
	w := newTestWriter(t)

	results, err := w.AppendBatch("t", []Command{
		{StreamID: "s1", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("a")}}},
		{StreamID: "s2", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("b")}}},
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].StreamID != "s1" || results[1].StreamID != "s2" {
		t.Fatalf("unexpected result order: %+v", results)
	}
	if results[0].FirstGlobalPos == results[1].FirstGlobalPos {
		t.Fatal("expected distinct global positions across streams in the same batch")
	}
}

func TestWriter_AppendBatchPartialFailureDoesNotPoisonOthers(t *testing.T) {
	w := newTestWriter(t)

	if _, err := w.Append("t", Command{StreamID: "s1", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("a")}}}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	_, err := w.AppendBatch("t", []Command{
		{StreamID: "s1", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("conflict")}}},
	})
	if _, ok := err.(*types.RevisionConflict); !ok {
		t.Fatalf("expected RevisionConflict, got %v", err)
	}

	// The writer must still be usable after a validation failure.
	res, err := w.Append("t", Command{StreamID: "s2", ExpectedRev: ExpectedRevMustNotExist, Events: []EventInput{{Payload: []byte("ok")}}})
	if err != nil {
		t.Fatalf("append after failed batch: %v", err)
	}
	if res.FirstRev != 1 {
		t.Fatalf("FirstRev = %d, want 1", res.FirstRev)
	}
}

func TestWriter_ConcurrentAppendsCoalesceWithDistinctGlobalPositions(t *testing.T) {
	w := newTestWriter(t)

	const n = 50
	var wg sync.WaitGroup
	results := make([]AppendResult, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := w.Append("t", Command{
				StreamID:    "stream-concurrent",
				ExpectedRev: ExpectedRevAny,
				Events:      []EventInput{{Payload: []byte("x")}},
			})
			results[i] = res
			errs[i] = err
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seen[results[i].FirstGlobalPos] {
			t.Fatalf("duplicate global position %d", results[i].FirstGlobalPos)
		}
		seen[results[i].FirstGlobalPos] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct positions, want %d", len(seen), n)
	}

	state, ok := w.index.Lookup("stream-concurrent")
	if !ok || state.CurrentRev != uint64(n) {
		t.Fatalf("unexpected final stream state: %+v ok=%v", state, ok)
	}
}

func TestWriter_SegmentRollsAtCap(t *testing.T) {
	dir := t.TempDir()
	active, err := segment.Create(dir, 1)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	idx := streamindex.New(0)
	defer idx.Close()

	w, err := Open(Options{Dir: dir, MaxSegmentBytes: 64}, idx, active, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	for i := 0; i < 10; i++ {
		if _, err := w.Append("t", Command{
			StreamID:    "s1",
			ExpectedRev: ExpectedRevAny,
			Events:      []EventInput{{Payload: []byte("payload-for-roll-test")}},
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	infos, err := segment.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(infos) < 2 {
		t.Fatalf("got %d segment files, want at least 2 after exceeding the cap", len(infos))
	}
}
