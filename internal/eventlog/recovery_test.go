package eventlog

import (
	"testing"

	"github.com/arkiliandb/eventcore/internal/segment"
	"github.com/arkiliandb/eventcore/internal/streamindex"
)

func TestRecover_EmptyDirCreatesFirstSegment(t *testing.T) {
	dir := t.TempDir()

	idx, active, nextGlobalPos, err := Recover(dir, 0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer idx.Close()
	defer active.Close()

	if nextGlobalPos != 1 {
		t.Fatalf("nextGlobalPos = %d, want 1", nextGlobalPos)
	}
	if idx.StreamCount() != 0 {
		t.Fatalf("expected empty index, got %d streams", idx.StreamCount())
	}
}

func TestRecover_RebuildsStreamIndexAfterRestart(t *testing.T) {
	dir := t.TempDir()

	active, err := segment.Create(dir, 1)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	idx := streamindex.New(0)
	defer idx.Close()
	w, err := Open(Options{Dir: dir}, idx, active, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := w.Append("tenant-a", Command{
		StreamID:    "order-1",
		CommandID:   "cmd-1",
		ExpectedRev: ExpectedRevMustNotExist,
		Events:      []EventInput{{Payload: []byte("created")}, {Payload: []byte("confirmed")}},
	}); err != nil {
		t.Fatalf("append order-1: %v", err)
	}
	if _, err := w.Append("tenant-a", Command{
		StreamID:    "order-2",
		ExpectedRev: ExpectedRevMustNotExist,
		Events:      []EventInput{{Payload: []byte("created")}},
	}); err != nil {
		t.Fatalf("append order-2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, active2, nextGlobalPos, err := Recover(dir, 0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer idx2.Close()
	defer active2.Close()

	if nextGlobalPos != 4 {
		t.Fatalf("nextGlobalPos = %d, want 4", nextGlobalPos)
	}

	state1, ok := idx2.Lookup("order-1")
	if !ok || state1.CurrentRev != 2 {
		t.Fatalf("unexpected order-1 state after recovery: %+v ok=%v", state1, ok)
	}
	state2, ok := idx2.Lookup("order-2")
	if !ok || state2.CurrentRev != 1 {
		t.Fatalf("unexpected order-2 state after recovery: %+v ok=%v", state2, ok)
	}

	rec, ok := idx2.CommandSeen("order-1", "cmd-1")
	if !ok || rec.FirstGlobalPos != 1 || rec.LastGlobalPos != 2 {
		t.Fatalf("unexpected recovered command record: %+v ok=%v", rec, ok)
	}

	locs, resident := idx2.Locators("order-1")
	if !resident || len(locs) != 2 {
		t.Fatalf("expected 2 resident locators for order-1, got %+v resident=%v", locs, resident)
	}
	if locs[0].Offset != 0 {
		t.Fatalf("first record offset = %d, want 0", locs[0].Offset)
	}

	// The recovered writer must continue assigning positions and revisions
	// without colliding with what was written before the restart.
	w2, err := Open(Options{Dir: dir}, idx2, active2, nextGlobalPos)
	if err != nil {
		t.Fatalf("Open after recovery: %v", err)
	}
	defer w2.Close()

	res, err := w2.Append("tenant-a", Command{StreamID: "order-1", ExpectedRev: 2, Events: []EventInput{{Payload: []byte("shipped")}}})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if res.FirstRev != 3 || res.FirstGlobalPos != 4 {
		t.Fatalf("unexpected post-recovery append result: %+v", res)
	}
}
