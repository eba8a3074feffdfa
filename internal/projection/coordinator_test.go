package projection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkiliandb/eventcore/pkg/types"
)

type fakeReader struct {
	events []types.Event
}

func (r *fakeReader) ReadGlobal(ctx context.Context, fromPos uint64, maxCount int) ([]types.Event, error) {
	var out []types.Event
	for _, ev := range r.events {
		if ev.GlobalPos >= fromPos {
			out = append(out, ev)
			if len(out) >= maxCount {
				break
			}
		}
	}
	return out, nil
}

func waitForState(t *testing.T, w *Worker, want WorkerState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("worker did not reach state %q within %s (at %q)", want, timeout, w.State())
}

func newCoordinatorStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.table")
	s, err := Open(path, "orders", testSchema())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorker_AppliesEventsInOrderAndAdvancesCheckpoint(t *testing.T) {
	store := newCoordinatorStore(t)
	reader := &fakeReader{events: []types.Event{
		{GlobalPos: 1, StreamID: "s1", TenantID: "t1", Payload: []byte("order-1")},
		{GlobalPos: 2, StreamID: "s1", TenantID: "t1", Payload: []byte("order-2")},
	}}

	reg := Registration{
		Name:      "orders",
		PollInterval: 5,
		Apply: func(ev types.Event, view StagedView) error {
			view.Set(string(ev.Payload), Row{"id": string(ev.Payload), "total": int64(ev.GlobalPos), "status": "created"})
			return nil
		},
		TenantOf: func(ev types.Event) string { return ev.TenantID },
	}

	w := NewWorker(reg, reader, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitForState(t, w, StateIdle, time.Second)

	checkpoint, ok, err := store.GetCheckpoint(context.Background())
	if err != nil || !ok || checkpoint != 2 {
		t.Fatalf("unexpected checkpoint: %d ok=%v err=%v", checkpoint, ok, err)
	}

	row, ok, err := store.ReadRow(context.Background(), "t1", "order-1")
	if err != nil || !ok {
		t.Fatalf("expected order-1 row: ok=%v err=%v", ok, err)
	}
	if row["status"] != "created" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestWorker_SkipOnErrorMakesProgress(t *testing.T) {
	store := newCoordinatorStore(t)
	reader := &fakeReader{events: []types.Event{
		{GlobalPos: 1, StreamID: "s1", TenantID: "t1", Payload: []byte("bad")},
		{GlobalPos: 2, StreamID: "s1", TenantID: "t1", Payload: []byte("good")},
	}}

	reg := Registration{
		Name:         "orders",
		PollInterval: 5,
		Apply: func(ev types.Event, view StagedView) error {
			if string(ev.Payload) == "bad" {
				return errors.New("boom")
			}
			view.Set(string(ev.Payload), Row{"id": string(ev.Payload), "total": int64(1), "status": "created"})
			return nil
		},
		TenantOf: func(ev types.Event) string { return ev.TenantID },
		OnError:  func(err error, ev types.Event) ErrorDecision { return DecisionSkip },
	}

	w := NewWorker(reg, reader, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitForState(t, w, StateIdle, time.Second)

	if _, ok, _ := store.ReadRow(context.Background(), "t1", "bad"); ok {
		t.Fatal("skipped event must not produce a row")
	}
	if _, ok, _ := store.ReadRow(context.Background(), "t1", "good"); !ok {
		t.Fatal("expected the event after the skipped one to still apply")
	}
}

func TestWorker_StopOnErrorFailsWorker(t *testing.T) {
	store := newCoordinatorStore(t)
	reader := &fakeReader{events: []types.Event{
		{GlobalPos: 1, StreamID: "s1", TenantID: "t1", Payload: []byte("bad")},
	}}

	reg := Registration{
		Name:         "orders",
		PollInterval: 5,
		Apply: func(ev types.Event, view StagedView) error {
			return errors.New("boom")
		},
		TenantOf: func(ev types.Event) string { return ev.TenantID },
		OnError:  func(err error, ev types.Event) ErrorDecision { return DecisionStop },
	}

	w := NewWorker(reg, reader, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitForState(t, w, StateFailed, time.Second)
	if w.LastError() == nil {
		t.Fatal("expected LastError to be set after Failed")
	}
}

func TestWorker_MultiTenantBatchCommitsAllTenantsUnderOneCheckpoint(t *testing.T) {
	store := newCoordinatorStore(t)
	reader := &fakeReader{events: []types.Event{
		{GlobalPos: 1, StreamID: "s1", TenantID: "t1", Payload: []byte("order-1")},
		{GlobalPos: 2, StreamID: "s2", TenantID: "t2", Payload: []byte("order-2")},
		{GlobalPos: 3, StreamID: "s3", TenantID: "t3", Payload: []byte("order-3")},
	}}

	reg := Registration{
		Name:         "orders",
		PollInterval: 5,
		Apply: func(ev types.Event, view StagedView) error {
			view.Set(string(ev.Payload), Row{"id": string(ev.Payload), "total": int64(ev.GlobalPos), "status": "created"})
			return nil
		},
		TenantOf: func(ev types.Event) string { return ev.TenantID },
	}

	w := NewWorker(reg, reader, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitForState(t, w, StateIdle, time.Second)

	checkpoint, ok, err := store.GetCheckpoint(context.Background())
	if err != nil || !ok || checkpoint != 3 {
		t.Fatalf("unexpected checkpoint: %d ok=%v err=%v", checkpoint, ok, err)
	}

	for tenant, key := range map[string]string{"t1": "order-1", "t2": "order-2", "t3": "order-3"} {
		if _, ok, err := store.ReadRow(context.Background(), tenant, key); err != nil || !ok {
			t.Fatalf("expected %s/%s to be committed alongside the other tenants in the batch, ok=%v err=%v", tenant, key, ok, err)
		}
	}
}

func TestWorker_RetryEscalatesToStopAfterSecondFailure(t *testing.T) {
	store := newCoordinatorStore(t)
	reader := &fakeReader{events: []types.Event{
		{GlobalPos: 1, StreamID: "s1", TenantID: "t1", Payload: []byte("bad")},
	}}

	reg := Registration{
		Name:         "orders",
		PollInterval: 5,
		Apply: func(ev types.Event, view StagedView) error {
			return errors.New("boom")
		},
		TenantOf: func(ev types.Event) string { return ev.TenantID },
		OnError:  func(err error, ev types.Event) ErrorDecision { return DecisionRetry },
	}

	w := NewWorker(reg, reader, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	waitForState(t, w, StateFailed, time.Second)
}
