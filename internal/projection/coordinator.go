package projection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arkiliandb/eventcore/pkg/types"
)

// WorkerState is one state in the coordinator's per-projection state
// machine, per spec.md §4.G.
type WorkerState string

const (
	StateIdle          WorkerState = "idle"
	StateFetching      WorkerState = "fetching"
	StateApplying      WorkerState = "applying"
	StateErrorDecision WorkerState = "error_decision"
	StateCommitting    WorkerState = "committing"
	StateFailed        WorkerState = "failed"
)

// EventReader is the narrow read interface the coordinator needs: global,
// position-ordered reads starting after a checkpoint. Tenant filtering is
// the caller's responsibility per spec.md §4.D, which is why projections
// get the unfiltered read_global form.
type EventReader interface {
	ReadGlobal(ctx context.Context, fromPos uint64, maxCount int) ([]types.Event, error)
}

// Waker lets the writer nudge a worker awake immediately on a new commit
// instead of waiting for its next poll tick.
type Waker interface {
	Subscribe() (ch <-chan uint64, unsubscribe func())
}

// Worker drives one registered projection from the log into its Store,
// in global order, exactly once. Its Start/Stop shape and ticker-driven
// loop follow the package's standard background-cycle idiom.
type Worker struct {
	reg    Registration
	reader EventReader
	store  Store
	waker  Waker

	mu     sync.Mutex
	state  WorkerState
	cancel context.CancelFunc
	done   chan struct{}

	lastErr  error
	retryPos uint64 // GlobalPos of the event currently on its one allowed retry
}

// NewWorker creates a worker for one registration, ready to Start.
func NewWorker(reg Registration, reader EventReader, store Store, waker Waker) *Worker {
	return &Worker{
		reg:    reg.withDefaults(),
		reader: reader,
		store:  store,
		waker:  waker,
		state:  StateIdle,
	}
}

// State returns the worker's current state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastError returns the error that drove the worker to Failed, if any.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Start begins the worker loop. It runs until the context is cancelled or
// Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop cancels the worker loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	var wakeCh <-chan uint64
	var unsubscribe func()
	if w.waker != nil {
		wakeCh, unsubscribe = w.waker.Subscribe()
		defer unsubscribe()
	}

	interval := time.Duration(w.reg.PollInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if w.State() == StateFailed {
			return
		}
		made := w.cycle(ctx)
		if w.State() == StateFailed {
			return
		}
		if made {
			continue // more work may be waiting; don't sleep
		}
		select {
		case <-ctx.Done():
			return
		case <-wakeCh:
		case <-ticker.C:
		}
	}
}

// cycle runs one Fetching→Applying→Committing pass and reports whether it
// made progress (a non-empty batch was applied).
func (w *Worker) cycle(ctx context.Context) bool {
	w.setState(StateFetching)

	checkpoint, hasCheckpoint, err := w.store.GetCheckpoint(ctx)
	if err != nil {
		w.fail(fmt.Errorf("projection %s: get checkpoint: %w", w.reg.Name, err))
		return false
	}
	from := uint64(1)
	if hasCheckpoint {
		from = checkpoint + 1
	}

	events, err := w.reader.ReadGlobal(ctx, from, w.reg.BatchSize)
	if err != nil {
		w.fail(fmt.Errorf("projection %s: read_global: %w", w.reg.Name, err))
		return false
	}
	if len(events) == 0 {
		w.setState(StateIdle)
		return false
	}

	if !w.apply(ctx, events) {
		return false
	}
	return true
}

// apply runs the Applying/ErrorDecision states over one batch, then commits
// it. Returns false if the worker transitioned to Failed.
func (w *Worker) apply(ctx context.Context, events []types.Event) bool {
	w.setState(StateApplying)

	byTenant := make(map[string]*stagedView)
	order := make([]string, 0, 1)

	i := 0
	for i < len(events) {
		ev := events[i]
		tenantID := w.reg.TenantOf(ev)
		view, ok := byTenant[tenantID]
		if !ok {
			view = newStagedView(ctx, w.store, tenantID)
			byTenant[tenantID] = view
			order = append(order, tenantID)
		}

		pre := view.snapshot()
		if err := w.reg.Apply(ev, view); err != nil {
			view.restore(pre) // discard this event's partial writes before deciding
			decision, retried := w.decide(ev, err)
			switch decision {
			case DecisionSkip:
				i++
				continue
			case DecisionRetry:
				if !retried {
					continue // re-invoke handler once, same i, from the pre-event snapshot
				}
				w.fail(fmt.Errorf("projection %s: handler failed twice on event at pos %d: %w", w.reg.Name, ev.GlobalPos, err))
				return false
			default:
				w.fail(fmt.Errorf("projection %s: handler failed at pos %d: %w", w.reg.Name, ev.GlobalPos, err))
				return false
			}
		}
		i++
	}

	w.setState(StateCommitting)
	lastGlobalPos := events[len(events)-1].GlobalPos
	tenantOps := make(map[string][]Op, len(order))
	for _, tenantID := range order {
		tenantOps[tenantID] = byTenant[tenantID].Ops()
	}
	if err := w.store.ApplyBatch(ctx, tenantOps, lastGlobalPos); err != nil {
		w.fail(fmt.Errorf("projection %s: apply_batch: %w", w.reg.Name, err))
		return false
	}

	w.setState(StateIdle)
	return true
}

// decide invokes on_error and, for a retry decision, tracks whether this
// event has already had its one allowed retry.
func (w *Worker) decide(ev types.Event, err error) (ErrorDecision, bool) {
	decision := w.reg.OnError(err, ev)
	if decision != DecisionRetry {
		return decision, false
	}

	w.mu.Lock()
	already := w.retryPos == ev.GlobalPos
	w.retryPos = ev.GlobalPos
	w.mu.Unlock()

	if already {
		return DecisionRetry, true
	}
	log.Printf("projection %s: retrying handler for event at pos %d after error: %v", w.reg.Name, ev.GlobalPos, err)
	return DecisionRetry, false
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.state = StateFailed
	w.lastErr = err
	w.mu.Unlock()
	log.Printf("projection worker failed: %v", err)
}
