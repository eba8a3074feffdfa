// Package eventcore is the embedded event store and projection pipeline
// described in spec.md: an append-only event log with per-stream optimistic
// concurrency and a monotonic global ordering, plus an at-least-once
// projection runtime that materialises derived tables under tenant
// isolation and exactly-once checkpointing.
package eventcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkiliandb/eventcore/internal/admission"
	"github.com/arkiliandb/eventcore/internal/archive"
	"github.com/arkiliandb/eventcore/internal/eventlog"
	"github.com/arkiliandb/eventcore/internal/notify"
	"github.com/arkiliandb/eventcore/internal/projection"
	"github.com/arkiliandb/eventcore/internal/reader"
	"github.com/arkiliandb/eventcore/internal/storage"
	"github.com/arkiliandb/eventcore/pkg/types"
)

// ExpectedRev semantics for Append/AppendBatch, per spec.md §4.B.
const (
	ExpectedRevMustNotExist = eventlog.ExpectedRevMustNotExist
	ExpectedRevAny          = eventlog.ExpectedRevAny
)

// EventInput is one event supplied by a caller before global_pos,
// stream_rev, and timestamp_ms are assigned at commit.
type EventInput = eventlog.EventInput

// Command is one logical append: a set of events for a single stream under
// one command id.
type Command = eventlog.Command

// AppendResult reports the revisions and global positions a command's
// events were assigned.
type AppendResult = eventlog.AppendResult

// Row is a materialised projection row, keyed by column name.
type Row = projection.Row

// StagedView is the get/set/delete handle a projection's Apply function
// uses to read the current tenant-scoped table plus its own in-batch
// writes, and to record new writes.
type StagedView = projection.StagedView

// ErrorDecision is what a projection's OnError hook returns after a
// handler failure.
type ErrorDecision = projection.ErrorDecision

const (
	DecisionSkip  = projection.DecisionSkip
	DecisionRetry = projection.DecisionRetry
	DecisionStop  = projection.DecisionStop
)

// ProjectionRegistration describes one projection: its schema, batch
// shape, and handler functions, per spec.md §4.G.
type ProjectionRegistration struct {
	Name         string
	Schema       types.Schema
	BatchSize    int
	PollInterval int // milliseconds
	Apply        func(event types.Event, view StagedView) error
	TenantOf     func(event types.Event) string
	OnError      func(err error, event types.Event) ErrorDecision
}

// Store is the process-wide handle spec.md §6's open() returns. It owns
// the writer, stream index, reader, admission controller, notifier,
// archiver, and every registered projection's worker, and tears them all
// down in order on Close.
type Store struct {
	opts Options

	writer     *eventlog.Writer
	rd         *reader.Reader
	admissionC *admission.Controller
	notifier   *notify.Notifier
	archiver   *archive.Archiver
	objStore   storage.ObjectStorage

	mu          sync.Mutex
	projStores  map[string]*projection.SQLiteStore
	projWorkers map[string]*projection.Worker
	workerCtx   context.Context
	workerStop  context.CancelFunc
}

// Open recovers the log at opts.Dir (creating it if empty) and returns a
// ready-to-use Store. See spec.md §4.A's Recovery-on-open discipline: any
// torn tail left by a crash is truncated before the store accepts writes.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()

	idx, active, nextGlobalPos, err := eventlog.Recover(opts.eventsDir(), opts.MaxResidentLocators)
	if err != nil {
		return nil, fmt.Errorf("eventcore: recover: %w", err)
	}

	notifier := notify.New(opts.NotifyBufferSize)
	// Seed the head the reader sees with what recovery found on disk.
	notifier.Publish(nextGlobalPos - 1)

	s := &Store{
		opts:        opts,
		rd:          reader.Open(opts.eventsDir(), idx, notifier.Head),
		admissionC:  admission.New(admission.Config(opts.Admission)),
		notifier:    notifier,
		projStores:  make(map[string]*projection.SQLiteStore),
		projWorkers: make(map[string]*projection.Worker),
	}

	var archiver *archive.Archiver
	if opts.Archive.Enabled {
		objStore, err := opts.Archive.Storage.open()
		if err != nil {
			return nil, fmt.Errorf("eventcore: open archive storage: %w", err)
		}
		s.objStore = objStore
		archiver = archive.New(objStore, archive.Config{
			Prefix:        opts.Archive.Prefix,
			RetryInterval: opts.Archive.RetryInterval,
			MaxAttempts:   opts.Archive.MaxAttempts,
		})
		s.archiver = archiver
	}

	writer, err := eventlog.Open(eventlog.Options{
		Dir:             opts.eventsDir(),
		MaxPayloadBytes: opts.MaxPayloadBytes,
		MaxSegmentBytes: opts.MaxSegmentBytes,
		Notifier:        notifier,
		Archiver:        writerArchiver{archiver},
	}, idx, active, nextGlobalPos)
	if err != nil {
		return nil, fmt.Errorf("eventcore: open writer: %w", err)
	}
	s.writer = writer

	s.workerCtx, s.workerStop = context.WithCancel(context.Background())

	return s, nil
}

// writerArchiver adapts a possibly-nil *archive.Archiver to
// eventlog.Archiver so the writer never needs a nil check.
type writerArchiver struct{ a *archive.Archiver }

func (w writerArchiver) ArchiveAsync(path string, firstGlobalPos uint64) {
	if w.a != nil {
		w.a.ArchiveAsync(path, firstGlobalPos)
	}
}

// Append is sugar for a single-stream, single-command AppendBatch, gated by
// the admission controller.
func (s *Store) Append(tenantID string, cmd Command) (AppendResult, error) {
	results, err := s.AppendBatch(tenantID, []Command{cmd})
	if err != nil {
		return AppendResult{}, err
	}
	return results[0], nil
}

// AppendBatch commits commands across one or more streams atomically,
// after passing the admission controller's closed-loop concurrency gate
// (spec.md §4.E). A caller rejected with Overloaded should retry later;
// the store never queues a rejected write.
func (s *Store) AppendBatch(tenantID string, commands []Command) ([]AppendResult, error) {
	if err := s.admissionC.Acquire(); err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := s.writer.AppendBatch(tenantID, commands)
	s.admissionC.Release(time.Since(start))
	return results, err
}

// ReadStream returns events on streamID starting at fromRev, in revision
// order, up to maxCount, enforcing tenant isolation.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromRev uint64, maxCount int, tenantID string) ([]types.Event, error) {
	return s.rd.ReadStream(ctx, streamID, fromRev, maxCount, tenantID)
}

// ReadGlobal returns events in global-position order starting at fromPos.
// Callers of this form are trusted: tenant filtering is their own
// responsibility.
func (s *Store) ReadGlobal(ctx context.Context, fromPos uint64, maxCount int) ([]types.Event, error) {
	return s.rd.ReadGlobal(ctx, fromPos, maxCount)
}

// GetStreamRevision returns streamID's current revision under tenantID.
func (s *Store) GetStreamRevision(ctx context.Context, streamID, tenantID string) (uint64, error) {
	return s.rd.GetStreamRevision(ctx, streamID, tenantID)
}

// AdmissionMetrics returns the current admission controller snapshot, per
// spec.md §6's get_admission_metrics.
func (s *Store) AdmissionMetrics() admission.Metrics {
	return s.admissionC.Snapshot()
}

// ArchiveMetrics returns the cold-storage archiver's snapshot, or the zero
// value if archiving is disabled.
func (s *Store) ArchiveMetrics() archive.Metrics {
	if s.archiver == nil {
		return archive.Metrics{}
	}
	return s.archiver.Snapshot()
}

// RegisterProjection opens (or creates) the projection's backing table and
// starts its worker, per spec.md §4.G. Registering the same name twice is
// an error.
func (s *Store) RegisterProjection(reg ProjectionRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projWorkers[reg.Name]; exists {
		return fmt.Errorf("eventcore: projection %q already registered", reg.Name)
	}

	path := projection.Dir(s.opts.Dir, reg.Name)
	store, err := projection.Open(path, reg.Name, reg.Schema)
	if err != nil {
		return fmt.Errorf("eventcore: open projection %q: %w", reg.Name, err)
	}

	worker := projection.NewWorker(projection.Registration{
		Name:         reg.Name,
		Schema:       reg.Schema,
		BatchSize:    reg.BatchSize,
		PollInterval: reg.PollInterval,
		Apply:        reg.Apply,
		TenantOf:     reg.TenantOf,
		OnError:      reg.OnError,
	}, s.rd, store, s.notifier)

	s.projStores[reg.Name] = store
	s.projWorkers[reg.Name] = worker
	worker.Start(s.workerCtx)
	return nil
}

// GetProjectionCheckpoint returns the projection's last_applied_global_pos.
func (s *Store) GetProjectionCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	store, err := s.projectionStore(name)
	if err != nil {
		return 0, false, err
	}
	return store.GetCheckpoint(ctx)
}

// ReadProjectionRow reads one row from a registered projection's table,
// scoped to tenantID.
func (s *Store) ReadProjectionRow(ctx context.Context, name, tenantID, key string) (Row, bool, error) {
	store, err := s.projectionStore(name)
	if err != nil {
		return nil, false, err
	}
	return store.ReadRow(ctx, tenantID, key)
}

// DeleteTenantFromProjection bulk-deletes tenantID's rows from a
// projection's table. Non-atomic with the log; for erasure requests.
func (s *Store) DeleteTenantFromProjection(ctx context.Context, name, tenantID string) (int64, error) {
	store, err := s.projectionStore(name)
	if err != nil {
		return 0, err
	}
	return store.DeleteTenant(ctx, tenantID)
}

// ProjectionState returns a registered projection worker's current state
// machine value, per spec.md §4.G.
func (s *Store) ProjectionState(name string) (projection.WorkerState, error) {
	s.mu.Lock()
	worker, ok := s.projWorkers[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("eventcore: projection %q not registered", name)
	}
	return worker.State(), nil
}

func (s *Store) projectionStore(name string) (*projection.SQLiteStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.projStores[name]
	if !ok {
		return nil, fmt.Errorf("eventcore: projection %q not registered", name)
	}
	return store, nil
}

// Close stops every projection worker (letting an in-flight batch finish
// or abort before commit, never mid-commit), then the archiver, then
// closes the active segment. Order matters: workers must stop touching the
// reader before the writer's segment is closed out from under them.
func (s *Store) Close() error {
	s.mu.Lock()
	workers := make([]*projection.Worker, 0, len(s.projWorkers))
	for _, w := range s.projWorkers {
		workers = append(workers, w)
	}
	stores := make([]*projection.SQLiteStore, 0, len(s.projStores))
	for _, st := range s.projStores {
		stores = append(stores, st)
	}
	s.mu.Unlock()

	s.workerStop()
	for _, w := range workers {
		w.Stop()
	}
	for _, st := range stores {
		st.Close()
	}

	if s.archiver != nil {
		s.archiver.Close()
	}
	s.admissionC.Close()

	return s.writer.Close()
}
