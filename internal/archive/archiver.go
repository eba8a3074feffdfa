// Package archive implements the cold-storage segment archiver from
// spec.md (NEW component, §4.H): on segment roll, a sealed segment is
// Snappy-compressed and uploaded to object storage asynchronously, never
// blocking or failing the write path. A failed or interrupted upload is
// retried on the archiver's own schedule; ConditionalPut plus an
// existence check make a retried upload idempotent.
package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"

	"github.com/arkiliandb/eventcore/internal/storage"
)

// Config controls archiving behaviour.
type Config struct {
	Prefix        string // object storage key prefix, e.g. "segments/"
	RetryInterval time.Duration
	MaxAttempts   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:        "segments/",
		RetryInterval: 30 * time.Second,
		MaxAttempts:   10,
	}
}

// Metrics is a point-in-time snapshot for observability.
type Metrics struct {
	Uploaded int64
	Failed   int64
	Pending  int64
	Retries  int64
}

// Archiver uploads sealed segments to object storage in the background.
type Archiver struct {
	store storage.ObjectStorage
	cfg   Config

	uploaded atomic.Int64
	failed   atomic.Int64
	retries  atomic.Int64

	mu      sync.Mutex
	pending map[string]*job // keyed by segment path
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

type job struct {
	path           string
	firstGlobalPos uint64
	attempts       int
}

// New creates an Archiver backed by the given object storage implementation
// (internal/storage's LocalStorage or S3Storage).
func New(store storage.ObjectStorage, cfg Config) *Archiver {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	a := &Archiver{
		store:   store,
		cfg:     cfg,
		pending: make(map[string]*job),
		stopCh:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.retryLoop()
	return a
}

// Close stops the retry loop and waits for any in-flight upload to finish.
func (a *Archiver) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// ArchiveAsync schedules path for upload without blocking the caller.
// Satisfies internal/eventlog's Archiver interface.
func (a *Archiver) ArchiveAsync(path string, firstGlobalPos uint64) {
	j := &job{path: path, firstGlobalPos: firstGlobalPos}

	a.mu.Lock()
	a.pending[path] = j
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.attempt(j)
	}()
}

func (a *Archiver) attempt(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	objectPath := a.objectPath(j.path)

	exists, err := a.store.Exists(ctx, objectPath)
	if err == nil && exists {
		a.succeed(j)
		return
	}

	compressedPath, cleanup, err := compress(j.path)
	if err != nil {
		a.fail(j, fmt.Errorf("archive: compress %s: %w", j.path, err))
		return
	}
	defer cleanup()

	if err := a.store.ConditionalPut(ctx, compressedPath, objectPath, ""); err != nil {
		a.fail(j, fmt.Errorf("archive: upload %s: %w", j.path, err))
		return
	}

	a.succeed(j)
}

func (a *Archiver) succeed(j *job) {
	a.mu.Lock()
	delete(a.pending, j.path)
	a.mu.Unlock()
	a.uploaded.Add(1)
}

func (a *Archiver) fail(j *job, err error) {
	j.attempts++
	log.Printf("archive: %v (attempt %d/%d)", err, j.attempts, a.cfg.MaxAttempts)

	if j.attempts >= a.cfg.MaxAttempts {
		a.mu.Lock()
		delete(a.pending, j.path)
		a.mu.Unlock()
		a.failed.Add(1)
		return
	}
	a.mu.Lock()
	a.pending[j.path] = j
	a.mu.Unlock()
}

func (a *Archiver) retryLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.retryPending()
		}
	}
}

func (a *Archiver) retryPending() {
	a.mu.Lock()
	jobs := make([]*job, 0, len(a.pending))
	for _, j := range a.pending {
		jobs = append(jobs, j)
	}
	a.mu.Unlock()

	for _, j := range jobs {
		a.retries.Add(1)
		a.attempt(j)
	}
}

func (a *Archiver) objectPath(segmentPath string) string {
	return filepath.Join(a.cfg.Prefix, filepath.Base(segmentPath)+".snappy")
}

// Snapshot returns current archiver metrics.
func (a *Archiver) Snapshot() Metrics {
	a.mu.Lock()
	pending := int64(len(a.pending))
	a.mu.Unlock()
	return Metrics{
		Uploaded: a.uploaded.Load(),
		Failed:   a.failed.Load(),
		Pending:  pending,
		Retries:  a.retries.Load(),
	}
}

// compress Snappy-compresses src into a temp file and returns its path
// plus a cleanup function that removes it.
func compress(src string) (string, func(), error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", nil, err
	}
	compressed := snappy.Encode(nil, data)

	tmp, err := os.CreateTemp("", filepath.Base(src)+".*.snappy")
	if err != nil {
		return "", nil, err
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}

	path := tmp.Name()
	return path, func() { os.Remove(path) }, nil
}
