// Package projection implements the projection state store and coordinator
// described in spec.md §4.F and §4.G: a tenant-scoped materialised table per
// registered projection, and the worker that drives events from the log
// into it exactly once.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkiliandb/eventcore/pkg/types"
)

// OpKind distinguishes the two mutation kinds apply_batch accepts.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

// Op is one row mutation within an apply_batch call.
type Op struct {
	Kind OpKind
	Key  string
	Row  map[string]any // ignored for OpDelete
}

// Row is a materialised projection row, keyed by column name.
type Row map[string]any

// Store is the contract spec.md §4.F defines for a projection's backing
// table: tenant-scoped reads and writes, and an atomically-advanced
// checkpoint that enforces exactly-once apply.
type Store interface {
	// ApplyBatch atomically applies every tenant's ops in tenantOps and
	// advances the checkpoint to lastGlobalPos, all in one physical
	// transaction: either every tenant's ops and the checkpoint advance
	// together, or none of them do. lastGlobalPos must be strictly greater
	// than the current checkpoint.
	ApplyBatch(ctx context.Context, tenantOps map[string][]Op, lastGlobalPos uint64) error

	ReadRow(ctx context.Context, tenantID, key string) (Row, bool, error)

	GetCheckpoint(ctx context.Context) (uint64, bool, error)

	// DeleteTenant removes every row for tenantID. Not atomic with the log;
	// intended for erasure requests.
	DeleteTenant(ctx context.Context, tenantID string) (int64, error)

	Close() error
}

// SQLiteStore is a Store backed by one SQLite database file per projection,
// using a single write connection plus a read-only connection pool so
// concurrent reads never block on the writer.
type SQLiteStore struct {
	name   string
	schema types.Schema
	pkCol  string
	cols   []string // schema column names, in fixed order, excluding tenant_id

	db     *sql.DB // write connection, single connection, WAL mode
	readDB *sql.DB // read connection pool

	mu sync.Mutex // serializes writes; reads don't need it
}

// Dir returns the path a projection's database file should live at, given
// the store root and the projection's name.
func Dir(root, name string) string {
	return filepath.Join(root, "projections", name+".table")
}

// Open opens (creating if absent) the SQLite-backed table for one
// registered projection.
func Open(path string, name string, schema types.Schema) (*SQLiteStore, error) {
	pkCol := schema.PrimaryKeyColumn()
	if pkCol == "" {
		return nil, fmt.Errorf("projection: schema for %q has no primary key column", name)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("projection: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("projection: open read handle %s: %w", path, err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{name: name, schema: schema, pkCol: pkCol, db: db, readDB: readDB}
	for _, c := range schema.Columns {
		s.cols = append(s.cols, c.Name)
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	var colDefs []string
	for _, c := range s.schema.Columns {
		def := fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		colDefs = append(colDefs, def)
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rows (
		tenant_id TEXT NOT NULL,
		%s,
		PRIMARY KEY (tenant_id, %s)
	)`, strings.Join(colDefs, ",\n\t\t"), quoteIdent(s.pkCol))

	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("projection: init schema for %q: %w", s.name, err)
	}

	const checkpointStmt = `CREATE TABLE IF NOT EXISTS checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		last_global_pos INTEGER NOT NULL
	)`
	if _, err := s.db.Exec(checkpointStmt); err != nil {
		return fmt.Errorf("projection: init checkpoint table for %q: %w", s.name, err)
	}
	return nil
}

// ApplyBatch implements Store. Every tenant's ops are written under the
// same transaction that advances the checkpoint, so a batch spanning
// several tenants either lands in full or not at all — no tenant's ops can
// be skipped by a checkpoint that has already moved past their events.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, tenantOps map[string][]Op, lastGlobalPos uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, hasCheckpoint, err := s.checkpointTx(ctx, tx)
	if err != nil {
		return err
	}
	if hasCheckpoint && lastGlobalPos <= current {
		return &types.CheckpointRegression{Projection: s.name, Proposed: lastGlobalPos, Current: current}
	}

	for tenantID, ops := range tenantOps {
		for _, op := range ops {
			switch op.Kind {
			case OpUpsert:
				if err := s.upsertTx(ctx, tx, tenantID, op); err != nil {
					return err
				}
			case OpDelete:
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM rows WHERE tenant_id = ? AND %s = ?", quoteIdent(s.pkCol)), tenantID, op.Key); err != nil {
					return fmt.Errorf("projection: delete row: %w", err)
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint (id, last_global_pos) VALUES (0, ?)
		ON CONFLICT(id) DO UPDATE SET last_global_pos = excluded.last_global_pos`, lastGlobalPos); err != nil {
		return fmt.Errorf("projection: advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("projection: commit apply_batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertTx(ctx context.Context, tx *sql.Tx, tenantID string, op Op) error {
	cols := []string{"tenant_id"}
	placeholders := []string{"?"}
	args := []any{tenantID}
	var updateAssignments []string

	for _, name := range s.cols {
		v, ok := op.Row[name]
		if !ok {
			continue
		}
		cols = append(cols, quoteIdent(name))
		placeholders = append(placeholders, "?")
		args = append(args, v)
		if name != s.pkCol {
			updateAssignments = append(updateAssignments, fmt.Sprintf("%s = excluded.%s", quoteIdent(name), quoteIdent(name)))
		}
	}

	query := fmt.Sprintf("INSERT INTO rows (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if len(updateAssignments) > 0 {
		query += fmt.Sprintf(" ON CONFLICT(tenant_id, %s) DO UPDATE SET %s", quoteIdent(s.pkCol), strings.Join(updateAssignments, ", "))
	} else {
		query += fmt.Sprintf(" ON CONFLICT(tenant_id, %s) DO NOTHING", quoteIdent(s.pkCol))
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("projection: upsert row: %w", err)
	}
	return nil
}

// ReadRow implements Store.
func (s *SQLiteStore) ReadRow(ctx context.Context, tenantID, key string) (Row, bool, error) {
	cols := append([]string{}, s.cols...)
	query := fmt.Sprintf("SELECT %s FROM rows WHERE tenant_id = ? AND %s = ?", quoteIdentList(cols), quoteIdent(s.pkCol))

	row := s.readDB.QueryRowContext(ctx, query, tenantID, key)
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("projection: read row: %w", err)
	}

	out := make(Row, len(cols))
	for i, c := range cols {
		out[c] = dest[i]
	}
	return out, true, nil
}

// GetCheckpoint implements Store.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context) (uint64, bool, error) {
	var pos uint64
	err := s.readDB.QueryRowContext(ctx, "SELECT last_global_pos FROM checkpoint WHERE id = 0").Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("projection: get checkpoint: %w", err)
	}
	return pos, true, nil
}

func (s *SQLiteStore) checkpointTx(ctx context.Context, tx *sql.Tx) (uint64, bool, error) {
	var pos uint64
	err := tx.QueryRowContext(ctx, "SELECT last_global_pos FROM checkpoint WHERE id = 0").Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("projection: get checkpoint in tx: %w", err)
	}
	return pos, true, nil
}

// DeleteTenant implements Store.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM rows WHERE tenant_id = ?", tenantID)
	if err != nil {
		return 0, fmt.Errorf("projection: delete tenant: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	err1 := s.readDB.Close()
	err2 := s.db.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdentList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}
