package projection

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arkiliandb/eventcore/pkg/types"
)

func testSchema() types.Schema {
	return types.Schema{
		Columns: []types.ColumnDef{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "total", Type: "INTEGER"},
			{Name: "status", Type: "TEXT"},
		},
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
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

func TestStore_ApplyBatchUpsertAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ops := []Op{
		{Kind: OpUpsert, Key: "order-1", Row: map[string]any{"id": "order-1", "total": int64(100), "status": "created"}},
	}
	if err := s.ApplyBatch(ctx, map[string][]Op{"tenant-a": ops}, 1); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	row, ok, err := s.ReadRow(ctx, "tenant-a", "order-1")
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if !ok {
		t.Fatal("expected row to exist")
	}
	if row["status"] != "created" {
		t.Fatalf("unexpected row: %+v", row)
	}

	if _, ok, _ := s.ReadRow(ctx, "tenant-b", "order-1"); ok {
		t.Fatal("expected tenant isolation: tenant-b must not see tenant-a's row")
	}
}

func TestStore_CheckpointRegressionRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.ApplyBatch(ctx, nil, 5); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	err := s.ApplyBatch(ctx, nil, 5)
	if _, ok := err.(*types.CheckpointRegression); !ok {
		t.Fatalf("expected CheckpointRegression for equal checkpoint, got %v", err)
	}

	err = s.ApplyBatch(ctx, nil, 3)
	if _, ok := err.(*types.CheckpointRegression); !ok {
		t.Fatalf("expected CheckpointRegression for lesser checkpoint, got %v", err)
	}

	if err := s.ApplyBatch(ctx, nil, 6); err != nil {
		t.Fatalf("ApplyBatch with strictly greater checkpoint should succeed: %v", err)
	}
}

func TestStore_ApplyBatchDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.ApplyBatch(ctx, map[string][]Op{"t": {
		{Kind: OpUpsert, Key: "o1", Row: map[string]any{"id": "o1", "total": int64(1), "status": "created"}},
	}}, 1); err != nil {
		t.Fatalf("ApplyBatch upsert: %v", err)
	}

	if err := s.ApplyBatch(ctx, map[string][]Op{"t": {
		{Kind: OpDelete, Key: "o1"},
	}}, 2); err != nil {
		t.Fatalf("ApplyBatch delete: %v", err)
	}

	if _, ok, _ := s.ReadRow(ctx, "t", "o1"); ok {
		t.Fatal("expected row to be deleted")
	}
}

func TestStore_GetCheckpointAbsentInitially(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.GetCheckpoint(ctx); ok || err != nil {
		t.Fatalf("expected no checkpoint initially, ok=%v err=%v", ok, err)
	}
}

func TestStore_DeleteTenant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.ApplyBatch(ctx, map[string][]Op{"tenant-a": {
		{Kind: OpUpsert, Key: "o1", Row: map[string]any{"id": "o1", "total": int64(1), "status": "created"}},
		{Kind: OpUpsert, Key: "o2", Row: map[string]any{"id": "o2", "total": int64(2), "status": "created"}},
	}}, 1); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	n, err := s.DeleteTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if n != 2 {
		t.Fatalf("DeleteTenant removed %d rows, want 2", n)
	}

	if _, ok, _ := s.ReadRow(ctx, "tenant-a", "o1"); ok {
		t.Fatal("expected rows to be gone after DeleteTenant")
	}
}

// TestStore_ApplyBatchMultiTenantSingleCheckpointAdvance covers the case a
// single projection batch spans several tenants: every tenant's ops must
// land under the one checkpoint advance, not race it.
func TestStore_ApplyBatchMultiTenantSingleCheckpointAdvance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.ApplyBatch(ctx, map[string][]Op{
		"tenant-a": {{Kind: OpUpsert, Key: "o1", Row: map[string]any{"id": "o1", "total": int64(1), "status": "created"}}},
		"tenant-b": {{Kind: OpUpsert, Key: "o2", Row: map[string]any{"id": "o2", "total": int64(2), "status": "created"}}},
		"tenant-c": {{Kind: OpUpsert, Key: "o3", Row: map[string]any{"id": "o3", "total": int64(3), "status": "created"}}},
	}, 10)
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	for tenant, key := range map[string]string{"tenant-a": "o1", "tenant-b": "o2", "tenant-c": "o3"} {
		if _, ok, err := s.ReadRow(ctx, tenant, key); err != nil || !ok {
			t.Fatalf("expected %s/%s to be committed, ok=%v err=%v", tenant, key, ok, err)
		}
	}

	pos, ok, err := s.GetCheckpoint(ctx)
	if err != nil || !ok || pos != 10 {
		t.Fatalf("expected checkpoint 10, got pos=%d ok=%v err=%v", pos, ok, err)
	}
}
