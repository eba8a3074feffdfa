package projection

import "context"

// StagedView is the explicit get/set/delete handle spec.md §9 gives a
// projection's apply function: reads see the tenant-scoped committed table
// plus this batch's own not-yet-committed writes; writes only become
// visible to other readers once Commit's apply_batch call succeeds.
type StagedView interface {
	Get(key string) (Row, bool, error)
	Set(key string, row Row)
	Delete(key string)
}

// stagedView buffers one batch's worth of ops in front of a Store, so a
// handler can read back its own writes within the same batch before they
// are durable.
type stagedView struct {
	ctx      context.Context
	store    Store
	tenantID string
	ops      []Op
	index    map[string]int // key -> position in ops, for read-your-own-write and de-duplication
}

func newStagedView(ctx context.Context, store Store, tenantID string) *stagedView {
	return &stagedView{ctx: ctx, store: store, tenantID: tenantID, index: make(map[string]int)}
}

func (v *stagedView) Get(key string) (Row, bool, error) {
	if i, ok := v.index[key]; ok {
		op := v.ops[i]
		if op.Kind == OpDelete {
			return nil, false, nil
		}
		return op.Row, true, nil
	}
	return v.store.ReadRow(v.ctx, v.tenantID, key)
}

func (v *stagedView) Set(key string, row Row) {
	v.record(key, Op{Kind: OpUpsert, Key: key, Row: row})
}

func (v *stagedView) Delete(key string) {
	v.record(key, Op{Kind: OpDelete, Key: key})
}

func (v *stagedView) record(key string, op Op) {
	if i, ok := v.index[key]; ok {
		v.ops[i] = op
		return
	}
	v.index[key] = len(v.ops)
	v.ops = append(v.ops, op)
}

// Ops returns the accumulated, de-duplicated-by-key op list ready to pass
// to Store.ApplyBatch.
func (v *stagedView) Ops() []Op {
	return v.ops
}

// snapshot captures the view's op log so a failed event's writes can be
// rolled back before it is retried, without disturbing ops recorded by
// earlier events in the same batch.
type stagedSnapshot struct {
	ops   []Op
	index map[string]int
}

func (v *stagedView) snapshot() stagedSnapshot {
	index := make(map[string]int, len(v.index))
	for k, i := range v.index {
		index[k] = i
	}
	// record overwrites an existing key's op in place, so the ops
	// themselves are copied, not just their count.
	return stagedSnapshot{ops: append([]Op(nil), v.ops...), index: index}
}

// restore resets the view to a previously captured snapshot, discarding
// any ops recorded since. Used before re-invoking a handler on retry so it
// sees the same pre-event staged state it saw the first time.
func (v *stagedView) restore(s stagedSnapshot) {
	v.ops = s.ops
	v.index = s.index
}
