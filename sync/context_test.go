package sync

import (
	"context"
	"testing"

	"github.com/loctable/offline-sync/store"

	"github.com/stretchr/testify/require"
)

func TestLocalInsertLogsOperation(t *testing.T) {
	c, _, _ := newTestContext(t, "insertlogs")

	_, err := c.Insert(context.Background(), "todo", store.Record{"id": "a", "v": int64(1)})
	require.NoError(t, err)

	ops := pendingOps(t, c, "todo")
	require.Len(t, ops, 1)
	require.Equal(t, ActionInsert, ops[0].Action)
	require.Equal(t, "a", ops[0].ItemID)

	rec, err := c.Lookup(context.Background(), "todo", "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec["v"])
}

func TestInsertExistingFails(t *testing.T) {
	c, _, _ := newTestContext(t, "insertexisting")

	_, err := c.Insert(context.Background(), "todo", store.Record{"id": "a"})
	require.NoError(t, err)
	_, err = c.Insert(context.Background(), "todo", store.Record{"id": "a"})
	require.ErrorIs(t, err, store.ErrRecordExists)

	require.Len(t, pendingOps(t, c, "todo"), 1, "failed insert must not touch the log")
}

func TestUpdateMissingFails(t *testing.T) {
	c, _, _ := newTestContext(t, "updatemissing")

	_, err := c.Update(context.Background(), "todo", store.Record{"id": "ghost", "v": int64(1)})
	require.ErrorIs(t, err, store.ErrRecordNotFound)
	require.Empty(t, pendingOps(t, c, "todo"))
}

func TestInsertAssignsID(t *testing.T) {
	c, _, _ := newTestContext(t, "insertassigns")

	rec, err := c.Insert(context.Background(), "todo", store.Record{"v": int64(1)})
	require.NoError(t, err)
	id, ok := rec["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id, "insert without an id must assign one")

	_, err = c.Lookup(context.Background(), "todo", id)
	require.NoError(t, err)
}

func TestInsertRejectsInvalidID(t *testing.T) {
	c, _, _ := newTestContext(t, "invalidid")

	for _, id := range []any{"", "..", `a"b`, "a/b"} {
		_, err := c.Insert(context.Background(), "todo", store.Record{"id": id})
		require.ErrorIs(t, err, store.ErrInvalidRecordID, "id %v", id)
	}
}

func TestUninitializedContextFails(t *testing.T) {
	c := New(nil, &stubTransport{})
	_, err := c.Insert(context.Background(), "todo", store.Record{"id": "a"})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = c.Push(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSystemTableRejected(t *testing.T) {
	c, _, _ := newTestContext(t, "systemtable")
	_, err := c.Insert(context.Background(), store.OperationsTable, store.Record{"id": "a"})
	require.Error(t, err)
}

// The full coalescing algebra: at most one pending op per (table, id), and
// a new local action combines with it exactly as documented.
func TestOperationCoalescing(t *testing.T) {
	type step struct {
		action Action
		ok     bool
	}
	cases := []struct {
		name       string
		seed       func(t *testing.T, c *Context, st store.Store) // establishes the existing op
		step       step
		wantAction Action // "" = no op left
	}{
		{
			name: "insert then update keeps insert",
			seed: seedInsert, step: step{ActionUpdate, true}, wantAction: ActionInsert,
		},
		{
			name: "insert then delete drops both",
			seed: seedInsert, step: step{ActionDelete, true}, wantAction: "",
		},
		{
			name: "insert then insert fails",
			seed: seedInsert, step: step{ActionInsert, false}, wantAction: ActionInsert,
		},
		{
			name: "update then update keeps update",
			seed: seedUpdate, step: step{ActionUpdate, true}, wantAction: ActionUpdate,
		},
		{
			name: "update then delete replaces with delete",
			seed: seedUpdate, step: step{ActionDelete, true}, wantAction: ActionDelete,
		},
		{
			name: "update then insert fails",
			seed: seedUpdate, step: step{ActionInsert, false}, wantAction: ActionUpdate,
		},
		{
			name: "delete then insert replaces with update",
			seed: seedDelete, step: step{ActionInsert, true}, wantAction: ActionUpdate,
		},
		{
			name: "delete then update fails",
			seed: seedDelete, step: step{ActionUpdate, false}, wantAction: ActionDelete,
		},
		{
			name: "delete then delete keeps delete",
			seed: seedDelete, step: step{ActionDelete, true}, wantAction: ActionDelete,
		},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, st := newTestContext(t, "coalesce"+string(rune('a'+i)))
			tc.seed(t, c, st)

			var err error
			switch tc.step.action {
			case ActionInsert:
				_, err = c.Insert(context.Background(), "todo", store.Record{"id": "x", "v": int64(9)})
			case ActionUpdate:
				_, err = c.Update(context.Background(), "todo", store.Record{"id": "x", "v": int64(9)})
			case ActionDelete:
				err = c.Delete(context.Background(), "todo", "x")
			}
			if tc.step.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}

			ops := pendingOps(t, c, "todo")
			if tc.wantAction == "" {
				require.Empty(t, ops)
			} else {
				require.Len(t, ops, 1)
				require.Equal(t, tc.wantAction, ops[0].Action)
			}
		})
	}
}

func seedInsert(t *testing.T, c *Context, _ store.Store) {
	_, err := c.Insert(context.Background(), "todo", store.Record{"id": "x", "v": int64(1)})
	require.NoError(t, err)
}

// seedUpdate pre-pulls the record (no log entry) and updates it locally.
func seedUpdate(t *testing.T, c *Context, st store.Store) {
	require.NoError(t, st.Upsert(context.Background(), "todo", store.Record{"id": "x", "v": int64(1)}))
	_, err := c.Update(context.Background(), "todo", store.Record{"id": "x", "v": int64(2)})
	require.NoError(t, err)
}

// seedDelete pre-pulls the record and deletes it locally.
func seedDelete(t *testing.T, c *Context, st store.Store) {
	require.NoError(t, st.Upsert(context.Background(), "todo", store.Record{"id": "x", "v": int64(1)}))
	require.NoError(t, c.Delete(context.Background(), "todo", "x"))
}

// Insert then delete leaves no trace at all (scenario: never-pushed row).
func TestInsertThenDelete(t *testing.T) {
	c, _, _ := newTestContext(t, "insertdelete")

	_, err := c.Insert(context.Background(), "todo", store.Record{"id": "b", "v": int64(2)})
	require.NoError(t, err)
	require.NoError(t, c.Delete(context.Background(), "todo", "b"))

	_, err = c.Lookup(context.Background(), "todo", "b")
	require.ErrorIs(t, err, store.ErrRecordNotFound)
	require.Empty(t, pendingOps(t, c, "todo"))
}

// Update then delete on a pre-pulled row leaves a single delete op.
func TestUpdateThenDelete(t *testing.T) {
	c, _, st := newTestContext(t, "updatedelete")

	require.NoError(t, st.Upsert(context.Background(), "todo", store.Record{"id": "c", "v": int64(3)}))
	_, err := c.Update(context.Background(), "todo", store.Record{"id": "c", "v": int64(4)})
	require.NoError(t, err)
	require.NoError(t, c.Delete(context.Background(), "todo", "c"))

	ops := pendingOps(t, c, "todo")
	require.Len(t, ops, 1)
	require.Equal(t, ActionDelete, ops[0].Action)
	require.Equal(t, "c", ops[0].ItemID)

	_, err = c.Lookup(context.Background(), "todo", "c")
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestPurgeRequiresForceWithPendingOps(t *testing.T) {
	c, _, _ := newTestContext(t, "purgeforce")

	_, err := c.Insert(context.Background(), "todo", store.Record{"id": "g"})
	require.NoError(t, err)

	err = c.Purge(context.Background(), store.NewQuery("todo"), false)
	require.ErrorIs(t, err, ErrPendingOperations)

	require.NoError(t, c.Purge(context.Background(), store.NewQuery("todo"), true))
	require.Empty(t, pendingOps(t, c, "todo"))
	_, err = c.Lookup(context.Background(), "todo", "g")
	require.ErrorIs(t, err, store.ErrRecordNotFound)

	// nothing pending anymore: push never calls the transport
	unhandled, err := c.Push(context.Background())
	require.NoError(t, err)
	require.Empty(t, unhandled)
}

func TestPurgeWithQueryKeepsOtherRows(t *testing.T) {
	c, _, st := newTestContext(t, "purgequery")

	require.NoError(t, st.Upsert(context.Background(), "todo",
		store.Record{"id": "a", "v": int64(1)},
		store.Record{"id": "b", "v": int64(2)}))

	q := store.NewQuery("todo").Where(store.Ge("v", int64(2)))
	require.NoError(t, c.Purge(context.Background(), q, false))

	_, err := c.Lookup(context.Background(), "todo", "a")
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "todo", "b")
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestWholeTablePurgeDropsCursors(t *testing.T) {
	c, _, st := newTestContext(t, "purgecursor")

	require.NoError(t, st.Upsert(context.Background(), store.SyncStateTable,
		store.Record{"id": cursorKey("todo", "all"), "value": int64(1704067201000)},
		store.Record{"id": cursorKey("other", "all"), "value": int64(1704067202000)}))

	require.NoError(t, c.Purge(context.Background(), store.NewQuery("todo"), false))

	_, err := st.Lookup(context.Background(), store.SyncStateTable, cursorKey("todo", "all"))
	require.ErrorIs(t, err, store.ErrRecordNotFound, "whole-table purge must drop the table's cursors")
	_, err = st.Lookup(context.Background(), store.SyncStateTable, cursorKey("other", "all"))
	require.NoError(t, err, "cursors of other tables must survive")
}
