package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/loctable/offline-sync/store"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, name string) *SQLiteStore {
	st, err := Connect(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUpsertAndLookup(t *testing.T) {
	(&store.StoreTest{}).TestUpsertAndLookup(t, testStore(t, "upsertlookup"))
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	(&store.StoreTest{}).TestLookupIsCaseInsensitive(t, testStore(t, "nocase"))
}

func TestUpsertPreservesOmittedColumns(t *testing.T) {
	(&store.StoreTest{}).TestUpsertPreservesOmittedColumns(t, testStore(t, "preserve"))
}

func TestLookupMissing(t *testing.T) {
	(&store.StoreTest{}).TestLookupMissing(t, testStore(t, "missing"))
}

func TestDelete(t *testing.T) {
	(&store.StoreTest{}).TestDelete(t, testStore(t, "delete"))
}

func TestDeleteByQueryIgnoresProjection(t *testing.T) {
	(&store.StoreTest{}).TestDeleteByQueryIgnoresProjection(t, testStore(t, "deletebyquery"))
}

func TestReadWithCount(t *testing.T) {
	(&store.StoreTest{}).TestReadWithCount(t, testStore(t, "readcount"))
}

func TestDefineTableAddsColumns(t *testing.T) {
	(&store.StoreTest{}).TestDefineTableAddsColumns(t, testStore(t, "addcolumns"))
}

func TestRedefineColumnTypeFails(t *testing.T) {
	(&store.StoreTest{}).TestRedefineColumnTypeFails(t, testStore(t, "redefine"))
}

func TestUndefinedColumnFails(t *testing.T) {
	(&store.StoreTest{}).TestUndefinedColumnFails(t, testStore(t, "undefined"))
}

func TestExecuteBatchIsAtomic(t *testing.T) {
	(&store.StoreTest{}).TestExecuteBatchIsAtomic(t, testStore(t, "batchatomic"))
}

func TestSystemTablesExist(t *testing.T) {
	st := testStore(t, "systemtables")

	require.NoError(t, st.Upsert(context.Background(), store.OperationsTable, store.Record{
		"id": int64(1), "tableName": "todo", "itemId": "a1", "action": "insert",
	}))
	rec, err := st.Lookup(context.Background(), store.OperationsTable, int64(1))
	require.NoError(t, err)
	require.Equal(t, "todo", rec["tableName"])

	_, err = st.Lookup(context.Background(), store.SyncStateTable, "todo\x1fall")
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestDefineTableRejectsReservedNames(t *testing.T) {
	st := testStore(t, "reserved")
	err := st.DefineTable(context.Background(), store.TableDefinition{
		Name:    "__shadow",
		Columns: map[string]store.ColumnType{"id": store.TypeString},
	})
	require.Error(t, err)
}

func TestDefineTableRejectsTooManyColumns(t *testing.T) {
	st := testStore(t, "toomanycolumns")
	columns := map[string]store.ColumnType{"id": store.TypeString}
	for i := 0; i < maxColumns; i++ {
		columns[fmt.Sprintf("c%d", i)] = store.TypeString
	}
	err := st.DefineTable(context.Background(), store.TableDefinition{Name: "wide", Columns: columns})
	require.Error(t, err, "tables past the bound-parameter limit must be rejected at define time")
}

func TestClosedStoreFails(t *testing.T) {
	st := testStore(t, "closed")
	require.NoError(t, st.Close())
	_, err := st.Lookup(context.Background(), "whatever", "a1")
	require.ErrorIs(t, err, store.ErrStoreClosed)
}
