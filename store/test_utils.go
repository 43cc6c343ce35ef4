package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is the backend-agnostic suite every Store implementation runs.
type StoreTest struct{}

func (s *StoreTest) testTable(t *testing.T, st Store) TableDefinition {
	def := TableDefinition{
		Name: "items_" + uuid.New().String()[:8],
		Columns: map[string]ColumnType{
			"id":        TypeString,
			"title":     TypeString,
			"count":     TypeInteger,
			"price":     TypeReal,
			"done":      TypeBoolean,
			"updatedAt": TypeDate,
			"tags":      TypeArray,
		},
	}
	require.NoError(t, st.DefineTable(context.Background(), def), "failed to define table")
	return def
}

func (s *StoreTest) TestUpsertAndLookup(t *testing.T, st Store) {
	def := s.testTable(t, st)
	updated := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	err := st.Upsert(context.Background(), def.Name, Record{
		"id": "a1", "title": "first", "count": int64(3), "price": 9.5,
		"done": true, "updatedAt": updated, "tags": []any{"x", "y"},
	})
	require.NoError(t, err, "failed to upsert")

	rec, err := st.Lookup(context.Background(), def.Name, "a1")
	require.NoError(t, err, "failed to look up a1")
	require.Equal(t, "first", rec["title"])
	require.Equal(t, int64(3), rec["count"])
	require.Equal(t, 9.5, rec["price"])
	require.Equal(t, true, rec["done"])
	require.Equal(t, updated, rec["updatedAt"])
	require.Equal(t, []any{"x", "y"}, rec["tags"])
}

func (s *StoreTest) TestLookupIsCaseInsensitive(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name, Record{"id": "Abc", "title": "mixed"}))

	rec, err := st.Lookup(context.Background(), def.Name, "aBC")
	require.NoError(t, err, "lookup should match ids case-insensitively")
	require.Equal(t, "mixed", rec["title"])
}

func (s *StoreTest) TestUpsertPreservesOmittedColumns(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name, Record{"id": "a1", "title": "first", "count": int64(1)}))
	require.NoError(t, st.Upsert(context.Background(), def.Name, Record{"id": "a1", "count": int64(2)}))

	rec, err := st.Lookup(context.Background(), def.Name, "a1")
	require.NoError(t, err)
	require.Equal(t, "first", rec["title"], "column omitted from the second upsert must keep its value")
	require.Equal(t, int64(2), rec["count"])
}

func (s *StoreTest) TestLookupMissing(t *testing.T, st Store) {
	def := s.testTable(t, st)
	_, err := st.Lookup(context.Background(), def.Name, "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func (s *StoreTest) TestDelete(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name,
		Record{"id": "a1"}, Record{"id": "a2"}, Record{"id": "a3"}))

	require.NoError(t, st.Delete(context.Background(), def.Name, "a1", nil, "a3"))

	_, err := st.Lookup(context.Background(), def.Name, "a1")
	require.ErrorIs(t, err, ErrRecordNotFound)
	_, err = st.Lookup(context.Background(), def.Name, "a2")
	require.NoError(t, err, "a2 must survive")
	_, err = st.Lookup(context.Background(), def.Name, "a3")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func (s *StoreTest) TestDeleteByQueryIgnoresProjection(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name,
		Record{"id": "a1", "count": int64(1)},
		Record{"id": "a2", "count": int64(2)},
		Record{"id": "a3", "count": int64(3)}))

	q := NewQuery(def.Name).Where(Gt("count", int64(1))).Project("title")
	require.NoError(t, st.DeleteByQuery(context.Background(), q))

	result, err := st.Read(context.Background(), NewQuery(def.Name))
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, "a1", result.Records[0]["id"])
}

func (s *StoreTest) TestReadWithCount(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name,
		Record{"id": "a1", "count": int64(1)},
		Record{"id": "a2", "count": int64(2)},
		Record{"id": "a3", "count": int64(3)}))

	q := NewQuery(def.Name).Where(Ge("count", int64(2))).OrderBy("count").Take(1).WithTotalCount()
	result, err := st.Read(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, "a2", result.Records[0]["id"])
	require.Equal(t, int64(2), result.TotalCount, "count must cover the filter, not the page")

	plain, err := st.Read(context.Background(), NewQuery(def.Name))
	require.NoError(t, err)
	require.Equal(t, int64(-1), plain.TotalCount)
}

func (s *StoreTest) TestDefineTableAddsColumns(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name, Record{"id": "a1", "title": "kept"}))

	def.Columns["note"] = TypeString
	require.NoError(t, st.DefineTable(context.Background(), def), "redefining with an extra column must succeed")

	rec, err := st.Lookup(context.Background(), def.Name, "a1")
	require.NoError(t, err)
	require.Equal(t, "kept", rec["title"], "existing data must survive a redefine")
	require.Nil(t, rec["note"])

	require.NoError(t, st.Upsert(context.Background(), def.Name, Record{"id": "a1", "note": "new"}))
	rec, err = st.Lookup(context.Background(), def.Name, "a1")
	require.NoError(t, err)
	require.Equal(t, "new", rec["note"])
}

func (s *StoreTest) TestRedefineColumnTypeFails(t *testing.T, st Store) {
	def := s.testTable(t, st)
	def.Columns["count"] = TypeString
	err := st.DefineTable(context.Background(), def)
	require.ErrorIs(t, err, ErrColumnRedefined)
}

func (s *StoreTest) TestUndefinedColumnFails(t *testing.T, st Store) {
	def := s.testTable(t, st)
	err := st.Upsert(context.Background(), def.Name, Record{"id": "a1", "bogus": "x"})
	require.ErrorIs(t, err, ErrColumnNotDefined)
}

func (s *StoreTest) TestExecuteBatchIsAtomic(t *testing.T, st Store) {
	def := s.testTable(t, st)
	require.NoError(t, st.Upsert(context.Background(), def.Name, Record{"id": "a1", "title": "before"}))

	err := st.ExecuteBatch(context.Background(), []BatchOp{
		{Kind: BatchUpsert, Table: def.Name, Data: Record{"id": "a1", "title": "after"}},
		{Kind: BatchUpsert, Table: def.Name, Data: Record{"id": "a2", "bogus": "boom"}},
	})
	require.Error(t, err, "batch with a bad entry must fail")

	rec, err := st.Lookup(context.Background(), def.Name, "a1")
	require.NoError(t, err)
	require.Equal(t, "before", rec["title"], "failed batch must leave no partial state")
}
