package remote

import (
	"net/url"
	"testing"
	"time"

	"github.com/loctable/offline-sync/store"

	"github.com/stretchr/testify/require"
)

func TestQueryStringFilterOrderPaging(t *testing.T) {
	cursor := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	q := store.NewQuery("todo").
		Where(store.And(store.Gt("updatedAt", cursor), store.Eq("done", false))).
		OrderBy("updatedAt").
		Take(50).
		Skip(10)

	s, err := QueryString(q)
	require.NoError(t, err)

	values, err := url.ParseQuery(s)
	require.NoError(t, err)
	require.Equal(t, "((updatedAt gt datetimeoffset'2024-01-01T00:00:01.000Z') and (done eq false))", values.Get("$filter"))
	require.Equal(t, "updatedAt", values.Get("$orderby"))
	require.Equal(t, "50", values.Get("$top"))
	require.Equal(t, "10", values.Get("$skip"))
}

func TestQueryStringCountAndSelect(t *testing.T) {
	q := store.NewQuery("todo").Project("id", "title").WithTotalCount()
	s, err := QueryString(q)
	require.NoError(t, err)

	values, err := url.ParseQuery(s)
	require.NoError(t, err)
	require.Equal(t, "allpages", values.Get("$inlinecount"))
	require.Equal(t, "id,title", values.Get("$select"))
}

func TestQueryStringEscapesStrings(t *testing.T) {
	q := store.NewQuery("todo").Where(store.Eq("title", "it's"))
	s, err := QueryString(q)
	require.NoError(t, err)

	values, err := url.ParseQuery(s)
	require.NoError(t, err)
	require.Equal(t, "(title eq 'it''s')", values.Get("$filter"))
}

func TestQueryStringDescendingOrder(t *testing.T) {
	q := store.NewQuery("todo").OrderByDesc("updatedAt")
	s, err := QueryString(q)
	require.NoError(t, err)

	values, err := url.ParseQuery(s)
	require.NoError(t, err)
	require.Equal(t, "updatedAt desc", values.Get("$orderby"))
}
