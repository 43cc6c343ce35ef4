package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loctable/offline-sync/store"

	"github.com/stretchr/testify/require"
)

func TestClientInsert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tables/todo", r.URL.Path)
		require.Equal(t, DefaultAPIVersion, r.Header.Get(DefaultAPIVersionHeader))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "a1", body["id"])

		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "a1", "title": "x"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	rec, err := client.Insert(context.Background(), "todo", store.Record{"id": "a1", "title": "x"})
	require.NoError(t, err)
	require.Equal(t, "a1", rec["id"])
	require.Equal(t, "v1", rec["version"], "version must come from the ETag header")
}

func TestClientUpdateSendsIfMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/tables/todo/a1", r.URL.Path)
		require.Equal(t, `"v1"`, r.Header.Get("If-Match"))

		w.Header().Set("ETag", `"v2"`)
		json.NewEncoder(w).Encode(map[string]any{"id": "a1", "title": "y"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	rec, err := client.Update(context.Background(), "todo", store.Record{"id": "a1", "title": "y"}, "v1")
	require.NoError(t, err)
	require.Equal(t, "v2", rec["version"])
}

func TestClientUpdateConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]any{"id": "a1", "title": "server", "version": "v9"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.Update(context.Background(), "todo", store.Record{"id": "a1"}, "v1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Conflict())
	require.Equal(t, "server", statusErr.ServerRecord["title"], "412 body must surface the server record")
}

func TestClientDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/tables/todo/a1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)
	require.NoError(t, client.Delete(context.Background(), "todo", "a1", ""))
}

func TestClientReadArrayBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tables/todo", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]any{{"id": "a1"}, {"id": "a2"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	page, err := client.Read(context.Background(), store.NewQuery("todo"))
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, int64(-1), page.TotalCount)
}

func TestClientReadCountEnvelopeAndNextLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "allpages", r.URL.Query().Get("$inlinecount"))
		w.Header().Set("Link", "<https://svc/tables/todo?$skip=2>; rel=next")
		json.NewEncoder(w).Encode(map[string]any{
			"count":   7,
			"results": []map[string]any{{"id": "a1"}, {"id": "a2"}},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	page, err := client.Read(context.Background(), store.NewQuery("todo").WithTotalCount())
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, int64(7), page.TotalCount)
	require.Equal(t, "https://svc/tables/todo?$skip=2", page.NextLink)
}

func TestClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.Read(context.Background(), store.NewQuery("todo"))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.False(t, statusErr.Conflict())
}
