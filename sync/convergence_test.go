package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	gosync "sync"
	"testing"

	"github.com/loctable/offline-sync/remote"
	"github.com/loctable/offline-sync/store"

	"github.com/stretchr/testify/require"
)

// echoServer is an in-memory table service that accepts every write.
type echoServer struct {
	mu          gosync.Mutex
	records     map[string]store.Record
	nextVersion int
}

func newEchoServer() *echoServer {
	return &echoServer{records: make(map[string]store.Record)}
}

func (s *echoServer) Read(ctx context.Context, q *store.Query) (*remote.Page, error) {
	return &remote.Page{TotalCount: -1}, nil
}

func (s *echoServer) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec["id"].(string)
	if _, exists := s.records[id]; exists {
		return nil, &remote.StatusError{StatusCode: http.StatusConflict}
	}
	stored := rec.Clone()
	s.nextVersion++
	stored["version"] = fmt.Sprintf("s%d", s.nextVersion)
	s.records[id] = stored
	return stored.Clone(), nil
}

func (s *echoServer) Update(ctx context.Context, table string, rec store.Record, version string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec["id"].(string)
	stored := rec.Clone()
	s.nextVersion++
	stored["version"] = fmt.Sprintf("s%d", s.nextVersion)
	s.records[id] = stored
	return stored.Clone(), nil
}

func (s *echoServer) Delete(ctx context.Context, table string, id any, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id.(string))
	return nil
}

// Random local op sequences pushed against an accepting server must leave
// client and server with identical state.
func TestRandomSequenceConverges(t *testing.T) {
	server := newEchoServer()
	local, _, _ := newTestContext(t, "convergence")
	local.tr = server

	rng := rand.New(rand.NewSource(42))
	ids := []string{"r0", "r1", "r2", "r3", "r4", "r5"}

	for i := 0; i < 80; i++ {
		id := ids[rng.Intn(len(ids))]
		rec := store.Record{"id": id, "v": int64(rng.Intn(1000))}
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = local.Insert(context.Background(), "todo", rec)
		case 1:
			_, err = local.Update(context.Background(), "todo", rec)
		case 2:
			err = local.Delete(context.Background(), "todo", id)
		}
		if err != nil {
			require.True(t,
				errors.Is(err, store.ErrRecordExists) || errors.Is(err, store.ErrRecordNotFound),
				"only precondition failures are acceptable: %v", err)
		}
	}

	unhandled, err := local.Push(context.Background())
	require.NoError(t, err)
	require.Empty(t, unhandled)
	require.Empty(t, pendingOps(t, local, "todo"), "the log must drain completely")

	result, err := local.Read(context.Background(), store.NewQuery("todo"))
	require.NoError(t, err)

	require.Len(t, result.Records, len(server.records), "client and server must hold the same rows")
	for _, rec := range result.Records {
		id := rec["id"].(string)
		serverRec, ok := server.records[id]
		require.True(t, ok, "row %s missing on the server", id)
		require.Equal(t, serverRec["v"], rec["v"], "row %s diverged", id)
		require.Equal(t, serverRec["version"], rec["version"], "row %s version diverged", id)
	}
}
