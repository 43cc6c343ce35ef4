package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/loctable/offline-sync/remote"
	"github.com/loctable/offline-sync/store"
	"github.com/loctable/offline-sync/store/sqlite"

	"github.com/stretchr/testify/require"
)

// stubTransport scripts the remote table service per test. Unset hooks
// fail the call, so a test only permits the traffic it expects.
type stubTransport struct {
	readFn   func(ctx context.Context, q *store.Query) (*remote.Page, error)
	insertFn func(ctx context.Context, table string, rec store.Record) (store.Record, error)
	updateFn func(ctx context.Context, table string, rec store.Record, version string) (store.Record, error)
	deleteFn func(ctx context.Context, table string, id any, version string) error
}

func (s *stubTransport) Read(ctx context.Context, q *store.Query) (*remote.Page, error) {
	if s.readFn == nil {
		return nil, fmt.Errorf("unexpected read")
	}
	return s.readFn(ctx, q)
}

func (s *stubTransport) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	if s.insertFn == nil {
		return nil, fmt.Errorf("unexpected insert")
	}
	return s.insertFn(ctx, table, rec)
}

func (s *stubTransport) Update(ctx context.Context, table string, rec store.Record, version string) (store.Record, error) {
	if s.updateFn == nil {
		return nil, fmt.Errorf("unexpected update")
	}
	return s.updateFn(ctx, table, rec, version)
}

func (s *stubTransport) Delete(ctx context.Context, table string, id any, version string) error {
	if s.deleteFn == nil {
		return fmt.Errorf("unexpected delete")
	}
	return s.deleteFn(ctx, table, id, version)
}

// handlerFuncs adapts plain funcs to a ConflictHandler.
type handlerFuncs struct {
	onConflict func(ctx context.Context, pushError *PushError) error
	onError    func(ctx context.Context, pushError *PushError) error
}

func (h *handlerFuncs) OnConflict(ctx context.Context, pushError *PushError) error {
	if h.onConflict == nil {
		return nil
	}
	return h.onConflict(ctx, pushError)
}

func (h *handlerFuncs) OnError(ctx context.Context, pushError *PushError) error {
	if h.onError == nil {
		return nil
	}
	return h.onError(ctx, pushError)
}

func newTestContext(t *testing.T, name string, opts ...Option) (*Context, *stubTransport, store.Store) {
	st, err := sqlite.Connect(fmt.Sprintf("file:sync_%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { st.Close() })

	tr := &stubTransport{}
	c := New(st, tr, opts...)
	require.NoError(t, c.DefineTable(context.Background(), store.TableDefinition{
		Name: "todo",
		Columns: map[string]store.ColumnType{
			"id":        store.TypeString,
			"v":         store.TypeInteger,
			"title":     store.TypeString,
			"version":   store.TypeString,
			"updatedAt": store.TypeDate,
		},
	}))
	require.NoError(t, c.Initialize(context.Background()))
	return c, tr, st
}

func pendingOps(t *testing.T, c *Context, table string) []*operation {
	ops, err := c.opLog.tableOperations(context.Background(), table)
	require.NoError(t, err)
	return ops
}
