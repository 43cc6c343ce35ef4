package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loctable/offline-sync/store"
)

// Page is one batch of records returned by a server read. TotalCount is
// -1 unless the query asked for it; NextLink carries the server's
// continuation URL when one was offered.
type Page struct {
	Records    []store.Record
	TotalCount int64
	NextLink   string
}

// Transport is the wire contract the sync engine depends on. The default
// implementation is Client; tests substitute their own.
type Transport interface {
	Read(ctx context.Context, q *store.Query) (*Page, error)
	Insert(ctx context.Context, table string, rec store.Record) (store.Record, error)
	Update(ctx context.Context, table string, rec store.Record, version string) (store.Record, error)
	Delete(ctx context.Context, table string, id any, version string) error
}

// StatusError is a non-2xx response from the table service. When the body
// carried a JSON entity, ServerRecord holds it; on a version mismatch that
// is the server's copy of the record.
type StatusError struct {
	StatusCode   int
	Body         []byte
	ServerRecord store.Record
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("table service returned status %d", e.StatusCode)
}

// Conflict reports whether the failure is a version conflict: an HTTP 412
// precondition failure, or a 409 id collision on insert.
func (e *StatusError) Conflict() bool {
	return e.StatusCode == 412 || e.StatusCode == 409
}

func newStatusError(status int, body []byte) *StatusError {
	e := &StatusError{StatusCode: status, Body: body}
	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err == nil && len(rec) > 0 {
		e.ServerRecord = store.Record(rec)
	}
	return e
}
