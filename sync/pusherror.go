package sync

import (
	"context"
	"fmt"

	"github.com/loctable/offline-sync/store"
)

// ConflictHandler resolves failed push operations. OnConflict receives
// version conflicts, OnError every other transport failure. A handler
// resolves the failure by calling exactly one verb on the PushError; a
// non-nil return from either hook aborts the whole push.
type ConflictHandler interface {
	OnConflict(ctx context.Context, pushError *PushError) error
	OnError(ctx context.Context, pushError *PushError) error
}

// PushError is a single failed push operation, surfaced to the
// ConflictHandler. Each resolution verb runs as one store transaction
// covering both the data table and the operation log. Calling a second
// verb fails with ErrAlreadyResolved.
type PushError struct {
	c         *Context
	op        *operation
	def       store.TableDefinition
	clientRec store.Record
	serverRec store.Record
	err       error
	conflict  bool

	handled  bool
	resolved bool
	retry    bool
}

// Table names the synced table the failing operation targets.
func (e *PushError) Table() string { return e.op.Table }

// Action is the pending action that failed to push.
func (e *PushError) Action() Action { return e.op.Action }

// ClientRecord is the local record the push attempted to send; nil for
// delete operations.
func (e *PushError) ClientRecord() store.Record { return e.clientRec.Clone() }

// ServerRecord is the server's copy of the record, when the response
// carried one. Present on version conflicts; may be nil on an insert id
// collision.
func (e *PushError) ServerRecord() store.Record { return e.serverRec.Clone() }

// IsConflict reports whether the failure is a version conflict.
func (e *PushError) IsConflict() bool { return e.conflict }

// Unwrap exposes the underlying transport error.
func (e *PushError) Unwrap() error { return e.err }

func (e *PushError) Error() string {
	return fmt.Sprintf("failed to push %s of %s in table %s: %v", e.op.Action, e.op.ItemID, e.op.Table, e.err)
}

// Handled reports whether the failure counts as dealt with. Calling a
// verb sets it. After a retrying verb (Update, ChangeAction),
// SetHandled(false) keeps the operation pending without retrying it in
// this push; the other verbs have already removed the operation.
func (e *PushError) Handled() bool { return e.handled }

func (e *PushError) SetHandled(handled bool) { e.handled = handled }

// CancelAndUpdate discards the pending operation and overwrites the local
// record, typically with the server's copy.
func (e *PushError) CancelAndUpdate(ctx context.Context, rec store.Record) error {
	if rec == nil {
		return fmt.Errorf("record must not be nil")
	}
	return e.resolve(ctx, false, []store.BatchOp{
		{Kind: store.BatchUpsert, Table: e.op.Table, Data: rec},
		removeOp(e.op.Seq),
	})
}

// CancelAndDiscard discards the pending operation and deletes the local
// record.
func (e *PushError) CancelAndDiscard(ctx context.Context) error {
	id, err := nativeID(e.def, e.op.ItemID)
	if err != nil {
		return err
	}
	return e.resolve(ctx, false, []store.BatchOp{
		{Kind: store.BatchDelete, Table: e.op.Table, ID: id},
		removeOp(e.op.Seq),
	})
}

// Cancel discards the pending operation and leaves the local record
// untouched.
func (e *PushError) Cancel(ctx context.Context) error {
	return e.resolve(ctx, false, []store.BatchOp{removeOp(e.op.Seq)})
}

// Update overwrites the local record and keeps the operation pending; the
// push retries it immediately.
func (e *PushError) Update(ctx context.Context, rec store.Record) error {
	if rec == nil {
		return fmt.Errorf("record must not be nil")
	}
	return e.resolve(ctx, true, []store.BatchOp{
		{Kind: store.BatchUpsert, Table: e.op.Table, Data: rec},
	})
}

// ChangeAction replaces the pending operation's action, adjusting the
// local record to match, and retries. A nil record keeps the current one.
func (e *PushError) ChangeAction(ctx context.Context, action Action, rec store.Record) error {
	replaced := *e.op
	replaced.Action = action
	switch action {
	case ActionDelete:
		id, err := nativeID(e.def, e.op.ItemID)
		if err != nil {
			return err
		}
		return e.resolve(ctx, true, []store.BatchOp{
			{Kind: store.BatchDelete, Table: e.op.Table, ID: id},
			upsertOp(&replaced),
		})
	case ActionInsert, ActionUpdate:
		if rec == nil {
			rec = e.clientRec
		}
		if rec == nil {
			return fmt.Errorf("record must not be nil for action %s", action)
		}
		return e.resolve(ctx, true, []store.BatchOp{
			{Kind: store.BatchUpsert, Table: e.op.Table, Data: rec},
			upsertOp(&replaced),
		})
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (e *PushError) resolve(ctx context.Context, retry bool, batch []store.BatchOp) error {
	if e.resolved {
		return ErrAlreadyResolved
	}
	e.c.crudMu.Lock()
	defer e.c.crudMu.Unlock()
	if err := e.c.st.ExecuteBatch(ctx, batch); err != nil {
		return err
	}
	e.resolved = true
	e.handled = true
	e.retry = retry
	return nil
}
