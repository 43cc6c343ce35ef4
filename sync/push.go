package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/loctable/offline-sync/remote"
	"github.com/loctable/offline-sync/store"
)

// serverOwnedColumns are stripped from outgoing bodies; the service
// assigns them and hands them back.
var serverOwnedColumns = []string{"version", "createdAt", "updatedAt", "deleted"}

type pushOutcome int

const (
	pushProceed pushOutcome = iota // op resolved or removed, move on
	pushRetry                      // op still pending, retry it now
	pushSkip                       // op still pending, leave it for a later push
	pushCollect                    // unhandled conflict, report at completion
)

// Push walks the operation log in sequence order and replays each pending
// mutation against the table service. Conflicts and errors are routed to
// the configured ConflictHandler; unhandled conflicts are collected and
// returned, an unhandled error aborts the push.
func (c *Context) Push(ctx context.Context) ([]*PushError, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	return c.pushLocked(ctx)
}

func (c *Context) pushLocked(ctx context.Context) ([]*PushError, error) {
	var unhandled []*PushError
	var afterSeq int64
	for {
		op, err := c.opLog.peekFirst(ctx, afterSeq)
		if err != nil {
			return unhandled, err
		}
		if op == nil {
			return unhandled, nil
		}
		if err := c.opLog.lock(op.Seq); err != nil {
			return unhandled, err
		}
		outcome, pushErr, err := c.pushOp(ctx, op)
		c.opLog.unlock()
		if err != nil {
			return unhandled, err
		}
		switch outcome {
		case pushProceed, pushRetry:
			// re-peek from the same position: a removed op yields the
			// next one, a retried op yields itself with fresh log state
		case pushSkip:
			afterSeq = op.Seq
		case pushCollect:
			unhandled = append(unhandled, pushErr)
			afterSeq = op.Seq
		}
	}
}

func (c *Context) pushOp(ctx context.Context, op *operation) (pushOutcome, *PushError, error) {
	def, err := c.st.Definition(op.Table)
	if err != nil {
		return 0, nil, err
	}

	var clientRec store.Record
	if op.Action != ActionDelete {
		id, err := nativeID(def, op.ItemID)
		if err != nil {
			return 0, nil, err
		}
		clientRec, err = c.st.Lookup(ctx, op.Table, id)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to load record for pending %s: %w", op.Action, err)
		}
	}

	serverRec, pushErr := c.callRemote(ctx, op, def, clientRec)
	if pushErr == nil {
		if err := c.completeOp(ctx, op, def, clientRec, serverRec); err != nil {
			return 0, nil, err
		}
		c.met.PushedOps.WithLabelValues(string(op.Action)).Inc()
		c.log.Debugw("pushed operation", "table", op.Table, "id", op.ItemID, "action", op.Action)
		return pushProceed, nil, nil
	}
	return c.handlePushFailure(ctx, op, def, clientRec, pushErr)
}

func (c *Context) callRemote(ctx context.Context, op *operation, def store.TableDefinition, clientRec store.Record) (store.Record, error) {
	switch op.Action {
	case ActionInsert:
		return c.tr.Insert(ctx, op.Table, wireBody(clientRec))
	case ActionUpdate:
		version, _ := clientRec["version"].(string)
		return c.tr.Update(ctx, op.Table, wireBody(clientRec), version)
	case ActionDelete:
		id, err := nativeID(def, op.ItemID)
		if err != nil {
			return nil, err
		}
		return nil, c.tr.Delete(ctx, op.Table, id, "")
	default:
		return nil, fmt.Errorf("unknown pending action %q", op.Action)
	}
}

// completeOp removes the finished op and, for inserts and updates, writes
// the server's view of the record back into the local table, all in one
// transaction.
func (c *Context) completeOp(ctx context.Context, op *operation, def store.TableDefinition, clientRec, serverRec store.Record) error {
	if op.Action == ActionDelete {
		return c.opLog.removeLockedOp(ctx)
	}
	writeback := clientRec.Clone()
	for col, val := range serverRec {
		if _, ok := def.Columns[col]; ok {
			writeback[col] = val
		}
	}
	batch := []store.BatchOp{
		{Kind: store.BatchUpsert, Table: op.Table, Data: writeback},
		removeOp(op.Seq),
	}
	c.crudMu.Lock()
	defer c.crudMu.Unlock()
	return c.st.ExecuteBatch(ctx, batch)
}

func (c *Context) handlePushFailure(ctx context.Context, op *operation, def store.TableDefinition, clientRec store.Record, cause error) (pushOutcome, *PushError, error) {
	var statusErr *remote.StatusError
	conflict := errors.As(cause, &statusErr) && statusErr.Conflict()

	pushErr := &PushError{
		c:         c,
		op:        op,
		def:       def,
		clientRec: clientRec,
		err:       cause,
		conflict:  conflict,
	}
	if statusErr != nil {
		pushErr.serverRec = statusErr.ServerRecord
	}
	if conflict {
		c.met.PushConflicts.Inc()
		c.log.Warnw("push conflict", "table", op.Table, "id", op.ItemID, "action", op.Action)
	} else {
		c.met.PushErrors.Inc()
		c.log.Warnw("push error", "table", op.Table, "id", op.ItemID, "action", op.Action, "error", cause)
	}

	if c.handler != nil {
		var err error
		if conflict {
			err = c.handler.OnConflict(ctx, pushErr)
		} else {
			err = c.handler.OnError(ctx, pushErr)
		}
		if err != nil {
			return 0, nil, fmt.Errorf("push handler failed: %w", err)
		}
	}

	switch {
	case pushErr.resolved && pushErr.retry && pushErr.handled:
		return pushRetry, pushErr, nil
	case pushErr.resolved && pushErr.retry:
		// a verb asked for retry but the handler unset handled: keep the
		// op pending without retrying it in this push
		return pushSkip, pushErr, nil
	case pushErr.resolved:
		return pushProceed, pushErr, nil
	case pushErr.handled:
		return pushSkip, pushErr, nil
	case conflict:
		return pushCollect, pushErr, nil
	default:
		return 0, nil, pushErr
	}
}

// wireBody strips the server-owned columns from an outgoing record.
func wireBody(rec store.Record) store.Record {
	body := rec.Clone()
	for _, col := range serverOwnedColumns {
		delete(body, col)
	}
	return body
}
