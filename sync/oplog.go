package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/loctable/offline-sync/store"
)

// Action names a pending local mutation.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// operation is one entry of the operation log: a pending local mutation
// awaiting push, keyed by (table, item id) with at most one entry per key.
type operation struct {
	Seq    int64
	Table  string
	ItemID string
	Action Action
}

// operationLog manages the reserved __operations table. Local CRUD writes
// entries only through batch ops returned by loggingOperation, so the log
// mutation always commits in the same transaction as the data mutation it
// describes.
type operationLog struct {
	st store.Store

	mu        sync.Mutex
	nextSeq   int64
	lockedSeq int64
}

func newOperationLog(st store.Store) *operationLog {
	return &operationLog{st: st}
}

// init loads the sequence counter from the highest stored entry.
func (l *operationLog) init(ctx context.Context) error {
	q := store.NewQuery(store.OperationsTable).OrderByDesc("id").Take(1)
	result, err := l.st.Read(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to read operation log head: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq = 1
	if len(result.Records) > 0 {
		op, err := operationFromRecord(result.Records[0])
		if err != nil {
			return err
		}
		l.nextSeq = op.Seq + 1
	}
	return nil
}

func (l *operationLog) allocateSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.nextSeq
	l.nextSeq++
	return seq
}

// loggingOperation returns the batch ops that, appended to the data
// mutation's batch, persist the correct operation-log entry for a new
// local action. The coalescing rules:
//
//	existing \ new   insert            update            delete
//	(none)           append            append            append
//	insert           error (exists)    keep insert       drop both
//	update           error (exists)    keep update       replace w/ delete
//	delete           replace w/ update error (not found) keep delete
func (l *operationLog) loggingOperation(ctx context.Context, table string, action Action, itemID string) ([]store.BatchOp, error) {
	existing, err := l.find(ctx, table, itemID)
	if err != nil {
		return nil, err
	}
	if existing != nil && l.isLocked(existing.Seq) {
		return nil, fmt.Errorf("%w: %s in table %s", ErrOperationLocked, itemID, table)
	}
	if existing == nil {
		op := &operation{Seq: l.allocateSeq(), Table: table, ItemID: itemID, Action: action}
		return []store.BatchOp{upsertOp(op)}, nil
	}

	switch existing.Action {
	case ActionInsert:
		switch action {
		case ActionInsert:
			return nil, fmt.Errorf("%w: %s in table %s", store.ErrRecordExists, itemID, table)
		case ActionUpdate:
			return nil, nil
		case ActionDelete:
			return []store.BatchOp{removeOp(existing.Seq)}, nil
		}
	case ActionUpdate:
		switch action {
		case ActionInsert:
			return nil, fmt.Errorf("%w: %s in table %s", store.ErrRecordExists, itemID, table)
		case ActionUpdate:
			return nil, nil
		case ActionDelete:
			replaced := *existing
			replaced.Action = ActionDelete
			return []store.BatchOp{upsertOp(&replaced)}, nil
		}
	case ActionDelete:
		switch action {
		case ActionInsert:
			replaced := *existing
			replaced.Action = ActionUpdate
			return []store.BatchOp{upsertOp(&replaced)}, nil
		case ActionUpdate:
			return nil, fmt.Errorf("%w: %s in table %s", store.ErrRecordNotFound, itemID, table)
		case ActionDelete:
			return nil, nil
		}
	}
	return nil, fmt.Errorf("unknown pending action %q", existing.Action)
}

// find returns the pending operation for (table, itemID), or nil.
func (l *operationLog) find(ctx context.Context, table, itemID string) (*operation, error) {
	q := store.NewQuery(store.OperationsTable).
		Where(store.And(store.Eq("tableName", table), store.Eq("itemId", itemID))).
		Take(1)
	result, err := l.st.Read(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}
	return operationFromRecord(result.Records[0])
}

// peekFirst returns the earliest pending operation with a sequence number
// greater than afterSeq, or nil when the log is drained.
func (l *operationLog) peekFirst(ctx context.Context, afterSeq int64) (*operation, error) {
	q := store.NewQuery(store.OperationsTable).
		Where(store.Gt("id", afterSeq)).
		OrderBy("id").
		Take(1)
	result, err := l.st.Read(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}
	return operationFromRecord(result.Records[0])
}

// pendingCount counts the log entries for one table.
func (l *operationLog) pendingCount(ctx context.Context, table string) (int64, error) {
	q := store.NewQuery(store.OperationsTable).
		Where(store.Eq("tableName", table)).
		Take(0).
		WithTotalCount()
	result, err := l.st.Read(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return result.TotalCount, nil
}

// tableOperations lists every pending operation for one table.
func (l *operationLog) tableOperations(ctx context.Context, table string) ([]*operation, error) {
	q := store.NewQuery(store.OperationsTable).
		Where(store.Eq("tableName", table)).
		OrderBy("id")
	result, err := l.st.Read(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}
	ops := make([]*operation, 0, len(result.Records))
	for _, rec := range result.Records {
		op, err := operationFromRecord(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// lock marks one op as being pushed. While held, local CRUD refuses to
// coalesce into the entry; push's own resolution paths are unaffected.
func (l *operationLog) lock(seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockedSeq != 0 {
		return fmt.Errorf("operation %d is already locked", l.lockedSeq)
	}
	l.lockedSeq = seq
	return nil
}

func (l *operationLog) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockedSeq = 0
}

func (l *operationLog) isLocked(seq int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockedSeq == seq
}

// removeLockedOp deletes the op the caller previously locked.
func (l *operationLog) removeLockedOp(ctx context.Context) error {
	l.mu.Lock()
	seq := l.lockedSeq
	l.mu.Unlock()
	if seq == 0 {
		return fmt.Errorf("no operation is locked")
	}
	if err := l.st.Delete(ctx, store.OperationsTable, seq); err != nil {
		return err
	}
	l.unlock()
	return nil
}

func upsertOp(op *operation) store.BatchOp {
	return store.BatchOp{
		Kind:  store.BatchUpsert,
		Table: store.OperationsTable,
		Data: store.Record{
			"id":        op.Seq,
			"tableName": op.Table,
			"itemId":    op.ItemID,
			"action":    string(op.Action),
		},
	}
}

func removeOp(seq int64) store.BatchOp {
	return store.BatchOp{Kind: store.BatchDelete, Table: store.OperationsTable, ID: seq}
}

func operationFromRecord(rec store.Record) (*operation, error) {
	seq, ok := rec["id"].(int64)
	if !ok {
		return nil, fmt.Errorf("malformed operation log entry: id %v", rec["id"])
	}
	table, _ := rec["tableName"].(string)
	itemID, _ := rec["itemId"].(string)
	action, _ := rec["action"].(string)
	if table == "" || itemID == "" || action == "" {
		return nil, fmt.Errorf("malformed operation log entry %d", seq)
	}
	return &operation{Seq: seq, Table: table, ItemID: itemID, Action: Action(action)}, nil
}
