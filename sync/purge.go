package sync

import (
	"context"
	"fmt"

	"github.com/loctable/offline-sync/store"
)

// Purge removes local records matching the query without touching the
// server. With pending operations for the table it fails unless force is
// set, in which case the pending operations are discarded too. A purge of
// the whole table also drops the table's incremental-pull cursors.
func (c *Context) Purge(ctx context.Context, q *store.Query, force bool) error {
	def, err := c.userTable(q.Table())
	if err != nil {
		return err
	}

	lock := c.tableLock(def.Name)
	lock.Lock()
	defer lock.Unlock()
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.crudMu.Lock()
	defer c.crudMu.Unlock()

	pending, err := c.opLog.pendingCount(ctx, def.Name)
	if err != nil {
		return err
	}
	if pending > 0 && !force {
		return fmt.Errorf("%w: table %s has %d pending operations, purge requires force", ErrPendingOperations, def.Name, pending)
	}

	// Resolve the target rows, ignoring any projection the caller set.
	idQuery := q.Clone().Project("id")
	result, err := c.st.Read(ctx, idQuery)
	if err != nil {
		return err
	}

	var batch []store.BatchOp
	for _, rec := range result.Records {
		batch = append(batch, store.BatchOp{Kind: store.BatchDelete, Table: def.Name, ID: rec["id"]})
	}

	wholeTable := q.Filter() == nil && q.Top() < 0 && q.SkipCount() <= 0
	if wholeTable {
		keys, err := c.cursorKeysForTable(ctx, def.Name)
		if err != nil {
			return err
		}
		for _, key := range keys {
			batch = append(batch, store.BatchOp{Kind: store.BatchDelete, Table: store.SyncStateTable, ID: key})
		}
	}
	if force {
		ops, err := c.opLog.tableOperations(ctx, def.Name)
		if err != nil {
			return err
		}
		for _, op := range ops {
			batch = append(batch, removeOp(op.Seq))
		}
	}

	if len(batch) == 0 {
		return nil
	}
	if err := c.st.ExecuteBatch(ctx, batch); err != nil {
		return err
	}
	c.met.PurgedRecords.Add(float64(len(result.Records)))
	c.log.Infow("purged table", "table", def.Name, "records", len(result.Records), "force", force)
	return nil
}
