package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loctable/offline-sync/store"
)

// PullSettings tunes a single pull.
type PullSettings struct {
	// PageSize bounds each server request; defaults to the context's
	// configured page size.
	PageSize int
}

// cursorKey scopes an incremental-pull cursor to its table. The separator
// cannot appear in a table name or a query id.
func cursorKey(table, queryID string) string {
	return table + "\x1f" + queryID
}

// Pull fetches server records matching the query and integrates them into
// the local table: tombstones delete the local row, everything else is
// upserted. Pull never creates operation-log entries; it carries server
// truth, not local intent. A non-empty queryID makes the pull
// incremental: only records with updatedAt past the stored cursor are
// fetched, and the cursor advances as pages integrate.
func (c *Context) Pull(ctx context.Context, q *store.Query, queryID string, settings *PullSettings) error {
	def, err := c.userTable(q.Table())
	if err != nil {
		return err
	}
	if q.Top() >= 0 || q.SkipCount() > 0 || len(q.Selection()) > 0 || q.TotalCountRequested() {
		return fmt.Errorf("pull query must not page, project, or request a count")
	}
	incremental := queryID != ""
	if incremental && def.Columns["updatedAt"] != store.TypeDate {
		return fmt.Errorf("incremental pull requires an updatedAt date column on table %s", def.Name)
	}

	lock := c.tableLock(def.Name)
	lock.Lock()
	defer lock.Unlock()

	// Pending local changes would be overwritten by server state; they
	// must reach the server first.
	pending, err := c.opLog.pendingCount(ctx, def.Name)
	if err != nil {
		return err
	}
	if pending > 0 {
		unhandled, err := c.Push(ctx)
		if err != nil {
			return fmt.Errorf("failed to push before pull: %w", err)
		}
		if len(unhandled) > 0 {
			return fmt.Errorf("%w: push before pull left %d unhandled conflicts", ErrPendingOperations, len(unhandled))
		}
	}

	pageSize := c.pageSize
	if settings != nil && settings.PageSize > 0 {
		pageSize = settings.PageSize
	}

	var cursor time.Time
	if incremental {
		cursor, err = c.loadCursor(ctx, def.Name, queryID)
		if err != nil {
			return err
		}
	}

	// The query window trails the persisted cursor: the filter is strict
	// (updatedAt > window), so the window may only move past a timestamp
	// once every record carrying it has been fetched. A page that ends in
	// ties at its own maximum proves nothing about further ties behind it
	// and keeps paging by skip instead.
	window := cursor
	skip := 0
	for {
		pageQuery := q.Clone().Take(pageSize)
		if skip > 0 {
			pageQuery.Skip(skip)
		}
		if incremental {
			filter := store.Expr(store.Gt("updatedAt", window))
			if q.Filter() != nil {
				filter = store.And(q.Filter(), filter)
			}
			pageQuery = store.NewQuery(def.Name).Where(filter).OrderBy("updatedAt").Take(pageSize)
			if skip > 0 {
				pageQuery.Skip(skip)
			}
		}

		page, err := c.tr.Read(ctx, pageQuery)
		if err != nil {
			return fmt.Errorf("failed to pull page: %w", err)
		}
		if len(page.Records) == 0 {
			return nil
		}

		maxUpdated, err := c.integratePage(ctx, def, queryID, cursor, page.Records)
		if err != nil {
			return err
		}
		if maxUpdated.After(cursor) {
			cursor = maxUpdated
		}
		c.met.PullPages.Inc()
		c.met.PulledRecords.Add(float64(len(page.Records)))
		c.log.Debugw("integrated pull page", "table", def.Name, "records", len(page.Records))

		if len(page.Records) < pageSize {
			return nil
		}
		if !incremental {
			skip += len(page.Records)
			continue
		}

		belowMax, tail, err := pageTimestampTail(page.Records)
		if err != nil {
			return err
		}
		if tail == len(page.Records) || belowMax.IsZero() {
			// the whole page shares one timestamp; more ties may follow
			skip += len(page.Records)
		} else {
			// every record at or below belowMax has been fetched; the
			// tail records at the page maximum are skipped in the new
			// window so they are not fetched twice
			window = belowMax
			skip = tail
		}
	}
}

// pageTimestampTail returns the latest updatedAt strictly below the page's
// maximum, and how many records carry the maximum itself.
func pageTimestampTail(records []store.Record) (time.Time, int, error) {
	var pageMax, belowMax time.Time
	tail := 0
	for _, rec := range records {
		if rec == nil {
			continue
		}
		t, err := store.AsTime(rec["updatedAt"])
		if err != nil {
			return time.Time{}, 0, err
		}
		switch {
		case t.After(pageMax):
			belowMax = pageMax
			pageMax = t
			tail = 1
		case t.Equal(pageMax):
			tail++
		}
	}
	return belowMax, tail, nil
}

// integratePage applies one page of server records and, for incremental
// pulls, the advanced cursor, in a single transaction. Records that have
// acquired a pending local operation since the pre-pull push are skipped;
// local intent wins until the next push.
func (c *Context) integratePage(ctx context.Context, def store.TableDefinition, queryID string, cursor time.Time, records []store.Record) (time.Time, error) {
	incremental := queryID != ""
	maxUpdated := cursor
	batch := make([]store.BatchOp, 0, len(records)+1)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		id := rec["id"]
		if err := store.ValidateRecordID(id); err != nil {
			return maxUpdated, fmt.Errorf("server returned a record with an invalid id: %w", err)
		}
		if incremental {
			updated, err := store.AsTime(rec["updatedAt"])
			if err != nil {
				return maxUpdated, fmt.Errorf("server record %v has no usable updatedAt: %w", id, err)
			}
			if updated.After(maxUpdated) {
				maxUpdated = updated
			}
		}

		pendingOp, err := c.opLog.find(ctx, def.Name, store.IDKey(id))
		if err != nil {
			return maxUpdated, err
		}
		if pendingOp != nil {
			c.log.Debugw("skipping pulled record with pending local change", "table", def.Name, "id", id)
			continue
		}

		if deleted, _ := rec["deleted"].(bool); deleted {
			batch = append(batch, store.BatchOp{Kind: store.BatchDelete, Table: def.Name, ID: id})
			continue
		}
		upsert := rec.Clone()
		if _, declared := def.Columns["deleted"]; !declared {
			delete(upsert, "deleted")
		}
		batch = append(batch, store.BatchOp{Kind: store.BatchUpsert, Table: def.Name, Data: upsert})
	}
	if incremental && maxUpdated.After(cursor) {
		batch = append(batch, store.BatchOp{
			Kind:  store.BatchUpsert,
			Table: store.SyncStateTable,
			Data:  store.Record{"id": cursorKey(def.Name, queryID), "value": maxUpdated},
		})
	}
	if len(batch) == 0 {
		return maxUpdated, nil
	}
	return maxUpdated, c.st.ExecuteBatch(ctx, batch)
}

func (c *Context) loadCursor(ctx context.Context, table, queryID string) (time.Time, error) {
	rec, err := c.st.Lookup(ctx, store.SyncStateTable, cursorKey(table, queryID))
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if rec["value"] == nil {
		return time.Time{}, nil
	}
	return store.AsTime(rec["value"])
}

// cursorKeysForTable lists the __sync_state rows whose query id is scoped
// to one table.
func (c *Context) cursorKeysForTable(ctx context.Context, table string) ([]any, error) {
	result, err := c.st.Read(ctx, store.NewQuery(store.SyncStateTable).Project("id"))
	if err != nil {
		return nil, err
	}
	prefix := strings.ToLower(table) + "\x1f"
	var keys []any
	for _, rec := range result.Records {
		key, _ := rec["id"].(string)
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
