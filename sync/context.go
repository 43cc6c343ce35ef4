package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/loctable/offline-sync/metrics"
	"github.com/loctable/offline-sync/remote"
	"github.com/loctable/offline-sync/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPageSize = 50

// Context is the public surface for CRUD on synced tables. Local
// mutations are recorded in the operation log in the same store
// transaction as the data write; Pull and Push reconcile with the remote
// table service.
type Context struct {
	st       store.Store
	tr       remote.Transport
	log      *zap.SugaredLogger
	handler  ConflictHandler
	met      *metrics.Metrics
	pageSize int

	opLog *operationLog

	// crudMu serializes local CRUD so the read-before-write check and the
	// following batch are linearizable with respect to each other.
	crudMu sync.Mutex
	// pushMu serializes push, including the implicit push before pull.
	pushMu sync.Mutex

	tableMu    sync.Mutex
	tableLocks map[string]*sync.Mutex

	initMu      sync.Mutex
	initialized bool
}

// Option configures a Context.
type Option func(*Context)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Context) { c.log = log }
}

// WithConflictHandler installs the handler push consults on conflicts and
// errors. Without one, every conflict is unhandled and every error aborts
// the push.
func WithConflictHandler(h ConflictHandler) Option {
	return func(c *Context) { c.handler = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Context) { c.met = m }
}

// WithPageSize sets the default pull page size.
func WithPageSize(n int) Option {
	return func(c *Context) { c.pageSize = n }
}

func New(st store.Store, tr remote.Transport, opts ...Option) *Context {
	c := &Context{
		st:         st,
		tr:         tr,
		log:        zap.NewNop().Sugar(),
		met:        metrics.Nop(),
		pageSize:   defaultPageSize,
		opLog:      newOperationLog(st),
		tableLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize binds the context to its store. Every other operation fails
// until it has run.
func (c *Context) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.opLog.init(ctx); err != nil {
		return err
	}
	c.initialized = true
	c.log.Debugw("sync context initialized")
	return nil
}

func (c *Context) ensureInitialized() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// DefineTable declares a synced table in the local store.
func (c *Context) DefineTable(ctx context.Context, def store.TableDefinition) error {
	return c.st.DefineTable(ctx, def)
}

// Insert records a new row and logs a pending insert, atomically. A
// string-id table accepts a record without an id and assigns one.
func (c *Context) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	def, err := c.userTable(table)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record must not be nil")
	}
	rec = rec.Clone()
	if rec["id"] == nil {
		if def.Columns["id"] != store.TypeString {
			return nil, fmt.Errorf("%w: missing id in record for table %s", store.ErrInvalidRecordID, table)
		}
		rec["id"] = uuid.NewString()
	}
	if err := store.ValidateRecordID(rec["id"]); err != nil {
		return nil, err
	}

	c.crudMu.Lock()
	defer c.crudMu.Unlock()
	_, err = c.st.Lookup(ctx, def.Name, rec["id"])
	if err == nil {
		return nil, fmt.Errorf("%w: %v in table %s", store.ErrRecordExists, rec["id"], table)
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}

	logOps, err := c.opLog.loggingOperation(ctx, def.Name, ActionInsert, store.IDKey(rec["id"]))
	if err != nil {
		return nil, err
	}
	batch := append([]store.BatchOp{{Kind: store.BatchUpsert, Table: def.Name, Data: rec}}, logOps...)
	if err := c.st.ExecuteBatch(ctx, batch); err != nil {
		return nil, err
	}
	c.log.Debugw("inserted record", "table", table, "id", rec["id"])
	return rec, nil
}

// Update overwrites an existing row and logs a pending update, atomically.
func (c *Context) Update(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	def, err := c.userTable(table)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record must not be nil")
	}
	rec = rec.Clone()
	if err := store.ValidateRecordID(rec["id"]); err != nil {
		return nil, err
	}

	c.crudMu.Lock()
	defer c.crudMu.Unlock()
	if _, err := c.st.Lookup(ctx, def.Name, rec["id"]); err != nil {
		return nil, err
	}

	logOps, err := c.opLog.loggingOperation(ctx, def.Name, ActionUpdate, store.IDKey(rec["id"]))
	if err != nil {
		return nil, err
	}
	batch := append([]store.BatchOp{{Kind: store.BatchUpsert, Table: def.Name, Data: rec}}, logOps...)
	if err := c.st.ExecuteBatch(ctx, batch); err != nil {
		return nil, err
	}
	c.log.Debugw("updated record", "table", table, "id", rec["id"])
	return rec, nil
}

// Delete removes a row and logs a pending delete, atomically. Deleting a
// freshly inserted, never pushed row drops both the row and its log entry.
func (c *Context) Delete(ctx context.Context, table string, id any) error {
	def, err := c.userTable(table)
	if err != nil {
		return err
	}
	if err := store.ValidateRecordID(id); err != nil {
		return err
	}

	c.crudMu.Lock()
	defer c.crudMu.Unlock()
	logOps, err := c.opLog.loggingOperation(ctx, def.Name, ActionDelete, store.IDKey(id))
	if err != nil {
		return err
	}
	batch := append(logOps, store.BatchOp{Kind: store.BatchDelete, Table: def.Name, ID: id})
	if err := c.st.ExecuteBatch(ctx, batch); err != nil {
		return err
	}
	c.log.Debugw("deleted record", "table", table, "id", id)
	return nil
}

// Lookup reads one record from the local table.
func (c *Context) Lookup(ctx context.Context, table string, id any) (store.Record, error) {
	if _, err := c.userTable(table); err != nil {
		return nil, err
	}
	return c.st.Lookup(ctx, table, id)
}

// Read executes a structured query against the local table.
func (c *Context) Read(ctx context.Context, q *store.Query) (*store.ReadResult, error) {
	if _, err := c.userTable(q.Table()); err != nil {
		return nil, err
	}
	return c.st.Read(ctx, q)
}

// PendingOperations counts the operation-log entries for a table.
func (c *Context) PendingOperations(ctx context.Context, table string) (int64, error) {
	if err := c.ensureInitialized(); err != nil {
		return 0, err
	}
	return c.opLog.pendingCount(ctx, table)
}

// userTable validates that a table is defined and not reserved.
func (c *Context) userTable(table string) (store.TableDefinition, error) {
	if err := c.ensureInitialized(); err != nil {
		return store.TableDefinition{}, err
	}
	if store.SystemTable(table) {
		return store.TableDefinition{}, fmt.Errorf("table name %s is reserved", table)
	}
	return c.st.Definition(table)
}

// tableLock returns the single-flight lock serializing pull and purge for
// one table.
func (c *Context) tableLock(table string) *sync.Mutex {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	key := strings.ToLower(table)
	lock, ok := c.tableLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.tableLocks[key] = lock
	}
	return lock
}

// nativeID converts an operation-log item key back to the table's id type.
func nativeID(def store.TableDefinition, itemID string) (any, error) {
	if def.Columns["id"] == store.TypeInteger {
		n, err := strconv.ParseInt(itemID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", store.ErrInvalidRecordID, itemID)
		}
		return n, nil
	}
	return itemID, nil
}
