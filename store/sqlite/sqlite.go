package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loctable/offline-sync/store"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// maxColumns is the engine's bound-parameter limit per statement; tables
// that could not be written in a single upsert are rejected at define time.
const maxColumns = 999

// SQLiteStore is the default table store. Every operation runs through a
// single-writer queue, so transactional semantics hold even with
// interleaved callers.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *sql.DB
	registry *store.Registry
	log      *zap.SugaredLogger
	closed   bool
}

var _ store.Store = (*SQLiteStore)(nil)

// Connect opens a SQLite-backed store at the given DSN, creating the
// reserved system tables if needed. A nil logger disables logging.
func Connect(dsn string, log *zap.SugaredLogger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}
	db.SetMaxOpenConns(1)

	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationDriver, "offline-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	registry := store.NewRegistry()
	for _, def := range store.SystemTableDefinitions() {
		if err := registry.Merge(def); err != nil {
			return nil, fmt.Errorf("failed to register system table %s: %w", def.Name, err)
		}
	}
	return &SQLiteStore{db: db, registry: registry, log: log}, nil
}

func (s *SQLiteStore) DefineTable(ctx context.Context, def store.TableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	if store.SystemTable(def.Name) {
		return fmt.Errorf("table name %s is reserved", def.Name)
	}
	if len(def.Columns) > maxColumns {
		return fmt.Errorf("table %s declares %d columns, the engine supports at most %d", def.Name, len(def.Columns), maxColumns)
	}
	if err := s.registry.Validate(def); err != nil {
		return err
	}

	existing, err := s.physicalColumns(ctx, def.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.createTable(ctx, def); err != nil {
			return err
		}
	} else if err := s.addMissingColumns(ctx, def, existing); err != nil {
		return err
	}
	return s.registry.Merge(def)
}

func (s *SQLiteStore) Definition(table string) (store.TableDefinition, error) {
	return s.registry.Get(table)
}

// physicalColumns returns the column set of an existing table, or nil when
// the table does not exist yet.
func (s *SQLiteStore) physicalColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var columns map[string]bool
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		if columns == nil {
			columns = make(map[string]bool)
		}
		columns[strings.ToLower(name)] = true
	}
	return columns, rows.Err()
}

func (s *SQLiteStore) createTable(ctx context.Context, def store.TableDefinition) error {
	parts := make([]string, 0, len(def.Columns))
	if def.Columns["id"] == store.TypeInteger {
		parts = append(parts, `"id" INTEGER PRIMARY KEY NOT NULL`)
	} else {
		parts = append(parts, `"id" TEXT COLLATE NOCASE PRIMARY KEY NOT NULL`)
	}
	for _, col := range sortedColumns(def) {
		parts = append(parts, quote(col)+" "+affinity(def.Columns[col]))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(def.Name), strings.Join(parts, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", def.Name, err)
	}
	s.log.Debugw("created table", "table", def.Name, "columns", len(def.Columns))
	return nil
}

func (s *SQLiteStore) addMissingColumns(ctx context.Context, def store.TableDefinition, existing map[string]bool) error {
	for _, col := range sortedColumns(def) {
		if existing[strings.ToLower(col)] {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(def.Name), quote(col), affinity(def.Columns[col]))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", def.Name, col, err)
		}
		s.log.Debugw("added column", "table", def.Name, "column", col)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, table string, records ...store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	def, err := s.registry.Get(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := upsertOne(ctx, tx, def, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, def store.TableDefinition, rec store.Record) error {
	serialized, err := store.SerializeRecord(def, rec)
	if err != nil {
		return err
	}
	columns := recordColumns(serialized)

	names := make([]string, 0, len(columns))
	holders := make([]string, 0, len(columns))
	values := make([]any, 0, len(columns))
	for _, col := range columns {
		names = append(names, quote(col))
		holders = append(holders, "?")
		values = append(values, serialized[col])
	}
	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		quote(def.Name), strings.Join(names, ", "), strings.Join(holders, ", "))
	if _, err := tx.ExecContext(ctx, stmt, values...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", def.Name, err)
	}

	// Second statement covers the row-already-existed case; columns the
	// record does not carry keep their stored values.
	if len(columns) > 1 {
		sets := make([]string, 0, len(columns)-1)
		updates := make([]any, 0, len(columns))
		for _, col := range columns {
			if col == "id" {
				continue
			}
			sets = append(sets, quote(col)+" = ?")
			updates = append(updates, serialized[col])
		}
		updates = append(updates, serialized["id"])
		stmt = fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = ?`, quote(def.Name), strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, stmt, updates...); err != nil {
			return fmt.Errorf("failed to update %s: %w", def.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, table string, id any) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	def, err := s.registry.Get(table)
	if err != nil {
		return nil, err
	}
	key, err := serializeID(def, id)
	if err != nil {
		return nil, err
	}

	columns := store.DefinitionColumns(def)
	selects := make([]string, len(columns))
	for i, col := range columns {
		selects[i] = quote(col)
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE "id" = ? LIMIT 1`, strings.Join(selects, ", "), quote(def.Name))

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err = s.db.QueryRowContext(ctx, stmt, key).Scan(ptrs...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v in table %s", store.ErrRecordNotFound, id, table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %v in table %s: %w", id, table, err)
	}
	return store.DeserializeRecord(def, columns, values)
}

func (s *SQLiteStore) Delete(ctx context.Context, table string, ids ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	def, err := s.registry.Get(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := deleteIDs(ctx, tx, def, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func deleteIDs(ctx context.Context, tx *sql.Tx, def store.TableDefinition, ids []any) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE "id" = ?`, quote(def.Name))
	for _, id := range ids {
		if id == nil {
			continue
		}
		key, err := serializeID(def, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
			return fmt.Errorf("failed to delete %v from %s: %w", id, def.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteByQuery(ctx context.Context, q *store.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	def, err := s.registry.Get(q.Table())
	if err != nil {
		return err
	}
	stmts, err := store.Translate(q.Clone().Project("id"), def, store.DialectSQLite)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, stmts[0].SQL, stmts[0].Params...)
	if err != nil {
		return fmt.Errorf("failed to resolve delete query on %s: %w", def.Name, err)
	}
	var ids []any
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to read ids: %w", err)
	}

	if err := deleteIDs(ctx, tx, def, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, q *store.Query) (*store.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	def, err := s.registry.Get(q.Table())
	if err != nil {
		return nil, err
	}
	stmts, err := store.Translate(q, def, store.DialectSQLite)
	if err != nil {
		return nil, err
	}

	columns := q.Selection()
	if len(columns) == 0 {
		columns = store.DefinitionColumns(def)
	}
	rows, err := s.db.QueryContext(ctx, stmts[0].SQL, stmts[0].Params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", def.Name, err)
	}
	defer rows.Close()

	result := &store.ReadResult{Records: make([]store.Record, 0), TotalCount: -1}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", def.Name, err)
		}
		rec, err := store.DeserializeRecord(def, columns, values)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows from %s: %w", def.Name, err)
	}

	if len(stmts) > 1 {
		if err := s.db.QueryRowContext(ctx, stmts[1].SQL, stmts[1].Params...).Scan(&result.TotalCount); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", def.Name, err)
		}
	}
	return result, nil
}

func (s *SQLiteStore) ExecuteBatch(ctx context.Context, ops []store.BatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		def, err := s.registry.Get(op.Table)
		if err != nil {
			return err
		}
		switch op.Kind {
		case store.BatchUpsert:
			if op.Data == nil {
				continue
			}
			if err := upsertOne(ctx, tx, def, op.Data); err != nil {
				return err
			}
		case store.BatchDelete:
			if err := deleteIDs(ctx, tx, def, []any{op.ID}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown batch operation kind %d", op.Kind)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// serializeID applies the record id rules to user tables only; reserved
// tables are keyed by the engine itself.
func serializeID(def store.TableDefinition, id any) (any, error) {
	if !store.SystemTable(def.Name) {
		if err := store.ValidateRecordID(id); err != nil {
			return nil, err
		}
	}
	return store.Serialize(def.Columns["id"], id)
}

func recordColumns(rec store.Record) []string {
	columns := make([]string, 0, len(rec))
	for col := range rec {
		if col != "id" {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)
	return append([]string{"id"}, columns...)
}

func sortedColumns(def store.TableDefinition) []string {
	columns := make([]string, 0, len(def.Columns))
	for col := range def.Columns {
		if col != "id" {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)
	return columns
}

func affinity(typ store.ColumnType) string {
	switch typ {
	case store.TypeInteger, store.TypeBoolean, store.TypeDate:
		return "INTEGER"
	case store.TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
