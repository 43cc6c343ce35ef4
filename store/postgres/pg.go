package postgres

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
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PgStore is a Postgres-backed table store with the same capability
// surface as the SQLite default. String ids are compared with LOWER() on
// both sides to mirror SQLite's NOCASE id collation.
type PgStore struct {
	mu       sync.Mutex
	db       *sql.DB
	registry *store.Registry
	log      *zap.SugaredLogger
	closed   bool
}

var _ store.Store = (*PgStore)(nil)

// Connect opens a Postgres-backed store and prepares the reserved system
// tables. A nil logger disables logging.
func Connect(databaseURL string, log *zap.SugaredLogger) (*PgStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
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
	return &PgStore{db: db, registry: registry, log: log}, nil
}

func (s *PgStore) DefineTable(ctx context.Context, def store.TableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	if store.SystemTable(def.Name) {
		return fmt.Errorf("table name %s is reserved", def.Name)
	}
	if err := s.registry.Validate(def); err != nil {
		return err
	}

	parts := make([]string, 0, len(def.Columns))
	if def.Columns["id"] == store.TypeInteger {
		parts = append(parts, `"id" BIGINT PRIMARY KEY NOT NULL`)
	} else {
		parts = append(parts, `"id" TEXT PRIMARY KEY NOT NULL`)
	}
	for _, col := range sortedColumns(def) {
		parts = append(parts, quote(col)+" "+sqlType(def.Columns[col]))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(def.Name), strings.Join(parts, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", def.Name, err)
	}
	for _, col := range sortedColumns(def) {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", quote(def.Name), quote(col), sqlType(def.Columns[col]))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", def.Name, col, err)
		}
	}
	s.log.Debugw("defined table", "table", def.Name, "columns", len(def.Columns))
	return s.registry.Merge(def)
}

func (s *PgStore) Definition(table string) (store.TableDefinition, error) {
	return s.registry.Get(table)
}

func (s *PgStore) Upsert(ctx context.Context, table string, records ...store.Record) error {
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
	for i, col := range columns {
		names = append(names, quote(col))
		holders = append(holders, fmt.Sprintf("$%d", i+1))
		values = append(values, serialized[col])
	}
	var b strings.Builder
	fmt.Fprintf(&b, `INSERT INTO %s (%s) VALUES (%s) ON CONFLICT ("id") DO `,
		quote(def.Name), strings.Join(names, ", "), strings.Join(holders, ", "))
	if len(columns) == 1 {
		b.WriteString("NOTHING")
	} else {
		b.WriteString("UPDATE SET ")
		for i, col := range columns[1:] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quote(col) + " = EXCLUDED." + quote(col))
		}
	}
	if _, err := tx.ExecContext(ctx, b.String(), values...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", def.Name, err)
	}
	return nil
}

func (s *PgStore) Lookup(ctx context.Context, table string, id any) (store.Record, error) {
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
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(selects, ", "), quote(def.Name), idPredicate(def, 1))

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

func (s *PgStore) Delete(ctx context.Context, table string, ids ...any) error {
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
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quote(def.Name), idPredicate(def, 1))
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

func (s *PgStore) DeleteByQuery(ctx context.Context, q *store.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	def, err := s.registry.Get(q.Table())
	if err != nil {
		return err
	}
	stmts, err := store.Translate(q.Clone().Project("id"), def, store.DialectPostgres)
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

func (s *PgStore) Read(ctx context.Context, q *store.Query) (*store.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	def, err := s.registry.Get(q.Table())
	if err != nil {
		return nil, err
	}
	stmts, err := store.Translate(q, def, store.DialectPostgres)
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

func (s *PgStore) ExecuteBatch(ctx context.Context, ops []store.BatchOp) error {
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

func (s *PgStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// idPredicate builds the id comparison for lookups and deletes. String ids
// match case-insensitively.
func idPredicate(def store.TableDefinition, placeholder int) string {
	if def.Columns["id"] == store.TypeString {
		return fmt.Sprintf(`LOWER("id") = LOWER($%d)`, placeholder)
	}
	return fmt.Sprintf(`"id" = $%d`, placeholder)
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

func sqlType(typ store.ColumnType) string {
	switch typ {
	case store.TypeInteger, store.TypeDate:
		return "BIGINT"
	case store.TypeReal:
		return "DOUBLE PRECISION"
	case store.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
