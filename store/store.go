package store

import (
	"context"
	"errors"
)

var (
	ErrTableNotDefined  = errors.New("table not defined")
	ErrRecordNotFound   = errors.New("record not found")
	ErrRecordExists     = errors.New("record already exists")
	ErrInvalidRecordID  = errors.New("invalid record id")
	ErrColumnNotDefined = errors.New("column not defined")
	ErrColumnRedefined  = errors.New("column redefined with a different type")
	ErrStoreClosed      = errors.New("store is closed")
)

// Record is a single row keyed by column name. Values are the Go-native
// representation of the column's declared type: string, int64, float64,
// bool, time.Time, or an arbitrary JSON-marshalable value for object and
// array columns.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TableDefinition declares a table and the type of each of its columns.
// The id column is mandatory and must be of type string or integer.
type TableDefinition struct {
	Name    string
	Columns map[string]ColumnType
}

type BatchKind int

const (
	BatchUpsert BatchKind = iota
	BatchDelete
)

// BatchOp is one entry of an ExecuteBatch call: either an upsert of Data
// into Table, or a delete of the row identified by ID.
type BatchOp struct {
	Kind  BatchKind
	Table string
	Data  Record
	ID    any
}

// ReadResult holds the rows returned by Read. TotalCount is -1 unless the
// query requested a total count.
type ReadResult struct {
	Records    []Record
	TotalCount int64
}

// Store is the capability surface every table store backend provides.
// Implementations serialize all operations through a single writer so a
// batch is never interleaved with another caller's statements.
type Store interface {
	// DefineTable creates the table if it is absent, or adds any columns
	// missing from an existing table. Columns are never dropped and an
	// existing column is never altered; re-declaring a column with a
	// different type fails with ErrColumnRedefined.
	DefineTable(ctx context.Context, def TableDefinition) error

	// Definition returns the declared schema of a defined table.
	Definition(table string) (TableDefinition, error)

	// Upsert inserts or updates each record by primary key. Columns absent
	// from a record keep their stored values. Nil records are skipped. The
	// whole call is one transaction.
	Upsert(ctx context.Context, table string, records ...Record) error

	// Lookup returns the record with the given id, or an error wrapping
	// ErrRecordNotFound. Id comparison is case-insensitive.
	Lookup(ctx context.Context, table string, id any) (Record, error)

	// Delete removes the rows whose id matches any of ids. Nil ids are
	// ignored. The whole call is one transaction.
	Delete(ctx context.Context, table string, ids ...any) error

	// DeleteByQuery resolves the query to a set of ids, ignoring any
	// projection the caller supplied, and deletes those rows in one
	// transaction.
	DeleteByQuery(ctx context.Context, q *Query) error

	// Read executes the query and returns the matching records.
	Read(ctx context.Context, q *Query) (*ReadResult, error)

	// ExecuteBatch applies the ordered list of operations in a single
	// transaction. Nil data in an upsert entry skips the entry.
	ExecuteBatch(ctx context.Context, ops []BatchOp) error

	Close() error
}
