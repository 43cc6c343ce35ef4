package store

// Query describes a structured read over one table: an optional filter
// expression, ordering, paging, projection, and a flag requesting the
// total (un-paged) match count. Queries are plain values; building one
// performs no I/O.
type Query struct {
	table        string
	filter       Expr
	order        []Ordering
	top          int
	skip         int
	selection    []string
	includeTotal bool
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Column     string
	Descending bool
}

func NewQuery(table string) *Query {
	return &Query{table: table, top: -1, skip: -1}
}

// Where replaces the query's filter expression.
func (q *Query) Where(e Expr) *Query {
	q.filter = e
	return q
}

func (q *Query) OrderBy(column string) *Query {
	q.order = append(q.order, Ordering{Column: column})
	return q
}

func (q *Query) OrderByDesc(column string) *Query {
	q.order = append(q.order, Ordering{Column: column, Descending: true})
	return q
}

// Take limits the number of returned records.
func (q *Query) Take(n int) *Query {
	q.top = n
	return q
}

// Skip offsets into the result set.
func (q *Query) Skip(n int) *Query {
	q.skip = n
	return q
}

// Project restricts the returned columns.
func (q *Query) Project(columns ...string) *Query {
	q.selection = columns
	return q
}

// WithTotalCount requests the total match count alongside the records.
func (q *Query) WithTotalCount() *Query {
	q.includeTotal = true
	return q
}

func (q *Query) Table() string             { return q.table }
func (q *Query) Filter() Expr              { return q.filter }
func (q *Query) Orderings() []Ordering     { return q.order }
func (q *Query) Top() int                  { return q.top }
func (q *Query) SkipCount() int            { return q.skip }
func (q *Query) Selection() []string       { return q.selection }
func (q *Query) TotalCountRequested() bool { return q.includeTotal }

// Clone returns an independent copy of the query.
func (q *Query) Clone() *Query {
	out := *q
	out.order = append([]Ordering(nil), q.order...)
	out.selection = append([]string(nil), q.selection...)
	return &out
}

// Expr is a filter predicate over a single table's columns.
type Expr interface {
	isExpr()
}

// CompareOp is a binary comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "<>"
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
)

// Comparison compares a column against a constant value.
type Comparison struct {
	Op     CompareOp
	Column string
	Value  any
}

// Logical combines operands with AND or OR.
type Logical struct {
	Conjunction bool // true = AND, false = OR
	Operands    []Expr
}

// Negation inverts its operand.
type Negation struct {
	Operand Expr
}

func (*Comparison) isExpr() {}
func (*Logical) isExpr()    {}
func (*Negation) isExpr()   {}

func Eq(column string, value any) Expr { return &Comparison{Op: OpEq, Column: column, Value: value} }
func Ne(column string, value any) Expr { return &Comparison{Op: OpNe, Column: column, Value: value} }
func Gt(column string, value any) Expr { return &Comparison{Op: OpGt, Column: column, Value: value} }
func Ge(column string, value any) Expr { return &Comparison{Op: OpGe, Column: column, Value: value} }
func Lt(column string, value any) Expr { return &Comparison{Op: OpLt, Column: column, Value: value} }
func Le(column string, value any) Expr { return &Comparison{Op: OpLe, Column: column, Value: value} }

func And(operands ...Expr) Expr { return &Logical{Conjunction: true, Operands: operands} }
func Or(operands ...Expr) Expr  { return &Logical{Operands: operands} }
func Not(operand Expr) Expr     { return &Negation{Operand: operand} }
