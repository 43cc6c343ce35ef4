package store

import (
	"fmt"
	"sort"
	"strings"
)

// Dialect selects the placeholder style and paging idiom of the target
// engine. The translator itself never touches a connection.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Statement is one parameterized SQL statement produced by Translate.
type Statement struct {
	SQL    string
	Params []any
}

// Translate turns a structured query into one or two statements: the data
// statement, and, when the query requests a total count, a COUNT(*) over
// the same filter. Filter values are serialized through the table schema.
func Translate(q *Query, def TableDefinition, dialect Dialect) ([]Statement, error) {
	columns := q.Selection()
	if len(columns) == 0 {
		columns = DefinitionColumns(def)
	}
	for _, col := range columns {
		if _, ok := def.Columns[col]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotDefined, def.Name, col)
		}
	}

	var b strings.Builder
	params := make([]any, 0, 8)
	b.WriteString("SELECT ")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(col))
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(def.Name))

	where, whereParams, err := translateFilter(q.Filter(), def)
	if err != nil {
		return nil, err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = append(params, whereParams...)
	}

	if order := q.Orderings(); len(order) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range order {
			if _, ok := def.Columns[o.Column]; !ok {
				return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotDefined, def.Name, o.Column)
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(o.Column))
			if o.Descending {
				b.WriteString(" DESC")
			}
		}
	}

	top, skip := q.Top(), q.SkipCount()
	switch {
	case top >= 0:
		b.WriteString(" LIMIT ?")
		params = append(params, int64(top))
		if skip > 0 {
			b.WriteString(" OFFSET ?")
			params = append(params, int64(skip))
		}
	case skip > 0:
		if dialect == DialectPostgres {
			b.WriteString(" OFFSET ?")
		} else {
			b.WriteString(" LIMIT -1 OFFSET ?")
		}
		params = append(params, int64(skip))
	}

	stmts := []Statement{{SQL: b.String(), Params: params}}
	if q.TotalCountRequested() {
		count := "SELECT COUNT(*) FROM " + quoteIdent(def.Name)
		countParams := []any(nil)
		if where != "" {
			count += " WHERE " + where
			countParams = append(countParams, whereParams...)
		}
		stmts = append(stmts, Statement{SQL: count, Params: countParams})
	}
	if dialect == DialectPostgres {
		for i := range stmts {
			stmts[i].SQL = numberPlaceholders(stmts[i].SQL)
		}
	}
	return stmts, nil
}

func translateFilter(e Expr, def TableDefinition) (string, []any, error) {
	if e == nil {
		return "", nil, nil
	}
	switch node := e.(type) {
	case *Comparison:
		typ, ok := def.Columns[node.Column]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrColumnNotDefined, def.Name, node.Column)
		}
		value, err := Serialize(typ, node.Value)
		if err != nil {
			return "", nil, fmt.Errorf("failed to serialize filter value for %s.%s: %w", def.Name, node.Column, err)
		}
		return quoteIdent(node.Column) + " " + string(node.Op) + " ?", []any{value}, nil
	case *Logical:
		if len(node.Operands) == 0 {
			return "", nil, fmt.Errorf("logical expression with no operands")
		}
		join := " OR "
		if node.Conjunction {
			join = " AND "
		}
		parts := make([]string, 0, len(node.Operands))
		var params []any
		for _, op := range node.Operands {
			sql, p, err := translateFilter(op, def)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+sql+")")
			params = append(params, p...)
		}
		return strings.Join(parts, join), params, nil
	case *Negation:
		sql, params, err := translateFilter(node.Operand, def)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + sql + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unknown filter expression %T", e)
	}
}

// DefinitionColumns lists a table's columns deterministically: id first,
// the rest sorted.
func DefinitionColumns(def TableDefinition) []string {
	columns := make([]string, 0, len(def.Columns))
	for col := range def.Columns {
		if col != "id" {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)
	return append([]string{"id"}, columns...)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func numberPlaceholders(sql string) string {
	var b strings.Builder
	n := 0
	for _, r := range sql {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
