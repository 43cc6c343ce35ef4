package remote

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loctable/offline-sync/store"
)

// QueryString renders a structured query as the OData-style string the
// table service understands.
func QueryString(q *store.Query) (string, error) {
	values := url.Values{}
	if q.Filter() != nil {
		filter, err := filterString(q.Filter())
		if err != nil {
			return "", err
		}
		values.Set("$filter", filter)
	}
	if order := q.Orderings(); len(order) > 0 {
		terms := make([]string, len(order))
		for i, o := range order {
			terms[i] = o.Column
			if o.Descending {
				terms[i] += " desc"
			}
		}
		values.Set("$orderby", strings.Join(terms, ","))
	}
	if q.Top() >= 0 {
		values.Set("$top", strconv.Itoa(q.Top()))
	}
	if q.SkipCount() > 0 {
		values.Set("$skip", strconv.Itoa(q.SkipCount()))
	}
	if sel := q.Selection(); len(sel) > 0 {
		values.Set("$select", strings.Join(sel, ","))
	}
	if q.TotalCountRequested() {
		values.Set("$inlinecount", "allpages")
	}
	return values.Encode(), nil
}

func filterString(e store.Expr) (string, error) {
	switch node := e.(type) {
	case *store.Comparison:
		op, err := compareToken(node.Op)
		if err != nil {
			return "", err
		}
		value, err := literal(node.Value)
		if err != nil {
			return "", fmt.Errorf("failed to render filter value for %s: %w", node.Column, err)
		}
		return fmt.Sprintf("(%s %s %s)", node.Column, op, value), nil
	case *store.Logical:
		if len(node.Operands) == 0 {
			return "", fmt.Errorf("logical expression with no operands")
		}
		join := " or "
		if node.Conjunction {
			join = " and "
		}
		parts := make([]string, len(node.Operands))
		for i, op := range node.Operands {
			s, err := filterString(op)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "(" + strings.Join(parts, join) + ")", nil
	case *store.Negation:
		s, err := filterString(node.Operand)
		if err != nil {
			return "", err
		}
		return "not " + s, nil
	default:
		return "", fmt.Errorf("unknown filter expression %T", e)
	}
}

func compareToken(op store.CompareOp) (string, error) {
	switch op {
	case store.OpEq:
		return "eq", nil
	case store.OpNe:
		return "ne", nil
	case store.OpGt:
		return "gt", nil
	case store.OpGe:
		return "ge", nil
	case store.OpLt:
		return "lt", nil
	case store.OpLe:
		return "le", nil
	default:
		return "", fmt.Errorf("unknown comparison operator %q", op)
	}
}

func literal(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case time.Time:
		return "datetimeoffset'" + v.UTC().Format("2006-01-02T15:04:05.000Z") + "'", nil
	default:
		return "", fmt.Errorf("unsupported literal %T", value)
	}
}
