package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The serializer is the only place typed record values cross into the
// engine's scalar domain. Dates travel as epoch milliseconds, booleans as
// native bools, object and array values as JSON text.

// Serialize converts a record value into the scalar the engine stores for
// the given column type.
func Serialize(typ ColumnType, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch typ {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case TypeInteger:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return n, nil
	case TypeReal:
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		return f, nil
	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", value)
		}
		return b, nil
	case TypeDate:
		t, err := AsTime(value)
		if err != nil {
			return nil, err
		}
		return t.UnixMilli(), nil
	case TypeObject, TypeArray:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s value: %w", typ, err)
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
}

// Deserialize converts an engine scalar back into the Go-native value of
// the column's declared type.
func Deserialize(typ ColumnType, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch typ {
	case TypeString:
		return toString(value)
	case TypeInteger:
		return toInt64(value)
	case TypeReal:
		return toFloat64(value)
	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		default:
			n, err := toInt64(value)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %T", value)
			}
			return n != 0, nil
		}
	case TypeDate:
		ms, err := toInt64(value)
		if err != nil {
			return nil, fmt.Errorf("expected date, got %T", value)
		}
		return time.UnixMilli(ms).UTC(), nil
	case TypeObject, TypeArray:
		s, err := toString(value)
		if err != nil {
			return nil, fmt.Errorf("expected %s, got %T", typ, value)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("failed to decode %s value: %w", typ, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}
}

// AsTime coerces the representations a date value may arrive in: native
// time, an RFC 3339 string off the wire, or epoch milliseconds.
func AsTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Truncate(time.Millisecond), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse date %q: %w", v, err)
		}
		return t.UTC().Truncate(time.Millisecond), nil
	case int64, int, float64:
		ms, err := toInt64(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("expected date, got %T", value)
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("expected integer, got fractional %v", v)
		}
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	default:
		n, err := toInt64(value)
		if err != nil {
			return 0, fmt.Errorf("expected real, got %T", value)
		}
		return float64(n), nil
	}
}

func toString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("expected string, got %T", value)
	}
}

// SerializeRecord maps a record through the table's schema, column by
// column. Every key must name a declared column and the id must be present;
// in user tables it must also pass ValidateRecordID. Reserved tables carry
// engine-built keys (cursor keys contain a 0x1f separator) and skip that
// check.
func SerializeRecord(def TableDefinition, rec Record) (Record, error) {
	id, ok := rec["id"]
	if !ok || id == nil {
		return nil, fmt.Errorf("%w: missing id in record for table %s", ErrInvalidRecordID, def.Name)
	}
	if !SystemTable(def.Name) {
		if err := ValidateRecordID(id); err != nil {
			return nil, err
		}
	}
	out := make(Record, len(rec))
	for col, val := range rec {
		typ, ok := def.Columns[col]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotDefined, def.Name, col)
		}
		s, err := Serialize(typ, val)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s.%s: %w", def.Name, col, err)
		}
		out[col] = s
	}
	return out, nil
}

// DeserializeRecord converts a scanned row back into a typed record. The
// column list must parallel the scanned values.
func DeserializeRecord(def TableDefinition, columns []string, values []any) (Record, error) {
	rec := make(Record, len(columns))
	for i, col := range columns {
		typ, ok := def.Columns[col]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotDefined, def.Name, col)
		}
		v, err := Deserialize(typ, values[i])
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize %s.%s: %w", def.Name, col, err)
		}
		rec[col] = v
	}
	return rec, nil
}
