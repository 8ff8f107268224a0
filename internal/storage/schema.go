// TableSpec types live here so the pipeline and every backend package can
// share them without import cycles.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LogicalType is a backend-neutral column type. Each backend maps it to its
// own dialect.
type LogicalType string

const (
	TypeText      LogicalType = "text"
	TypeBigInt    LogicalType = "bigint"
	TypeDouble    LogicalType = "double"
	TypeBoolean   LogicalType = "boolean"
	TypeTimestamp LogicalType = "timestamp"
)

// TableSpec describes a table to be (re)created by ReplaceTable.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnSpec is one column of a TableSpec.
type ColumnSpec struct {
	Name     string      `json:"name"`
	Type     LogicalType `json:"type"`
	Nullable bool        `json:"nullable"`
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate checks the spec and that every row has one value per column.
func (t TableSpec) Validate(rows [][]any) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		n := strings.ToLower(strings.TrimSpace(c.Name))
		if n == "" {
			return fmt.Errorf("table %s: empty column name", t.Name)
		}
		if seen[n] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[n] = true
	}
	for i, r := range rows {
		if len(r) != len(t.Columns) {
			return fmt.Errorf("table %s: row %d has %d values, want %d", t.Name, i+1, len(r), len(t.Columns))
		}
	}
	return nil
}

// InferTableSpec derives column types from the Go values in rows.
//
// Type rules per column, ignoring nil values:
//   - all string            => text
//   - all integer           => bigint
//   - all float, or integer and float mixed => double
//   - all bool              => boolean
//   - all time.Time         => timestamp
//   - no values, or any other mix => text
//
// A column is nullable when it holds a nil value or rows is empty.
func InferTableSpec(name string, columns []string, rows [][]any) TableSpec {
	spec := TableSpec{Name: name, Columns: make([]ColumnSpec, len(columns))}
	for j, c := range columns {
		var (
			typ      LogicalType
			nullable = len(rows) == 0
		)
		for _, r := range rows {
			if j >= len(r) || r[j] == nil {
				nullable = true
				continue
			}
			typ = mergeType(typ, typeOf(r[j]))
		}
		if typ == "" {
			typ = TypeText
		}
		spec.Columns[j] = ColumnSpec{Name: c, Type: typ, Nullable: nullable}
	}
	return spec
}

func typeOf(v any) LogicalType {
	switch v.(type) {
	case string:
		return TypeText
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return TypeBigInt
	case float32, float64:
		return TypeDouble
	case bool:
		return TypeBoolean
	case time.Time:
		return TypeTimestamp
	default:
		return TypeText
	}
}

func mergeType(acc, next LogicalType) LogicalType {
	switch {
	case acc == "" || acc == next:
		return next
	case (acc == TypeBigInt && next == TypeDouble) || (acc == TypeDouble && next == TypeBigInt):
		return TypeDouble
	default:
		return TypeText
	}
}

// ConformRows returns a copy of rows whose values match the spec's column
// types: values in text columns are rendered with fmt.Sprint and integers in
// double columns become float64. nil is kept.
func ConformRows(t TableSpec, rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		row := make([]any, len(r))
		for j, v := range r {
			row[j] = v
			if v == nil || j >= len(t.Columns) {
				continue
			}
			switch t.Columns[j].Type {
			case TypeText:
				if _, ok := v.(string); !ok {
					row[j] = fmt.Sprint(v)
				}
			case TypeDouble:
				if f, ok := toFloat(v); ok {
					row[j] = f
				}
			case TypeBigInt:
				if n, ok := toInt(v); ok {
					row[j] = n
				}
			}
		}
		out[i] = row
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	default:
		if n, ok := toInt(v); ok {
			return float64(n), true
		}
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	default:
		return 0, false
	}
}

// ChunkRows splits rows into chunks that keep each statement under
// maxParams bind parameters. Dialects cap parameters per statement
// (SQL Server at 2100).
func ChunkRows(rows [][]any, columns, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if columns > 0 && maxParams > columns {
		per = maxParams / columns
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
