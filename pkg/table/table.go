// Package table materializes decoded records into a columnar table.
//
// Materialization runs in two passes: the first collects the ordered union of
// field names, the second projects every record onto that column order with
// nulls for absent fields. Every column is a nullable UTF-8 Arrow string.
package table

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/dbcflow/dbcflow/internal/model"
)

// DateLayout is the text form of date values.
const DateLayout = "2006-01-02"

// Table is an ordered set of rows over a fixed column list.
type Table struct {
	columns []string
	record  arrow.Record
}

// Option configures materialization.
type Option func(*options)

type options struct {
	alloc memory.Allocator
}

// WithAllocator sets the Arrow allocator used for column buffers.
func WithAllocator(alloc memory.Allocator) Option {
	return func(o *options) {
		o.alloc = alloc
	}
}

// Columns returns the ordered union of field names across records, in
// first-seen order.
func Columns(records []model.Record) []string {
	seen := make(map[string]struct{})
	var cols []string
	for i := range records {
		for _, f := range records[i].Fields {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// Materialize builds a Table from records. An empty record list yields a
// table with no rows and no columns. The caller must Release the table.
func Materialize(records []model.Record, opts ...Option) (*Table, error) {
	o := options{alloc: memory.DefaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}

	cols := Columns(records)
	index := make(map[string]int, len(cols))
	fields := make([]arrow.Field, len(cols))
	for i, name := range cols {
		index[name] = i
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builders := make([]*array.StringBuilder, len(cols))
	for i := range builders {
		builders[i] = array.NewStringBuilder(o.alloc)
		builders[i].Reserve(len(records))
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	row := make([]*model.Field, len(cols))
	for r := range records {
		for i := range row {
			row[i] = nil
		}
		for j := range records[r].Fields {
			f := &records[r].Fields[j]
			row[index[f.Name]] = f
		}

		for i, f := range row {
			if f == nil {
				builders[i].AppendNull()
				continue
			}
			text, ok := FormatValue(f.Value)
			if !ok {
				builders[i].AppendNull()
				continue
			}
			builders[i].Append(text)
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	rec := array.NewRecord(schema, arrays, int64(len(records)))
	for _, a := range arrays {
		a.Release()
	}

	return &Table{columns: cols, record: rec}, nil
}

// FormatValue renders a record value as CSV cell text. The boolean result is
// false for null values.
func FormatValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case time.Time:
		return x.Format(DateLayout), true
	default:
		return fmt.Sprint(x), true
	}
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	return t.columns
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int64 {
	return t.record.NumRows()
}

// NumCols returns the number of columns.
func (t *Table) NumCols() int {
	return len(t.columns)
}

// Schema returns the Arrow schema.
func (t *Table) Schema() *arrow.Schema {
	return t.record.Schema()
}

// Value returns the cell at (row, col); ok is false for nulls.
func (t *Table) Value(row, col int) (string, bool) {
	c := t.record.Column(col).(*array.String)
	if c.IsNull(row) {
		return "", false
	}
	return c.Value(row), true
}

// Row returns one row as driver-friendly values, nil for nulls.
func (t *Table) Row(row int) []any {
	out := make([]any, len(t.columns))
	for col := range t.columns {
		if v, ok := t.Value(row, col); ok {
			out[col] = v
		}
	}
	return out
}

// Slice returns rows [i, j) as a new record; the caller releases it.
func (t *Table) Slice(i, j int64) arrow.Record {
	return t.record.NewSlice(i, j)
}

// Release frees the Arrow buffers.
func (t *Table) Release() {
	if t.record != nil {
		t.record.Release()
		t.record = nil
	}
}
