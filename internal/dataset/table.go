package dataset

import (
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
)

// Column is a single column of a Table. Value returns nil for a null cell and
// otherwise one of string, bool, int64, uint64 or float64.
type Column interface {
	Len() int
	Value(i int) any
}

// Table is an in-memory columnar table holding one season of source rows.
type Table struct {
	names   []string
	index   map[string]int
	cols    []Column
	rows    int
	release func()
}

// NewTable builds a table from named columns of equal length.
func NewTable(names []string, cols []Column) (*Table, error) {
	if len(names) != len(cols) {
		return nil, fmt.Errorf("NewTable: %d names for %d columns", len(names), len(cols))
	}
	t := &Table{
		names: make([]string, 0, len(names)),
		index: make(map[string]int, len(names)),
		cols:  make([]Column, 0, len(cols)),
	}
	for i, name := range names {
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("NewTable: duplicate column %q", name)
		}
		if i > 0 && cols[i].Len() != cols[0].Len() {
			return nil, fmt.Errorf("NewTable: column %q has %d rows, want %d", name, cols[i].Len(), cols[0].Len())
		}
		t.index[name] = len(t.cols)
		t.names = append(t.names, name)
		t.cols = append(t.cols, cols[i])
	}
	if len(cols) > 0 {
		t.rows = cols[0].Len()
	}
	return t, nil
}

// FromRows builds a table from row maps. Keys missing from a row are null.
func FromRows(names []string, rows []map[string]any) *Table {
	cols := make([]Column, len(names))
	for i, name := range names {
		vals := make(sliceColumn, len(rows))
		for r, row := range rows {
			vals[r] = row[name]
		}
		cols[i] = vals
	}
	t, err := NewTable(names, cols)
	if err != nil {
		// Only duplicate names can fail here.
		panic(err)
	}
	return t
}

// FromArrow wraps an arrow table without copying it. The returned table takes
// ownership of tbl and releases it on Release.
func FromArrow(tbl arrow.Table) *Table {
	t := &Table{
		index:   make(map[string]int, tbl.NumCols()),
		rows:    int(tbl.NumRows()),
		release: tbl.Release,
	}
	for i, field := range tbl.Schema().Fields() {
		if _, dup := t.index[field.Name]; dup {
			continue
		}
		t.index[field.Name] = len(t.cols)
		t.names = append(t.names, field.Name)
		t.cols = append(t.cols, newArrowColumn(tbl.Column(i).Data()))
	}
	return t
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return t.rows }

// Columns returns the column names in table order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.cols[i], true
}

// Row materializes one row as a column-name keyed map.
func (t *Table) Row(i int) map[string]any {
	row := make(map[string]any, len(t.names))
	for c, name := range t.names {
		row[name] = t.cols[c].Value(i)
	}
	return row
}

// Release frees the memory backing an arrow-decoded table. It is safe to call
// more than once.
func (t *Table) Release() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

type sliceColumn []any

func (c sliceColumn) Len() int        { return len(c) }
func (c sliceColumn) Value(i int) any { return c[i] }

// arrowColumn reads values across the chunks of an arrow column.
type arrowColumn struct {
	chunks  []arrow.Array
	offsets []int
	n       int
}

func newArrowColumn(data *arrow.Chunked) *arrowColumn {
	c := &arrowColumn{chunks: data.Chunks()}
	c.offsets = make([]int, len(c.chunks))
	for i, chunk := range c.chunks {
		c.offsets[i] = c.n
		c.n += chunk.Len()
	}
	return c
}

func (c *arrowColumn) Len() int { return c.n }

func (c *arrowColumn) Value(i int) any {
	k := sort.Search(len(c.offsets), func(j int) bool { return c.offsets[j] > i }) - 1
	if k < 0 || i >= c.n {
		return nil
	}
	return arrowValue(c.chunks[k], i-c.offsets[k])
}

// arrowValue converts one cell to a plain Go scalar. Types the play schema never
// needs (dates, timestamps, nested types) read as null.
func arrowValue(a arrow.Array, i int) any {
	if a.IsNull(i) {
		return nil
	}
	switch a := a.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return string(a.Value(i))
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.Dictionary:
		return arrowValue(a.Dictionary(), a.GetValueIndex(i))
	default:
		return nil
	}
}
