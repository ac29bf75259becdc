package telemetry

import (
	"math"
	"slices"
)

// Frame is a column-oriented, read-only view of a dataset.
// Numeric columns hold NaN for missing cells.
type Frame struct {
	n       int
	order   []string
	numeric map[string][]float64
	text    map[string][]string
}

func newFrame(columns []string) *Frame {
	f := &Frame{
		order:   columns,
		numeric: make(map[string][]float64),
		text:    make(map[string][]string),
	}
	for _, col := range columns {
		if stringColumns[col] {
			f.text[col] = nil
		} else {
			f.numeric[col] = nil
		}
	}
	return f
}

// NewFrame builds a frame from in-memory records with the full dataset header.
func NewFrame(records []Record) *Frame {
	f := newFrame(slices.Clone(Columns))
	for col := range f.numeric {
		f.numeric[col] = make([]float64, len(records))
	}
	for col := range f.text {
		f.text[col] = make([]string, len(records))
	}

	for i, r := range records {
		for col, values := range f.numeric {
			values[i], _ = r.Numeric(col)
		}
		for col, values := range f.text {
			values[i] = r.text(col)
		}
	}
	f.n = len(records)
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return f.n
}

// Columns returns the column names in file order.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	return slices.Clone(f.order)
}

// Has reports whether the frame carries the column.
func (f *Frame) Has(col string) bool {
	if f == nil {
		return false
	}
	_, num := f.numeric[col]
	_, txt := f.text[col]
	return num || txt
}

// Float returns a copy of a numeric column.
func (f *Frame) Float(col string) ([]float64, bool) {
	if f == nil {
		return nil, false
	}
	values, ok := f.numeric[col]
	if !ok {
		return nil, false
	}
	return slices.Clone(values), true
}

// Text returns a copy of a text column.
func (f *Frame) Text(col string) ([]string, bool) {
	if f == nil {
		return nil, false
	}
	values, ok := f.text[col]
	if !ok {
		return nil, false
	}
	return slices.Clone(values), true
}

// Value returns a single numeric cell; NaN when missing.
func (f *Frame) Value(col string, i int) float64 {
	if f == nil {
		return math.NaN()
	}
	values, ok := f.numeric[col]
	if !ok || i < 0 || i >= len(values) {
		return math.NaN()
	}
	return values[i]
}

// Row returns row i keyed by column name. Missing numeric cells are nil.
// A nil frame or an out-of-range index yields nil.
func (f *Frame) Row(i int) map[string]any {
	if f == nil || i < 0 || i >= f.n {
		return nil
	}
	row := make(map[string]any, len(f.order))
	for _, col := range f.order {
		if values, ok := f.text[col]; ok {
			row[col] = values[i]
			continue
		}
		v := f.numeric[col][i]
		switch {
		case math.IsNaN(v):
			row[col] = nil
		case col == ColChatterDetected:
			row[col] = v != 0
		default:
			row[col] = v
		}
	}
	return row
}

// Tail returns the indices of the last n rows, most recent first.
func (f *Frame) Tail(n int) []int {
	n = min(max(n, 0), f.Len())
	idx := make([]int, 0, n)
	for i := f.Len() - 1; i >= f.Len()-n; i-- {
		idx = append(idx, i)
	}
	return idx
}
