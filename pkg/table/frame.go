package table

import (
	"fmt"
)

// JoinKind selects which identities survive a join.
type JoinKind int

const (
	// LeftJoin keeps only identities of the left frame.
	LeftJoin JoinKind = iota
	// OuterJoin keeps identities of either frame.
	OuterJoin
)

func (k JoinKind) String() string {
	if k == OuterJoin {
		return "outer"
	}
	return "left"
}

// Frame is a table keyed by sequence identity. Rows keep the order in which
// identities were first seen; an empty cell means the value is absent.
type Frame struct {
	Columns []string
	Skipped int

	keys  []string
	rows  map[string][]string
	index map[string]int
}

func NewFrame(columns []string) *Frame {
	f := &Frame{
		Columns: append([]string(nil), columns...),
		rows:    make(map[string][]string),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range f.Columns {
		f.index[c] = i
	}
	return f
}

// Add appends a row. Identities must be unique within a frame.
func (f *Frame) Add(key string, values []string) error {
	if _, dup := f.rows[key]; dup {
		return fmt.Errorf("duplicate sequence identity %q", key)
	}
	if len(values) != len(f.Columns) {
		return fmt.Errorf("row %q has %d values for %d columns", key, len(values), len(f.Columns))
	}
	f.keys = append(f.keys, key)
	f.rows[key] = append([]string(nil), values...)
	return nil
}

func (f *Frame) Len() int {
	return len(f.keys)
}

// Keys returns identities in row order.
func (f *Frame) Keys() []string {
	return append([]string(nil), f.keys...)
}

func (f *Frame) Has(column string) bool {
	_, ok := f.index[column]
	return ok
}

// Value returns the cell for key and column; ok is false when the row or the
// column does not exist.
func (f *Frame) Value(key, column string) (string, bool) {
	row, ok := f.rows[key]
	if !ok {
		return "", false
	}
	i, ok := f.index[column]
	if !ok {
		return "", false
	}
	return row[i], true
}

func (f *Frame) addColumn(name string) int {
	f.Columns = append(f.Columns, name)
	f.index[name] = len(f.Columns) - 1
	for k, row := range f.rows {
		f.rows[k] = append(row, "")
	}
	return f.index[name]
}

// Join merges right into a copy of f on the identity key.
//
// Columns of right that already exist in f are renamed with suffix under
// ConflictSuffix, or overwrite f's value for every identity right lists under
// ConflictOverride. Result rows are f's rows in order followed, for an outer
// join, by right-only rows in right's order.
func (f *Frame) Join(right *Frame, kind JoinKind, policy ConflictPolicy, suffix string) *Frame {
	out := NewFrame(f.Columns)
	for _, k := range f.keys {
		out.keys = append(out.keys, k)
		out.rows[k] = append([]string(nil), f.rows[k]...)
	}

	if suffix == "" {
		suffix = "_y"
	}

	// Destination column in out for every column of right.
	dest := make([]int, len(right.Columns))
	for i, c := range right.Columns {
		if _, clash := out.index[c]; clash {
			if policy == ConflictOverride {
				dest[i] = out.index[c]
				continue
			}
			name := c + suffix
			for out.Has(name) {
				name += suffix
			}
			dest[i] = out.addColumn(name)
			continue
		}
		dest[i] = out.addColumn(c)
	}

	for _, k := range right.keys {
		row, exists := out.rows[k]
		if !exists {
			if kind != OuterJoin {
				continue
			}
			row = make([]string, len(out.Columns))
			out.keys = append(out.keys, k)
		}
		for i, v := range right.rows[k] {
			row[dest[i]] = v
		}
		out.rows[k] = row
	}
	out.Skipped = f.Skipped + right.Skipped
	return out
}
