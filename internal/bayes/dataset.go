package bayes

import (
	"fmt"
	"sort"
	"strings"
)

// Dataset is already-parsed tabular data: one column per variable, integer-coded states.
type Dataset struct {
	Columns []string
	Rows    [][]int
}

// DatasetFromRecords builds a Dataset from name->value records. Columns are sorted by
// name; every record must carry exactly the same keys.
func DatasetFromRecords(records []map[string]int) (Dataset, error) {
	if len(records) == 0 {
		return Dataset{}, nil
	}
	cols := make([]string, 0, len(records[0]))
	for name := range records[0] {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	rows := make([][]int, 0, len(records))
	for i, rec := range records {
		if len(rec) != len(cols) {
			return Dataset{}, fmt.Errorf("%w: record %d has %d fields, expected %d", ErrStructure, i, len(rec), len(cols))
		}
		row := make([]int, len(cols))
		for j, c := range cols {
			v, ok := rec[c]
			if !ok {
				return Dataset{}, fmt.Errorf("%w: record %d is missing column %q", ErrStructure, i, c)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return Dataset{Columns: cols, Rows: rows}, nil
}

// Validate checks that column names are unique and non-empty and every row has one
// value per column.
func (d Dataset) Validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("%w: dataset has no columns", ErrStructure)
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: empty column name", ErrStructure)
		}
		if seen[c] {
			return fmt.Errorf("%w: duplicate column %q", ErrStructure, c)
		}
		seen[c] = true
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Columns) {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrStructure, i, len(row), len(d.Columns))
		}
	}
	return nil
}

// Column returns the index of the named column, or -1.
func (d Dataset) Column(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Records converts the dataset back to name->value records.
func (d Dataset) Records() []map[string]int {
	out := make([]map[string]int, 0, len(d.Rows))
	for _, row := range d.Rows {
		rec := make(map[string]int, len(d.Columns))
		for j, c := range d.Columns {
			rec[c] = row[j]
		}
		out = append(out, rec)
	}
	return out
}

// Evidence maps variable names to a single observed (or forced) state.
type Evidence map[string]int

// Clone returns an independent copy; a nil receiver yields an empty map.
func (e Evidence) Clone() Evidence {
	out := make(Evidence, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// With returns a copy of e extended with name=value.
func (e Evidence) With(name string, value int) Evidence {
	out := e.Clone()
	out[name] = value
	return out
}

// Keys returns the variable names in sorted order.
func (e Evidence) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the evidence as "A=1, B=0" in key order.
func (e Evidence) String() string {
	parts := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%d", k, e[k]))
	}
	return strings.Join(parts, ", ")
}
