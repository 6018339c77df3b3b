// Package dataset reads and writes integer-coded observation tables and feeds them into
// stored networks.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CanopyHQ/xylem/internal/bayes"
)

// ReadCSV parses a header row of variable names followed by integer-coded rows.
// Blank and #-comment lines are skipped; a malformed cell is reported by its line in
// the file and its column.
func ReadCSV(r io.Reader) (bayes.Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err == io.EOF {
		return bayes.Dataset{}, fmt.Errorf("%w: empty csv", bayes.ErrStructure)
	}
	if err != nil {
		return bayes.Dataset{}, fmt.Errorf("failed to read csv header: %w", err)
	}
	data := bayes.Dataset{Columns: make([]string, len(header))}
	for i, h := range header {
		data.Columns[i] = strings.TrimSpace(h)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrFieldCount) {
				return bayes.Dataset{}, fmt.Errorf("%w: line %d: %v", bayes.ErrStructure, perr.Line, perr.Err)
			}
			return bayes.Dataset{}, fmt.Errorf("failed to read csv: %w", err)
		}
		row := make([]int, len(rec))
		for j, cell := range rec {
			v, err := strconv.Atoi(strings.TrimSpace(cell))
			if err != nil {
				line, _ := cr.FieldPos(j)
				return bayes.Dataset{}, fmt.Errorf("%w: line %d column %q: %q is not an integer state",
					bayes.ErrDomain, line, data.Columns[j], cell)
			}
			row[j] = v
		}
		data.Rows = append(data.Rows, row)
	}
	if err := data.Validate(); err != nil {
		return bayes.Dataset{}, err
	}
	return data, nil
}

// ReadJSON accepts either a JSON array of {"name": state} objects or JSON lines with one
// object per line. Every record must carry the same keys.
func ReadJSON(r io.Reader) (bayes.Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return bayes.Dataset{}, fmt.Errorf("failed to read json: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return bayes.Dataset{}, fmt.Errorf("%w: empty json", bayes.ErrStructure)
	}

	var records []map[string]int
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return bayes.Dataset{}, fmt.Errorf("failed to parse JSON: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for line := 1; scanner.Scan(); line++ {
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			var rec map[string]int
			if err := json.Unmarshal(text, &rec); err != nil {
				return bayes.Dataset{}, fmt.Errorf("%w: line %d: %v", bayes.ErrDomain, line, err)
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			return bayes.Dataset{}, fmt.Errorf("scanner error: %w", err)
		}
	}
	return bayes.DatasetFromRecords(records)
}

// ReadFile picks a reader by extension: .csv, .json or .jsonl.
func ReadFile(path string) (bayes.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return bayes.Dataset{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".json", ".jsonl":
		return ReadJSON(f)
	default:
		return bayes.Dataset{}, fmt.Errorf("unsupported data file %q (want .csv, .json or .jsonl)", filepath.Base(path))
	}
}

// Supported reports whether ReadFile understands the file's extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".json", ".jsonl":
		return true
	}
	return false
}

// Merge appends b's rows to a. Both must have the same set of columns; b's rows are
// reordered to a's column order. An empty a takes b's layout.
func Merge(a, b bayes.Dataset) (bayes.Dataset, error) {
	if len(a.Columns) == 0 {
		return bayes.Dataset{Columns: append([]string(nil), b.Columns...), Rows: append([][]int(nil), b.Rows...)}, nil
	}
	if len(a.Columns) != len(b.Columns) {
		return bayes.Dataset{}, fmt.Errorf("%w: column mismatch: %v vs %v", bayes.ErrStructure, a.Columns, b.Columns)
	}
	index := make([]int, len(a.Columns))
	for i, c := range a.Columns {
		j := b.Column(c)
		if j < 0 {
			return bayes.Dataset{}, fmt.Errorf("%w: column %q missing from merged data", bayes.ErrStructure, c)
		}
		index[i] = j
	}
	out := bayes.Dataset{Columns: append([]string(nil), a.Columns...), Rows: append([][]int(nil), a.Rows...)}
	for _, row := range b.Rows {
		aligned := make([]int, len(index))
		for i, j := range index {
			aligned[i] = row[j]
		}
		out.Rows = append(out.Rows, aligned)
	}
	return out, nil
}
