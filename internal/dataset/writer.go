package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/CanopyHQ/xylem/internal/bayes"
)

// WriteCSV writes a header row followed by one line per observation.
func WriteCSV(w io.Writer, data bayes.Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(data.Columns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	rec := make([]string, len(data.Columns))
	for _, row := range data.Rows {
		for j, v := range row {
			rec[j] = strconv.Itoa(v)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the observations as an indented array of {"name": state} objects.
func WriteJSON(w io.Writer, data bayes.Dataset) error {
	records := data.Records()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	return nil
}
