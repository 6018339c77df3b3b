package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
)

// ImportResult tracks import statistics
type ImportResult struct {
	FilesProcessed int
	RowsImported   int
	Columns        []string
	Revision       int
	Errors         []string
	Duration       time.Duration
}

// Sink receives imported observations for a named network. *store.Store satisfies it.
type Sink interface {
	AppendObservations(ctx context.Context, network string, data bayes.Dataset) (int, error)
}

// Importer loads observation files into a network's observation log.
type Importer struct {
	sink    Sink
	network string
}

// NewImporter creates an importer appending to the named network.
func NewImporter(sink Sink, network string) *Importer {
	return &Importer{sink: sink, network: network}
}

// ImportFromFile reads one .csv/.json/.jsonl file and appends its rows.
func (i *Importer) ImportFromFile(ctx context.Context, path string) (*ImportResult, error) {
	start := time.Now()
	data, err := ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	rev, err := i.sink.AppendObservations(ctx, i.network, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store observations from %s: %w", filepath.Base(path), err)
	}
	return &ImportResult{
		FilesProcessed: 1,
		RowsImported:   len(data.Rows),
		Columns:        data.Columns,
		Revision:       rev,
		Duration:       time.Since(start),
	}, nil
}

// ImportFromDirectory walks dir, merges every supported file and appends the merged
// rows in one revision. Files that fail to parse or do not share the first file's
// columns are reported in Errors and skipped.
func (i *Importer) ImportFromDirectory(ctx context.Context, dir string) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{}
	var merged bayes.Dataset

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !Supported(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := ReadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		next, err := Merge(merged, data)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		merged = next
		result.FilesProcessed++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(merged.Rows) > 0 {
		rev, err := i.sink.AppendObservations(ctx, i.network, merged)
		if err != nil {
			return nil, fmt.Errorf("failed to store observations: %w", err)
		}
		result.Revision = rev
		result.RowsImported = len(merged.Rows)
		result.Columns = merged.Columns
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Import dispatches to ImportFromFile or ImportFromDirectory.
func (i *Importer) Import(ctx context.Context, path string) (*ImportResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return i.ImportFromDirectory(ctx, path)
	}
	return i.ImportFromFile(ctx, path)
}
