// Package bundle reads and writes .xyl files: a network definition plus its
// observations in one portable, compressed file.
package bundle

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/network"
)

// Magic bytes for .xyl files: XYLM
var MagicBytes = []byte{0x58, 0x59, 0x4C, 0x4D}

// Version 1
const Version = 1

// Extension is the conventional file suffix.
const Extension = ".xyl"

// Manifest describes the bundle
type Manifest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Author      string    `json:"author,omitempty"`
	Version     string    `json:"version,omitempty"`
	Revision    int       `json:"revision"`
	CreatedAt   time.Time `json:"created_at"`
	RowCount    int       `json:"row_count"`
	Columns     []string  `json:"columns"`
}

// Payload is the JSON content inside the gzip stream
type Payload struct {
	Manifest   Manifest `json:"manifest"`
	Definition string   `json:"definition"`
	Columns    []string `json:"columns"`
	Rows       [][]int  `json:"rows"`
}

// Dataset returns the bundled observations.
func (p *Payload) Dataset() bayes.Dataset {
	return bayes.Dataset{Columns: p.Columns, Rows: p.Rows}
}

// Package writes a .xyl file. RowCount and Columns in the manifest are filled in from
// data.
func Package(manifest Manifest, definition string, data bayes.Dataset, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Write(f, manifest, definition, data); err != nil {
		f.Close()
		os.Remove(outputPath)
		return err
	}
	return f.Close()
}

// Write encodes a bundle to w.
func Write(w io.Writer, manifest Manifest, definition string, data bayes.Dataset) error {
	manifest.RowCount = len(data.Rows)
	manifest.Columns = data.Columns
	payload := Payload{
		Manifest:   manifest,
		Definition: definition,
		Columns:    data.Columns,
		Rows:       data.Rows,
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(Version)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(payload); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush payload: %w", err)
	}
	return nil
}

// Unpack reads and validates a .xyl file.
func Unpack(inputPath string) (*Payload, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a bundle from r and checks that its definition parses and its rows
// match its columns.
func Read(r io.Reader) (*Payload, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, fmt.Errorf("invalid file format: not a %s file", Extension)
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported version: %d (expected %d)", version, Version)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var payload Payload
	if err := json.NewDecoder(gz).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	if _, err := network.Parse([]byte(payload.Definition)); err != nil {
		return nil, fmt.Errorf("bundled definition: %w", err)
	}
	if len(payload.Rows) > 0 {
		if err := payload.Dataset().Validate(); err != nil {
			return nil, fmt.Errorf("bundled observations: %w", err)
		}
	}
	return &payload, nil
}

// Inspect returns just the manifest.
// TODO: store the manifest ahead of the gzip stream in v2 so this stops decompressing
// the observations.
func Inspect(inputPath string) (*Manifest, error) {
	payload, err := Unpack(inputPath)
	if err != nil {
		return nil, err
	}
	return &payload.Manifest, nil
}
