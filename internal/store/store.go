// Package store provides the local sqlite storage for xylem: network definitions, their
// observation logs and the history of decisions made against them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/dataset"
	"github.com/CanopyHQ/xylem/internal/logger"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const dbFile = "networks.db"

// Network is a stored network definition and the bookkeeping around its observations.
type Network struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Definition string    `json:"definition"`
	Columns    []string  `json:"columns,omitempty"`
	Revision   int       `json:"revision"`
	Rows       int       `json:"rows"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DecisionRecord is one logged engine answer.
type DecisionRecord struct {
	ID        string          `json:"id"`
	Network   string          `json:"network"`
	Revision  int             `json:"revision"`
	Kind      string          `json:"kind"`
	Evidence  bayes.Evidence  `json:"evidence"`
	Result    json.RawMessage `json:"result"`
	Utility   float64         `json:"utility"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store provides local storage using SQLite
type Store struct {
	db      *sql.DB
	dataDir string
	log     *logger.Logger
}

// DataDir resolves the data directory: XYLEM_DATA_DIR or ~/.xylem.
func DataDir() (string, error) {
	if dir := os.Getenv(config.EnvDataDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".xylem"), nil
}

// NewStore opens the store in the configured data directory.
func NewStore() (*Store, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	return Open(dir, logger.FromEnv())
}

// Open opens (creating if needed) the store under dataDir.
func Open(dataDir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dataDir: dataDir, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	log.Debug("store opened", "path", dbPath)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS networks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		definition TEXT NOT NULL,
		columns TEXT NOT NULL DEFAULT '[]',
		revision INTEGER NOT NULL DEFAULT 1,
		row_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS observations (
		network_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		revision INTEGER NOT NULL,
		row_values TEXT NOT NULL,
		PRIMARY KEY (network_id, seq),
		FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		network_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		kind TEXT NOT NULL,
		evidence TEXT NOT NULL DEFAULT '{}',
		result TEXT NOT NULL,
		utility REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_network_created ON decisions(network_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB returns the underlying SQL database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dir returns the data directory the store lives in.
func (s *Store) Dir() string {
	return s.dataDir
}

// SaveNetwork stores a definition under name. Saving over an existing network replaces
// its definition, keeps its observations and bumps its revision.
func (s *Store) SaveNetwork(ctx context.Context, name, definition string) (*Network, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE networks SET definition = ?, revision = revision + 1, updated_at = ?
		WHERE name = ?
	`, definition, now, name)
	if err != nil {
		return nil, fmt.Errorf("failed to update network: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO networks (id, name, definition, revision, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
		`, uuid.NewString(), name, definition, now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert network: %w", err)
		}
	}
	s.log.Info("network saved", "network", name)
	return s.GetNetwork(ctx, name)
}

// GetNetwork returns the named network or an error wrapping bayes.ErrNotFound.
func (s *Store) GetNetwork(ctx context.Context, name string) (*Network, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, definition, columns, revision, row_count, created_at, updated_at
		FROM networks WHERE name = ?
	`, name)
	n, err := scanNetwork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: network %q", bayes.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load network: %w", err)
	}
	return n, nil
}

// ListNetworks returns every stored network ordered by name.
func (s *Store) ListNetworks(ctx context.Context) ([]*Network, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, definition, columns, revision, row_count, created_at, updated_at
		FROM networks ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	defer rows.Close()

	var out []*Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNetwork removes a network with its observations and decision history.
func (s *Store) DeleteNetwork(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM networks WHERE name = ?`, name).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: network %q", bayes.ErrNotFound, name)
		}
		return err
	}
	for _, q := range []string{
		`DELETE FROM observations WHERE network_id = ?`,
		`DELETE FROM decisions WHERE network_id = ?`,
		`DELETE FROM networks WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete network: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("network deleted", "network", name)
	return nil
}

// Definition returns the stored definition text and current revision.
func (s *Store) Definition(ctx context.Context, name string) ([]byte, int, error) {
	n, err := s.GetNetwork(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	return []byte(n.Definition), n.Revision, nil
}

// AppendObservations adds data's rows to the network's observation log and returns the
// new revision. The first append fixes the column set; later appends must carry the
// same columns, in any order.
func (s *Store) AppendObservations(ctx context.Context, name string, data bayes.Dataset) (int, error) {
	if err := data.Validate(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id, columnsJSON string
	var revision, count int
	err = tx.QueryRowContext(ctx, `SELECT id, columns, revision, row_count FROM networks WHERE name = ?`, name).
		Scan(&id, &columnsJSON, &revision, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: network %q", bayes.ErrNotFound, name)
	}
	if err != nil {
		return 0, err
	}

	var columns []string
	if err := json.Unmarshal([]byte(columnsJSON), &columns); err != nil {
		return 0, fmt.Errorf("corrupt column list for %s: %w", name, err)
	}
	aligned, err := dataset.Merge(bayes.Dataset{Columns: columns}, data)
	if err != nil {
		return 0, err
	}

	revision++
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations (network_id, seq, revision, row_values) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, row := range aligned.Rows {
		values, _ := json.Marshal(row)
		if _, err := stmt.ExecContext(ctx, id, count+i, revision, string(values)); err != nil {
			return 0, fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	newColumns, _ := json.Marshal(aligned.Columns)
	_, err = tx.ExecContext(ctx, `
		UPDATE networks SET columns = ?, revision = ?, row_count = ?, updated_at = ? WHERE id = ?
	`, string(newColumns), revision, count+len(aligned.Rows), time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to update network: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Info("observations appended", "network", name, "rows", len(aligned.Rows), "revision", revision)
	return revision, nil
}

// Observations returns the network's full observation log in insertion order.
func (s *Store) Observations(ctx context.Context, name string) (bayes.Dataset, error) {
	n, err := s.GetNetwork(ctx, name)
	if err != nil {
		return bayes.Dataset{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT row_values FROM observations WHERE network_id = ? ORDER BY seq`, n.ID)
	if err != nil {
		return bayes.Dataset{}, fmt.Errorf("failed to load observations: %w", err)
	}
	defer rows.Close()

	data := bayes.Dataset{Columns: n.Columns, Rows: make([][]int, 0, n.Rows)}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return bayes.Dataset{}, err
		}
		var row []int
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return bayes.Dataset{}, fmt.Errorf("corrupt observation in %s: %w", name, err)
		}
		data.Rows = append(data.Rows, row)
	}
	return data, rows.Err()
}

// LogDecision records an engine answer against the network's current revision.
func (s *Store) LogDecision(ctx context.Context, name, kind string, evidence bayes.Evidence, result any, utility float64) (*DecisionRecord, error) {
	n, err := s.GetNetwork(ctx, name)
	if err != nil {
		return nil, err
	}
	if evidence == nil {
		evidence = bayes.Evidence{}
	}
	evJSON, err := json.Marshal(evidence)
	if err != nil {
		return nil, err
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	rec := &DecisionRecord{
		ID:        uuid.NewString(),
		Network:   name,
		Revision:  n.Revision,
		Kind:      kind,
		Evidence:  evidence,
		Result:    resJSON,
		Utility:   utility,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, network_id, revision, kind, evidence, result, utility, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, n.ID, rec.Revision, kind, string(evJSON), string(resJSON), utility, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to log decision: %w", err)
	}
	return rec, nil
}

// Decisions returns the most recent logged answers, newest first. An empty name lists
// every network; limit <= 0 means no limit.
func (s *Store) Decisions(ctx context.Context, name string, limit int) ([]*DecisionRecord, error) {
	q := `SELECT d.id, n.name, d.revision, d.kind, d.evidence, d.result, d.utility, d.created_at
		FROM decisions d JOIN networks n ON n.id = d.network_id`
	args := []interface{}{}
	if name != "" {
		q += ` WHERE n.name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY d.created_at DESC, d.rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var evJSON, resJSON string
		if err := rows.Scan(&rec.ID, &rec.Network, &rec.Revision, &rec.Kind, &evJSON, &resJSON, &rec.Utility, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evJSON), &rec.Evidence); err != nil {
			return nil, fmt.Errorf("corrupt evidence in decision %s: %w", rec.ID, err)
		}
		rec.Result = json.RawMessage(resJSON)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored networks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM networks`).Scan(&count)
	return count, err
}

// Size returns the database file size as a human-readable string
func (s *Store) Size() (string, error) {
	info, err := os.Stat(filepath.Join(s.dataDir, dbFile))
	if err != nil {
		return "unknown", err
	}

	size := info.Size()
	if size < 1024 {
		return fmt.Sprintf("%d B", size), nil
	} else if size < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(size)/1024), nil
	}
	return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024)), nil
}

// LastActivity returns the time of the latest network change or logged decision, or
// the zero time for an empty store.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	var latest time.Time
	for _, q := range []string{
		`SELECT updated_at FROM networks ORDER BY updated_at DESC LIMIT 1`,
		`SELECT created_at FROM decisions ORDER BY created_at DESC LIMIT 1`,
	} {
		var t time.Time
		err := s.db.QueryRowContext(ctx, q).Scan(&t)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return time.Time{}, err
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNetwork(row scanner) (*Network, error) {
	var n Network
	var columnsJSON string
	if err := row.Scan(&n.ID, &n.Name, &n.Definition, &columnsJSON, &n.Revision, &n.Rows, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(columnsJSON), &n.Columns); err != nil {
		return nil, fmt.Errorf("corrupt column list for %s: %w", n.Name, err)
	}
	return &n, nil
}
