package tree

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const storeDDL = `
CREATE TABLE IF NOT EXISTS trees (
    name TEXT PRIMARY KEY,
    blob BLOB NOT NULL,
    num_layers INTEGER,
    node_count INTEGER,
    degraded_count INTEGER,
    updated_at TEXT
);
`

// Store persists named tree artifacts in SQLite. Each tree is one opaque
// blob; load/save is all-or-nothing.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tree store: %w", err)
	}
	// One connection keeps the pragmas effective on every statement and
	// keeps ":memory:" databases from splitting across pooled connections.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(storeDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create trees table: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle (shared with the
// embedding cache).
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(storeDDL); err != nil {
		return nil, fmt.Errorf("create trees table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put saves a tree under name, replacing any previous artifact.
func (s *Store) Put(name string, t *Tree) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO trees (name, blob, num_layers, node_count, degraded_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, data, t.NumLayers, t.Len(), t.DegradedCount(), NowISO())
	if err != nil {
		return fmt.Errorf("put tree %s: %w", name, err)
	}
	return nil
}

// Get loads the tree saved under name. Returns sql.ErrNoRows when absent.
func (s *Store) Get(name string) (*Tree, error) {
	var data []byte
	err := s.db.QueryRow("SELECT blob FROM trees WHERE name=?", name).Scan(&data)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// TreeInfo is a stored artifact's summary row.
type TreeInfo struct {
	Name          string `json:"name"`
	NumLayers     int    `json:"num_layers"`
	NodeCount     int    `json:"node_count"`
	DegradedCount int    `json:"degraded_count"`
	UpdatedAt     string `json:"updated_at"`
}

// List returns summaries of all stored trees, newest first.
func (s *Store) List() ([]TreeInfo, error) {
	rows, err := s.db.Query(`
		SELECT name, num_layers, node_count, degraded_count, updated_at
		FROM trees ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []TreeInfo
	for rows.Next() {
		var info TreeInfo
		if err := rows.Scan(&info.Name, &info.NumLayers, &info.NodeCount, &info.DegradedCount, &info.UpdatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes a stored tree.
func (s *Store) Delete(name string) error {
	_, err := s.db.Exec("DELETE FROM trees WHERE name=?", name)
	return err
}
