package embed

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const cacheDDL = `
CREATE TABLE IF NOT EXISTS embeddings (
    key TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    dim INTEGER NOT NULL,
    vector BLOB NOT NULL,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
`

// CacheKey derives a content-addressed key from the model identifier and
// the whitespace-normalized text. The same text re-embedded under another
// model never collides.
func CacheKey(model, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	h := blake3.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cache is a two-tier embedding cache: an in-memory map in front of a
// SQLite table. The memory tier is populated lazily from disk hits.
type Cache struct {
	mu  sync.RWMutex
	mem map[string][]float32
	db  *sql.DB
}

// NewCache opens (or creates) the cache table at dbPath.
func NewCache(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
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
	return newCacheWithDB(db)
}

// NewCacheWithDB wraps an existing handle (shared with the tree store).
func NewCacheWithDB(db *sql.DB) (*Cache, error) {
	return newCacheWithDB(db)
}

func newCacheWithDB(db *sql.DB) (*Cache, error) {
	if _, err := db.Exec(cacheDDL); err != nil {
		return nil, fmt.Errorf("create embeddings table: %w", err)
	}
	return &Cache{mem: make(map[string][]float32), db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached vector for key, checking memory then disk.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	vec, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return vec, true
	}

	var blob []byte
	err := c.db.QueryRow("SELECT vector FROM embeddings WHERE key=?", key).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec = decodeVector(blob)

	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()
	return vec, true
}

// Put stores a vector under key in both tiers.
func (c *Cache) Put(key, model string, vec []float32) error {
	c.mu.Lock()
	c.mem[key] = vec
	c.mu.Unlock()

	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO embeddings (key, model, dim, vector) VALUES (?, ?, ?, ?)",
		key, model, len(vec), encodeVector(vec))
	if err != nil {
		return fmt.Errorf("persist embedding %s: %w", key[:12], err)
	}
	return nil
}

// Len reports the number of rows persisted on disk.
func (c *Cache) Len() (int, error) {
	var n int
	err := c.db.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&n)
	return n, err
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
