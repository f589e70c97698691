package vm

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrCacheMiss indicates the requested image is not cached.
var ErrCacheMiss = errors.New("code image not cached")

// CodeCache is content-addressed SQLite storage for encoded code images.
// Embedders key compiled functions by image hash and skip recompilation;
// the engine never consults the cache on its own.
type CodeCache struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenCodeCache opens (creating if needed) a cache database.
func OpenCodeCache(path string) (*CodeCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	// Busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS code_cache (
		hash TEXT PRIMARY KEY,
		image BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache table: %w", err)
	}

	return &CodeCache{db: db}, nil
}

// Close closes the database connection.
func (c *CodeCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put stores an encoded image under its content hash and returns the hash.
func (c *CodeCache) Put(image []byte) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := ImageHash(image)
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO code_cache (hash, image, created_at) VALUES (?, ?, ?)",
		hex.EncodeToString(hash[:]), image, time.Now().Unix(),
	)
	if err != nil {
		return hash, fmt.Errorf("storing image: %w", err)
	}
	return hash, nil
}

// GetImage loads the raw encoded image for a hash.
func (c *CodeCache) GetImage(hash [32]byte) ([]byte, error) {
	var image []byte
	err := c.db.QueryRow(
		"SELECT image FROM code_cache WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	return image, nil
}

// Get loads and decodes a cached image into the target runtime.
func (c *CodeCache) Get(hash [32]byte, rt *Runtime) (*CodeObject, error) {
	image, err := c.GetImage(hash)
	if err != nil {
		return nil, err
	}
	return DecodeImage(image, rt)
}

// Has reports whether an image is cached.
func (c *CodeCache) Has(hash [32]byte) (bool, error) {
	var one int
	err := c.db.QueryRow(
		"SELECT 1 FROM code_cache WHERE hash = ?",
		hex.EncodeToString(hash[:]),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying cache: %w", err)
	}
	return true, nil
}
