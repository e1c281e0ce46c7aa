// Package imagestore persists named bootstrap images in a SQLite database.
package imagestore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var storeLog = commonlog.GetLogger("nib.store")

var (
	// ErrImageNotFound indicates the requested image doesn't exist.
	ErrImageNotFound = errors.New("image not found")

	// ErrDigestMismatch indicates stored image bytes no longer match the
	// digest recorded when they were saved.
	ErrDigestMismatch = errors.New("image digest mismatch")
)

// Entry describes a stored image.
type Entry struct {
	Name    string
	Digest  string // hex sha256 of the image bytes
	Size    int
	Created time.Time
}

// Store handles SQLite storage for images.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the image store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS images (
		name    TEXT PRIMARY KEY,
		data    BLOB NOT NULL,
		digest  TEXT NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	storeLog.Debugf("opened image store %s", path)
	return &Store{db: db, path: path}, nil
}

// DefaultPath returns $NIB_STORE, or ~/.nib/images.db when it is unset.
func DefaultPath() (string, error) {
	if p := os.Getenv("NIB_STORE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".nib", "images.db"), nil
}

// Path returns the database file the store was opened on.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Digest returns the hex sha256 of data, as recorded by Put.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put saves data under name, replacing any image already stored there.
func (s *Store) Put(name string, data []byte) (Entry, error) {
	if name == "" {
		return Entry{}, fmt.Errorf("image name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{Name: name, Digest: Digest(data), Size: len(data), Created: time.Now().UTC()}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO images (name, data, digest, created) VALUES (?, ?, ?, ?)",
		e.Name, data, e.Digest, e.Created.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("saving image %s: %w", name, err)
	}
	storeLog.Infof("stored image %s (%d bytes, sha256 %.12s)", name, e.Size, e.Digest)
	return e, nil
}

// Get returns the image stored under name. The bytes are checked against
// the digest recorded when they were saved.
func (s *Store) Get(name string) ([]byte, Entry, error) {
	var data []byte
	var created int64
	e := Entry{Name: name}
	err := s.db.QueryRow("SELECT data, digest, created FROM images WHERE name = ?", name).
		Scan(&data, &e.Digest, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Entry{}, fmt.Errorf("%s: %w", name, ErrImageNotFound)
		}
		return nil, Entry{}, fmt.Errorf("querying image %s: %w", name, err)
	}
	e.Size = len(data)
	e.Created = time.Unix(0, created).UTC()

	if Digest(data) != e.Digest {
		storeLog.Errorf("image %s does not match its recorded digest", name)
		return nil, Entry{}, fmt.Errorf("%s: %w", name, ErrDigestMismatch)
	}
	return data, e, nil
}

// List returns every stored image, ordered by name.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT name, digest, length(data), created FROM images ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.Name, &e.Digest, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		e.Created = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	return entries, nil
}

// Delete removes the image stored under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM images WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting image %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting image %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, ErrImageNotFound)
	}
	storeLog.Infof("deleted image %s", name)
	return nil
}
