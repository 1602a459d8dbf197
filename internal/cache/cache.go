// Package cache persists compiled program images keyed by source hash, so
// a repeated run of an unchanged program can skip recompilation and go
// straight to bytecode.Decode (domain stack #1). It is deliberately not
// part of the VM core: nothing in internal/vm imports it, matching
// §1/§9's framing of caching as an embedder concern layered on top of the
// core, not a core responsibility.
package cache

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kunitoki/etch/internal/bytecode"
)

// Store is a sqlite-backed cache of encoded program images, addressed by
// the source hash recorded in each image's header (§6.1).
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS program_cache (
	source_hash    BLOB PRIMARY KEY,
	compiler_hash  BLOB NOT NULL,
	version        INTEGER NOT NULL,
	image          BLOB NOT NULL,
	created_at     INTEGER NOT NULL
);`

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Lookup returns the cached encoded image for sourceHash, validating that
// it was produced by the same compiler version (compilerHash) and image
// format (bytecode.CurrentVersion). A version or compiler mismatch is
// treated as a cache miss rather than an error — the caller recompiles.
func (s *Store) Lookup(sourceHash, compilerHash [32]byte) ([]byte, bool, error) {
	var (
		storedCompilerHash []byte
		version            uint32
		image              []byte
	)
	row := s.db.QueryRow(
		`SELECT compiler_hash, version, image FROM program_cache WHERE source_hash = ?`,
		sourceHash[:],
	)
	if err := row.Scan(&storedCompilerHash, &version, &image); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: lookup: %w", err)
	}
	if version != bytecode.CurrentVersion || !bytes.Equal(storedCompilerHash, compilerHash[:]) {
		return nil, false, nil
	}
	return image, true, nil
}

// Put stores image (an already-encoded program, per bytecode.Encode)
// under its header's source hash, overwriting any prior entry.
func (s *Store) Put(sourceHash, compilerHash [32]byte, image []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO program_cache (source_hash, compiler_hash, version, image, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source_hash) DO UPDATE SET
		   compiler_hash = excluded.compiler_hash,
		   version = excluded.version,
		   image = excluded.image,
		   created_at = excluded.created_at`,
		sourceHash[:], compilerHash[:], bytecode.CurrentVersion, image, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// Evict removes a single cache entry, e.g. after a header read reveals a
// corrupt or truncated image.
func (s *Store) Evict(sourceHash [32]byte) error {
	_, err := s.db.Exec(`DELETE FROM program_cache WHERE source_hash = ?`, sourceHash[:])
	if err != nil {
		return fmt.Errorf("cache: evict: %w", err)
	}
	return nil
}
