// Package incremental tracks per-source state across invocations so a
// build can rebuild only what changed: a persistent source index
// (content hash, metadata hash, and per-source dependency edges reported
// by language drivers) plus the invalidation computation over it.
package incremental

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"forge/internal/errdefs"
	"forge/internal/hashing"
	"forge/internal/logging"
)

const (
	indexMagic   = "FSRC"
	indexVersion = 1
)

// SourceRecord is one source file's recorded identity.
type SourceRecord struct {
	Path        string
	ContentHash hashing.Digest
	MetaHash    hashing.Digest
	Size        int64
}

// SourceIndex is the on-disk source state, stored in SQLite at
// <cache-root>/sources/index.
type SourceIndex struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSourceIndex creates or reopens the source index under dir.
func OpenSourceIndex(dir string) (*SourceIndex, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "creating %s", dir)
	}
	path := filepath.Join(dir, "index")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "opening source index %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryIncremental).Debug("pragma failed: %v", err)
		}
	}

	idx := &SourceIndex{db: db}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SourceIndex) initialize() error {
	schema := `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sources (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	meta_hash    TEXT NOT NULL,
	size         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS deps (
	source TEXT NOT NULL,
	dep    TEXT NOT NULL,
	PRIMARY KEY (source, dep)
);
CREATE INDEX IF NOT EXISTS idx_deps_dep ON deps(dep);
`
	if _, err := s.db.Exec(schema); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "initializing source index schema")
	}

	var magic string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'magic'").Scan(&magic)
	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.Exec("INSERT INTO meta(key, value) VALUES ('magic', ?), ('version', ?)",
			indexMagic, fmt.Sprint(indexVersion))
		if err != nil {
			return errdefs.Wrap(errdefs.KindCacheLoad, err, "stamping source index")
		}
		return nil
	case err != nil:
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "reading source index meta")
	}
	if magic != indexMagic {
		return errdefs.New(errdefs.KindCacheCorrupted, "source index magic %q, want %q", magic, indexMagic)
	}
	var version string
	if err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'version'").Scan(&version); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "reading source index version")
	}
	if version != fmt.Sprint(indexVersion) {
		return errdefs.New(errdefs.KindCacheLoad, "source index version %s not supported (want %d)", version, indexVersion)
	}
	return nil
}

// Get returns the recorded state of one source, or nil.
func (s *SourceIndex) Get(path string) (*SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contentHex, metaHex string
	rec := &SourceRecord{Path: path}
	err := s.db.QueryRow("SELECT content_hash, meta_hash, size FROM sources WHERE path = ?", path).
		Scan(&contentHex, &metaHex, &rec.Size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "loading source %s", path)
	}
	if rec.ContentHash, err = hashing.Parse(contentHex); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, err, "source %s content hash", path)
	}
	if rec.MetaHash, err = hashing.Parse(metaHex); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, err, "source %s meta hash", path)
	}
	return rec, nil
}

// PutAll upserts a batch of source records in one transaction.
func (s *SourceIndex) PutAll(records []SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "starting source upsert")
	}
	stmt, err := tx.Prepare(`
INSERT INTO sources(path, content_hash, meta_hash, size) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash,
	meta_hash = excluded.meta_hash, size = excluded.size`)
	if err != nil {
		tx.Rollback()
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "preparing source upsert")
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Path, r.ContentHash.String(), r.MetaHash.String(), r.Size); err != nil {
			tx.Rollback()
			return errdefs.Wrap(errdefs.KindCacheLoad, err, "upserting source %s", r.Path)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "committing source upsert")
	}
	return nil
}

// ReplaceDeps replaces the dependency edges of one source.
func (s *SourceIndex) ReplaceDeps(source string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "starting dep replace")
	}
	if _, err := tx.Exec("DELETE FROM deps WHERE source = ?", source); err != nil {
		tx.Rollback()
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "clearing deps of %s", source)
	}
	for _, dep := range deps {
		if _, err := tx.Exec("INSERT OR IGNORE INTO deps(source, dep) VALUES (?, ?)", source, dep); err != nil {
			tx.Rollback()
			return errdefs.Wrap(errdefs.KindCacheLoad, err, "recording dep %s -> %s", source, dep)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(errdefs.KindCacheLoad, err, "committing deps of %s", source)
	}
	return nil
}

// Dependents returns the sources that declared dep as a dependency.
func (s *SourceIndex) Dependents(dep string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT source FROM deps WHERE dep = ?", dep)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "querying dependents of %s", dep)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, errdefs.Wrap(errdefs.KindCacheLoad, err, "scanning dependent")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Close closes the index.
func (s *SourceIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
