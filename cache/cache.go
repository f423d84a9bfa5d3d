// Package cache stores compiled bytecode between runs.
//
// Each source file maps to <dir>/<sha256(path)>.bc, a zstd-compressed
// canonical CBOR Program. Metadata lives in <dir>/index.db (SQLite): the
// source's mtime, size and sha256, the schema version and a checksum of
// the blob. A load that fails any check is a miss; the cache is never a
// reason for a run to fail.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"

	"github.com/chazu/hackerlang/pkg/bytecode"
)

var log = commonlog.GetLogger("hl.cache")

const (
	blobExt   = ".bc"
	indexName = "index.db"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEnc, zstdDec
}

// Cache is an on-disk bytecode cache rooted at one directory.
type Cache struct {
	dir string
	db  *sql.DB
}

// Stats summarizes cache contents.
type Stats struct {
	Dir     string
	Entries int
	Bytes   int64
}

// DefaultDir returns $XDG_CACHE_HOME/hacker-lang, else
// ~/.cache/hacker-lang.
func DefaultDir() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "hacker-lang"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cache: getting home dir: %w", err)
	}
	return filepath.Join(home, ".cache", "hacker-lang"), nil
}

// Open opens or creates the cache in dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, indexName))
	if err != nil {
		return nil, fmt.Errorf("cache: opening index: %w", err)
	}

	// Several hl processes may share one cache.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key         TEXT PRIMARY KEY,
		path        TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		mtime       INTEGER NOT NULL,
		size        INTEGER NOT NULL,
		schema      INTEGER NOT NULL,
		ops         INTEGER NOT NULL,
		blob_hash   TEXT NOT NULL,
		blob_size   INTEGER NOT NULL,
		stored_at   INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: creating table: %w", err)
	}

	return &Cache{dir: dir, db: db}, nil
}

// Close closes the index database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// key identifies a source file by the sha256 of its absolute path.
func key(src string) (string, string) {
	abs, err := filepath.Abs(src)
	if err != nil {
		abs = src
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:]), abs
}

func (c *Cache) blobPath(key string) string {
	return filepath.Join(c.dir, key+blobExt)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func blobHash(b []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}

type entry struct {
	sourceHash string
	mtime      int64
	size       int64
	schema     uint32
	blobHash   string
}

// Load returns the cached program for src if it is still valid: same
// schema version, unchanged source and an intact blob. The program's
// string index is rebuilt and its Nops stripped.
func (c *Cache) Load(src string) (*bytecode.Program, bool) {
	p, err := c.load(src)
	if err != nil {
		log.Debugf("miss %s: %v", src, err)
		return nil, false
	}
	log.Debugf("hit %s (%d ops)", src, p.Len())
	return p, true
}

func (c *Cache) load(src string) (*bytecode.Program, error) {
	k, _ := key(src)
	fi, err := os.Stat(src)
	if err != nil {
		return nil, err
	}

	var e entry
	err = c.db.QueryRow(
		"SELECT source_hash, mtime, size, schema, blob_hash FROM entries WHERE key = ?", k,
	).Scan(&e.sourceHash, &e.mtime, &e.size, &e.schema, &e.blobHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("not cached")
		}
		return nil, fmt.Errorf("querying index: %w", err)
	}
	if e.schema != bytecode.SchemaVersion {
		c.discard(k)
		return nil, fmt.Errorf("schema %d, want %d", e.schema, bytecode.SchemaVersion)
	}

	mtime := fi.ModTime().UnixNano()
	if e.mtime != mtime || e.size != fi.Size() {
		sum, err := hashFile(src)
		if err != nil {
			return nil, err
		}
		if sum != e.sourceHash {
			return nil, errors.New("source changed")
		}
		// Touched but identical: refresh so the next load takes the fast path.
		if _, err := c.db.Exec("UPDATE entries SET mtime = ?, size = ? WHERE key = ?", mtime, fi.Size(), k); err != nil {
			log.Debugf("refreshing %s: %v", src, err)
		}
	}

	blob, err := os.ReadFile(c.blobPath(k))
	if err != nil {
		return nil, err
	}
	if blobHash(blob) != e.blobHash {
		c.discard(k)
		return nil, errors.New("blob checksum mismatch")
	}
	_, dec := codecs()
	data, err := dec.DecodeAll(blob, nil)
	if err != nil {
		c.discard(k)
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	p, err := bytecode.Unmarshal(data)
	if err != nil {
		c.discard(k)
		return nil, err
	}
	if p.SchemaVersion != bytecode.SchemaVersion {
		c.discard(k)
		return nil, fmt.Errorf("blob schema %d, want %d", p.SchemaVersion, bytecode.SchemaVersion)
	}
	p.StripNops()
	return p, nil
}

// Store writes p as the cached program for src. The blob is written to a
// temporary file and renamed into place.
func (c *Cache) Store(src string, p *bytecode.Program) error {
	k, abs := key(src)
	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	sum, err := hashFile(src)
	if err != nil {
		return fmt.Errorf("cache: hashing %s: %w", src, err)
	}

	data, err := bytecode.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	enc, _ := codecs()
	blob := enc.EncodeAll(data, nil)

	tmp := filepath.Join(c.dir, k+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("cache: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.blobPath(k)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: renaming %s: %w", tmp, err)
	}

	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO entries
			(key, path, source_hash, mtime, size, schema, ops, blob_hash, blob_size, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k, abs, sum, fi.ModTime().UnixNano(), fi.Size(), p.SchemaVersion, p.Len(),
		blobHash(blob), len(blob), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: updating index: %w", err)
	}
	log.Debugf("stored %s: %d ops, %d B", src, p.Len(), len(blob))
	return nil
}

// Invalidate drops the entry for src.
func (c *Cache) Invalidate(src string) error {
	k, _ := key(src)
	return c.remove(k)
}

func (c *Cache) discard(k string) {
	if err := c.remove(k); err != nil {
		log.Debugf("discarding %s: %v", k, err)
	}
}

func (c *Cache) remove(k string) error {
	if _, err := c.db.Exec("DELETE FROM entries WHERE key = ?", k); err != nil {
		return fmt.Errorf("cache: deleting entry: %w", err)
	}
	if err := os.Remove(c.blobPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Clean removes every cached program and leftover temporary file. It
// returns the number of files removed.
func (c *Cache) Clean() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: %w", err)
	}
	removed := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !(strings.HasSuffix(name, blobExt) || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			return removed, fmt.Errorf("cache: %w", err)
		}
		removed++
	}
	if _, err := c.db.Exec("DELETE FROM entries"); err != nil {
		return removed, fmt.Errorf("cache: clearing index: %w", err)
	}
	return removed, nil
}

// Stats reports the number of entries and their total blob size.
func (c *Cache) Stats() (Stats, error) {
	st := Stats{Dir: c.dir}
	err := c.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(blob_size), 0) FROM entries").Scan(&st.Entries, &st.Bytes)
	if err != nil {
		return st, fmt.Errorf("cache: querying stats: %w", err)
	}
	return st, nil
}
