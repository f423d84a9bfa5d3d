package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/hackerlang/pkg/bytecode"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeSource(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.hl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testProgram() *bytecode.Program {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instruction{Op: bytecode.OpExec, A: p.Pool.Intern("echo hi")})
	p.Emit(bytecode.Instruction{Op: bytecode.OpNop})
	p.Emit(bytecode.Instruction{Op: bytecode.OpExit})
	return p
}

func TestStoreLoad(t *testing.T) {
	c := openTestCache(t)
	src := writeSource(t, "> echo hi\n")

	if _, ok := c.Load(src); ok {
		t.Fatal("Load() hit on an empty cache")
	}
	if err := c.Store(src, testProgram()); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	p, ok := c.Load(src)
	if !ok {
		t.Fatal("Load() missed after Store")
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2 with the Nop stripped", p.Len())
	}
	if p.Ops[0].Op != bytecode.OpExec || p.Ops[1].Op != bytecode.OpExit {
		t.Errorf("Ops = %v", p.Ops)
	}
	if _, ok := p.Pool.Lookup("echo hi"); !ok {
		t.Error("pool index not rebuilt on load")
	}
}

func TestLoadMissesOnSourceChange(t *testing.T) {
	c := openTestCache(t)
	src := writeSource(t, "> echo hi\n")
	if err := c.Store(src, testProgram()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("> echo bye\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Load(src); ok {
		t.Error("Load() hit after the source changed")
	}
}

func TestLoadHitsOnTouchedSource(t *testing.T) {
	c := openTestCache(t)
	src := writeSource(t, "> echo hi\n")
	if err := c.Store(src, testProgram()); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(src, later, later); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Load(src); !ok {
		t.Fatal("Load() missed for a touched but unchanged source")
	}

	k, _ := key(src)
	var mtime int64
	if err := c.db.QueryRow("SELECT mtime FROM entries WHERE key = ?", k).Scan(&mtime); err != nil {
		t.Fatal(err)
	}
	if mtime != later.UnixNano() {
		t.Errorf("mtime = %d, want refreshed to %d", mtime, later.UnixNano())
	}
}

func TestLoadMissesOnSchemaMismatch(t *testing.T) {
	c := openTestCache(t)
	src := writeSource(t, "> echo hi\n")
	p := testProgram()
	p.SchemaVersion = bytecode.SchemaVersion - 1
	if err := c.Store(src, p); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Load(src); ok {
		t.Error("Load() hit for an old schema version")
	}
	if st, _ := c.Stats(); st.Entries != 0 {
		t.Errorf("Entries = %d, want stale entry discarded", st.Entries)
	}
}

func TestLoadMissesOnCorruptBlob(t *testing.T) {
	c := openTestCache(t)
	src := writeSource(t, "> echo hi\n")
	if err := c.Store(src, testProgram()); err != nil {
		t.Fatal(err)
	}
	k, _ := key(src)
	if err := os.WriteFile(c.blobPath(k), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Load(src); ok {
		t.Error("Load() hit for a corrupt blob")
	}
}

func TestLoadMissesOnMissingSource(t *testing.T) {
	c := openTestCache(t)
	if _, ok := c.Load(filepath.Join(t.TempDir(), "gone.hl")); ok {
		t.Error("Load() hit for a missing source")
	}
}

func TestInvalidateCleanStats(t *testing.T) {
	c := openTestCache(t)
	a := writeSource(t, "> echo a\n")
	b := writeSource(t, "> echo b\n")
	for _, src := range []string{a, b} {
		if err := c.Store(src, testProgram()); err != nil {
			t.Fatal(err)
		}
	}

	st, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 2 || st.Bytes <= 0 {
		t.Errorf("Stats() = %+v, want 2 entries", st)
	}

	if err := c.Invalidate(a); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok := c.Load(a); ok {
		t.Error("Load() hit after Invalidate")
	}
	if _, ok := c.Load(b); !ok {
		t.Error("Invalidate dropped the wrong entry")
	}

	// A stray temp file from an interrupted Store.
	if err := os.WriteFile(filepath.Join(c.Dir(), "x.tmp"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := c.Clean()
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Clean() removed %d files, want 2", n)
	}
	if st, _ := c.Stats(); st.Entries != 0 {
		t.Errorf("Entries = %d after Clean", st.Entries)
	}
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg")
	dir, err := DefaultDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/tmp/xdg/hacker-lang" {
		t.Errorf("DefaultDir() = %q", dir)
	}

	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("HOME", "/home/u")
	if dir, _ := DefaultDir(); dir != "/home/u/.cache/hacker-lang" {
		t.Errorf("DefaultDir() = %q", dir)
	}
}
