package cache

import (
	"path/filepath"
	"testing"

	"github.com/kunitoki/etch/internal/bytecode"
)

func TestPutLookupRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sourceHash := bytecode.ComputeSourceHash([]byte("let x = 1"))
	compilerHash := bytecode.ComputeCompilerHash("compiler-v1")
	image := []byte("fake-encoded-program-image")

	if err := s.Put(sourceHash, compilerHash, image); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Lookup(sourceHash, compilerHash)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if string(got) != string(image) {
		t.Fatalf("got image %q, want %q", got, image)
	}
}

func TestLookupMissWhenAbsent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sourceHash := bytecode.ComputeSourceHash([]byte("never cached"))
	compilerHash := bytecode.ComputeCompilerHash("compiler-v1")

	_, ok, err := s.Lookup(sourceHash, compilerHash)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected a cache miss for an unseen source hash")
	}
}

func TestLookupMissOnCompilerHashMismatch(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sourceHash := bytecode.ComputeSourceHash([]byte("let x = 1"))
	oldCompiler := bytecode.ComputeCompilerHash("compiler-v1")
	newCompiler := bytecode.ComputeCompilerHash("compiler-v2")

	if err := s.Put(sourceHash, oldCompiler, []byte("stale-image")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, ok, err := s.Lookup(sourceHash, newCompiler)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("a compiler hash mismatch must be treated as a cache miss")
	}
}

func TestEvictRemovesEntry(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sourceHash := bytecode.ComputeSourceHash([]byte("let x = 1"))
	compilerHash := bytecode.ComputeCompilerHash("compiler-v1")

	if err := s.Put(sourceHash, compilerHash, []byte("image")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Evict(sourceHash); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	_, ok, err := s.Lookup(sourceHash, compilerHash)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected a miss after eviction")
	}
}

func TestPutOverwritesExistingEntry(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sourceHash := bytecode.ComputeSourceHash([]byte("let x = 1"))
	compilerHash := bytecode.ComputeCompilerHash("compiler-v1")

	if err := s.Put(sourceHash, compilerHash, []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(sourceHash, compilerHash, []byte("v2")); err != nil {
		t.Fatalf("Put (overwrite): %v", err)
	}

	got, ok, err := s.Lookup(sourceHash, compilerHash)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || string(got) != "v2" {
		t.Fatalf("expected overwritten image %q, got %q (ok=%v)", "v2", got, ok)
	}
}
