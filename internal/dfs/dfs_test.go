package dfs

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestLocalCreateAppendReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.dat")

	fs := NewLocal()
	w, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Append([]byte("hello ")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append([]byte("world")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess: %v", err)
	}
	defer r.Close()
	if r.Size() != 11 {
		t.Fatalf("Size = %d, want 11", r.Size())
	}
	buf := make([]byte, 11)
	if _, err := r.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("got %q", buf)
	}
}

func TestAppendAsyncPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ordered.dat")
	fs := NewLocal()
	w, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		w.AppendAsync([]byte{'a'}, func(err error) {
			if err != nil {
				t.Errorf("append: %v", err)
			}
			wg.Done()
		})
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess: %v", err)
	}
	defer r.Close()
	if r.Size() != n {
		t.Fatalf("Size = %d, want %d", r.Size(), n)
	}
}

func TestMkdirsRmdirExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c")
	fs := NewLocal()
	if err := fs.Mkdirs(path); err != nil {
		t.Fatalf("Mkdirs: %v", err)
	}
	if !fs.Exists(path) {
		t.Fatalf("expected path to exist")
	}
	if err := fs.Rmdir(filepath.Join(dir, "a")); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if fs.Exists(path) {
		t.Fatalf("expected path to be gone")
	}
}

func TestRenameAtomic(t *testing.T) {
	dir := t.TempDir()
	fs := NewLocal()
	src := filepath.Join(dir, "src.dat")
	dst := filepath.Join(dir, "dst.dat")
	w, err := fs.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Append([]byte("x"))
	_ = w.Close()

	if err := fs.Rename(src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if fs.Exists(src) {
		t.Fatalf("expected src to be gone")
	}
	if !fs.Exists(dst) {
		t.Fatalf("expected dst to exist")
	}
}
