// Package dfs models the distributed filesystem collaborator that
// spec.md §1 puts out of scope: "Assumed to expose append-only writes,
// random-access reads, atomic directory create/remove, and rename." We
// specify only the interface the engine needs and provide a local-disk
// implementation for tests and single-node operation.
package dfs

import (
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FS is the filesystem interface every component in this module depends
// on instead of talking to the OS directly.
type FS interface {
	// Create creates a new file for append-only writing, truncating any
	// existing file at name.
	Create(name string) (WritableFile, error)

	// OpenAppend opens name for append-only writing, creating it if it
	// does not exist and preserving any existing contents otherwise.
	// Used by RangeMetaLog, whose journal must survive across process
	// restarts rather than being truncated on every open.
	OpenAppend(name string) (WritableFile, error)

	// OpenRandomAccess opens an existing file for random-access reads
	// (used by CellStore to read the trailer, index, and data blocks).
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename atomically renames oldname to newname.
	Rename(oldname, newname string) error

	// Remove deletes a single file.
	Remove(name string) error

	// Mkdirs creates a directory and any missing parents. It is expected
	// to be atomic from the perspective of a concurrent Exists check.
	Mkdirs(path string) error

	// Rmdir removes a directory and everything under it.
	Rmdir(path string) error

	// Exists reports whether a path (file or directory) exists.
	Exists(path string) bool

	// ReadDir lists the entries of a directory.
	ReadDir(path string) ([]string, error)
}

// WritableFile is an append-only output handle.
type WritableFile interface {
	io.Closer

	// Append writes data at the current end of the file.
	Append(data []byte) error

	// AppendAsync dispatches an append without blocking the caller; done
	// is invoked exactly once, from some goroutine, with the result.
	// CellStore.Finalize and CommitLog rely on joining every outstanding
	// AppendAsync before treating the file as durable (spec.md §4.1's
	// "m_outstanding_appends" accounting).
	AppendAsync(data []byte, done func(error))

	// Sync flushes file contents to stable storage.
	Sync() error

	// Size returns the current length of the file.
	Size() (int64, error)
}

// RandomAccessFile supports reads at arbitrary offsets plus size queries.
type RandomAccessFile interface {
	io.Closer
	io.ReaderAt
	Size() int64
}

// Local is a FS implementation backed by the local disk. It stands in for
// a real DFS client in tests and in single-node deployments.
type Local struct{}

// NewLocal returns a Local filesystem rooted at the OS's filesystem.
func NewLocal() *Local { return &Local{} }

func (l *Local) Create(name string) (WritableFile, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	w := &localWritable{f: f}
	w.queue = make(chan asyncAppend, 64)
	w.drainDone = make(chan struct{})
	go w.drain()
	return w, nil
}

func (l *Local) OpenAppend(name string) (WritableFile, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := &localWritable{f: f}
	w.queue = make(chan asyncAppend, 64)
	w.drainDone = make(chan struct{})
	go w.drain()
	return w, nil
}

func (l *Local) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &localRandomAccess{f: f, size: info.Size()}, nil
}

func (l *Local) Rename(oldname, newname string) error {
	if err := os.MkdirAll(filepath.Dir(newname), 0o755); err != nil {
		return err
	}
	return os.Rename(oldname, newname)
}

func (l *Local) Remove(name string) error { return os.Remove(name) }

func (l *Local) Mkdirs(path string) error { return os.MkdirAll(path, 0o755) }

func (l *Local) Rmdir(path string) error { return os.RemoveAll(path) }

func (l *Local) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (l *Local) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

type asyncAppend struct {
	data []byte
	done func(error)
}

// localWritable serializes appends through a single background goroutine
// so that AppendAsync preserves submission order (matching a real DFS
// client's single ordered write stream per file) while still returning to
// the caller immediately.
type localWritable struct {
	f         *os.File
	mu        sync.Mutex
	queue     chan asyncAppend
	drainDone chan struct{}
}

func (w *localWritable) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.f.Write(data)
	return err
}

// AppendAsync queues data for writing on the file's dedicated append
// goroutine and returns immediately. done is invoked exactly once with
// the write's result, in submission order relative to other AppendAsync
// calls on the same file.
func (w *localWritable) AppendAsync(data []byte, done func(error)) {
	w.queue <- asyncAppend{data: data, done: done}
}

func (w *localWritable) drain() {
	defer close(w.drainDone)
	for a := range w.queue {
		w.mu.Lock()
		_, err := w.f.Write(a.data)
		w.mu.Unlock()
		a.done(err)
	}
}

func (w *localWritable) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Sync()
}

func (w *localWritable) Size() (int64, error) {
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *localWritable) Close() error {
	close(w.queue)
	<-w.drainDone
	return w.f.Close()
}

type localRandomAccess struct {
	f    *os.File
	size int64
}

func (r *localRandomAccess) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *localRandomAccess) Size() int64 { return r.size }

func (r *localRandomAccess) Close() error { return r.f.Close() }
