// Package testutil provides test doubles shared across the engine's test
// suites: an in-memory dfs.FS fake with crash simulation, grounded on
// internal/vfs/fault_injection.go's "unsynced data is lost on crash" model.
package testutil

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/elq/hypertable/internal/dfs"
)

// MemFS is an in-memory dfs.FS. Writes via Append/AppendAsync are visible
// to readers immediately (read-your-writes within a process) but are only
// guaranteed to survive Crash if Sync was called afterward — this lets
// tests exercise S5 (crash after SPLIT_LOG_INSTALLED, before SPLIT_SHRUNK)
// deterministically.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
}

type memFile struct {
	data   []byte
	synced int // length of the prefix that has been Sync'd
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{"": true, ".": true},
	}
}

// Crash truncates every file back to its last-synced length, simulating a
// power loss that drops unsynced writes.
func (m *MemFS) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		f.data = f.data[:f.synced]
	}
}

func clean(name string) string { return filepath.Clean(name) }

func dirOf(name string) string { return filepath.Dir(clean(name)) }

func (m *MemFS) ensureDirsLocked(path string) {
	d := path
	for d != "." && d != "/" && d != "" {
		m.dirs[d] = true
		d = filepath.Dir(d)
	}
}

func (m *MemFS) Create(name string) (dfs.WritableFile, error) {
	name = clean(name)
	m.mu.Lock()
	m.ensureDirsLocked(dirOf(name))
	f := &memFile{}
	m.files[name] = f
	m.mu.Unlock()
	return &memWritable{fs: m, name: name, file: f}, nil
}

func (m *MemFS) OpenAppend(name string) (dfs.WritableFile, error) {
	name = clean(name)
	m.mu.Lock()
	f, ok := m.files[name]
	if !ok {
		f = &memFile{}
		m.ensureDirsLocked(dirOf(name))
		m.files[name] = f
	}
	m.mu.Unlock()
	return &memWritable{fs: m, name: name, file: f}, nil
}

func (m *MemFS) OpenRandomAccess(name string) (dfs.RandomAccessFile, error) {
	name = clean(name)
	m.mu.Lock()
	_, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("testutil: %s: no such file", name)
	}
	return &memRandomAccess{fs: m, name: name}, nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	oldname, newname = clean(oldname), clean(newname)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[oldname]
	if !ok {
		return fmt.Errorf("testutil: rename: %s: no such file", oldname)
	}
	m.ensureDirsLocked(dirOf(newname))
	m.files[newname] = f
	delete(m.files, oldname)
	return nil
}

func (m *MemFS) Remove(name string) error {
	name = clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return fmt.Errorf("testutil: remove: %s: no such file", name)
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Mkdirs(path string) error {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDirsLocked(path)
	return nil
}

func (m *MemFS) Rmdir(path string) error {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	for name := range m.files {
		if name == path || strings.HasPrefix(name, prefix) {
			delete(m.files, name)
		}
	}
	for d := range m.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(m.dirs, d)
		}
	}
	return nil
}

func (m *MemFS) Exists(path string) bool {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; ok {
		return true
	}
	return m.dirs[path]
}

func (m *MemFS) ReadDir(path string) ([]string, error) {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	seen := map[string]bool{}
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			rest := strings.TrimPrefix(name, prefix)
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			rest := strings.TrimPrefix(d, prefix)
			if rest != "" {
				seen[strings.SplitN(rest, "/", 2)[0]] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

type memWritable struct {
	fs   *MemFS
	name string
	file *memFile
}

func (w *memWritable) Append(data []byte) error {
	w.fs.mu.Lock()
	w.file.data = append(w.file.data, data...)
	w.fs.mu.Unlock()
	return nil
}

func (w *memWritable) AppendAsync(data []byte, done func(error)) {
	err := w.Append(data)
	done(err)
}

func (w *memWritable) Sync() error {
	w.fs.mu.Lock()
	w.file.synced = len(w.file.data)
	w.fs.mu.Unlock()
	return nil
}

func (w *memWritable) Size() (int64, error) {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	return int64(len(w.file.data)), nil
}

func (w *memWritable) Close() error { return nil }

type memRandomAccess struct {
	fs   *MemFS
	name string
}

func (r *memRandomAccess) ReadAt(p []byte, off int64) (int, error) {
	r.fs.mu.Lock()
	f, ok := r.fs.files[r.name]
	r.fs.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("testutil: %s: no such file", r.name)
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memRandomAccess) Size() int64 {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()
	return int64(len(r.fs.files[r.name].data))
}

func (r *memRandomAccess) Close() error { return nil }
