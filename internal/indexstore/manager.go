package indexstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/motiflabs/loam/internal/errors"
)

// Manager owns every index's environment directory under
// `<root>/indexes/` and keeps at most one open *Index per uid
// (spec.md §4.E: "it owns the environment directory").
type Manager struct {
	root string

	mu    sync.Mutex
	open  map[string]*Index
}

// NewManager returns a Manager rooted at root (the data directory's
// "indexes" subdirectory).
func NewManager(root string) *Manager {
	return &Manager{root: root, open: make(map[string]*Index)}
}

func (m *Manager) dirFor(uid string) string {
	return filepath.Join(m.root, uid)
}

// Create makes a new index directory and opens it. Returns a Conflict
// error if uid already exists (spec.md §7 CodeIndexAlreadyExists).
func (m *Manager) Create(uid string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[uid]; ok {
		return nil, errors.Conflict(errors.CodeIndexAlreadyExists, "index already exists: "+uid)
	}
	dir := m.dirFor(uid)
	if _, err := os.Stat(dir); err == nil {
		return nil, errors.Conflict(errors.CodeIndexAlreadyExists, "index already exists: "+uid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.StoreError(errors.CodeStoreIO, "create index directory", err)
	}
	idx, err := Open(uid, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	m.open[uid] = idx
	return idx, nil
}

// Open returns the already-open index for uid, opening its directory
// from disk on first access. Returns a NotFound error if the directory
// does not exist.
func (m *Manager) Open(uid string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.open[uid]; ok {
		return idx, nil
	}
	dir := m.dirFor(uid)
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.NotFound(errors.CodeIndexNotFound, "index not found: "+uid)
	}
	idx, err := Open(uid, dir)
	if err != nil {
		return nil, err
	}
	m.open[uid] = idx
	return idx, nil
}

// Delete closes uid's environment and removes its directory (spec.md
// §3 "Index" lifecycle: "deleted synchronously by IndexDeletion").
func (m *Manager) Delete(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.open[uid]; ok {
		if err := idx.Close(); err != nil {
			return errors.StoreError(errors.CodeStoreIO, "close index before delete", err)
		}
		delete(m.open, uid)
	}
	dir := m.dirFor(uid)
	if _, err := os.Stat(dir); err != nil {
		return errors.NotFound(errors.CodeIndexNotFound, "index not found: "+uid)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "remove index directory", err)
	}
	return nil
}

// Swap exchanges the on-disk directories of a and b atomically under
// m's lock, then reopens both (spec.md §3 "Index" lifecycle: "swapped
// atomically with another index by IndexSwap (directories renamed
// under the global lock)"). Each index keeps its uid; the settings,
// documents and primary key stored in each directory move with it.
func (m *Manager) Swap(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, uid := range []string{a, b} {
		if idx, ok := m.open[uid]; ok {
			if err := idx.Close(); err != nil {
				return errors.StoreError(errors.CodeStoreIO, "close index before swap", err)
			}
			delete(m.open, uid)
		}
	}

	dirA, dirB := m.dirFor(a), m.dirFor(b)
	tmp := dirA + ".swap-tmp"
	if err := os.Rename(dirA, tmp); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "swap: stage first directory", err)
	}
	if err := os.Rename(dirB, dirA); err != nil {
		_ = os.Rename(tmp, dirA) // best-effort unwind
		return errors.StoreError(errors.CodeStoreIO, "swap: move second into first", err)
	}
	if err := os.Rename(tmp, dirB); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "swap: move staged first into second", err)
	}

	idxA, err := Open(a, dirA)
	if err != nil {
		return err
	}
	idxB, err := Open(b, dirB)
	if err != nil {
		_ = idxA.Close()
		return err
	}
	m.open[a] = idxA
	m.open[b] = idxB
	return nil
}

// List returns every index uid with a directory under root, whether
// or not it is currently open.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.StoreError(errors.CodeStoreIO, "list index directories", err)
	}
	uids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			uids = append(uids, e.Name())
		}
	}
	return uids, nil
}

// CloseAll closes every currently open index (server shutdown path).
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for uid, idx := range m.open {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.open, uid)
	}
	return first
}
