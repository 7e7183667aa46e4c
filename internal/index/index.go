// Package index maps keys to the log position of their latest value.
//
// The index is an ordered B-tree guarded by a RWMutex: lookups take the read
// side and never wait for each other, mutations take the write side. Snapshot
// relies on the copy-on-write clone of github.com/google/btree, so taking a
// snapshot costs O(1) and later mutations do not disturb it.
package index

import (
	"sync"

	"github.com/google/btree"

	"github.com/dreamware/kvs/internal/segment"
)

const degree = 32

type entry struct {
	key string
	ptr segment.Pointer
}

func less(a, b entry) bool {
	return a.key < b.key
}

// Index is safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

// New returns an empty index.
func New() *Index {
	return &Index{tree: btree.NewG(degree, less)}
}

// Lookup returns the pointer stored for key.
func (ix *Index) Lookup(key string) (segment.Pointer, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.tree.Get(entry{key: key})
	return e.ptr, ok
}

// Insert stores ptr for key and returns the pointer it superseded, if any.
func (ix *Index) Insert(key string, ptr segment.Pointer) (segment.Pointer, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	old, ok := ix.tree.ReplaceOrInsert(entry{key: key, ptr: ptr})
	return old.ptr, ok
}

// Remove deletes key and returns the pointer it held, if any.
func (ix *Index) Remove(key string) (segment.Pointer, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	old, ok := ix.tree.Delete(entry{key: key})
	return old.ptr, ok
}

// Len returns the number of live keys.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// Snapshot returns a point-in-time view of the index.
func (ix *Index) Snapshot() *Snapshot {
	// Clone mutates the receiver's copy-on-write bookkeeping, so it needs
	// the write lock.
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return &Snapshot{tree: ix.tree.Clone()}
}

// Swap replaces the contents of ix with those of other. other must not be
// used afterwards.
func (ix *Index) Swap(other *Index) {
	other.mu.Lock()
	tree := other.tree
	other.tree = btree.NewG(degree, less)
	other.mu.Unlock()

	ix.mu.Lock()
	ix.tree = tree
	ix.mu.Unlock()
}

// Snapshot is an immutable view of an Index.
type Snapshot struct {
	tree *btree.BTreeG[entry]
}

// Len returns the number of keys the snapshot holds. It does not change
// when the source Index is mutated after the snapshot was taken.
func (s *Snapshot) Len() int {
	return s.tree.Len()
}

// Ascend calls fn for every key in ascending order until fn returns false.
func (s *Snapshot) Ascend(fn func(key string, ptr segment.Pointer) bool) {
	s.tree.Ascend(func(e entry) bool {
		return fn(e.key, e.ptr)
	})
}
