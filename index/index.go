// Package index implements a persistent, disk-backed B+Tree index.
package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/mlindgren/docbase/storage"
)

// ErrIndexExists is returned by CreateIndex when the name is already taken.
var ErrIndexExists = errors.New("index: index already exists")

// ErrIndexNotFound is returned by DropIndex/GetIndex when name is unknown.
var ErrIndexNotFound = errors.New("index: index not found")

// ErrUniqueConstraint is returned by Add when a unique index's key already
// maps to a different record.
var ErrUniqueConstraint = errors.New("index: unique constraint violated")

const compositeKeySep = "\x1f"

// Index is a named, possibly multi-field, possibly-unique index over a
// collection, backed by a single B+Tree keyed on a composite string key.
type Index struct {
	Name       string
	Collection string
	Fields     []string
	Unique     bool

	btree *BTree
	mu    sync.RWMutex
}

// NewIndex creates an empty index with a fresh B-Tree.
func NewIndex(collection, name string, fields []string, unique bool, pm *storage.PageManager) (*Index, error) {
	bt, err := NewBTree(pm)
	if err != nil {
		return nil, err
	}
	return &Index{Collection: collection, Name: name, Fields: fields, Unique: unique, btree: bt}, nil
}

// OpenIndex reopens an existing index from its B-Tree root page.
func OpenIndex(collection, name string, fields []string, unique bool, pm *storage.PageManager, rootPageID uint32) *Index {
	return &Index{
		Collection: collection,
		Name:       name,
		Fields:     fields,
		Unique:     unique,
		btree:      OpenBTree(pm, rootPageID),
	}
}

// RootPageID returns the B-Tree's root page id, for persisting in collection metadata.
func (idx *Index) RootPageID() uint32 {
	return idx.btree.RootPageID
}

// KeyForValues builds the composite key for an ordered slice of field values,
// one per idx.Fields entry.
func KeyForValues(values []interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = ValueToKey(v)
	}
	return strings.Join(parts, compositeKeySep)
}

// Add indexes recordID under the composite key built from values. For a
// unique index, it fails if the key already maps to a different recordID.
func (idx *Index) Add(values []interface{}, recordID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := KeyForValues(values)
	if idx.Unique {
		existing, err := idx.btree.Lookup(key)
		if err != nil {
			return err
		}
		for _, rid := range existing {
			if rid != recordID {
				return errors.Wrapf(ErrUniqueConstraint, "index %s.%s", idx.Collection, idx.Name)
			}
		}
	}
	return idx.btree.Insert(key, recordID)
}

// Remove deletes the (key, recordID) mapping built from values.
func (idx *Index) Remove(values []interface{}, recordID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.btree.Remove(KeyForValues(values), recordID)
}

// Lookup returns the recordIDs matching an exact composite key built from values.
func (idx *Index) Lookup(values []interface{}) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Lookup(KeyForValues(values))
}

// RangeScan returns recordIDs whose composite key lies within [minKey, maxKey].
// Bounds are pre-encoded via KeyForValues by the caller; an empty bound is unbounded.
func (idx *Index) RangeScan(minKey, maxKey string) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.RangeScan(minKey, maxKey)
}

// AllEntries returns every entry in the index, for debugging and tests.
func (idx *Index) AllEntries() map[string][]uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entries, _ := idx.btree.AllEntries()
	if entries == nil {
		return make(map[string][]uint64)
	}
	return entries
}

// ---------- Manager tracks every index across every collection ----------

// Manager owns the full set of indexes in the database.
type Manager struct {
	mu      sync.RWMutex
	indexes map[indexKey]*Index
	pm      *storage.PageManager
}

type indexKey struct {
	collection string
	name       string
}

// NewManager creates an empty index manager.
func NewManager(pm *storage.PageManager) *Manager {
	return &Manager{
		indexes: make(map[indexKey]*Index),
		pm:      pm,
	}
}

// CreateIndex creates a new named index over the given fields.
func (m *Manager) CreateIndex(collection, name string, fields []string, unique bool) (*Index, error) {
	key := indexKey{collection, name}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[key]; exists {
		return nil, errors.Wrapf(ErrIndexExists, "%s.%s", collection, name)
	}
	idx, err := NewIndex(collection, name, fields, unique, m.pm)
	if err != nil {
		return nil, err
	}
	m.indexes[key] = idx
	return idx, nil
}

// OpenIndex reopens an existing index at startup, from stored metadata.
func (m *Manager) OpenIndex(collection, name string, fields []string, unique bool, rootPageID uint32) *Index {
	key := indexKey{collection, name}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := OpenIndex(collection, name, fields, unique, m.pm, rootPageID)
	m.indexes[key] = idx
	return idx
}

// DropIndex removes a named index.
func (m *Manager) DropIndex(collection, name string) error {
	key := indexKey{collection, name}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[key]; !exists {
		return errors.Wrapf(ErrIndexNotFound, "%s.%s", collection, name)
	}
	delete(m.indexes, key)
	return nil
}

// IndexExists reports whether a named index exists on a collection.
func (m *Manager) IndexExists(collection, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[indexKey{collection, name}]
	return ok
}

// GetIndex returns the named index on a collection, or nil.
func (m *Manager) GetIndex(collection, name string) *Index {
	key := indexKey{collection, name}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexes[key]
}

// DropAllForCollection removes every index belonging to a collection.
func (m *Manager) DropAllForCollection(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.indexes {
		if k.collection == collection {
			delete(m.indexes, k)
		}
	}
}

// GetIndexes returns every index belonging to a collection.
func (m *Manager) GetIndexes(collection string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Index
	for k, idx := range m.indexes {
		if k.collection == collection {
			result = append(result, idx)
		}
	}
	return result
}

// ValueToKey converts a document field value into a lexicographically
// sortable index key fragment.
func ValueToKey(v interface{}) string {
	if v == nil {
		return "\x00null"
	}
	switch val := v.(type) {
	case string:
		return "s:" + val
	case int64:
		// Fixed-width, zero-padded so lexicographic order matches numeric order
		// for non-negative values. Negative values sort before all
		// non-negative ones but in reverse numeric order among themselves.
		return fmt.Sprintf("i:%020d", val)
	case float64:
		return fmt.Sprintf("f:%.15e", val)
	case bool:
		if val {
			return "b:true"
		}
		return "b:false"
	default:
		return fmt.Sprintf("?:%v", val)
	}
}
