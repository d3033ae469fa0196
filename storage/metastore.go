package storage

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// metadataOffset is where the collection catalog's serialized document
// begins within its dedicated page. Preserved at this fixed, non-zero
// offset for on-disk compatibility with earlier format revisions rather
// than moved to offset 0.
const metadataOffset = 247

// CollectionMetaStore owns the single-page catalog mapping collection name
// to its metadata document (declared fields, index names, FK
// declarations). It is loaded once at startup and kept in memory; every
// mutation re-serializes the whole map back to its page.
type CollectionMetaStore struct {
	mu      sync.RWMutex
	pm      *PageManager
	pageID  uint32
	entries map[string]*Document
	log     *logrus.Entry
}

// LoadCollectionMetaStore loads the catalog from pm's recorded
// CollectionRootPageID, allocating a fresh page if this is a new database.
// Corrupt or legacy content is tolerated: the store falls back to an empty
// catalog rather than failing open.
func LoadCollectionMetaStore(pm *PageManager) (*CollectionMetaStore, error) {
	store := &CollectionMetaStore{
		pm:      pm,
		entries: make(map[string]*Document),
		log:     logrus.WithField("component", "collection_metastore"),
	}

	pageID := pm.CollectionRootPageID()
	if pageID == 0 {
		p, err := pm.NewPage(PageTypeCollection)
		if err != nil {
			return nil, errors.Wrap(err, "storage: allocate collection metadata page")
		}
		store.pageID = p.PageID()
		pm.SetCollectionRootPageID(store.pageID)
		if err := store.persist(); err != nil {
			return nil, err
		}
		return store, nil
	}

	store.pageID = pageID
	p, err := pm.GetPage(pageID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: read collection metadata page")
	}
	store.loadFromPage(p)
	return store, nil
}

func (s *CollectionMetaStore) loadFromPage(p *Page) {
	if int(metadataOffset) >= p.Size() {
		s.log.Warn("collection metadata page too small for fixed offset, starting empty")
		return
	}
	region := p.Data[metadataOffset:]
	doc, err := Decode(region)
	if err != nil {
		s.log.WithError(err).Warn("unreadable collection metadata, starting with empty catalog")
		return
	}
	for _, f := range doc.Fields {
		switch v := f.Value.(type) {
		case *Document:
			s.entries[f.Name] = v
		default:
			// Legacy content stored metadata as plain strings; treat as
			// "known, empty metadata" rather than discarding the name.
			s.entries[f.Name] = NewDocument()
		}
	}
}

// RegisterCollection adds a collection with empty metadata if it isn't
// already known. A no-op if the name is already registered.
func (s *CollectionMetaStore) RegisterCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return nil
	}
	s.entries[name] = NewDocument()
	return s.persistLocked()
}

// UpdateMetadata replaces a collection's metadata document. If forceFlush
// is set, the page is flushed through PageManager immediately rather than
// waiting for the next Engine-level Flush.
func (s *CollectionMetaStore) UpdateMetadata(name string, doc *Document, forceFlush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = doc
	if err := s.persistLocked(); err != nil {
		return err
	}
	if forceFlush {
		return s.pm.Flush()
	}
	return nil
}

// RemoveCollection drops a collection's entry from the catalog.
func (s *CollectionMetaStore) RemoveCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
	return s.persistLocked()
}

// GetMetadata returns a collection's metadata document, or an empty one if
// unknown.
func (s *CollectionMetaStore) GetMetadata(name string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc, ok := s.entries[name]; ok {
		return doc.Clone()
	}
	return NewDocument()
}

// GetCollectionNames lists every registered collection.
func (s *CollectionMetaStore) GetCollectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// IsKnown reports whether name has been registered.
func (s *CollectionMetaStore) IsKnown(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[name]
	return ok
}

func (s *CollectionMetaStore) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *CollectionMetaStore) persistLocked() error {
	catalog := NewDocument()
	for name, doc := range s.entries {
		catalog.Set(name, doc)
	}
	encoded, err := catalog.Encode()
	if err != nil {
		return errors.Wrap(err, "storage: encode collection catalog")
	}

	p, err := s.pm.GetPage(s.pageID)
	if err != nil {
		return errors.Wrap(err, "storage: read collection metadata page")
	}
	capacity := p.Size() - metadataOffset
	if len(encoded) > capacity {
		return ErrMetadataTooLarge
	}
	region := p.Data[metadataOffset:]
	for i := range region {
		region[i] = 0
	}
	copy(region, encoded)
	return s.pm.SavePage(p)
}
