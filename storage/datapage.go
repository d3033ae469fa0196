package storage

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Large-document stub field names. An in-page entry carrying these in place
// of the real document means the payload lives in an overflow chain.
const (
	largeDocFlagField  = "_isLargeDocument"
	largeDocIndexField = "_largeDocumentIndex"
	largeDocSizeField  = "_largeDocumentSize"
)

// MaxDocSizeForPageSize is max_doc_size = P - 300: the threshold above
// which a document is stored via LargeDocumentStorage instead of inline.
func MaxDocSizeForPageSize(pageSize uint32) int {
	return int(pageSize) - 300
}

// DocLocation pinpoints a document's slot within its collection.
type DocLocation struct {
	PageID uint32
	Slot   int
}

// CollectionState is the runtime bookkeeping DataPageAccess mutates for one
// collection: the pages it owns, the page currently receiving inserts, and
// the primary-key index. The first scan of a collection populates Index and
// OwnedPages from disk; every subsequent operation is an O(1) lookup.
type CollectionState struct {
	mu                 sync.RWMutex
	Name               string
	OwnedPages         map[uint32]bool
	CurrentInsertPage  uint32
	Index              map[string]DocLocation
	IsCacheInitialized bool
}

// NewCollectionState returns an empty, uninitialized state for name.
func NewCollectionState(name string) *CollectionState {
	return &CollectionState{
		Name:       name,
		OwnedPages: make(map[uint32]bool),
		Index:      make(map[string]DocLocation),
	}
}

// Lock, Unlock, RLock, and RUnlock expose state's mutex to callers outside
// this package that need to guard a read-modify-write sequence spanning
// more than one CollectionState method (engine's insert/update/delete path).
func (s *CollectionState) Lock()    { s.mu.Lock() }
func (s *CollectionState) Unlock()  { s.mu.Unlock() }
func (s *CollectionState) RLock()   { s.mu.RLock() }
func (s *CollectionState) RUnlock() { s.mu.RUnlock() }

// IDKey canonicalizes a document's "_id" value into a comparable map key.
// Only scalar id types are supported; a document or array "_id" is rejected
// the way an unresolvable primary key should be.
func IDKey(v interface{}) (string, error) {
	switch val := v.(type) {
	case ObjectID:
		return "o:" + val.Hex(), nil
	case string:
		return "s:" + val, nil
	case int64:
		return fmt.Sprintf("i:%d", val), nil
	case float64:
		return fmt.Sprintf("f:%v", val), nil
	case bool:
		return fmt.Sprintf("b:%v", val), nil
	case nil:
		return "", errors.New("storage: nil _id is not a valid primary key")
	default:
		return "", errors.Errorf("storage: unsupported _id type %T", v)
	}
}

// DataPageAccess provides slot-level read/write access to data pages,
// transparently resolving large-document stubs through LargeDocumentStorage.
type DataPageAccess struct {
	pm       *PageManager
	overflow *LargeDocumentStorage
}

// NewDataPageAccess wraps pm (and its overflow storage) for document-level
// page operations.
func NewDataPageAccess(pm *PageManager) *DataPageAccess {
	return &DataPageAccess{pm: pm, overflow: NewLargeDocumentStorage(pm)}
}

// MaxDocSize is max_doc_size for the database's configured page size.
func (d *DataPageAccess) MaxDocSize() int {
	return MaxDocSizeForPageSize(d.pm.PageSize())
}

func isLargeDocStub(doc *Document) (indexPageID uint32, size int64, ok bool) {
	flag, hasFlag := doc.Get(largeDocFlagField)
	if !hasFlag {
		return 0, 0, false
	}
	if b, isBool := flag.(bool); !isBool || !b {
		return 0, 0, false
	}
	idxVal, _ := doc.Get(largeDocIndexField)
	sizeVal, _ := doc.Get(largeDocSizeField)
	idx, _ := idxVal.(int64)
	sz, _ := sizeVal.(int64)
	return uint32(idx), sz, true
}

func makeLargeDocStub(indexPageID uint32, size int) *Document {
	stub := NewDocument()
	stub.Set(largeDocFlagField, true)
	stub.Set(largeDocIndexField, int64(indexPageID))
	stub.Set(largeDocSizeField, int64(size))
	return stub
}

// EncodeForStorage serializes doc, transparently routing it through
// LargeDocumentStorage and replacing it with a stub if it exceeds
// max_doc_size. Returns the bytes to place in the data page entry.
func (d *DataPageAccess) EncodeForStorage(doc *Document) ([]byte, error) {
	encoded, err := doc.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "storage: encode document")
	}
	if len(encoded) <= d.MaxDocSize() {
		return encoded, nil
	}
	idxPageID, err := d.overflow.Write(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "storage: write large-document overflow chain")
	}
	stub := makeLargeDocStub(idxPageID, len(encoded))
	return stub.Encode()
}

// resolveEntry decodes a raw entry, following an overflow stub if present.
func (d *DataPageAccess) resolveEntry(raw []byte) (*Document, error) {
	doc, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if idxPageID, _, ok := isLargeDocStub(doc); ok {
		full, err := d.overflow.Read(idxPageID)
		if err != nil {
			return nil, errors.Wrap(err, "storage: resolve large-document overflow chain")
		}
		return Decode(full)
	}
	return doc, nil
}

// freeIfLargeDocStub releases the overflow chain backing raw, if any.
func (d *DataPageAccess) freeIfLargeDocStub(raw []byte) error {
	doc, err := Decode(raw)
	if err != nil {
		return nil // corrupt entry, nothing to free
	}
	if idxPageID, _, ok := isLargeDocStub(doc); ok {
		return d.overflow.Free(idxPageID)
	}
	return nil
}

// ScanDocuments decodes every resolvable entry on page, in order, silently
// skipping entries whose BSON body is corrupt.
func (d *DataPageAccess) ScanDocuments(page *Page) []*Document {
	raws, _ := page.Entries()
	docs := make([]*Document, 0, len(raws))
	for _, raw := range raws {
		doc, err := d.resolveEntry(raw)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// ScanRaw yields the raw (possibly stub) entry bytes on page, in order.
func (d *DataPageAccess) ScanRaw(page *Page) [][]byte {
	raws, _ := page.Entries()
	return raws
}

// ReadDocumentAt returns the document at slot, resolving overflow stubs.
// Returns ok=false on an out-of-range slot or corrupt content.
func (d *DataPageAccess) ReadDocumentAt(page *Page, slot int) (doc *Document, ok bool) {
	raw, err := page.EntryAt(slot)
	if err != nil {
		return nil, false
	}
	resolved, err := d.resolveEntry(raw)
	if err != nil {
		return nil, false
	}
	return resolved, true
}

// ReadDocumentAtProjected is ReadDocumentAt restricted to fields. A nil
// fields slice returns the full document.
func (d *DataPageAccess) ReadDocumentAtProjected(page *Page, slot int, fields []string) (*Document, bool) {
	doc, ok := d.ReadDocumentAt(page, slot)
	if !ok || fields == nil {
		return doc, ok
	}
	projected := NewDocument()
	for _, name := range fields {
		if v, present := doc.Get(name); present {
			projected.Set(name, v)
		}
	}
	return projected, true
}

// CanFit reports whether every entry in entries fits on page without
// exceeding its current free_bytes.
func (d *DataPageAccess) CanFit(page *Page, entries [][]byte) bool {
	needed := 0
	for _, e := range entries {
		needed += 4 + len(e)
	}
	return needed <= int(page.FreeBytes())
}

// GetWritableDataPage returns the page that should receive the next insert
// for state: its current insert page if it has room, otherwise a freshly
// allocated and linked page. The returned bool reports whether a new page
// was allocated.
func (d *DataPageAccess) GetWritableDataPage(state *CollectionState, requiredBytes int) (*Page, bool, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.CurrentInsertPage != 0 {
		p, err := d.pm.GetPage(state.CurrentInsertPage)
		if err == nil && int(p.FreeBytes()) >= requiredBytes {
			return p, false, nil
		}
	}

	newPage, err := d.pm.NewPage(PageTypeData)
	if err != nil {
		return nil, false, errors.Wrap(err, "storage: allocate data page")
	}
	if state.CurrentInsertPage != 0 {
		prev, err := d.pm.GetPage(state.CurrentInsertPage)
		if err == nil {
			prev.SetNextPageID(newPage.PageID())
			newPage.SetPrevPageID(prev.PageID())
			if err := d.pm.SavePage(prev); err != nil {
				return nil, false, err
			}
		}
	}
	state.OwnedPages[newPage.PageID()] = true
	state.CurrentInsertPage = newPage.PageID()
	return newPage, true, nil
}

// RewritePage replaces page's entire entry set with entries, preserving its
// prev/next links, and invokes onIndexUpdate for every entry whose _id
// resolves to a non-null value so the caller can refresh state.Index.
func (d *DataPageAccess) RewritePage(page *Page, entries [][]byte, onIndexUpdate func(idKey string, pageID uint32, slot int)) error {
	prev, next := page.PrevPageID(), page.NextPageID()
	if err := page.SetEntries(entries); err != nil {
		return err
	}
	page.SetPrevPageID(prev)
	page.SetNextPageID(next)

	if onIndexUpdate != nil {
		for slot, raw := range entries {
			doc, err := Decode(raw)
			if err != nil {
				continue
			}
			idVal, ok := doc.ID()
			if !ok {
				continue
			}
			key, err := IDKey(idVal)
			if err != nil {
				continue
			}
			onIndexUpdate(key, page.PageID(), slot)
		}
	}
	return d.PersistPage(page)
}

// PersistPage saves page through PageManager, preserving WAL discipline.
func (d *DataPageAccess) PersistPage(page *Page) error {
	return d.pm.SavePage(page)
}

// FreeLargeDocumentIfAny frees the overflow chain behind raw, if raw is a
// large-document stub. It is a no-op for inline entries.
func (d *DataPageAccess) FreeLargeDocumentIfAny(raw []byte) error {
	return d.freeIfLargeDocStub(raw)
}
