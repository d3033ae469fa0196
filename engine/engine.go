// Package engine orchestrates the storage, concurrency, index, and
// transaction layers behind the public CRUD/index/transaction surface a
// collection façade consumes.
package engine

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mlindgren/docbase/concurrency"
	"github.com/mlindgren/docbase/index"
	"github.com/mlindgren/docbase/storage"
	"github.com/mlindgren/docbase/txn"
)

const (
	metaFieldFirstPage = "first_page_id"
	metaFieldIndexes   = "indexes"
)

// RawEntry is one (bytes, requires_post_filter) pair yielded by a raw scan.
// Large-document stubs always set RequiresPostFilter: predicate pushdown
// cannot inspect the overflow chain from the page scan.
type RawEntry struct {
	Bytes              []byte
	RequiresPostFilter bool
}

// Statistics is a point-in-time snapshot returned by GetStatistics.
type Statistics struct {
	TotalPages    uint32
	CacheHits     uint64
	CacheMisses   uint64
	CacheSize     int
	CacheCapacity int
	Collections   int
	Transactions  txn.Statistics
}

// Engine is the single orchestrator wired to one open database file.
type Engine struct {
	opts Options
	path string

	pm      *storage.PageManager
	dpa     *storage.DataPageAccess
	meta    *storage.CollectionMetaStore
	idxMgr  *index.Manager
	lockMgr *concurrency.LockManager
	txMgr   *txn.Manager

	collMu      sync.Mutex
	collections map[string]*storage.CollectionState

	stopFlush chan struct{}
	flushWG   sync.WaitGroup

	disposed bool
	mu       sync.RWMutex

	log *logrus.Entry
}

// Open creates a fresh database at path if it doesn't exist, or opens and
// replays it otherwise, wiring every collaborator per the startup sequence:
// open storage, validate header, replay WAL, load the collection catalog.
func Open(path string, opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	pmOpts := storage.PageManagerOptions{
		PageSize:         opts.pageSizeOrDefault(),
		CacheCapacity:    opts.cacheSizeOrDefault(),
		EnableJournaling: opts.EnableJournaling,
		ReadOnly:         opts.ReadOnly,
		Compression:      opts.compressionOrDefault(),
		WALPath:          opts.WALFileNameFormat,
	}

	var pm *storage.PageManager
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		pm, err = storage.CreatePageManager(path, pmOpts)
	} else {
		pm, err = storage.OpenPageManager(path, pmOpts)
	}
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}

	meta, err := storage.LoadCollectionMetaStore(pm)
	if err != nil {
		pm.Close()
		return nil, err
	}

	dpa := storage.NewDataPageAccess(pm)
	idxMgr := index.NewManager(pm)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = concurrency.DefaultLockTimeout
	}
	lockMgr := concurrency.NewLockManager(timeout / 10)

	txMgr := txn.NewManager(opts.MaxTransactions, opts.TransactionTimeout, 0)

	e := &Engine{
		opts:        opts,
		path:        path,
		pm:          pm,
		dpa:         dpa,
		meta:        meta,
		idxMgr:      idxMgr,
		lockMgr:     lockMgr,
		txMgr:       txMgr,
		collections: make(map[string]*storage.CollectionState),
		log:         logrus.WithField("component", "engine"),
	}

	for _, name := range meta.GetCollectionNames() {
		e.reopenIndexesFor(name)
	}

	if opts.BackgroundFlushInterval > 0 {
		e.stopFlush = make(chan struct{})
		e.flushWG.Add(1)
		go e.backgroundFlushLoop(opts.BackgroundFlushInterval)
	}

	return e, nil
}

func (e *Engine) reopenIndexesFor(collection string) {
	doc := e.meta.GetMetadata(collection)
	raw, ok := doc.Get(metaFieldIndexes)
	if !ok {
		return
	}
	defs, ok := raw.([]interface{})
	if !ok {
		return
	}
	for _, d := range defs {
		def, ok := d.(*storage.Document)
		if !ok {
			continue
		}
		name, _ := getString(def, "name")
		fields := getStringSlice(def, "fields")
		unique, _ := def.Get("unique")
		uniqueBool, _ := unique.(bool)
		rootRaw, _ := def.Get("root_page_id")
		rootID, _ := rootRaw.(int64)
		if name == "" || rootID == 0 {
			continue
		}
		e.idxMgr.OpenIndex(collection, name, fields, uniqueBool, uint32(rootID))
	}
}

func getString(doc *storage.Document, field string) (string, bool) {
	v, ok := doc.Get(field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getStringSlice(doc *storage.Document, field string) []string {
	v, ok := doc.Get(field)
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) backgroundFlushLoop(interval time.Duration) {
	defer e.flushWG.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-e.stopFlush:
			return
		case <-t.C:
			if err := e.Flush(); err != nil {
				e.log.WithError(err).Warn("background flush failed")
			}
		}
	}
}

func (e *Engine) checkDisposed() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.disposed {
		return ErrDisposed
	}
	return nil
}

// ---------- collection state management ----------

func (e *Engine) stateFor(collection string) *storage.CollectionState {
	e.collMu.Lock()
	defer e.collMu.Unlock()
	cs, ok := e.collections[collection]
	if !ok {
		cs = storage.NewCollectionState(collection)
		e.collections[collection] = cs
	}
	return cs
}

// ensureLoaded scans a collection's page chain from its recorded first page
// into Index/OwnedPages exactly once, the way the spec's "first scan
// populates the cache" startup rule describes.
func (e *Engine) ensureLoaded(cs *storage.CollectionState) error {
	cs.Lock()
	if cs.IsCacheInitialized {
		cs.Unlock()
		return nil
	}
	cs.Unlock()

	doc := e.meta.GetMetadata(cs.Name)
	firstRaw, ok := doc.Get(metaFieldFirstPage)
	if !ok {
		cs.Lock()
		cs.IsCacheInitialized = true
		cs.Unlock()
		return nil
	}
	firstID, ok := firstRaw.(int64)
	if !ok || firstID == 0 {
		cs.Lock()
		cs.IsCacheInitialized = true
		cs.Unlock()
		return nil
	}

	pageID := uint32(firstID)
	cs.Lock()
	defer cs.Unlock()
	for pageID != 0 {
		page, err := e.pm.GetPage(pageID)
		if err != nil {
			break
		}
		cs.OwnedPages[pageID] = true
		cs.CurrentInsertPage = pageID
		raws, _ := page.Entries()
		for slot, raw := range raws {
			doc, err := storage.Decode(raw)
			if err != nil {
				continue
			}
			idVal, ok := doc.ID()
			if !ok {
				continue
			}
			key, err := storage.IDKey(idVal)
			if err != nil {
				continue
			}
			cs.Index[key] = storage.DocLocation{PageID: pageID, Slot: slot}
		}
		pageID = page.NextPageID()
	}
	cs.IsCacheInitialized = true
	return nil
}

func (e *Engine) persistFirstPageIfNew(collection string, wasEmpty bool, page *storage.Page) error {
	if !wasEmpty {
		return nil
	}
	if err := e.meta.RegisterCollection(collection); err != nil {
		return err
	}
	doc := e.meta.GetMetadata(collection)
	doc.Set(metaFieldFirstPage, int64(page.PageID()))
	return e.meta.UpdateMetadata(collection, doc, false)
}

// ---------- CRUD ----------

// Insert inserts doc into collection. If tx is non-nil the operation is
// recorded on the transaction and applied at commit; otherwise it is
// applied immediately. A missing "_id" is replaced with a fresh ObjectID.
func (e *Engine) Insert(collection string, doc *storage.Document, tx *txn.Transaction) (interface{}, error) {
	if err := e.checkDisposed(); err != nil {
		return nil, err
	}
	if _, ok := doc.ID(); !ok {
		doc.SetID(storage.NewObjectID())
	}
	if tx != nil {
		if err := tx.Insert(collection, doc); err != nil {
			return nil, err
		}
		id, _ := doc.ID()
		return id, nil
	}
	return e.InsertDocument(collection, doc)
}

// InsertDocument is the immediate-apply insert path: used directly and as
// the commit-time apply target for a transaction's recorded Insert ops.
func (e *Engine) InsertDocument(collection string, doc *storage.Document) (interface{}, error) {
	id, ok := doc.ID()
	if !ok {
		return nil, errors.Wrap(ErrInvalidArgument, "document has no _id")
	}
	idKey, err := storage.IDKey(id)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}

	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return nil, err
	}

	cs.RLock()
	_, exists := cs.Index[idKey]
	cs.RUnlock()
	if exists {
		return nil, errors.Wrapf(ErrDuplicateKey, "%s/%v", collection, id)
	}

	raw, err := e.dpa.EncodeForStorage(doc)
	if err != nil {
		return nil, err
	}

	cs.RLock()
	wasEmpty := len(cs.OwnedPages) == 0
	cs.RUnlock()

	page, allocated, err := e.dpa.GetWritableDataPage(cs, len(raw)+4)
	if err != nil {
		return nil, err
	}
	slot, ok2 := page.AppendEntry(raw)
	if !ok2 {
		return nil, errors.Wrap(ErrInvalidArgument, "document too large for an empty page")
	}
	if err := e.dpa.PersistPage(page); err != nil {
		return nil, err
	}

	cs.Lock()
	cs.Index[idKey] = storage.DocLocation{PageID: page.PageID(), Slot: slot}
	cs.Unlock()

	if allocated && wasEmpty {
		if err := e.persistFirstPageIfNew(collection, true, page); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// InsertDocuments batch-inserts docs independently: each failure is
// collected, successful inserts are not rolled back, and nil elements are
// skipped.
func (e *Engine) InsertDocuments(collection string, docs []*storage.Document) (int, error) {
	var errs []error
	count := 0
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if _, err := e.Insert(collection, doc, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	if len(errs) > 0 {
		return count, &AggregateError{Errors: errs}
	}
	return count, nil
}

// Update replaces doc's stored version (matched on "_id") with its current
// contents, routing through tx if non-nil. Missing id is reported as 0
// affected, not an error.
func (e *Engine) Update(collection string, original, doc *storage.Document, tx *txn.Transaction) (int, error) {
	if err := e.checkDisposed(); err != nil {
		return 0, err
	}
	if tx != nil {
		if err := tx.Update(collection, original, doc); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return e.UpdateDocument(collection, doc)
}

// UpdateDocument is the immediate-apply update path.
func (e *Engine) UpdateDocument(collection string, doc *storage.Document) (int, error) {
	id, ok := doc.ID()
	if !ok {
		return 0, errors.Wrap(ErrInvalidArgument, "document has no _id")
	}
	idKey, err := storage.IDKey(id)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidArgument, err.Error())
	}

	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return 0, err
	}

	cs.RLock()
	loc, exists := cs.Index[idKey]
	cs.RUnlock()
	if !exists {
		return 0, nil
	}

	raw, err := e.dpa.EncodeForStorage(doc)
	if err != nil {
		return 0, err
	}

	page, err := e.pm.GetPage(loc.PageID)
	if err != nil {
		return 0, err
	}
	oldRaw, err := page.EntryAt(loc.Slot)
	if err != nil {
		return 0, err
	}

	entries, err := page.Entries()
	if err != nil {
		return 0, err
	}
	growth := len(raw) - len(oldRaw)
	if growth <= int(page.FreeBytes()) {
		if err := e.dpa.FreeLargeDocumentIfAny(oldRaw); err != nil {
			e.log.WithError(err).Warn("failed to free stale overflow chain on update")
		}
		entries[loc.Slot] = raw
		if err := e.dpa.RewritePage(page, entries, func(key string, pageID uint32, slot int) {
			cs.Lock()
			cs.Index[key] = storage.DocLocation{PageID: pageID, Slot: slot}
			cs.Unlock()
		}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	// Doesn't fit in place: remove the old entry (rewriting the page) and
	// re-insert as a fresh entry, possibly on a different page.
	if err := e.dpa.FreeLargeDocumentIfAny(oldRaw); err != nil {
		e.log.WithError(err).Warn("failed to free stale overflow chain on update")
	}
	remaining := append(entries[:loc.Slot:loc.Slot], entries[loc.Slot+1:]...)
	if err := e.dpa.RewritePage(page, remaining, func(key string, pageID uint32, slot int) {
		cs.Lock()
		cs.Index[key] = storage.DocLocation{PageID: pageID, Slot: slot}
		cs.Unlock()
	}); err != nil {
		return 0, err
	}
	cs.Lock()
	delete(cs.Index, idKey)
	cs.Unlock()

	newPage, _, err := e.dpa.GetWritableDataPage(cs, len(raw)+4)
	if err != nil {
		return 0, err
	}
	newSlot, ok2 := newPage.AppendEntry(raw)
	if !ok2 {
		return 0, errors.Wrap(ErrInvalidArgument, "updated document too large for an empty page")
	}
	if err := e.dpa.PersistPage(newPage); err != nil {
		return 0, err
	}
	cs.Lock()
	cs.Index[idKey] = storage.DocLocation{PageID: newPage.PageID(), Slot: newSlot}
	cs.Unlock()
	return 1, nil
}

// Delete removes the document identified by id, routing through tx if
// non-nil. Missing id is reported as 0 affected.
func (e *Engine) Delete(collection string, id interface{}, tx *txn.Transaction) (int, error) {
	if err := e.checkDisposed(); err != nil {
		return 0, err
	}
	if tx != nil {
		original, _ := e.FindByID(collection, id)
		if err := tx.Delete(collection, id, original); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return e.DeleteDocument(collection, id)
}

// DeleteDocument is the immediate-apply delete path.
func (e *Engine) DeleteDocument(collection string, id interface{}) (int, error) {
	idKey, err := storage.IDKey(id)
	if err != nil {
		return 0, nil
	}

	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return 0, err
	}

	cs.RLock()
	loc, exists := cs.Index[idKey]
	cs.RUnlock()
	if !exists {
		return 0, nil
	}

	page, err := e.pm.GetPage(loc.PageID)
	if err != nil {
		return 0, err
	}
	oldRaw, err := page.EntryAt(loc.Slot)
	if err != nil {
		return 0, err
	}
	if err := e.dpa.FreeLargeDocumentIfAny(oldRaw); err != nil {
		e.log.WithError(err).Warn("failed to free overflow chain on delete")
	}

	entries, err := page.Entries()
	if err != nil {
		return 0, err
	}
	remaining := append(entries[:loc.Slot:loc.Slot], entries[loc.Slot+1:]...)

	cs.Lock()
	delete(cs.Index, idKey)
	cs.Unlock()

	if err := e.dpa.RewritePage(page, remaining, func(key string, pageID uint32, slot int) {
		cs.Lock()
		cs.Index[key] = storage.DocLocation{PageID: pageID, Slot: slot}
		cs.Unlock()
	}); err != nil {
		return 0, err
	}

	cs.RLock()
	ownedCount := len(cs.OwnedPages)
	cs.RUnlock()
	if len(remaining) == 0 && ownedCount > 1 {
		prevID, nextID := page.PrevPageID(), page.NextPageID()
		if prevID != 0 {
			if prevPage, err := e.pm.GetPage(prevID); err == nil {
				prevPage.SetNextPageID(nextID)
				e.pm.SavePage(prevPage)
			}
		}
		if nextID != 0 {
			if nextPage, err := e.pm.GetPage(nextID); err == nil {
				nextPage.SetPrevPageID(prevID)
				e.pm.SavePage(nextPage)
			}
		}
		cs.Lock()
		delete(cs.OwnedPages, page.PageID())
		if cs.CurrentInsertPage == page.PageID() {
			cs.CurrentInsertPage = prevID
		}
		cs.Unlock()
		if err := e.pm.FreePage(page.PageID()); err != nil {
			return 0, err
		}
	}

	return 1, nil
}

// FindByID looks up a document directly via the collection's primary index.
func (e *Engine) FindByID(collection string, id interface{}) (*storage.Document, error) {
	idKey, err := storage.IDKey(id)
	if err != nil {
		return nil, ErrNotFound
	}
	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return nil, err
	}
	cs.RLock()
	loc, ok := cs.Index[idKey]
	cs.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	page, err := e.pm.GetPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	doc, ok := e.dpa.ReadDocumentAt(page, loc.Slot)
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// FindByIDProjected is FindByID restricted to fields, avoiding the cost of
// materializing columns the caller doesn't need. A nil fields slice behaves
// exactly like FindByID.
func (e *Engine) FindByIDProjected(collection string, id interface{}, fields []string) (*storage.Document, error) {
	idKey, err := storage.IDKey(id)
	if err != nil {
		return nil, ErrNotFound
	}
	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return nil, err
	}
	cs.RLock()
	loc, ok := cs.Index[idKey]
	cs.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	page, err := e.pm.GetPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	doc, ok := e.dpa.ReadDocumentAtProjected(page, loc.Slot, fields)
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Metadata returns collection's metadata document (never nil), implementing
// txn.EngineOps for foreign-key validation.
func (e *Engine) Metadata(collection string) *storage.Document {
	return e.meta.GetMetadata(collection)
}

func (e *Engine) ownedPageIDsSorted(cs *storage.CollectionState) []uint32 {
	cs.RLock()
	ids := make([]uint32, 0, len(cs.OwnedPages))
	for id := range cs.OwnedPages {
		ids = append(ids, id)
	}
	cs.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FindAll decodes every live document in collection. When tx is non-nil its
// pending operations are merged in: inserts are yielded, updates override
// the stored version, and deletes suppress the row.
func (e *Engine) FindAll(collection string, tx *txn.Transaction) ([]*storage.Document, error) {
	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return nil, err
	}

	byID := make(map[string]*storage.Document)
	for _, pageID := range e.ownedPageIDsSorted(cs) {
		page, err := e.pm.GetPage(pageID)
		if err != nil || page.Type() != storage.PageTypeData {
			continue
		}
		for _, doc := range e.dpa.ScanDocuments(page) {
			if id, ok := doc.ID(); ok {
				if key, err := storage.IDKey(id); err == nil {
					byID[key] = doc
					continue
				}
			}
		}
	}

	if tx != nil {
		for _, op := range tx.Operations() {
			if op.Collection != collection {
				continue
			}
			key, err := storage.IDKey(op.DocumentID)
			if err != nil {
				continue
			}
			switch op.Type {
			case txn.OpInsert:
				byID[key] = op.NewDoc
			case txn.OpUpdate:
				byID[key] = op.NewDoc
			case txn.OpDelete:
				delete(byID, key)
			}
		}
	}

	out := make([]*storage.Document, 0, len(byID))
	for _, doc := range byID {
		out = append(out, doc)
	}
	return out, nil
}

// FindAllRaw yields every live entry's raw bytes with its post-filter flag.
func (e *Engine) FindAllRaw(collection string) ([]RawEntry, error) {
	return e.FindAllRawWithPredicateInfo(collection, nil)
}

// FindAllRawWithPredicateInfo yields raw entries, applying predicate
// pushdown to small (non-overflow) documents: a non-matching small document
// is dropped entirely, a matching one is yielded with RequiresPostFilter
// false. Large-document stubs always set RequiresPostFilter true, since the
// scan cannot see into the overflow chain.
func (e *Engine) FindAllRawWithPredicateInfo(collection string, predicate func(*storage.Document) bool) ([]RawEntry, error) {
	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return nil, err
	}

	var out []RawEntry
	for _, pageID := range e.ownedPageIDsSorted(cs) {
		page, err := e.pm.GetPage(pageID)
		if err != nil || page.Type() != storage.PageTypeData {
			continue
		}
		for _, raw := range e.dpa.ScanRaw(page) {
			doc, err := storage.Decode(raw)
			if err != nil {
				continue
			}
			if isStub, _ := doc.Get("_isLargeDocument"); isStub == true {
				out = append(out, RawEntry{Bytes: raw, RequiresPostFilter: true})
				continue
			}
			if predicate != nil && !predicate(doc) {
				continue
			}
			out = append(out, RawEntry{Bytes: raw, RequiresPostFilter: false})
		}
	}
	return out, nil
}

// ---------- indexes ----------

// EnsureIndex returns an existing named index on collection, or creates one
// over fields.
func (e *Engine) EnsureIndex(collection, name string, fields []string, unique bool) (*index.Index, error) {
	if idx := e.idxMgr.GetIndex(collection, name); idx != nil {
		return idx, nil
	}
	idx, err := e.idxMgr.CreateIndex(collection, name, fields, unique)
	if err != nil {
		return nil, err
	}
	if err := e.persistIndexDef(collection, name, fields, unique, idx.RootPageID()); err != nil {
		return nil, err
	}
	return idx, nil
}

func (e *Engine) persistIndexDef(collection, name string, fields []string, unique bool, rootPageID uint32) error {
	doc := e.meta.GetMetadata(collection)
	existingRaw, _ := doc.Get(metaFieldIndexes)
	existing, _ := existingRaw.([]interface{})

	fieldVals := make([]interface{}, len(fields))
	for i, f := range fields {
		fieldVals[i] = f
	}
	def := storage.NewDocument()
	def.Set("name", name)
	def.Set("fields", fieldVals)
	def.Set("unique", unique)
	def.Set("root_page_id", int64(rootPageID))

	filtered := make([]interface{}, 0, len(existing)+1)
	for _, item := range existing {
		if d, ok := item.(*storage.Document); ok {
			if n, _ := getString(d, "name"); n == name {
				continue
			}
			filtered = append(filtered, d)
		}
	}
	filtered = append(filtered, def)
	doc.Set(metaFieldIndexes, filtered)
	return e.meta.UpdateMetadata(collection, doc, false)
}

// DropCollection removes every page owned by collection (freeing overflow
// chains first), drops its indexes, and removes it from the catalog.
func (e *Engine) DropCollection(collection string) error {
	cs := e.stateFor(collection)
	if err := e.ensureLoaded(cs); err != nil {
		return err
	}

	for _, pageID := range e.ownedPageIDsSorted(cs) {
		page, err := e.pm.GetPage(pageID)
		if err != nil {
			continue
		}
		for _, raw := range e.dpa.ScanRaw(page) {
			if err := e.dpa.FreeLargeDocumentIfAny(raw); err != nil {
				e.log.WithError(err).Warn("failed to free overflow chain during drop")
			}
		}
		if err := e.pm.FreePage(pageID); err != nil {
			return err
		}
	}

	e.idxMgr.DropAllForCollection(collection)

	e.collMu.Lock()
	delete(e.collections, collection)
	e.collMu.Unlock()

	return e.meta.RemoveCollection(collection)
}

// ---------- transactions ----------

// BeginTransaction starts and registers a new transaction.
func (e *Engine) BeginTransaction() (*txn.Transaction, error) {
	return e.txMgr.Begin()
}

// CommitTransaction validates and applies tx's operations, compensating on
// failure; see txn.Transaction.Commit.
func (e *Engine) CommitTransaction(tx *txn.Transaction) error {
	if err := e.txMgr.Commit(tx, e, e.idxMgr); err != nil {
		return err
	}
	switch e.opts.WriteConcern {
	case WriteConcernSynced:
		return e.pm.Checkpoint()
	case WriteConcernJournaled:
		return e.pm.Flush()
	}
	return nil
}

// RollbackTransaction reverses tx's recorded operations best-effort.
func (e *Engine) RollbackTransaction(tx *txn.Transaction) error {
	return e.txMgr.Rollback(tx, e, e.idxMgr)
}

// GetTransactionStatistics reports the transaction manager's activity counters.
func (e *Engine) GetTransactionStatistics() txn.Statistics {
	return e.txMgr.GetStatistics()
}

// LockManager exposes the engine's lock manager to a higher layer that
// needs explicit resource locking around multi-step operations.
func (e *Engine) LockManager() *concurrency.LockManager {
	return e.lockMgr
}

// ---------- lifecycle ----------

// Flush writes every dirty page (through the WAL if journaling is enabled).
func (e *Engine) Flush() error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	return e.pm.Flush()
}

// Checkpoint flushes and, if journaling is enabled, synchronizes the WAL
// into the main file and truncates it.
func (e *Engine) Checkpoint() error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	return e.pm.Checkpoint()
}

// CompactDatabase rewrites the database into a fresh file with no freelist
// gaps, then atomically replaces the original. The fresh file gets a unique
// name and is removed when the call returns; compact artifacts left by an
// earlier interrupted run are not removed.
//
// Large-document overflow chains are relocated along with their owning
// page, but the stub fields embedded in a document's encoded bytes
// (_largeDocumentIndex) are not rewritten to the chain's new page id; a
// compacted large document is re-pointed by re-reading and re-encoding it
// rather than by a byte-level patch.
func (e *Engine) CompactDatabase() error {
	if err := e.checkDisposed(); err != nil {
		return err
	}
	tmpPath := e.path + ".compact." + uuid.NewString()
	defer os.Remove(tmpPath)

	oldToNew := make(map[uint32]uint32)
	oldPages := make(map[uint32]*storage.Page)

	dst, err := e.pm.Compact(tmpPath, func(dstPM *storage.PageManager, old *storage.Page) (*storage.Page, error) {
		newPage, err := dstPM.NewPage(old.Type())
		if err != nil {
			return nil, err
		}
		copy(newPage.Data[storage.PageHeaderSize:], old.Data[storage.PageHeaderSize:])
		if err := dstPM.SavePage(newPage); err != nil {
			return nil, err
		}
		oldToNew[old.PageID()] = newPage.PageID()
		oldPages[old.PageID()] = old
		return newPage, nil
	})
	if err != nil {
		return err
	}

	for oldID, newID := range oldToNew {
		old := oldPages[oldID]
		newPage, err := dst.GetPage(newID)
		if err != nil {
			return err
		}
		if p := old.PrevPageID(); p != 0 {
			newPage.SetPrevPageID(oldToNew[p])
		}
		if n := old.NextPageID(); n != 0 {
			newPage.SetNextPageID(oldToNew[n])
		}
		if err := dst.SavePage(newPage); err != nil {
			return err
		}
	}

	if root := e.pm.CollectionRootPageID(); root != 0 {
		dst.SetCollectionRootPageID(oldToNew[root])
	}
	if err := dst.Flush(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	if err := e.pm.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, e.path); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}

	reopened, err := storage.OpenPageManager(e.path, storage.PageManagerOptions{
		PageSize:         e.opts.pageSizeOrDefault(),
		CacheCapacity:    e.opts.cacheSizeOrDefault(),
		EnableJournaling: e.opts.EnableJournaling,
		ReadOnly:         e.opts.ReadOnly,
		Compression:      e.opts.compressionOrDefault(),
		WALPath:          e.opts.WALFileNameFormat,
	})
	if err != nil {
		return err
	}
	e.pm = reopened
	e.dpa = storage.NewDataPageAccess(reopened)
	meta, err := storage.LoadCollectionMetaStore(reopened)
	if err != nil {
		return err
	}
	e.meta = meta
	e.idxMgr = index.NewManager(reopened)

	e.collMu.Lock()
	e.collections = make(map[string]*storage.CollectionState)
	e.collMu.Unlock()

	for _, name := range meta.GetCollectionNames() {
		e.reopenIndexesFor(name)
	}
	return nil
}

// GetStatistics returns aggregate counters across the page cache and
// transaction manager.
func (e *Engine) GetStatistics() Statistics {
	hits, misses, size, capacity := e.pm.CacheStats()
	e.collMu.Lock()
	collCount := len(e.collections)
	e.collMu.Unlock()
	return Statistics{
		TotalPages:   e.pm.TotalPages(),
		CacheHits:    hits,
		CacheMisses:  misses,
		CacheSize:    size,
		CacheCapacity: capacity,
		Collections:  collCount,
		Transactions: e.txMgr.GetStatistics(),
	}
}

// Close flushes, disposes the transaction manager (failing any still-active
// transactions), disposes the lock manager, and closes the underlying file.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()

	if e.stopFlush != nil {
		close(e.stopFlush)
		e.flushWG.Wait()
	}

	var firstErr error
	if err := e.pm.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.txMgr.Close()
	e.lockMgr.Close()
	if err := e.pm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
