package storage

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// page-1 is reserved for the DatabaseHeader; real data pages start at id 2.
const headerPageID uint32 = 1
const firstDataPageID uint32 = 2

// PageManagerOptions configures a PageManager at open time. It mirrors the
// subset of engine.Options that the storage layer itself needs, so storage
// has no import dependency on engine.
type PageManagerOptions struct {
	PageSize         uint32
	CacheCapacity    int
	EnableJournaling bool
	Compression      CompressionAlgorithm
	ReadOnly         bool
	WALPath          string
}

// PageManager owns the on-disk page file: allocation (backed by a freelist
// so freed pages are reused instead of growing the file forever), a bounded
// LRU cache of page images, and — when journaling is enabled — a
// WriteAheadLog that every dirty page passes through before it reaches the
// main file.
type PageManager struct {
	mu       sync.RWMutex
	file     StorageFile
	path     string
	header   *DatabaseHeader
	cache    *lruCache
	wal      *WriteAheadLog
	compress CompressionAlgorithm
	readOnly bool
	log      *logrus.Entry
}

// CreatePageManager initializes a brand-new database file at path.
func CreatePageManager(path string, opts PageManagerOptions) (*PageManager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if !IsValidPageSize(pageSize) {
		return nil, errors.Errorf("storage: invalid page size %d", pageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "storage: create database file")
	}

	pm, err := newPageManager(file, path, opts)
	if err != nil {
		file.Close()
		return nil, err
	}

	pm.header = NewDatabaseHeader(pageSize, "", opts.EnableJournaling)
	// The file spans page 0 (unused) and the header page, so the first
	// freshly allocated page is firstDataPageID.
	pm.header.TotalPages = firstDataPageID
	hdrPage := NewPage(pageSize, PageTypeHeader, headerPageID)
	if err := pm.header.Encode(hdrPage.Data[PageHeaderSize:]); err != nil {
		return nil, err
	}
	if err := pm.writePageDirect(hdrPage); err != nil {
		return nil, err
	}
	if err := pm.file.Sync(); err != nil {
		return nil, errors.Wrap(err, "storage: sync new database file")
	}
	return pm, nil
}

// OpenPageManager opens an existing database file, replaying its WAL (if
// journaling is enabled and one exists) before the caller can touch pages.
func OpenPageManager(path string, opts PageManagerOptions) (*PageManager, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open database file")
	}

	pm, err := newPageManager(file, path, opts)
	if err != nil {
		file.Close()
		return nil, err
	}

	hdrPage, err := pm.readPageDirect(headerPageID, DefaultPageSize)
	if err != nil {
		return nil, err
	}
	header, err := DecodeDatabaseHeader(hdrPage.Data[PageHeaderSize:])
	if err != nil {
		return nil, errors.Wrap(err, "storage: decode database header")
	}
	if !header.IsValid() {
		return nil, errors.New("storage: corrupt or unrecognized database header")
	}
	pm.header = header

	if header.PageSize != DefaultPageSize {
		hdrPage, err = pm.readPageDirect(headerPageID, header.PageSize)
		if err != nil {
			return nil, err
		}
		header, err = DecodeDatabaseHeader(hdrPage.Data[PageHeaderSize:])
		if err != nil {
			return nil, err
		}
		pm.header = header
	}

	if !opts.ReadOnly && header.HasFlag(HeaderFlagJournaling) {
		if err := pm.replayWAL(); err != nil {
			return nil, err
		}
	} else if !opts.ReadOnly && !header.HasFlag(HeaderFlagJournaling) {
		RemoveStaleWAL(WALFileName(path, opts.WALPath))
	}

	return pm, nil
}

func newPageManager(file StorageFile, path string, opts PageManagerOptions) (*PageManager, error) {
	pm := &PageManager{
		file:     file,
		path:     path,
		readOnly: opts.ReadOnly,
		compress: opts.Compression,
		log:      logrus.WithField("component", "page_manager"),
	}
	pm.cache = newLRUCache(opts.CacheCapacity, pm.flushEvicted)

	if opts.EnableJournaling && !opts.ReadOnly {
		wal, err := OpenWriteAheadLog(WALFileName(path, opts.WALPath), opts.Compression)
		if err != nil {
			return nil, err
		}
		pm.wal = wal
	}
	return pm, nil
}

func (pm *PageManager) replayWAL() error {
	dirty, err := pm.wal.Replay()
	if err != nil {
		return errors.Wrap(err, "storage: replay WAL")
	}
	if len(dirty) == 0 {
		return nil
	}
	pm.log.WithField("pages", len(dirty)).Info("replaying write-ahead log")
	for pageID, image := range dirty {
		if err := pm.writeRawAt(pageID, image); err != nil {
			return errors.Wrap(err, "storage: apply WAL image during replay")
		}
	}
	if err := pm.file.Sync(); err != nil {
		return err
	}
	return pm.wal.Truncate()
}

// PageSize reports the database's configured page size.
func (pm *PageManager) PageSize() uint32 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.header.PageSize
}

// Header returns a copy of the current database header.
func (pm *PageManager) Header() DatabaseHeader {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return *pm.header
}

func (pm *PageManager) pageOffset(id uint32) int64 {
	return int64(id) * int64(pm.header.PageSize)
}

func (pm *PageManager) readPageDirect(id uint32, pageSize uint32) (*Page, error) {
	buf := make([]byte, pageSize)
	off := int64(id) * int64(pageSize)
	if _, err := pm.file.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "storage: read page %d", id)
	}
	return WrapPage(buf), nil
}

func (pm *PageManager) writePageDirect(p *Page) error {
	if pm.readOnly {
		return ErrReadOnly
	}
	_, err := pm.file.WriteAt(p.Data, pm.pageOffset(p.PageID()))
	return err
}

func (pm *PageManager) writeRawAt(pageID uint32, image []byte) error {
	_, err := pm.file.WriteAt(image, pm.pageOffset(pageID))
	return err
}

// flushEvicted is the LRU's onEvict callback: a dirty page being dropped
// from cache must still reach the WAL (or the file directly, if journaling
// is off) before it disappears from memory.
func (pm *PageManager) flushEvicted(pageID uint32, data []byte) {
	if pm.readOnly {
		return
	}
	if pm.wal != nil {
		if err := pm.wal.AppendPage(pageID, data); err != nil {
			pm.log.WithError(err).WithField("page_id", pageID).Error("failed to buffer evicted page in WAL")
		}
		return
	}
	if err := pm.writeRawAt(pageID, data); err != nil {
		pm.log.WithError(err).WithField("page_id", pageID).Error("failed to persist evicted page")
	}
}

// GetPage returns the page with the given id, from cache if present.
func (pm *PageManager) GetPage(id uint32) (*Page, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if data, ok := pm.cache.get(id); ok {
		return WrapPage(data), nil
	}
	p, err := pm.readPageDirect(id, pm.header.PageSize)
	if err != nil {
		return nil, err
	}
	pm.cache.put(id, p.Data, false)
	return p, nil
}

// SavePage marks a page dirty in cache; it reaches disk on eviction, Flush,
// or Checkpoint.
func (pm *PageManager) SavePage(p *Page) error {
	if pm.readOnly {
		return ErrReadOnly
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cache.put(p.PageID(), p.Data, true)
	return nil
}

// NewPage allocates a page of the given type: a freelist page if one is
// available, otherwise a fresh page at the end of the file. The zeroed page
// is already staged dirty in cache; a caller that modifies it must SavePage
// it again.
func (pm *PageManager) NewPage(ptype PageType) (*Page, error) {
	if pm.readOnly {
		return nil, ErrReadOnly
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if id, ok := pm.popFreelistLocked(); ok {
		p := NewPage(pm.header.PageSize, ptype, id)
		pm.header.UsedPages++
		pm.cache.put(id, p.Data, true)
		return p, nil
	}

	id := pm.header.TotalPages
	pm.header.TotalPages++
	pm.header.UsedPages++
	p := NewPage(pm.header.PageSize, ptype, id)
	pm.cache.put(id, p.Data, true)
	return p, nil
}

// FreePage returns a page to the freelist, stamping it PageTypeFree and
// linking it to the current freelist head.
func (pm *PageManager) FreePage(id uint32) error {
	if id < firstDataPageID {
		return errors.Errorf("storage: cannot free reserved page %d", id)
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, err := pm.getPageLocked(id)
	if err != nil {
		return err
	}
	p.Reset(PageTypeFree)
	p.SetNextPageID(pm.header.FreelistHeadPageID)
	pm.header.FreelistHeadPageID = id
	if pm.header.UsedPages > 0 {
		pm.header.UsedPages--
	}
	pm.cache.put(id, p.Data, true)
	return nil
}

func (pm *PageManager) popFreelistLocked() (uint32, bool) {
	head := pm.header.FreelistHeadPageID
	if head == 0 {
		return 0, false
	}
	p, err := pm.getPageLocked(head)
	if err != nil {
		pm.log.WithError(err).WithField("page_id", head).Warn("freelist head unreadable, abandoning freelist")
		pm.header.FreelistHeadPageID = 0
		return 0, false
	}
	pm.header.FreelistHeadPageID = p.NextPageID()
	return head, true
}

func (pm *PageManager) getPageLocked(id uint32) (*Page, error) {
	if data, ok := pm.cache.get(id); ok {
		return WrapPage(data), nil
	}
	p, err := pm.readPageDirect(id, pm.header.PageSize)
	if err != nil {
		return nil, err
	}
	pm.cache.put(id, p.Data, false)
	return p, nil
}

// Flush persists every dirty page (through the WAL if journaling is
// enabled) and writes the header record. It does not fsync the main file
// when journaling is on; call Checkpoint for that.
func (pm *PageManager) Flush() error {
	if pm.readOnly {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.flushLocked()
}

func (pm *PageManager) flushLocked() error {
	pm.header.ModifiedAt = time.Now().Unix()
	dirty := pm.cache.dirtyPages()

	if pm.wal != nil {
		for pageID, data := range dirty {
			if err := pm.wal.AppendPage(pageID, data); err != nil {
				return errors.Wrapf(err, "storage: buffer page %d in WAL", pageID)
			}
			pm.cache.markClean(pageID)
		}
		if err := pm.writeHeaderLocked(); err != nil {
			return err
		}
		// Frames must be durable in the WAL file itself before Flush returns;
		// Checkpoint is what applies them to the main file and truncates.
		if _, err := pm.wal.FlushLog(); err != nil {
			return errors.Wrap(err, "storage: flush WAL frames")
		}
		return nil
	}

	for pageID, data := range dirty {
		if err := pm.writeRawAt(pageID, data); err != nil {
			return errors.Wrapf(err, "storage: flush page %d", pageID)
		}
		pm.cache.markClean(pageID)
	}
	if err := pm.writeHeaderLocked(); err != nil {
		return err
	}
	return pm.file.Sync()
}

// Checkpoint flushes all dirty pages and, if journaling is enabled, drives
// the WAL's synchronize sequence (flush WAL, apply to main file, fsync,
// truncate WAL) so the database is durable without replay on next open.
func (pm *PageManager) Checkpoint() error {
	if pm.readOnly {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := pm.flushLocked(); err != nil {
		return err
	}
	if pm.wal == nil {
		return nil
	}
	// flushLocked has already written and fsynced the frames, so apply every
	// frame in the WAL file (including those of earlier Flush calls), fsync
	// the main file, and truncate the WAL.
	return pm.replayWAL()
}

func (pm *PageManager) writeHeaderLocked() error {
	hdrPage := NewPage(pm.header.PageSize, PageTypeHeader, headerPageID)
	if err := pm.header.Encode(hdrPage.Data[PageHeaderSize:]); err != nil {
		return err
	}
	if pm.wal != nil {
		return pm.wal.AppendPage(headerPageID, hdrPage.Data)
	}
	return pm.writePageDirect(hdrPage)
}

// TotalPages reports the current file size in pages.
func (pm *PageManager) TotalPages() uint32 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.header.TotalPages
}

// SetCollectionRootPageID persists the page id of the CollectionMetaStore
// page. Called once, the first time a database is created.
func (pm *PageManager) SetCollectionRootPageID(id uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.header.CollectionRootPageID = id
}

// CollectionRootPageID returns the page id of the CollectionMetaStore page,
// or 0 if none has been set yet.
func (pm *PageManager) CollectionRootPageID() uint32 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.header.CollectionRootPageID
}

// Compact rewrites every live page into a fresh file with no freelist gaps
// and returns its page manager; swapping the file into place is left to the
// caller. visit is called with the page manager of the
// fresh file and every live page in the source, in ascending page id order,
// so the caller (Engine) can relocate collections and indexes.
func (pm *PageManager) Compact(tmpPath string, visit func(dst *PageManager, old *Page) (*Page, error)) (*PageManager, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	dst, err := CreatePageManager(tmpPath, PageManagerOptions{
		PageSize:         pm.header.PageSize,
		CacheCapacity:    1024,
		EnableJournaling: pm.header.HasFlag(HeaderFlagJournaling),
		Compression:      pm.compress,
	})
	if err != nil {
		return nil, err
	}

	for id := firstDataPageID; id < pm.header.TotalPages; id++ {
		p, err := pm.getPageLocked(id)
		if err != nil {
			return nil, err
		}
		if p.Type() == PageTypeFree {
			continue
		}
		if _, err := visit(dst, p); err != nil {
			return nil, err
		}
	}

	if err := dst.Flush(); err != nil {
		return nil, err
	}
	return dst, nil
}

// Close flushes and closes the page file and, if present, the WAL.
func (pm *PageManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.readOnly {
		if err := pm.flushLocked(); err != nil {
			return err
		}
	}
	if pm.wal != nil {
		if err := pm.wal.Close(); err != nil {
			return err
		}
	}
	return pm.file.Close()
}

// CacheStats exposes the LRU's hit/miss counters for get_statistics.
func (pm *PageManager) CacheStats() (hits, misses uint64, size, capacity int) {
	return pm.cache.stats()
}
