// Package storage implements the paged file format, write-ahead log, and
// document codec that back a single-file embedded database.
package storage

import (
	"encoding/binary"
	"fmt"
)

// PageType identifies the role of a page within the database file.
type PageType byte

const (
	PageTypeHeader             PageType = 1
	PageTypeData               PageType = 2
	PageTypeIndex              PageType = 3
	PageTypeCollection         PageType = 4
	PageTypeLargeDocument      PageType = 5
	PageTypeLargeDocumentIndex PageType = 6
	PageTypeFree               PageType = 7
)

func (t PageType) String() string {
	switch t {
	case PageTypeHeader:
		return "header"
	case PageTypeData:
		return "data"
	case PageTypeIndex:
		return "index"
	case PageTypeCollection:
		return "collection"
	case PageTypeLargeDocument:
		return "large-document"
	case PageTypeLargeDocumentIndex:
		return "large-document-index"
	case PageTypeFree:
		return "free"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// PageHeaderSize is the fixed header carried by every page, regardless of the
// configured page size.
//
// Layout:
//
//	[0]     page_type
//	[1:4]   reserved (alignment pad)
//	[4:8]   page_id      uint32
//	[8:12]  prev_page_id uint32
//	[12:16] next_page_id uint32
//	[16:18] free_bytes   uint16
//	[18:20] item_count   uint16
//	[20:32] reserved
const PageHeaderSize = 32

const (
	// MinPageSize is the smallest page size the format accepts.
	MinPageSize = 4096
	// DefaultPageSize is used when Options.PageSize is left zero.
	DefaultPageSize = 8192
)

// IsValidPageSize reports whether size is a power of two no smaller than
// MinPageSize and small enough for free_bytes (a uint16) to describe it.
func IsValidPageSize(size uint32) bool {
	if size < MinPageSize || size > 1<<16 {
		return false
	}
	return size&(size-1) == 0
}

// Page is an in-memory view of one fixed-size page: a 32-byte header plus a
// payload buffer. Data pages pack the payload as a dense sequence of
// length-prefixed entries (`u32 len || len bytes`); the unused tail is
// tracked by free_bytes.
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page of the given size, stamped with ptype and
// pageID, with the whole payload reported as free.
func NewPage(size uint32, ptype PageType, pageID uint32) *Page {
	p := &Page{Data: make([]byte, size)}
	p.Data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[4:8], pageID)
	p.setFreeBytes(uint16(size) - PageHeaderSize)
	return p
}

// WrapPage adopts an existing buffer (e.g. read from disk) as a Page without
// copying or reinitializing it.
func WrapPage(data []byte) *Page {
	return &Page{Data: data}
}

func (p *Page) Size() int { return len(p.Data) }

func (p *Page) Type() PageType { return PageType(p.Data[0]) }

func (p *Page) SetType(t PageType) { p.Data[0] = byte(t) }

func (p *Page) PageID() uint32 { return binary.LittleEndian.Uint32(p.Data[4:8]) }

func (p *Page) SetPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[4:8], id) }

func (p *Page) PrevPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[8:12]) }

func (p *Page) SetPrevPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[8:12], id) }

func (p *Page) NextPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[12:16]) }

func (p *Page) SetNextPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[12:16], id) }

func (p *Page) FreeBytes() uint16 { return binary.LittleEndian.Uint16(p.Data[16:18]) }

func (p *Page) setFreeBytes(n uint16) { binary.LittleEndian.PutUint16(p.Data[16:18], n) }

func (p *Page) ItemCount() uint16 { return binary.LittleEndian.Uint16(p.Data[18:20]) }

func (p *Page) setItemCount(n uint16) { binary.LittleEndian.PutUint16(p.Data[18:20], n) }

// Capacity is the number of payload bytes available for entries.
func (p *Page) Capacity() int { return len(p.Data) - PageHeaderSize }

// UsedBytes is the portion of the payload currently occupied by entries.
func (p *Page) UsedBytes() int { return p.Capacity() - int(p.FreeBytes()) }

func (p *Page) payload() []byte { return p.Data[PageHeaderSize:] }

// Entries decodes every length-prefixed entry in the page, in order.
// A corrupt length prefix or an entry running past the used region stops
// decoding and returns the entries seen so far with an error; callers
// scanning tolerantly (DataPageAccess.ScanDocuments) treat that as "stop
// here", not as a fatal condition.
func (p *Page) Entries() ([][]byte, error) {
	used := p.UsedBytes()
	payload := p.payload()
	var entries [][]byte
	off := 0
	for off < used {
		if off+4 > used {
			return entries, fmt.Errorf("storage: page %d: truncated entry length prefix at %d", p.PageID(), off)
		}
		l := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if l < 0 || off+l > used {
			return entries, fmt.Errorf("storage: page %d: entry length %d overruns used region at %d", p.PageID(), l, off)
		}
		entry := make([]byte, l)
		copy(entry, payload[off:off+l])
		entries = append(entries, entry)
		off += l
	}
	return entries, nil
}

// EntryAt returns the entry at the given zero-based slot index, skipping
// over preceding length prefixes. Returns an error if the index is out of
// range or a preceding prefix is corrupt.
func (p *Page) EntryAt(slot int) ([]byte, error) {
	used := p.UsedBytes()
	payload := p.payload()
	off := 0
	idx := 0
	for off < used {
		if off+4 > used {
			return nil, fmt.Errorf("storage: page %d: truncated entry length prefix at %d", p.PageID(), off)
		}
		l := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if l < 0 || off+l > used {
			return nil, fmt.Errorf("storage: page %d: entry length %d overruns used region at %d", p.PageID(), l, off)
		}
		if idx == slot {
			entry := make([]byte, l)
			copy(entry, payload[off:off+l])
			return entry, nil
		}
		off += l
		idx++
	}
	return nil, fmt.Errorf("storage: page %d: slot %d out of range (%d entries)", p.PageID(), slot, idx)
}

// CanFitEntry reports whether an entry of the given payload length can be
// appended without exceeding free_bytes.
func (p *Page) CanFitEntry(length int) bool {
	return 4+length <= int(p.FreeBytes())
}

// AppendEntry appends a length-prefixed entry at the current used boundary
// and returns its slot index. Returns false (no mutation) if it does not fit.
func (p *Page) AppendEntry(data []byte) (slot int, ok bool) {
	if !p.CanFitEntry(len(data)) {
		return 0, false
	}
	used := p.UsedBytes()
	payload := p.payload()
	binary.LittleEndian.PutUint32(payload[used:], uint32(len(data)))
	copy(payload[used+4:], data)
	p.setFreeBytes(p.FreeBytes() - uint16(4+len(data)))
	p.setItemCount(p.ItemCount() + 1)
	return int(p.ItemCount()) - 1, true
}

// SetEntries replaces the entire entry list, recomputing free_bytes and
// item_count. Used by DataPageAccess.RewritePage for in-place update/delete,
// since this format has no per-slot tombstones: a changed page is always
// rewritten from its live entry set.
func (p *Page) SetEntries(entries [][]byte) error {
	capacity := p.Capacity()
	used := 0
	for _, e := range entries {
		used += 4 + len(e)
	}
	if used > capacity {
		return fmt.Errorf("storage: page %d: %d entries need %d bytes, capacity is %d", p.PageID(), len(entries), used, capacity)
	}
	payload := p.payload()
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint32(payload[off:], uint32(len(e)))
		off += 4
		copy(payload[off:], e)
		off += len(e)
	}
	for i := off; i < capacity; i++ {
		payload[i] = 0
	}
	p.setFreeBytes(uint16(capacity - used))
	p.setItemCount(uint16(len(entries)))
	return nil
}

// Reset clears the page back to an empty page of the given type, preserving
// its page id but dropping prev/next links. Used by PageManager.FreePage.
func (p *Page) Reset(ptype PageType) {
	id := p.PageID()
	size := len(p.Data)
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[4:8], id)
	p.setFreeBytes(uint16(size) - PageHeaderSize)
}

// Clone returns a deep copy of the page, used for WAL before/after images.
func (p *Page) Clone() *Page {
	cp := make([]byte, len(p.Data))
	copy(cp, p.Data)
	return &Page{Data: cp}
}
