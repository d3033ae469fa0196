package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LargeDocumentStorage persists a document whose serialized size exceeds
// max_doc_size as an overflow chain: one LargeDocumentIndex page holding an
// ordered list of LargeDocument data page ids, each of which carries one
// chunk of the raw bytes plus a next_page_id link.
type LargeDocumentStorage struct {
	pm *PageManager
}

// NewLargeDocumentStorage wraps pm for overflow chain operations.
func NewLargeDocumentStorage(pm *PageManager) *LargeDocumentStorage {
	return &LargeDocumentStorage{pm: pm}
}

// Write splits data across as many LargeDocument pages as needed and
// records their order in a new LargeDocumentIndex page, returning that
// index page's id.
func (s *LargeDocumentStorage) Write(data []byte) (indexPageID uint32, err error) {
	chunkSize := int(s.pm.PageSize()) - PageHeaderSize - 4 // entry length prefix
	if chunkSize <= 0 {
		return 0, errors.New("storage: page size too small to hold any large-document chunk")
	}

	var pageIDs []uint32
	var prev *Page
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		p, err := s.pm.NewPage(PageTypeLargeDocument)
		if err != nil {
			return 0, errors.Wrap(err, "storage: allocate large-document page")
		}
		if _, ok := p.AppendEntry(data[off:end]); !ok {
			return 0, errors.New("storage: large-document chunk did not fit its own page")
		}
		if prev != nil {
			prev.SetNextPageID(p.PageID())
			if err := s.pm.SavePage(prev); err != nil {
				return 0, err
			}
		}
		if err := s.pm.SavePage(p); err != nil {
			return 0, err
		}
		pageIDs = append(pageIDs, p.PageID())
		prev = p
	}
	if len(data) == 0 {
		// Still record an (empty) chain so Read/Free behave uniformly.
	}

	idxPage, err := s.pm.NewPage(PageTypeLargeDocumentIndex)
	if err != nil {
		return 0, errors.Wrap(err, "storage: allocate large-document index page")
	}
	if _, ok := idxPage.AppendEntry(encodePageIDList(pageIDs)); !ok {
		return 0, errors.New("storage: large-document index does not fit one page (too many chunks)")
	}
	if err := s.pm.SavePage(idxPage); err != nil {
		return 0, err
	}
	return idxPage.PageID(), nil
}

// Read reassembles the full byte slice for a chain rooted at indexPageID.
func (s *LargeDocumentStorage) Read(indexPageID uint32) ([]byte, error) {
	pageIDs, err := s.readPageIDList(indexPageID)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, id := range pageIDs {
		p, err := s.pm.GetPage(id)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: read large-document chunk page %d", id)
		}
		chunk, err := p.EntryAt(0)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: decode large-document chunk page %d", id)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// Free releases the index page and every chunk page in its chain.
func (s *LargeDocumentStorage) Free(indexPageID uint32) error {
	pageIDs, err := s.readPageIDList(indexPageID)
	if err != nil {
		return err
	}
	for _, id := range pageIDs {
		if err := s.pm.FreePage(id); err != nil {
			return errors.Wrapf(err, "storage: free large-document chunk page %d", id)
		}
	}
	return s.pm.FreePage(indexPageID)
}

func (s *LargeDocumentStorage) readPageIDList(indexPageID uint32) ([]uint32, error) {
	p, err := s.pm.GetPage(indexPageID)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: read large-document index page %d", indexPageID)
	}
	if p.ItemCount() == 0 {
		return nil, nil
	}
	blob, err := p.EntryAt(0)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: decode large-document index page %d", indexPageID)
	}
	return decodePageIDList(blob), nil
}

func encodePageIDList(ids []uint32) []byte {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[i*4:], id)
	}
	return buf
}

func decodePageIDList(blob []byte) []uint32 {
	n := len(blob) / 4
	ids := make([]uint32, n)
	for i := 0; i < n; i++ {
		ids[i] = binary.LittleEndian.Uint32(blob[i*4:])
	}
	return ids
}
