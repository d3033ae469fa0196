// Package index implements a disk-backed B+Tree over PageManager pages.
// Each node occupies one page; leaves are chained for range scans.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/mlindgren/docbase/storage"
)

// Offsets within a B-Tree page, immediately after the 32-byte page header.
const (
	btreeNodeTypeOff = storage.PageHeaderSize // 0=internal, 1=leaf
	btreeNumKeysOff  = btreeNodeTypeOff + 1   // uint16
	btreeNextLeafOff = btreeNumKeysOff + 2    // uint32 (leaf only)
	leafDataOff      = btreeNextLeafOff + 4
	internalDataOff  = btreeNumKeysOff + 2

	nodeTypeInternal = byte(0)
	nodeTypeLeaf     = byte(1)
)

// btreeEntry is a (key, recordID) pair stored in a leaf.
type btreeEntry struct {
	Key      string
	RecordID uint64
}

// internalNode is an internal node loaded into memory.
type internalNode struct {
	keys     []string
	children []uint32 // len == len(keys) + 1
}

// BTree is a B+Tree backed by PageManager pages.
type BTree struct {
	RootPageID         uint32
	pm                 *storage.PageManager
	maxLeafPayload     int
	maxInternalPayload int
}

// NewBTree creates an empty B-Tree (a single empty leaf as root).
func NewBTree(pm *storage.PageManager) (*BTree, error) {
	page, err := pm.NewPage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	page.Data[btreeNodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], 0)
	binary.LittleEndian.PutUint32(page.Data[btreeNextLeafOff:], 0)
	if err := pm.SavePage(page); err != nil {
		return nil, err
	}
	return newBTree(pm, page.PageID()), nil
}

// OpenBTree reopens an existing B-Tree from its root page id.
func OpenBTree(pm *storage.PageManager, rootPageID uint32) *BTree {
	return newBTree(pm, rootPageID)
}

func newBTree(pm *storage.PageManager, rootPageID uint32) *BTree {
	size := int(pm.PageSize())
	return &BTree{
		RootPageID:         rootPageID,
		pm:                 pm,
		maxLeafPayload:     size - leafDataOff,
		maxInternalPayload: size - internalDataOff,
	}
}

// -------- node (de)serialization --------

func readLeafEntries(page *storage.Page) []btreeEntry {
	num := binary.LittleEndian.Uint16(page.Data[btreeNumKeysOff:])
	size := page.Size()
	off := leafDataOff
	entries := make([]btreeEntry, 0, num)
	for i := 0; i < int(num); i++ {
		if off+2 > size {
			break
		}
		kl := int(binary.LittleEndian.Uint16(page.Data[off:]))
		off += 2
		if off+kl+8 > size {
			break
		}
		key := string(page.Data[off : off+kl])
		off += kl
		rid := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8
		entries = append(entries, btreeEntry{Key: key, RecordID: rid})
	}
	return entries
}

func readLeafNext(page *storage.Page) uint32 {
	return binary.LittleEndian.Uint32(page.Data[btreeNextLeafOff:])
}

func writeLeafNode(page *storage.Page, entries []btreeEntry, nextLeaf uint32) {
	page.Data[btreeNodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(page.Data[btreeNextLeafOff:], nextLeaf)
	off := leafDataOff
	for _, e := range entries {
		kb := []byte(e.Key)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint64(page.Data[off:], e.RecordID)
		off += 8
	}
}

func readInternalNode(page *storage.Page) internalNode {
	numKeys := binary.LittleEndian.Uint16(page.Data[btreeNumKeysOff:])
	off := internalDataOff
	node := internalNode{
		keys:     make([]string, 0, numKeys),
		children: make([]uint32, 0, numKeys+1),
	}
	child0 := binary.LittleEndian.Uint32(page.Data[off:])
	off += 4
	node.children = append(node.children, child0)
	for i := 0; i < int(numKeys); i++ {
		kl := int(binary.LittleEndian.Uint16(page.Data[off:]))
		off += 2
		key := string(page.Data[off : off+kl])
		off += kl
		child := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternalNode(page *storage.Page, node internalNode) {
	page.Data[btreeNodeTypeOff] = nodeTypeInternal
	binary.LittleEndian.PutUint16(page.Data[btreeNumKeysOff:], uint16(len(node.keys)))
	off := internalDataOff
	binary.LittleEndian.PutUint32(page.Data[off:], node.children[0])
	off += 4
	for i, key := range node.keys {
		kb := []byte(key)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint32(page.Data[off:], node.children[i+1])
		off += 4
	}
}

func leafEntriesSize(entries []btreeEntry) int {
	s := 0
	for _, e := range entries {
		s += 2 + len(e.Key) + 8
	}
	return s
}

func internalNodeSize(node internalNode) int {
	s := 4 // child0
	for _, k := range node.keys {
		s += 2 + len(k) + 4
	}
	return s
}

// -------- search --------

func (bt *BTree) findLeaf(key string) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.pm.GetPage(pageID)
		if err != nil {
			return nil, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return page, nil
		}
		node := readInternalNode(page)
		childIdx := sort.Search(len(node.keys), func(i int) bool {
			return node.keys[i] > key
		})
		pageID = node.children[childIdx]
	}
}

func (bt *BTree) findLeftmostLeaf() (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.pm.GetPage(pageID)
		if err != nil {
			return nil, err
		}
		if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

// -------- Lookup --------

// Lookup returns every recordID associated with key.
func (bt *BTree) Lookup(key string) ([]uint64, error) {
	page, err := bt.findLeaf(key)
	if err != nil {
		return nil, err
	}
	var result []uint64
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if e.Key == key {
				result = append(result, e.RecordID)
			} else if e.Key > key {
				return result, nil
			}
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.pm.GetPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// -------- RangeScan --------

// RangeScan returns every recordID whose key lies in [minKey, maxKey].
// An empty bound means unbounded on that side.
func (bt *BTree) RangeScan(minKey, maxKey string) ([]uint64, error) {
	var page *storage.Page
	var err error
	if minKey != "" {
		page, err = bt.findLeaf(minKey)
	} else {
		page, err = bt.findLeftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var result []uint64
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if minKey != "" && e.Key < minKey {
				continue
			}
			if maxKey != "" && e.Key > maxKey {
				return result, nil
			}
			result = append(result, e.RecordID)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.pm.GetPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// -------- Insert --------

type splitResult struct {
	key       string
	newPageID uint32
}

// Insert adds a (key, recordID) pair to the B-Tree.
func (bt *BTree) Insert(key string, recordID uint64) error {
	split, err := bt.insertRecursive(bt.RootPageID, key, recordID)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot, err := bt.pm.NewPage(storage.PageTypeIndex)
		if err != nil {
			return err
		}
		writeInternalNode(newRoot, internalNode{
			keys:     []string{split.key},
			children: []uint32{bt.RootPageID, split.newPageID},
		})
		if err := bt.pm.SavePage(newRoot); err != nil {
			return err
		}
		bt.RootPageID = newRoot.PageID()
	}
	return nil
}

func (bt *BTree) insertRecursive(pageID uint32, key string, recordID uint64) (*splitResult, error) {
	page, err := bt.pm.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	if page.Data[btreeNodeTypeOff] == nodeTypeLeaf {
		return bt.insertIntoLeaf(page, key, recordID)
	}
	node := readInternalNode(page)
	childIdx := sort.Search(len(node.keys), func(i int) bool {
		return node.keys[i] > key
	})
	childSplit, err := bt.insertRecursive(node.children[childIdx], key, recordID)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(page, node, childIdx, childSplit)
}

func (bt *BTree) insertIntoLeaf(page *storage.Page, key string, recordID uint64) (*splitResult, error) {
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)

	entry := btreeEntry{Key: key, RecordID: recordID}
	pos := sort.Search(len(entries), func(i int) bool {
		if entries[i].Key == key {
			return entries[i].RecordID >= recordID
		}
		return entries[i].Key >= key
	})

	entries = append(entries, btreeEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry

	if leafEntriesSize(entries) <= bt.maxLeafPayload {
		writeLeafNode(page, entries, nextLeaf)
		return nil, bt.pm.SavePage(page)
	}

	mid := len(entries) / 2
	leftEntries := make([]btreeEntry, mid)
	copy(leftEntries, entries[:mid])
	rightEntries := make([]btreeEntry, len(entries)-mid)
	copy(rightEntries, entries[mid:])

	newPage, err := bt.pm.NewPage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}

	writeLeafNode(newPage, rightEntries, nextLeaf)
	if err := bt.pm.SavePage(newPage); err != nil {
		return nil, err
	}

	writeLeafNode(page, leftEntries, newPage.PageID())
	if err := bt.pm.SavePage(page); err != nil {
		return nil, err
	}

	return &splitResult{key: rightEntries[0].Key, newPageID: newPage.PageID()}, nil
}

func (bt *BTree) insertIntoInternal(page *storage.Page, node internalNode, childIdx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, "")
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newPageID

	if internalNodeSize(node) <= bt.maxInternalPayload {
		writeInternalNode(page, node)
		return nil, bt.pm.SavePage(page)
	}

	mid := len(node.keys) / 2
	pushUpKey := node.keys[mid]

	leftNode := internalNode{
		keys:     make([]string, mid),
		children: make([]uint32, mid+1),
	}
	copy(leftNode.keys, node.keys[:mid])
	copy(leftNode.children, node.children[:mid+1])

	rightNode := internalNode{
		keys:     make([]string, len(node.keys)-mid-1),
		children: make([]uint32, len(node.children)-mid-1),
	}
	copy(rightNode.keys, node.keys[mid+1:])
	copy(rightNode.children, node.children[mid+1:])

	newPage, err := bt.pm.NewPage(storage.PageTypeIndex)
	if err != nil {
		return nil, err
	}

	writeInternalNode(newPage, rightNode)
	if err := bt.pm.SavePage(newPage); err != nil {
		return nil, err
	}

	writeInternalNode(page, leftNode)
	if err := bt.pm.SavePage(page); err != nil {
		return nil, err
	}

	return &splitResult{key: pushUpKey, newPageID: newPage.PageID()}, nil
}

// -------- Remove --------

// Remove deletes a (key, recordID) pair from its leaf. No rebalancing: an
// emptied leaf stays in the chain; compaction copies index pages as they are.
func (bt *BTree) Remove(key string, recordID uint64) error {
	page, err := bt.findLeaf(key)
	if err != nil {
		return err
	}
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)
	for i, e := range entries {
		if e.Key == key && e.RecordID == recordID {
			entries = append(entries[:i], entries[i+1:]...)
			writeLeafNode(page, entries, nextLeaf)
			return bt.pm.SavePage(page)
		}
	}
	return nil // not found, nothing to do
}

// -------- AllEntries --------

// AllEntries walks every leaf and returns map[key][]recordID. Used for
// debugging and tests.
func (bt *BTree) AllEntries() (map[string][]uint64, error) {
	page, err := bt.findLeftmostLeaf()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]uint64)
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			result[e.Key] = append(result[e.Key], e.RecordID)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.pm.GetPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
