package storage

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestDataPageAccessInsertAndScan(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	dpa := NewDataPageAccess(pm)
	state := NewCollectionState("widgets")

	doc := NewDocument()
	doc.SetID(int64(1))
	doc.Set("name", "gear")
	raw, err := dpa.EncodeForStorage(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	page, _, err := dpa.GetWritableDataPage(state, len(raw)+4)
	if err != nil {
		t.Fatalf("writable page: %v", err)
	}
	slot, ok := page.AppendEntry(raw)
	if !ok {
		t.Fatal("expected entry to fit")
	}
	if err := dpa.PersistPage(page); err != nil {
		t.Fatalf("persist: %v", err)
	}
	key, _ := IDKey(int64(1))
	state.Index[key] = DocLocation{PageID: page.PageID(), Slot: slot}

	got, ok := dpa.ReadDocumentAt(page, slot)
	if !ok {
		t.Fatal("expected to read document back")
	}
	name, _ := got.Get("name")
	if name != "gear" {
		t.Errorf("expected name=gear, got %v", name)
	}

	docs := dpa.ScanDocuments(page)
	if len(docs) != 1 {
		t.Fatalf("expected 1 scanned document, got %d", len(docs))
	}
}

func TestDataPageAccessLargeDocumentStub(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	dpa := NewDataPageAccess(pm)
	doc := NewDocument()
	doc.SetID(int64(1))
	doc.Set("payload", strings.Repeat("x", 6000))

	raw, err := dpa.EncodeForStorage(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) >= dpa.MaxDocSize() {
		t.Fatalf("expected stub entry to be small, got %d bytes", len(raw))
	}

	resolved, err := dpa.resolveEntry(raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	payload, _ := resolved.Get("payload")
	if payload != strings.Repeat("x", 6000) {
		t.Error("resolved large document payload does not match original")
	}
}

func TestDataPageAccessRewritePage(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	dpa := NewDataPageAccess(pm)
	page, err := pm.NewPage(PageTypeData)
	if err != nil {
		t.Fatalf("new page: %v", err)
	}

	d1 := NewDocument()
	d1.SetID(int64(1))
	raw1, _ := dpa.EncodeForStorage(d1)
	page.AppendEntry(raw1)

	var updates []DocLocation
	err = dpa.RewritePage(page, [][]byte{raw1}, func(key string, pageID uint32, slot int) {
		updates = append(updates, DocLocation{PageID: pageID, Slot: slot})
	})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 index update, got %d", len(updates))
	}

	raws, _ := page.Entries()
	if len(raws) != 1 || !bytes.Equal(raws[0], raw1) {
		t.Error("rewritten page does not contain the expected entry")
	}
}
