package storage

import (
	"bytes"
	"os"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "docbase_pager_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path
}

func TestPageManagerCreateClose(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := pm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < DefaultPageSize {
		t.Errorf("expected file >= %d bytes, got %d", DefaultPageSize, info.Size())
	}
}

func TestPageManagerAllocateAndReadBack(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	p, err := pm.NewPage(PageTypeData)
	if err != nil {
		t.Fatalf("new page: %v", err)
	}
	entry := []byte("hello world")
	if _, ok := p.AppendEntry(entry); !ok {
		t.Fatal("append entry should fit in a fresh page")
	}
	if err := pm.SavePage(p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := pm.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := pm.GetPage(p.PageID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	entries, err := got.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || !bytes.Equal(entries[0], entry) {
		t.Errorf("unexpected entries after reload: %v", entries)
	}
}

func TestPageManagerFreelistReusesPages(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	p1, _ := pm.NewPage(PageTypeData)
	pm.SavePage(p1)
	totalBefore := pm.TotalPages()

	if err := pm.FreePage(p1.PageID()); err != nil {
		t.Fatalf("free: %v", err)
	}

	p2, err := pm.NewPage(PageTypeData)
	if err != nil {
		t.Fatalf("new page after free: %v", err)
	}
	if p2.PageID() != p1.PageID() {
		t.Errorf("expected freelist reuse of page %d, got new page %d", p1.PageID(), p2.PageID())
	}
	if pm.TotalPages() != totalBefore {
		t.Errorf("expected total pages to stay at %d after reuse, got %d", totalBefore, pm.TotalPages())
	}
}

func TestPageManagerReopenPersistsHeader(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pm.SetCollectionRootPageID(7)
	p, _ := pm.NewPage(PageTypeData)
	pm.SavePage(p)
	if err := pm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.CollectionRootPageID() != 7 {
		t.Errorf("expected collection root page id to survive reopen, got %d", reopened.CollectionRootPageID())
	}
	if reopened.TotalPages() != pm.TotalPages() {
		t.Errorf("expected total pages to survive reopen")
	}
}

func TestPageManagerJournalingReplayAfterCrash(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)
	defer os.Remove(WALFileName(path, ""))

	pm, err := CreatePageManager(path, PageManagerOptions{EnableJournaling: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p, _ := pm.NewPage(PageTypeData)
	entry := []byte("durable entry")
	p.AppendEntry(entry)
	pm.SavePage(p)

	// Flush writes through the WAL but does not checkpoint: simulate a
	// crash by abandoning pm without calling Checkpoint or Close.
	if err := pm.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := OpenPageManager(path, PageManagerOptions{EnableJournaling: true})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetPage(p.PageID())
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	entries, err := got.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || !bytes.Equal(entries[0], entry) {
		t.Errorf("expected WAL replay to recover the entry, got %v", entries)
	}
}
