package storage

import (
	"os"
	"testing"
)

func TestCollectionMetaStoreRegisterAndLookup(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	store, err := LoadCollectionMetaStore(pm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := store.RegisterCollection("users"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !store.IsKnown("users") {
		t.Error("expected users to be known")
	}
	if store.IsKnown("ghosts") {
		t.Error("did not expect ghosts to be known")
	}

	meta := NewDocument()
	meta.Set("unique_fields", "email")
	if err := store.UpdateMetadata("users", meta, false); err != nil {
		t.Fatalf("update metadata: %v", err)
	}

	got := store.GetMetadata("users")
	v, ok := got.Get("unique_fields")
	if !ok || v != "email" {
		t.Errorf("expected unique_fields=email, got %v", v)
	}
}

func TestCollectionMetaStoreSurvivesReopen(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store, err := LoadCollectionMetaStore(pm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.RegisterCollection("orders"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := pm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	store2, err := LoadCollectionMetaStore(reopened)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if !store2.IsKnown("orders") {
		t.Error("expected orders to survive reopen")
	}
}

func TestCollectionMetaStoreRemove(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	pm, err := CreatePageManager(path, PageManagerOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer pm.Close()

	store, _ := LoadCollectionMetaStore(pm)
	store.RegisterCollection("temp")
	if err := store.RemoveCollection("temp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if store.IsKnown("temp") {
		t.Error("expected temp to be gone after remove")
	}
}
