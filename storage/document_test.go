package storage

import (
	"testing"
)

func TestDocumentSetGet(t *testing.T) {
	doc := NewDocument()
	doc.Set("name", "test")
	doc.Set("age", int64(30))
	doc.Set("active", true)
	doc.Set("score", 3.14)

	v, ok := doc.Get("name")
	if !ok || v != "test" {
		t.Errorf("expected name=test, got %v", v)
	}
	v, ok = doc.Get("age")
	if !ok || v != int64(30) {
		t.Errorf("expected age=30, got %v", v)
	}
	v, ok = doc.Get("active")
	if !ok || v != true {
		t.Errorf("expected active=true, got %v", v)
	}
	v, ok = doc.Get("score")
	if !ok || v != 3.14 {
		t.Errorf("expected score=3.14, got %v", v)
	}
}

func TestDocumentNested(t *testing.T) {
	doc := NewDocument()
	doc.SetNested([]string{"params", "timeout"}, int64(60))
	doc.SetNested([]string{"params", "retry"}, int64(3))

	v, ok := doc.GetNested([]string{"params", "timeout"})
	if !ok || v != int64(60) {
		t.Errorf("expected params.timeout=60, got %v", v)
	}
	v, ok = doc.GetNested([]string{"params", "retry"})
	if !ok || v != int64(3) {
		t.Errorf("expected params.retry=3, got %v", v)
	}
}

func TestDocumentEncodeDecode(t *testing.T) {
	doc := NewDocument()
	doc.Set("name", "workflow1")
	doc.Set("retry", int64(5))
	doc.Set("enabled", true)
	doc.Set("rate", 0.75)

	// Document imbriqué
	sub := NewDocument()
	sub.Set("timeout", int64(30))
	doc.Set("params", sub)

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	// Vérifier chaque champ
	v, ok := decoded.Get("name")
	if !ok || v != "workflow1" {
		t.Errorf("expected name=workflow1, got %v", v)
	}
	v, ok = decoded.Get("retry")
	if !ok || v != int64(5) {
		t.Errorf("expected retry=5, got %v", v)
	}
	v, ok = decoded.Get("enabled")
	if !ok || v != true {
		t.Errorf("expected enabled=true, got %v", v)
	}
	v, ok = decoded.Get("rate")
	if !ok || v != 0.75 {
		t.Errorf("expected rate=0.75, got %v", v)
	}

	// Sous-document
	subVal, ok := decoded.Get("params")
	if !ok {
		t.Fatal("expected params field")
	}
	subDoc, ok := subVal.(*Document)
	if !ok {
		t.Fatal("expected params to be a Document")
	}
	timeout, ok := subDoc.Get("timeout")
	if !ok || timeout != int64(30) {
		t.Errorf("expected params.timeout=30, got %v", timeout)
	}
}

func TestDocumentNull(t *testing.T) {
	doc := NewDocument()
	doc.Set("empty", nil)

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	v, ok := decoded.Get("empty")
	if !ok {
		t.Fatal("expected empty field to exist")
	}
	if v != nil {
		t.Errorf("expected empty=nil, got %v", v)
	}
}

func TestDocumentUpdate(t *testing.T) {
	doc := NewDocument()
	doc.Set("name", "original")
	doc.Set("name", "updated")

	v, ok := doc.Get("name")
	if !ok || v != "updated" {
		t.Errorf("expected name=updated, got %v", v)
	}
	if len(doc.Fields) != 1 {
		t.Errorf("expected 1 field, got %d", len(doc.Fields))
	}
}

func TestObjectIDRoundTrip(t *testing.T) {
	id := NewObjectID()
	hex := id.Hex()

	parsed, err := ObjectIDFromHex(hex)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !id.Equal(parsed) {
		t.Errorf("round-tripped ObjectID does not match: %v != %v", id, parsed)
	}

	id2 := NewObjectID()
	if id.Equal(id2) {
		t.Error("two freshly generated ObjectIDs should not collide")
	}
}

func TestObjectIDEncodeDecode(t *testing.T) {
	doc := NewDocument()
	doc.SetID(NewObjectID())

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	orig, _ := doc.ID()
	got, ok := decoded.ID()
	if !ok {
		t.Fatal("expected _id field")
	}
	if !orig.(ObjectID).Equal(got.(ObjectID)) {
		t.Errorf("_id mismatch after round trip")
	}
}

func TestDocumentEqualStructural(t *testing.T) {
	a := NewDocument()
	a.Set("name", "same")
	a.Set("count", int64(2))
	sub := NewDocument()
	sub.Set("x", int64(1))
	a.Set("nested", sub)

	b := NewDocument()
	b.Set("name", "same")
	b.Set("count", int64(2))
	sub2 := NewDocument()
	sub2.Set("x", int64(1))
	b.Set("nested", sub2)

	if !a.Equal(b) {
		t.Error("structurally identical documents should be Equal")
	}

	c := b.Clone()
	c.Set("count", int64(3))
	if a.Equal(c) {
		t.Error("documents differing in a top-level field should not be Equal")
	}
}
