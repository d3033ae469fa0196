package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// FieldType identifies the BSON-style value kind carried by a Field.
type FieldType byte

const (
	FieldNull     FieldType = 0
	FieldString   FieldType = 1
	FieldInt64    FieldType = 2
	FieldFloat64  FieldType = 3
	FieldBool     FieldType = 4
	FieldDocument FieldType = 5
	FieldArray    FieldType = 6
	FieldObjectID FieldType = 7
)

// IDFieldName is the reserved primary-key field every document carries.
const IDFieldName = "_id"

// ObjectID is a 12-byte identifier: 4-byte unix timestamp, 5-byte process
// identifier, 3-byte rolling counter, matching the structure in widespread
// BSON-style use for generated primary keys.
type ObjectID [12]byte

var (
	objectIDProcess [5]byte
	objectIDCounter uint32
)

func init() {
	if _, err := rand.Read(objectIDProcess[:]); err != nil {
		// crypto/rand failure is unrecoverable on any real platform; fall
		// back to a fixed value rather than panic at import time.
		copy(objectIDProcess[:], []byte{0x01, 0x02, 0x03, 0x04, 0x05})
	}
	var seed [4]byte
	rand.Read(seed[:])
	objectIDCounter = binary.BigEndian.Uint32(seed[:]) & 0x00FFFFFF
}

// NewObjectID generates a fresh, unique ObjectID.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], objectIDProcess[:])
	c := atomic.AddUint32(&objectIDCounter, 1) & 0x00FFFFFF
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

func (id ObjectID) Hex() string { return hex.EncodeToString(id[:]) }

func (id ObjectID) String() string { return id.Hex() }

func (id ObjectID) Equal(other ObjectID) bool { return id == other }

// ObjectIDFromHex parses the hex form produced by Hex.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, errors.Errorf("storage: invalid ObjectID %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// Field is one named, typed value within a Document.
type Field struct {
	Name  string
	Type  FieldType
	Value interface{} // string | int64 | float64 | bool | nil | *Document | []interface{} | ObjectID
}

// Document is a BSON-style, order-preserving field list. The zero value is
// an empty document.
type Document struct {
	Fields []Field
}

// NewDocument returns an empty document.
func NewDocument() *Document { return &Document{} }

// Set adds or overwrites a field, inferring its FieldType from the Go value.
func (d *Document) Set(name string, value interface{}) {
	t, v := inferType(value)
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields[i].Type, d.Fields[i].Value = t, v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Type: t, Value: v})
}

// Get returns a field's value and whether it is present.
func (d *Document) Get(name string) (interface{}, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Delete removes a field if present.
func (d *Document) Delete(name string) {
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return
		}
	}
}

// GetNested resolves a dotted path through nested documents.
func (d *Document) GetNested(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	if len(path) == 1 {
		return d.Get(path[0])
	}
	val, ok := d.Get(path[0])
	if !ok {
		return nil, false
	}
	sub, ok := val.(*Document)
	if !ok {
		return nil, false
	}
	return sub.GetNested(path[1:])
}

// SetNested writes a dotted path through nested documents, creating
// intermediate documents as needed.
func (d *Document) SetNested(path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		d.Set(path[0], value)
		return
	}
	val, ok := d.Get(path[0])
	var sub *Document
	if ok {
		sub, ok = val.(*Document)
	}
	if !ok {
		sub = NewDocument()
		d.Set(path[0], sub)
	}
	sub.SetNested(path[1:], value)
}

// ID returns the document's "_id" field, if present.
func (d *Document) ID() (interface{}, bool) { return d.Get(IDFieldName) }

// SetID sets the document's "_id" field.
func (d *Document) SetID(v interface{}) { d.Set(IDFieldName, v) }

// Clone deep-copies the document, including nested documents and arrays.
func (d *Document) Clone() *Document {
	cp := &Document{Fields: make([]Field, len(d.Fields))}
	for i, f := range d.Fields {
		cp.Fields[i] = Field{Name: f.Name, Type: f.Type, Value: cloneValue(f.Type, f.Value)}
	}
	return cp
}

func cloneValue(t FieldType, v interface{}) interface{} {
	switch t {
	case FieldDocument:
		if sub, ok := v.(*Document); ok {
			return sub.Clone()
		}
	case FieldArray:
		if arr, ok := v.([]interface{}); ok {
			cp := make([]interface{}, len(arr))
			for i, e := range arr {
				et, ev := inferType(e)
				cp[i] = cloneValue(et, ev)
			}
			return cp
		}
	}
	return v
}

// Equal performs structural BSON equality: same field names and values,
// recursively, independent of String()/ToString() textual form (two
// distinct values that happen to format the same are NOT equal here).
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for _, f := range d.Fields {
		ov, ok := other.Get(f.Name)
		if !ok {
			return false
		}
		if !valuesEqual(f.Value, ov) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case *Document:
		bv, ok := b.(*Document)
		return ok && av.Equal(bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case ObjectID:
		bv, ok := b.(ObjectID)
		return ok && av == bv
	default:
		return a == b
	}
}

func inferType(value interface{}) (FieldType, interface{}) {
	if value == nil {
		return FieldNull, nil
	}
	switch v := value.(type) {
	case string:
		return FieldString, v
	case int:
		return FieldInt64, int64(v)
	case int32:
		return FieldInt64, int64(v)
	case int64:
		return FieldInt64, v
	case float32:
		return FieldFloat64, float64(v)
	case float64:
		return FieldFloat64, v
	case bool:
		return FieldBool, v
	case ObjectID:
		return FieldObjectID, v
	case *Document:
		return FieldDocument, v
	case []interface{}:
		return FieldArray, v
	default:
		return FieldNull, nil
	}
}

// ---------- ToMap / FromMap ----------

// ToMap converts the document into a generic map, for callers that want
// untyped access (CLI demo, FK metadata inspection).
func (d *Document) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(d.Fields))
	for _, f := range d.Fields {
		out[f.Name] = valueToMap(f.Value)
	}
	return out
}

func valueToMap(v interface{}) interface{} {
	switch val := v.(type) {
	case *Document:
		return val.ToMap()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = valueToMap(e)
		}
		return out
	default:
		return val
	}
}

// NewDocumentFromMap builds a Document from a generic map. Key iteration
// order is not stable; callers needing deterministic field order should
// build the Document directly with Set.
func NewDocumentFromMap(m map[string]interface{}) *Document {
	d := NewDocument()
	for k, v := range m {
		d.Set(k, mapToValue(v))
	}
	return d
}

func mapToValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return NewDocumentFromMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = mapToValue(e)
		}
		return out
	default:
		return val
	}
}

// ---------- binary codec ----------

// Encode serializes the document as a length-prefixed field list:
// [nb_fields:uint16] then per field [name_len:uint16][name][type:byte][value].
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 8)

	binary.LittleEndian.PutUint16(tmp, uint16(len(d.Fields)))
	buf = append(buf, tmp[:2]...)

	for _, f := range d.Fields {
		nameBytes := []byte(f.Name)
		if len(nameBytes) > math.MaxUint16 {
			return nil, errors.Errorf("storage: field name too long: %s", f.Name)
		}
		binary.LittleEndian.PutUint16(tmp, uint16(len(nameBytes)))
		buf = append(buf, tmp[:2]...)
		buf = append(buf, nameBytes...)
		buf = append(buf, byte(f.Type))

		valBytes, err := encodeValue(f.Type, f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	return buf, nil
}

// Decode deserializes a document previously produced by Encode.
func Decode(data []byte) (*Document, error) {
	if len(data) < 2 {
		return nil, errors.New("storage: document data too short")
	}
	doc := NewDocument()
	offset := 0

	nbFields := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	for i := 0; i < nbFields; i++ {
		if offset+2 > len(data) {
			return nil, errors.New("storage: unexpected end of document (name len)")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
		if offset+nameLen > len(data) {
			return nil, errors.New("storage: unexpected end of document (name)")
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(data) {
			return nil, errors.New("storage: unexpected end of document (type)")
		}
		ftype := FieldType(data[offset])
		offset++

		val, n, err := decodeValue(ftype, data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		doc.Fields = append(doc.Fields, Field{Name: name, Type: ftype, Value: val})
	}
	return doc, nil
}

func encodeValue(t FieldType, v interface{}) ([]byte, error) {
	switch t {
	case FieldNull:
		return nil, nil
	case FieldBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case FieldInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.(int64)))
		return buf, nil
	case FieldFloat64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.(float64)))
		return buf, nil
	case FieldObjectID:
		id := v.(ObjectID)
		return append([]byte(nil), id[:]...), nil
	case FieldString:
		s := v.(string)
		buf := make([]byte, 4+len(s))
		binary.LittleEndian.PutUint32(buf, uint32(len(s)))
		copy(buf[4:], s)
		return buf, nil
	case FieldDocument:
		sub := v.(*Document)
		encoded, err := sub.Encode()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4+len(encoded))
		binary.LittleEndian.PutUint32(buf, uint32(len(encoded)))
		copy(buf[4:], encoded)
		return buf, nil
	case FieldArray:
		arr := v.([]interface{})
		arrBuf := make([]byte, 0, 64)
		tmp2 := make([]byte, 2)
		binary.LittleEndian.PutUint16(tmp2, uint16(len(arr)))
		arrBuf = append(arrBuf, tmp2...)
		for _, elem := range arr {
			et, ev := inferType(elem)
			arrBuf = append(arrBuf, byte(et))
			eb, err := encodeValue(et, ev)
			if err != nil {
				return nil, err
			}
			arrBuf = append(arrBuf, eb...)
		}
		buf := make([]byte, 4+len(arrBuf))
		binary.LittleEndian.PutUint32(buf, uint32(len(arrBuf)))
		copy(buf[4:], arrBuf)
		return buf, nil
	default:
		return nil, errors.Errorf("storage: unknown field type: %d", t)
	}
}

func decodeValue(t FieldType, data []byte) (interface{}, int, error) {
	switch t {
	case FieldNull:
		return nil, 0, nil
	case FieldBool:
		if len(data) < 1 {
			return nil, 0, errors.New("storage: not enough data for bool")
		}
		return data[0] != 0, 1, nil
	case FieldInt64:
		if len(data) < 8 {
			return nil, 0, errors.New("storage: not enough data for int64")
		}
		return int64(binary.LittleEndian.Uint64(data)), 8, nil
	case FieldFloat64:
		if len(data) < 8 {
			return nil, 0, errors.New("storage: not enough data for float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	case FieldObjectID:
		if len(data) < 12 {
			return nil, 0, errors.New("storage: not enough data for ObjectID")
		}
		var id ObjectID
		copy(id[:], data[:12])
		return id, 12, nil
	case FieldString:
		if len(data) < 4 {
			return nil, 0, errors.New("storage: not enough data for string length")
		}
		slen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+slen {
			return nil, 0, errors.New("storage: not enough data for string")
		}
		return string(data[4 : 4+slen]), 4 + slen, nil
	case FieldDocument:
		if len(data) < 4 {
			return nil, 0, errors.New("storage: not enough data for embedded document length")
		}
		dlen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+dlen {
			return nil, 0, errors.New("storage: not enough data for embedded document")
		}
		sub, err := Decode(data[4 : 4+dlen])
		if err != nil {
			return nil, 0, err
		}
		return sub, 4 + dlen, nil
	case FieldArray:
		if len(data) < 4 {
			return nil, 0, errors.New("storage: not enough data for array length")
		}
		alen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+alen {
			return nil, 0, errors.New("storage: not enough data for array")
		}
		arrData := data[4 : 4+alen]
		if len(arrData) < 2 {
			return []interface{}{}, 4 + alen, nil
		}
		count := int(binary.LittleEndian.Uint16(arrData))
		aoff := 2
		arr := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			if aoff >= len(arrData) {
				return nil, 0, errors.New("storage: truncated array element")
			}
			et := FieldType(arrData[aoff])
			aoff++
			ev, n, err := decodeValue(et, arrData[aoff:])
			if err != nil {
				return nil, 0, err
			}
			aoff += n
			arr = append(arr, ev)
		}
		return arr, 4 + alen, nil
	default:
		return nil, 0, fmt.Errorf("storage: unknown field type: %d", t)
	}
}
