package storage

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
)

// DatabaseHeaderMagic identifies a docbase file.
const DatabaseHeaderMagic = 0x44425353

// DatabaseHeaderVersion is the on-disk format version this build writes.
const DatabaseHeaderVersion = 0x00010000

// DatabaseHeaderSize is the footprint of the header record within page 1's
// payload (well under any supported page size).
const DatabaseHeaderSize = 256

const (
	maxDatabaseNameBytes = 63
	maxUserDataBytes     = 64
	securitySaltBytes    = 16
	securityHashBytes    = 32
)

// Header flag bits.
const (
	HeaderFlagJournaling  uint32 = 1 << 0
	HeaderFlagCompression uint32 = 1 << 1
	HeaderFlagEncryption  uint32 = 1 << 2
)

// DatabaseHeader is the page-1 metadata record: magic, version, page
// geometry, counters, and an optional security descriptor. It owns the
// freelist head pointer alongside collection_root_page_id since both are
// whole-database bookkeeping that must survive a reopen.
type DatabaseHeader struct {
	Magic                uint32
	Version              uint32
	PageSize             uint32
	TotalPages           uint32
	UsedPages            uint32
	CollectionRootPageID uint32
	FreelistHeadPageID   uint32
	CreatedAt            int64
	ModifiedAt           int64
	Flags                uint32
	DatabaseName         string
	UserData             []byte
	SecuritySalt         []byte
	SecurityHash         []byte
}

// NewDatabaseHeader builds a fresh header for a newly created file.
func NewDatabaseHeader(pageSize uint32, name string, journaling bool) *DatabaseHeader {
	now := time.Now().Unix()
	var flags uint32
	if journaling {
		flags |= HeaderFlagJournaling
	}
	return &DatabaseHeader{
		Magic:      DatabaseHeaderMagic,
		Version:    DatabaseHeaderVersion,
		PageSize:   pageSize,
		TotalPages: 1,
		UsedPages:  1,
		CreatedAt:  now,
		ModifiedAt: now,
		Flags:      flags,
		DatabaseName: name,
	}
}

func (h *DatabaseHeader) HasFlag(flag uint32) bool { return h.Flags&flag != 0 }

func (h *DatabaseHeader) SetFlag(flag uint32, on bool) {
	if on {
		h.Flags |= flag
	} else {
		h.Flags &^= flag
	}
}

// IsValid applies the structural checks spec.md requires at open time,
// independent of the CRC (checked separately so the two failure modes stay
// distinguishable: corruption vs. a header that never made sense).
func (h *DatabaseHeader) IsValid() bool {
	if h.Magic != DatabaseHeaderMagic {
		return false
	}
	if !IsValidPageSize(h.PageSize) {
		return false
	}
	if h.TotalPages == 0 {
		return false
	}
	if h.UsedPages > h.TotalPages {
		return false
	}
	if h.CreatedAt <= 0 {
		return false
	}
	if h.ModifiedAt < h.CreatedAt {
		return false
	}
	return true
}

// Encode writes the header into the first DatabaseHeaderSize bytes of the
// page-1 payload, CRC32 last.
func (h *DatabaseHeader) Encode(payload []byte) error {
	if len(payload) < DatabaseHeaderSize {
		return errors.Errorf("storage: page too small for database header (%d < %d)", len(payload), DatabaseHeaderSize)
	}
	buf := payload[:DatabaseHeaderSize]
	for i := range buf {
		buf[i] = 0
	}
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:], v); off += 4 }
	putI64 := func(v int64) { binary.LittleEndian.PutUint64(buf[off:], uint64(v)); off += 8 }

	putU32(h.Magic)
	putU32(h.Version)
	putU32(h.PageSize)
	putU32(h.TotalPages)
	putU32(h.UsedPages)
	putU32(h.CollectionRootPageID)
	putU32(h.FreelistHeadPageID)
	putI64(h.CreatedAt)
	putI64(h.ModifiedAt)
	putU32(h.Flags)

	nameBytes := []byte(h.DatabaseName)
	if len(nameBytes) > maxDatabaseNameBytes {
		return errors.Errorf("storage: database name exceeds %d bytes", maxDatabaseNameBytes)
	}
	copy(buf[off:off+maxDatabaseNameBytes], nameBytes)
	off += maxDatabaseNameBytes

	if len(h.UserData) > maxUserDataBytes {
		return errors.Errorf("storage: user data exceeds %d bytes", maxUserDataBytes)
	}
	copy(buf[off:off+maxUserDataBytes], h.UserData)
	off += maxUserDataBytes

	copy(buf[off:off+securitySaltBytes], h.SecuritySalt)
	off += securitySaltBytes
	copy(buf[off:off+securityHashBytes], h.SecurityHash)
	off += securityHashBytes

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return nil
}

// DecodeDatabaseHeader reads and CRC-validates the header from a page-1
// payload. A checksum mismatch returns ErrChecksumMismatch so callers can
// classify it as CorruptionError.
func DecodeDatabaseHeader(payload []byte) (*DatabaseHeader, error) {
	if len(payload) < DatabaseHeaderSize {
		return nil, errors.Errorf("storage: page too small for database header (%d < %d)", len(payload), DatabaseHeaderSize)
	}
	buf := payload[:DatabaseHeaderSize]
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off:]); off += 4; return v }
	getI64 := func() int64 { v := int64(binary.LittleEndian.Uint64(buf[off:])); off += 8; return v }

	h := &DatabaseHeader{}
	h.Magic = getU32()
	h.Version = getU32()
	h.PageSize = getU32()
	h.TotalPages = getU32()
	h.UsedPages = getU32()
	h.CollectionRootPageID = getU32()
	h.FreelistHeadPageID = getU32()
	h.CreatedAt = getI64()
	h.ModifiedAt = getI64()
	h.Flags = getU32()

	name := buf[off : off+maxDatabaseNameBytes]
	off += maxDatabaseNameBytes
	if nul := indexByte(name, 0); nul >= 0 {
		h.DatabaseName = string(name[:nul])
	} else {
		h.DatabaseName = string(name)
	}

	userData := make([]byte, maxUserDataBytes)
	copy(userData, buf[off:off+maxUserDataBytes])
	h.UserData = userData
	off += maxUserDataBytes

	salt := make([]byte, securitySaltBytes)
	copy(salt, buf[off:off+securitySaltBytes])
	h.SecuritySalt = salt
	off += securitySaltBytes

	hash := make([]byte, securityHashBytes)
	copy(hash, buf[off:off+securityHashBytes])
	h.SecurityHash = hash
	off += securityHashBytes

	storedCRC := binary.LittleEndian.Uint32(buf[off:])
	computedCRC := crc32.ChecksumIEEE(buf[:off])
	if storedCRC != computedCRC {
		return h, ErrChecksumMismatch
	}
	return h, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
