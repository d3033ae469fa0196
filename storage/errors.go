package storage

import "github.com/pkg/errors"

// Sentinel errors returned by the storage package, usually wrapped with
// context; callers match them with errors.Is.
var (
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
	ErrPageNotFound     = errors.New("storage: page not found")
	ErrReadOnly         = errors.New("storage: database is read-only")
	ErrMetadataTooLarge = errors.New("storage: collection metadata too large for its page")
	ErrUnsupportedFormat = errors.New("storage: unsupported database version")
)
