package engine

import "github.com/pkg/errors"

// Sentinel errors forming the engine's error taxonomy. Wrap with
// errors.Wrap/Wrapf for context; callers should compare with errors.Is.
var (
	// ErrCorruption covers header checksum failures, page CRC mismatches,
	// and BSON decode failures encountered outside tolerant scan paths.
	ErrCorruption = errors.New("engine: corruption detected")

	// ErrNotFound covers a page id beyond the file, an unknown collection,
	// or a missing document id on a direct lookup.
	ErrNotFound = errors.New("engine: not found")

	// ErrInvalidArgument covers null/empty names, oversize metadata, and
	// malformed options.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrConflict covers duplicate _id on insert, unique-index violations,
	// foreign-key violations, and write-write conflicts after lock timeout.
	ErrConflict = errors.New("engine: conflict")

	// ErrDeadlock is returned when a transaction was selected as a deadlock
	// victim; the caller may retry.
	ErrDeadlock = errors.New("engine: selected as deadlock victim")

	// ErrUnsupported covers unknown op codes and unsupported database versions.
	ErrUnsupported = errors.New("engine: unsupported")

	// ErrDisposed is returned once the engine (or its transaction manager)
	// has been closed.
	ErrDisposed = errors.New("engine: disposed")

	// ErrIO covers disk failures during fsync and other transient I/O errors.
	ErrIO = errors.New("engine: io error")

	// ErrDuplicateKey is returned by InsertDocument when _id already exists
	// in the collection (non-transactional path).
	ErrDuplicateKey = errors.New("engine: duplicate key")
)

// AggregateError collects independent failures from a batch operation
// (InsertDocuments): each document is attempted independently and failures
// are reported together without rolling back the documents that succeeded.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := "engine: multiple failures in batch:"
	for _, err := range e.Errors {
		msg += " [" + err.Error() + "]"
	}
	return msg
}

func (e *AggregateError) Unwrap() []error { return e.Errors }
