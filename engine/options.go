package engine

import (
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/mlindgren/docbase/storage"
)

// WriteConcern controls how aggressively a commit is made durable before
// returning to the caller.
type WriteConcern int

const (
	// WriteConcernSynced fsyncs the database file before commit returns.
	WriteConcernSynced WriteConcern = iota
	// WriteConcernJournaled fsyncs the WAL before commit returns; the DB
	// fsync is deferred to the next checkpoint.
	WriteConcernJournaled
	// WriteConcernNone defers all fsyncs to the background flush worker.
	WriteConcernNone
)

// Options configures a newly opened Engine. Default() returns the documented
// defaults; a zero PageSize or CacheSize falls back to its default at Open.
// Validate() rejects out-of-range combinations before Open.
type Options struct {
	PageSize                 uint32
	CacheSize                int
	EnableJournaling         bool
	WALFileNameFormat        string
	EnableAutoCheckpoint     bool
	Timeout                  time.Duration
	ReadOnly                 bool
	StrictMode               bool
	DatabaseName             string
	UserData                 []byte
	EnableCompression        bool
	CompressionAlgorithm     storage.CompressionAlgorithm // used when EnableCompression is set; zero value defaults to Snappy
	EnableEncryption         bool
	EncryptionKey            []byte
	Password                 string
	MaxTransactionSize       int
	MaxTransactions          int
	TransactionTimeout       time.Duration
	WriteConcern             WriteConcern
	BackgroundFlushInterval  time.Duration // 0 means "infinite" (no background flush worker)
	JournalFlushDelay        time.Duration
}

// Default returns an Options populated with the spec's documented defaults.
func Default() Options {
	return Options{
		PageSize:                storage.DefaultPageSize,
		CacheSize:               1000,
		EnableJournaling:        true,
		WALFileNameFormat:       "{name}-wal.{ext}",
		EnableAutoCheckpoint:    true,
		Timeout:                 5 * time.Second,
		MaxTransactionSize:      10000,
		MaxTransactions:         1000,
		TransactionTimeout:      30 * time.Second,
		WriteConcern:            WriteConcernSynced,
		BackgroundFlushInterval: 0,
		JournalFlushDelay:       0,
	}
}

// Validate checks every constraint the spec places on configuration options.
func (o *Options) Validate() error {
	if o.PageSize != 0 && !storage.IsValidPageSize(o.PageSize) {
		return errors.Wrapf(ErrInvalidArgument, "page_size %d must be a power of two >= %d", o.PageSize, storage.MinPageSize)
	}
	if o.CacheSize < 0 {
		return errors.Wrap(ErrInvalidArgument, "cache_size must be > 0")
	}
	if o.Timeout < 0 {
		return errors.Wrap(ErrInvalidArgument, "timeout must be > 0")
	}
	if o.DatabaseName != "" && utf8.RuneCountInString(o.DatabaseName) > 0 && len(o.DatabaseName) > 63 {
		return errors.Wrap(ErrInvalidArgument, "database_name must be <= 63 UTF-8 bytes")
	}
	if len(o.UserData) > 64 {
		return errors.Wrap(ErrInvalidArgument, "user_data must be <= 64 bytes")
	}
	if o.EnableEncryption && len(o.EncryptionKey) < 16 {
		return errors.Wrap(ErrInvalidArgument, "encryption_key must be >= 16 bytes when encryption is enabled")
	}
	if o.Password != "" && len(o.Password) < 6 {
		return errors.Wrap(ErrInvalidArgument, "password must be >= 6 characters when set")
	}
	if o.MaxTransactionSize < 0 {
		return errors.Wrap(ErrInvalidArgument, "max_transaction_size must be > 0")
	}
	if o.MaxTransactions < 0 {
		return errors.Wrap(ErrInvalidArgument, "max_transactions must be > 0")
	}
	if o.TransactionTimeout < 0 {
		return errors.Wrap(ErrInvalidArgument, "transaction_timeout must be > 0")
	}
	if o.BackgroundFlushInterval < 0 {
		return errors.Wrap(ErrInvalidArgument, "background_flush_interval must be >= 0")
	}
	if o.JournalFlushDelay < 0 {
		return errors.Wrap(ErrInvalidArgument, "journal_flush_delay must be >= 0")
	}
	return nil
}

func (o Options) pageSizeOrDefault() uint32 {
	if o.PageSize == 0 {
		return storage.DefaultPageSize
	}
	return o.PageSize
}

func (o Options) cacheSizeOrDefault() int {
	if o.CacheSize == 0 {
		return 1000
	}
	return o.CacheSize
}

func (o Options) compressionOrDefault() storage.CompressionAlgorithm {
	if !o.EnableCompression {
		return storage.CompressionNone
	}
	if o.CompressionAlgorithm == storage.CompressionNone {
		return storage.CompressionSnappy
	}
	return o.CompressionAlgorithm
}
