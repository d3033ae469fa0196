package storage

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// CompressionAlgorithm selects how WriteAheadLog frame bodies are encoded
// on disk when Options.EnableCompression is set. Page entries themselves
// stay uncompressed BSON so the page byte-accounting invariants
// (free_bytes + Σ(4+len) == capacity) hold regardless of this setting.
type CompressionAlgorithm byte

const (
	CompressionNone   CompressionAlgorithm = 0
	CompressionSnappy CompressionAlgorithm = 1
	CompressionLZ4    CompressionAlgorithm = 2
)

// CompressBytes compresses src with algo. CompressionNone returns src
// unchanged (no copy).
func CompressBytes(algo CompressionAlgorithm, src []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return src, nil
	case CompressionSnappy:
		return snappy.Encode(nil, src), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, errors.Wrap(err, "storage: lz4 compress")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "storage: lz4 compress close")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Errorf("storage: unknown compression algorithm %d", algo)
	}
}

// DecompressBytes reverses CompressBytes.
func DecompressBytes(algo CompressionAlgorithm, src []byte) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return src, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, errors.Wrap(err, "storage: snappy decompress")
		}
		return out, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(src))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "storage: lz4 decompress")
		}
		return out, nil
	default:
		return nil, errors.Errorf("storage: unknown compression algorithm %d", algo)
	}
}
