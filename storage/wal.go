package storage

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// walMagic identifies a docbase WAL file.
var walMagic = [4]byte{'D', 'B', 'W', 'L'}

// walHeaderSize is the fixed WAL file header: magic + version + compression.
const walHeaderSize = 16
const walHeaderVersion = 1

// walFrameHeaderSize is the fixed portion preceding a frame's page image:
// page_id (u32) + image length (u32).
const walFrameHeaderSize = 8
const walFrameTrailerSize = 4 // crc32

// WriteAheadLog is an append-only log of page images. Writes are buffered
// in memory, indexed by page id (a later write of the same page overwrites
// the earlier pending image — last writer wins within a commit), and are
// only made durable by FlushLog / Synchronize.
type WriteAheadLog struct {
	mu       sync.Mutex
	file     StorageFile
	path     string
	pending  map[uint32][]byte
	compress CompressionAlgorithm
}

// OpenWriteAheadLog opens or creates the WAL file at path, compressing frame
// bodies with compress (a fresh file records compress in its header; an
// existing file's own recorded algorithm always wins, so a later change to
// Options.Compression doesn't desynchronize an already-written WAL).
func OpenWriteAheadLog(path string, compress CompressionAlgorithm) (*WriteAheadLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open WAL file")
	}
	w := &WriteAheadLog{file: file, path: path, pending: make(map[uint32][]byte), compress: compress}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else if err := w.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// RemoveStaleWAL best-effort deletes a WAL file left over from a previous
// run with journaling enabled. A locked or missing file is tolerated.
func RemoveStaleWAL(path string) {
	_ = os.Remove(path)
}

func (w *WriteAheadLog) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], walHeaderVersion)
	hdr[8] = byte(w.compress)
	_, err := w.file.WriteAt(hdr[:], 0)
	return err
}

func (w *WriteAheadLog) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return errors.Wrap(err, "storage: read WAL header")
	}
	if hdr[0] != walMagic[0] || hdr[1] != walMagic[1] || hdr[2] != walMagic[2] || hdr[3] != walMagic[3] {
		return errors.New("storage: invalid WAL magic")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != walHeaderVersion {
		return errors.Errorf("storage: unsupported WAL version %d", version)
	}
	w.compress = CompressionAlgorithm(hdr[8])
	return nil
}

// Close closes the underlying file without flushing pending writes.
func (w *WriteAheadLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// AppendPage buffers a page image (compressed per the WAL's configured
// algorithm) to be written on the next FlushLog.
func (w *WriteAheadLog) AppendPage(pageID uint32, image []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	compressed, err := CompressBytes(w.compress, image)
	if err != nil {
		return errors.Wrap(err, "storage: compress WAL frame")
	}
	cp := make([]byte, len(compressed))
	copy(cp, compressed)
	w.pending[pageID] = cp
	return nil
}

// PendingCount reports how many distinct pages are buffered.
func (w *WriteAheadLog) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// FlushLog writes every buffered frame to the WAL file and fsyncs it. It is
// a no-op if nothing is pending. Returns the set of pages it flushed so the
// caller can apply them to the main file.
func (w *WriteAheadLog) FlushLog() (map[uint32][]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, nil
	}

	if _, err := w.file.Stat(); err != nil {
		return nil, err
	}
	offset, err := w.endOffset()
	if err != nil {
		return nil, err
	}

	flushed := w.pending
	w.pending = make(map[uint32][]byte)

	// Deterministic order keeps crash-test expectations stable.
	ids := make([]uint32, 0, len(flushed))
	for id := range flushed {
		ids = append(ids, id)
	}
	sortUint32(ids)

	for _, id := range ids {
		image := flushed[id]
		frame := make([]byte, walFrameHeaderSize+len(image)+walFrameTrailerSize)
		binary.LittleEndian.PutUint32(frame[0:4], id)
		binary.LittleEndian.PutUint32(frame[4:8], uint32(len(image)))
		copy(frame[8:], image)
		crc := crc32.ChecksumIEEE(frame[:walFrameHeaderSize+len(image)])
		binary.LittleEndian.PutUint32(frame[walFrameHeaderSize+len(image):], crc)

		if _, err := w.file.WriteAt(frame, offset); err != nil {
			return nil, errors.Wrap(err, "storage: write WAL frame")
		}
		offset += int64(len(frame))
	}

	if err := w.file.Sync(); err != nil {
		return nil, errors.Wrap(err, "storage: fsync WAL")
	}
	// Buffered frames hold compressed bodies; return the page images.
	images := make(map[uint32][]byte, len(flushed))
	for id, body := range flushed {
		image, err := DecompressBytes(w.compress, body)
		if err != nil {
			return nil, errors.Wrap(err, "storage: decompress flushed WAL frame")
		}
		images[id] = image
	}
	return images, nil
}

// Synchronize is the crash-safe commit sequence: flush pending frames to
// the WAL (fsynced), hand them to apply (which must write them to the main
// file and fsync it), then truncate the WAL. On any step's failure the WAL
// is left intact so the next open can replay it.
func (w *WriteAheadLog) Synchronize(apply func(dirty map[uint32][]byte) error) error {
	flushed, err := w.FlushLog()
	if err != nil {
		return err
	}
	if len(flushed) == 0 {
		return nil
	}
	if err := apply(flushed); err != nil {
		return err
	}
	return w.Truncate()
}

// Truncate resets the WAL to an empty (header-only) state and fsyncs.
func (w *WriteAheadLog) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return errors.Wrap(err, "storage: truncate WAL")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "storage: fsync WAL after truncate")
	}
	w.pending = make(map[uint32][]byte)
	return nil
}

// Replay reads every frame persisted in the WAL file (ignoring anything
// still only buffered in memory, since Replay is only meaningful right
// after OpenWriteAheadLog) and returns the page images to apply, keyed by
// page id with later frames overriding earlier ones for the same id. A
// truncated or corrupt trailing frame stops the scan cleanly: everything
// decoded up to that point is still returned.
func (w *WriteAheadLog) Replay() (map[uint32][]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[uint32][]byte)
	offset := int64(walHeaderSize)
	hdrBuf := make([]byte, walFrameHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if err == io.EOF || n < walFrameHeaderSize {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "storage: read WAL frame header")
		}
		pageID := binary.LittleEndian.Uint32(hdrBuf[0:4])
		length := binary.LittleEndian.Uint32(hdrBuf[4:8])

		rest := make([]byte, int(length)+walFrameTrailerSize)
		n, err = w.file.ReadAt(rest, offset+walFrameHeaderSize)
		if err == io.EOF || n < len(rest) {
			break // torn trailing frame from a crash mid-append; stop cleanly
		}
		if err != nil {
			return nil, errors.Wrap(err, "storage: read WAL frame body")
		}

		image := rest[:length]
		storedCRC := binary.LittleEndian.Uint32(rest[length:])
		full := make([]byte, walFrameHeaderSize+int(length))
		copy(full, hdrBuf)
		copy(full[walFrameHeaderSize:], image)
		if crc32.ChecksumIEEE(full) != storedCRC {
			break // corrupt frame; stop before it, don't fail open
		}

		decoded, err := DecompressBytes(w.compress, image)
		if err != nil {
			break // corrupt or mismatched-algorithm frame; stop before it
		}
		cp := make([]byte, len(decoded))
		copy(cp, decoded)
		out[pageID] = cp

		offset += walFrameHeaderSize + int64(length) + walFrameTrailerSize
	}
	return out, nil
}

func (w *WriteAheadLog) endOffset() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size < walHeaderSize {
		return walHeaderSize, nil
	}
	return size, nil
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// WALFileName computes the WAL path for a database file given a naming
// format with {name}/{ext} tokens. An empty format falls back to
// "<dbfile>.wal". If the computed name carries no extension, the database
// file's own extension is appended.
func WALFileName(dbPath, format string) string {
	dir := filepath.Dir(dbPath)
	if dir == "" {
		dir = "."
	}
	base := filepath.Base(dbPath)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	name := strings.TrimSuffix(base, filepath.Ext(base))

	if format == "" {
		return filepath.Join(dir, base+".wal")
	}

	result := strings.ReplaceAll(format, "{name}", name)
	result = strings.ReplaceAll(result, "{ext}", ext)
	if filepath.Ext(result) == "" && ext != "" {
		result += "." + ext
	}
	return filepath.Join(dir, result)
}
