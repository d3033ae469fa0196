package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func tempWALPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.wal")
}

func TestWALCreateAndClose(t *testing.T) {
	path := tempWALPath(t)

	wal, err := OpenWriteAheadLog(path, CompressionNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if wal.PendingCount() != 0 {
		t.Errorf("expected 0 pending frames, got %d", wal.PendingCount())
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("WAL file should exist")
	}
}

func TestWALAppendFlushReplay(t *testing.T) {
	path := tempWALPath(t)

	wal, err := OpenWriteAheadLog(path, CompressionNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	img1 := bytes.Repeat([]byte{0xAA}, 64)
	img2 := bytes.Repeat([]byte{0xBB}, 64)
	if err := wal.AppendPage(1, img1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := wal.AppendPage(2, img2); err != nil {
		t.Fatalf("append: %v", err)
	}

	flushed, err := wal.FlushLog()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flushed) != 2 {
		t.Fatalf("expected 2 flushed pages, got %d", len(flushed))
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenWriteAheadLog(path, CompressionNone)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	replayed, err := reopened.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !bytes.Equal(replayed[1], img1) {
		t.Error("page 1 image mismatch after replay")
	}
	if !bytes.Equal(replayed[2], img2) {
		t.Error("page 2 image mismatch after replay")
	}
}

func TestWALLastWriteWinsWithinFlush(t *testing.T) {
	path := tempWALPath(t)
	wal, err := OpenWriteAheadLog(path, CompressionNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	if err := wal.AppendPage(5, []byte{1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := wal.AppendPage(5, []byte{2}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if wal.PendingCount() != 1 {
		t.Fatalf("expected 1 pending page, got %d", wal.PendingCount())
	}
	flushed, err := wal.FlushLog()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !bytes.Equal(flushed[5], []byte{2}) {
		t.Errorf("expected last write to win, got %v", flushed[5])
	}
}

func TestWALSynchronizeTruncates(t *testing.T) {
	path := tempWALPath(t)
	wal, err := OpenWriteAheadLog(path, CompressionNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	if err := wal.AppendPage(1, []byte{9, 9, 9}); err != nil {
		t.Fatalf("append: %v", err)
	}
	applied := false
	err = wal.Synchronize(func(pages map[uint32][]byte) error {
		applied = true
		if !bytes.Equal(pages[1], []byte{9, 9, 9}) {
			t.Errorf("unexpected page image passed to apply: %v", pages[1])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	if !applied {
		t.Fatal("apply callback was not invoked")
	}

	replayed, err := wal.Replay()
	if err != nil {
		t.Fatalf("replay after synchronize: %v", err)
	}
	if len(replayed) != 0 {
		t.Errorf("expected empty WAL after synchronize, got %d pages", len(replayed))
	}
}

func TestWALCompressedFramesRoundTrip(t *testing.T) {
	path := tempWALPath(t)
	wal, err := OpenWriteAheadLog(path, CompressionSnappy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	image := bytes.Repeat([]byte{0xCD}, 4096)
	if err := wal.AppendPage(1, image); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := wal.FlushLog(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenWriteAheadLog(path, CompressionNone)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	replayed, err := reopened.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !bytes.Equal(replayed[1], image) {
		t.Error("expected decompressed image to round-trip using the algorithm recorded in the WAL header")
	}
}

func TestWALFileNameTokens(t *testing.T) {
	if got := WALFileName("/data/mydb.docbase", ""); got != "/data/mydb.docbase.wal" {
		t.Errorf("default format: got %q", got)
	}
	if got := WALFileName("/data/mydb.docbase", "{name}-wal.{ext}"); got != "/data/mydb-wal.docbase" {
		t.Errorf("token format: got %q", got)
	}
}
