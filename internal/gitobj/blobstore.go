package gitobj

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// blobStore spools file content to a content-addressed staging directory
// as it streams in, so batchedPrinter never holds a whole file in
// memory. The blob's ID is the hex SHA-1 of the canonical git "blob
// <size>\0<content>" encoding, matching git's own object hashing so
// identical content always produces the same ID, and so the same
// staged file can be reused if the same blob is referenced again within
// a run.
type blobStore struct {
	dir string
}

func newBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gitobj: creating blob staging dir: %w", err)
	}
	return &blobStore{dir: dir}, nil
}

// stagingWriter spools one blob's content straight to a temp file; the
// content is re-read from disk to compute its git blob ID in Close, so
// the writer never holds a whole blob in memory regardless of size.
// FastImportDB.emitBlobLocked later reads each staged blob whole into
// memory to hand it to fast-import as a CmdBlob.
type stagingWriter struct {
	store *blobStore
	tmp   *os.File
	size  int64
}

func (s *blobStore) newWriter() (*stagingWriter, error) {
	tmp, err := os.CreateTemp(s.dir, "blob-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("gitobj: creating blob temp file: %w", err)
	}
	return &stagingWriter{store: s, tmp: tmp}, nil
}

func (w *stagingWriter) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	w.size += int64(n)
	return n, err
}

// Close finalizes the blob: streams the spooled temp file back through
// SHA-1 to compute its git blob ID, moves the temp file into the
// content-addressed store (deduplicating if the ID is already
// present), and returns the ID.
func (w *stagingWriter) Close() (string, error) {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", w.size)
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return "", fmt.Errorf("gitobj: rewinding blob temp file: %w", err)
	}
	if _, err := io.Copy(h, w.tmp); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return "", fmt.Errorf("gitobj: hashing blob temp file: %w", err)
	}
	id := hex.EncodeToString(h.Sum(nil))

	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return "", fmt.Errorf("gitobj: closing blob temp file: %w", err)
	}

	dst := w.store.path(id)
	if _, err := os.Stat(dst); err == nil {
		// Already staged (duplicate content); discard the redundant copy.
		os.Remove(w.tmp.Name())
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(w.tmp.Name())
		return "", fmt.Errorf("gitobj: creating blob shard dir: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), dst); err != nil {
		os.Remove(w.tmp.Name())
		return "", fmt.Errorf("gitobj: staging blob %s: %w", id, err)
	}
	return id, nil
}

func (s *blobStore) path(id string) string {
	return filepath.Join(s.dir, id[:2], id[2:4], id)
}

// open returns a reader over a previously staged blob's content (the
// emitter streams this into the fast-import "data" command).
func (s *blobStore) open(id string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, 0, fmt.Errorf("gitobj: opening staged blob %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("gitobj: stat staged blob %s: %w", id, err)
	}
	return f, info.Size(), nil
}
