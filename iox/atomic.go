package iox

import (
	"io"
	"os"
	"path/filepath"
)

// ChunkSize is the streaming copy buffer size used across cache writers
// and storage handlers.
const ChunkSize = 16 * 1024

// WriteAtomic writes all of r to a temp file in filepath.Dir(dest), then
// renames it into place. Cache and storage handler writers use this so a
// reader never observes a partially written content-addressed file.
func WriteAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op once renamed
	}()

	n, err := io.CopyBuffer(tmp, r, make([]byte, ChunkSize))
	if err != nil {
		DiscardClose(tmp)
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return n, err
	}
	return n, nil
}
