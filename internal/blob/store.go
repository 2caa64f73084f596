/**
 * @description
 * This file implements a disk-backed blob store for user backup payloads. Blobs are
 * written atomically (temp file then rename) and addressed by a relative path that is
 * validated against directory traversal before any read.
 */
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store persists opaque blobs under a single root directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns a store over it.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Save writes the reader's contents as the latest blob for a uid and returns the
// relative path to hand to the metadata store. The write goes through a temp file so
// a concurrent reader never observes a partial blob.
func (s *Store) Save(uid string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(s.root, uid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create blob dir for %s: %w", uid, err)
	}

	tmp, err := os.CreateTemp(dir, "backup-*.tmp")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	final := filepath.Join(dir, "latest.bin")
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, err
	}
	return filepath.Join(uid, "latest.bin"), size, nil
}

// Open streams a previously saved blob by its relative path. Paths that would
// escape the root are rejected.
func (s *Store) Open(rel string) (io.ReadCloser, int64, error) {
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return nil, 0, fmt.Errorf("invalid blob path %q", rel)
	}

	full := filepath.Join(s.root, cleaned)
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
