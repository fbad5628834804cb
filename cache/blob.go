package cache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/teranos/bookenrich/errors"
)

// LocalFS stores blob payloads under Root.
type LocalFS struct {
	Root string
}

// Put writes r to relPath atomically via a temp file and rename
func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create blob directory for %s", clean)
	}

	f, err := os.CreateTemp(filepath.Dir(abs), ".blob-*")
	if err != nil {
		return "", errors.Wrapf(err, "failed to create temp blob for %s", clean)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errors.Wrapf(err, "failed to write blob %s", clean)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "failed to close blob %s", clean)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "failed to commit blob %s", clean)
	}
	return clean, nil
}

// ReadAll returns the bytes stored at relPath
func (l LocalFS) ReadAll(relPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.Root, filepath.Clean(relPath)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blob %s", relPath)
	}
	return data, nil
}

// Exists reports whether relPath is present
func (l LocalFS) Exists(relPath string) bool {
	_, err := os.Stat(filepath.Join(l.Root, filepath.Clean(relPath)))
	return err == nil
}

// Remove deletes relPath, ignoring a missing file
func (l LocalFS) Remove(relPath string) error {
	err := os.Remove(filepath.Join(l.Root, filepath.Clean(relPath)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove blob %s", relPath)
	}
	return nil
}

func putBytes(l LocalFS, relPath string, data []byte) (string, error) {
	return l.Put(relPath, bytes.NewReader(data))
}
