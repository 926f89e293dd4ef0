// Package atomicfile provides write-tmp-then-rename durability for the
// JSON persistence files this module manages. The workflow FileStore
// writes every workflow through here instead of os.WriteFile directly.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces path with data. It writes to a sibling
// temp file in the same directory (so the final os.Rename is on the
// same filesystem) and fsyncs before renaming.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	// Ensure the temp file is removed if we fail before the rename.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("atomicfile: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomicfile: rename: %w", err)
	}
	succeeded = true
	return nil
}

// WriteJSON is a convenience wrapper for callers that already have
// marshalled bytes; kept separate from Write so call sites read as
// "persist this JSON document" rather than "persist these bytes".
func WriteJSON(path string, data []byte) error {
	return Write(path, data, 0o644)
}
