package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDir returns the on-disk directory backing the node's keyed store.
func DataDir(datadir string) string {
	return filepath.Join(datadir, "db")
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
