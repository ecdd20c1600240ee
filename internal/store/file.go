package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

var errNotExist = os.ErrNotExist

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errNotExist
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return data, nil
}

// writeFile replaces path atomically: temp file, fsync, rename.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write settings data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace settings file: %w", err)
	}
	return nil
}
