package store

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic replaces path with data through a temp file in the same
// directory so readers never observe a partial document.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return errors.Wrapf(err, "write temp file for %s", path)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return errors.Wrapf(err, "chmod temp file for %s", path)
	}
	if err := tempFile.Close(); err != nil {
		return errors.Wrapf(err, "close temp file for %s", path)
	}
	if err := os.Rename(tempName, path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	cleanup = false
	return nil
}

// ReadFileIfExists reports false without error when path is missing.
func ReadFileIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "read %s", path)
	}
	return b, true, nil
}
