// Package atomicfs publishes files and directories atomically: content is
// staged under a temporary name inside the destination's directory and then
// moved into place with a single rename, so readers never observe partially
// written state.
package atomicfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////////////

// TempSuffix marks staging entries. Crashed writers may leave them behind,
// SweepTemp collects the leftovers.
const TempSuffix = ".tmp-"

////////////////////////////////////////////////////////////////////////////////

// WriteFile atomically replaces path with data. The parent directory must
// already exist.
func WriteFile(path string, data []byte, mode os.FileMode) (err error) {
	path, err = filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve destination path: %w", err)
	}
	dir, base := filepath.Split(path)

	tmp, err := os.CreateTemp(dir, base+TempSuffix)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(mode); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

////////////////////////////////////////////////////////////////////////////////

// MkdirTemp creates a staging directory next to the intended destination.
// Pass the result to PublishDir once it is fully materialized.
func MkdirTemp(dst string) (string, error) {
	dir, base := filepath.Split(dst)
	return os.MkdirTemp(dir, base+TempSuffix)
}

// PublishDir moves a fully materialized staging directory into place.
// If a concurrent publisher got there first, the staged copy is discarded
// and the existing destination is kept.
func PublishDir(staged, dst string) error {
	err := os.Rename(staged, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) || errors.Is(err, unix.ENOTEMPTY) {
		_ = os.RemoveAll(staged)
		return nil
	}
	_ = os.RemoveAll(staged)
	return fmt.Errorf("failed to publish %s: %w", dst, err)
}

////////////////////////////////////////////////////////////////////////////////

// SweepTemp removes staging leftovers in dir and reports how many were
// collected. Entries currently being staged by live writers are
// indistinguishable from leftovers, so call this only on startup, before
// any writer runs.
func SweepTemp(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, entry := range entries {
		if !strings.Contains(entry.Name(), TempSuffix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}
