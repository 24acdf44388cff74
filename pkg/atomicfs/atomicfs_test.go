package atomicfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFile(path, []byte("first"), 0644))
	require.NoError(t, WriteFile(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging files must not survive a successful write")
}

func TestWriteFileMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")

	require.NoError(t, WriteFile(path, []byte("#!/bin/sh\n"), 0755))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestPublishDir(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "bundle")

	staged, err := MkdirTemp(dst)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staged, "payload"), []byte("x"), 0644))

	require.NoError(t, PublishDir(staged, dst))

	_, err = os.Stat(filepath.Join(dst, "payload"))
	require.NoError(t, err)
	_, err = os.Stat(staged)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPublishDirConcurrent(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "bundle")

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			staged, err := MkdirTemp(dst)
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(staged, "payload"), []byte("x"), 0644); err != nil {
				return err
			}
			return PublishDir(staged, dst)
		})
	}
	require.NoError(t, g.Wait())

	_, err := os.Stat(filepath.Join(dst, "payload"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "losing publishers must clean up their staging dirs")
}

func TestSweepTemp(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bundle"+TempSuffix+"123"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"+TempSuffix+"42"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0644))

	swept, err := SweepTemp(dir)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "state.json", entries[0].Name())
}
