package artifactcache

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

////////////////////////////////////////////////////////////////////////////////

// Bundle archive formats the build infrastructure publishes.
const (
	FormatZip     = "zip"
	FormatTarZstd = "tar.zst"
)

func unpackArchive(path, dest string) error {
	switch {
	case strings.HasSuffix(path, "."+FormatZip):
		return unpackZip(path, dest)
	case strings.HasSuffix(path, "."+FormatTarZstd):
		return unpackTarZstd(path, dest)
	default:
		return fmt.Errorf("unsupported bundle format: %s", filepath.Base(path))
	}
}

// entryPath resolves an archive member against dest, rejecting members
// that would escape it.
func entryPath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean(name))
	if target != dest && !strings.HasPrefix(target, dest+string(filepath.Separator)) {
		return "", fmt.Errorf("archive member %q escapes bundle directory", name)
	}
	return target, nil
}

////////////////////////////////////////////////////////////////////////////////

func unpackZip(path, dest string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open bundle %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to read archive member %q: %w", f.Name, err)
		}
		err = writeMember(target, src, f.Mode())
		_ = src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

func unpackTarZstd(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open bundle %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read bundle %s: %w", filepath.Base(path), err)
		}

		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeMember(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and device nodes have no business inside a
			// build bundle.
			continue
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

func writeMember(target string, src io.Reader, mode os.FileMode) error {
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(target), err)
	}
	return nil
}
