// Package xelf extracts identity and debug-info facts from ELF images:
// GNU and Go build ids, presence of DWARF sections, and a deterministic
// pseudo identity for images that carry no build id at all.
package xelf

import (
	"debug/elf"
	"encoding/hex"
	"io"
	"os"
)

////////////////////////////////////////////////////////////////////////////////

// GetBuildID opens path and returns its build id. See ReadBuildID.
func GetBuildID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	return ReadBuildID(f)
}

// ReadBuildID extracts the build id of an ELF image. A Go build id note is
// preferred over a GNU one. Images without any note fall back to a
// deterministic pseudo id derived from the executable sections, so every
// readable image resolves to some stable identity.
func ReadBuildID(r io.ReaderAt) (string, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	return parseBuildID(f)
}

////////////////////////////////////////////////////////////////////////////////

const (
	noteTypeGNUBuildID uint32 = 3
	noteTypeGoBuildID  uint32 = 4
)

func parseBuildID(f *elf.File) (string, error) {
	var goID, gnuID string

	visit := func(rs io.ReadSeeker) {
		sc := newNoteScanner(f.ByteOrder, rs)
		for sc.Scan() {
			switch {
			case sc.Name() == "Go" && sc.Type() == noteTypeGoBuildID:
				goID = string(sc.Desc())
			case sc.Name() == "GNU" && sc.Type() == noteTypeGNUBuildID:
				gnuID = hex.EncodeToString(sc.Desc())
			}
		}
	}

	// Well-formed images describe notes in sections. Stripped or
	// sections-less images still keep them reachable through the
	// program headers.
	for _, scn := range f.Sections {
		if scn.Type == elf.SHT_NOTE {
			visit(scn.Open())
		}
	}
	if goID == "" && gnuID == "" {
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_NOTE {
				visit(prog.Open())
			}
		}
	}

	if goID != "" {
		return goID, nil
	}
	if gnuID != "" {
		return gnuID, nil
	}

	return PseudoBuildID(f)
}
