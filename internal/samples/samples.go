// Package samples streams raw profiler samples out of recorded profiles.
//
// Two layouts are supported: the text dump produced by the sampling tool's
// own "script" subcommand, and pprof protobufs. Both are normalized into
// file virtual addresses so reports can resolve them against the images of
// a symbols bundle.
package samples

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
)

////////////////////////////////////////////////////////////////////////////////

// Sample is one profiler hit attributed to an instruction.
type Sample struct {
	// Period is the sampling weight of the hit.
	Period uint64
	// Symbol is the containing symbol name as recorded, possibly mangled
	// and possibly "[unknown]".
	Symbol string
	// DSO is the path of the image the instruction belongs to.
	DSO string
	// VAddr is the instruction's file virtual address.
	VAddr uint64
	// SymbolVAddr is the file virtual address of the containing symbol.
	SymbolVAddr uint64
}

// Offset is the sample's distance from its symbol base.
func (s *Sample) Offset() uint64 {
	if s.VAddr < s.SymbolVAddr {
		return 0
	}
	return s.VAddr - s.SymbolVAddr
}

// Session streams the samples of one profile. Next returns io.EOF after the
// last sample.
type Session interface {
	Next() (*Sample, error)
	Close() error
}

// Reader opens recorded profiles. symbolDir points at an unpacked symbols
// bundle used to resolve the images the profile references; it may be empty
// when only host images are involved.
type Reader interface {
	Open(ctx context.Context, profilePath, symbolDir string) (Session, error)
}

////////////////////////////////////////////////////////////////////////////////

// ForProfile picks a reader for the profile at path. pprof protobufs are
// parsed directly, anything else goes through the sampling tool's dump.
func ForProfile(logger *zap.Logger, path, tool string) (Reader, error) {
	switch {
	case strings.HasSuffix(path, ".pb.gz"),
		strings.HasSuffix(path, ".pprof"),
		strings.HasSuffix(path, ".pb"):
		return NewProfileReader(logger)
	default:
		return NewScriptReader(logger, tool), nil
	}
}

// Collect drains a session into memory. Small profiles only; reports
// aggregate incrementally instead.
func Collect(s Session) ([]*Sample, error) {
	var out []*Sample
	for {
		sample, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
}
