package samples

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/pprof/profile"
	"go.uber.org/zap"

	"github.com/mraleph/benchmark-harness/internal/debuginfo"
)

////////////////////////////////////////////////////////////////////////////////

const tableCacheSize = 32

// ProfileReader reads pprof protobuf profiles. pprof locations carry raw
// addresses and mappings but no symbol bounds, so containing symbols are
// recovered from the ELF tables of the referenced images.
type ProfileReader struct {
	l      *zap.Logger
	tables *debuginfo.TableCache
}

func NewProfileReader(logger *zap.Logger) (*ProfileReader, error) {
	tables, err := debuginfo.NewTableCache(tableCacheSize)
	if err != nil {
		return nil, err
	}
	return &ProfileReader{l: logger, tables: tables}, nil
}

func (r *ProfileReader) Open(ctx context.Context, profilePath, symbolDir string) (Session, error) {
	f, err := os.Open(profilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	p, err := profile.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", profilePath, err)
	}
	if len(p.SampleType) == 0 {
		return nil, fmt.Errorf("profile %s carries no sample types", profilePath)
	}

	idx := sampleValueIndex(p)
	r.l.Debug("Parsed profile",
		zap.String("path", profilePath),
		zap.Int("samples", len(p.Sample)),
		zap.String("sample_type", p.SampleType[idx].Type),
	)

	out := make([]*Sample, 0, len(p.Sample))
	for _, ps := range p.Sample {
		if len(ps.Location) == 0 || ps.Value[idx] <= 0 {
			continue
		}
		out = append(out, r.convert(ps, idx, symbolDir))
	}
	return &sliceSession{samples: out}, nil
}

// convert normalizes one pprof sample: the leaf location's runtime address
// becomes a file virtual address, and the containing symbol comes from the
// image's ELF table with the profile's own line info as fallback.
func (r *ProfileReader) convert(ps *profile.Sample, idx int, symbolDir string) *Sample {
	loc := ps.Location[0]

	sample := &Sample{
		Period: uint64(ps.Value[idx]),
		Symbol: "[unknown]",
		VAddr:  loc.Address,
	}

	if m := loc.Mapping; m != nil {
		sample.DSO = m.File
		if loc.Address >= m.Start {
			sample.VAddr = loc.Address - m.Start + m.Offset
		}
	}
	sample.SymbolVAddr = sample.VAddr

	if len(loc.Line) > 0 && loc.Line[0].Function != nil && loc.Line[0].Function.Name != "" {
		sample.Symbol = loc.Line[0].Function.Name
	}

	if table := r.imageTable(sample.DSO, symbolDir); table != nil {
		if sym, ok := table.Lookup(sample.VAddr); ok {
			sample.Symbol = sym.Name
			sample.SymbolVAddr = sym.Addr
		}
	}
	return sample
}

// imageTable loads the symbol table of dso, preferring the copy shipped in
// the symbols bundle over host paths.
func (r *ProfileReader) imageTable(dso, symbolDir string) *debuginfo.SymbolTable {
	if dso == "" {
		return nil
	}

	var candidates []string
	if symbolDir != "" {
		candidates = append(candidates,
			filepath.Join(symbolDir, strings.TrimPrefix(dso, "/")),
			filepath.Join(symbolDir, filepath.Base(dso)),
		)
	}
	candidates = append(candidates, dso)

	for _, path := range candidates {
		if st, err := os.Stat(path); err != nil || st.IsDir() {
			continue
		}
		table, err := r.tables.Load(path)
		if err != nil {
			r.l.Debug("Failed to load symbol table",
				zap.String("image", path),
				zap.Error(err),
			)
			continue
		}
		return table
	}
	return nil
}

func sampleValueIndex(p *profile.Profile) int {
	idx := len(p.SampleType) - 1
	for i, st := range p.SampleType {
		if p.DefaultSampleType != "" && st.Type == p.DefaultSampleType {
			return i
		}
		if st.Type == "cycles" || st.Type == "cpu" {
			idx = i
		}
	}
	return idx
}

////////////////////////////////////////////////////////////////////////////////

type sliceSession struct {
	samples []*Sample
	pos     int
}

func (s *sliceSession) Next() (*Sample, error) {
	if s.pos >= len(s.samples) {
		return nil, io.EOF
	}
	sample := s.samples[s.pos]
	s.pos++
	return sample, nil
}

func (s *sliceSession) Close() error {
	return nil
}
