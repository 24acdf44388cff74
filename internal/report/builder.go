package report

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mraleph/benchmark-harness/internal/debuginfo"
	"github.com/mraleph/benchmark-harness/internal/samples"
)

////////////////////////////////////////////////////////////////////////////////

// Options configure report building.
type Options struct {
	// EngineImage is the local path of the binary under test. Empty
	// disables debug-info naming and annotation.
	EngineImage string
	// Disassembler for hot-symbol annotation; nil disables annotation.
	Disassembler Disassembler
}

// Builder turns sample sessions into reports.
type Builder struct {
	l    *zap.Logger
	opts Options
}

func NewBuilder(logger *zap.Logger, opts Options) *Builder {
	return &Builder{l: logger, opts: opts}
}

// Build aggregates one profile's samples and assembles the ranked report.
func (b *Builder) Build(ctx context.Context, sess samples.Session) (*Report, error) {
	agg, err := Aggregate(sess)
	if err != nil {
		return nil, err
	}
	return b.assemble(ctx, agg), nil
}

func (b *Builder) assemble(ctx context.Context, agg *Aggregation) *Report {
	if agg.GrandTotal == 0 {
		return &Report{NoData: true}
	}

	resolver := b.engineResolver()

	out := &Report{GrandTotal: agg.GrandTotal}
	for _, p := range agg.Rank() {
		entry := Entry{
			RawName: p.Key.Name,
			DSO:     p.Key.DSO,
			Total:   p.Total,
			Share:   agg.Share(p),
		}

		engine := b.isEngineImage(p.Key.DSO)
		if engine && resolver != nil {
			entry.Name = displayName(resolver, p)
		} else {
			entry.Name = CleanRawSymbol(p.Key.Name)
		}

		// Only material contributors inside the binary under test get a
		// listing; system libraries are never disassembled.
		if engine && resolver != nil && b.opts.Disassembler != nil &&
			100*p.Total > annotatePct*agg.GrandTotal {
			entry.Annotation = b.annotateEntry(ctx, resolver, p)
		}

		out.Entries = append(out.Entries, entry)
	}
	return out
}

func (b *Builder) isEngineImage(dso string) bool {
	return b.opts.EngineImage != "" && filepath.Base(dso) == filepath.Base(b.opts.EngineImage)
}

func (b *Builder) engineResolver() *debuginfo.Resolver {
	if b.opts.EngineImage == "" {
		return nil
	}
	resolver, err := debuginfo.NewResolver(b.opts.EngineImage)
	if err != nil {
		b.l.Warn("Debug info unavailable, using raw symbol names",
			zap.String("image", b.opts.EngineImage),
			zap.Error(err),
		)
		return nil
	}
	return resolver
}

func (b *Builder) annotateEntry(ctx context.Context, resolver *debuginfo.Resolver, p *SymbolProfile) []string {
	sym, ok := resolver.Table().LookupName(p.Key.Name)
	if !ok {
		// Stubs live outside the ELF symbol table; bound the listing by
		// the hits we actually observed.
		sym = debuginfo.Sym{Name: p.Key.Name, Addr: p.Base}
	}
	if sym.Size == 0 {
		sym.Size = maxHitOffset(p) + instrWidth
	}

	insns, err := b.opts.Disassembler.Disassemble(ctx, b.opts.EngineImage, sym.Addr, sym.End())
	if err != nil {
		b.l.Warn("Failed to annotate symbol",
			zap.String("symbol", p.Key.Name),
			zap.Error(err),
		)
		return nil
	}

	lines := annotate(p, sym, resolver.Table(), insns)
	if len(lines) == 0 {
		return nil
	}
	return lines
}

func maxHitOffset(p *SymbolProfile) uint64 {
	var max uint64
	for offset := range p.Hits {
		if offset > max {
			max = offset
		}
	}
	return max
}
