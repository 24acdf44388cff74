// Package report turns raw profiler samples into a ranked hot-symbol
// report: per-symbol weight totals with instruction-level hit maps,
// human-readable naming and, for the heaviest engine symbols, annotated
// disassembly.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/mraleph/benchmark-harness/internal/samples"
)

////////////////////////////////////////////////////////////////////////////////

const (
	// Ranked entries are capped and noise below the relative-contribution
	// threshold is dropped.
	topSymbols   = 10
	minSharePct  = 1
	annotatePct  = 2
	instrWidth   = 4
	unknownImage = "[unknown]"
)

// Key identifies one symbol of one image.
type Key struct {
	DSO  string
	Name string
}

// SymbolProfile accumulates the sampled weight of one symbol. Hits is keyed
// by instruction offset from the symbol base.
type SymbolProfile struct {
	Key   Key
	Base  uint64
	Hits  map[uint64]uint64
	Total uint64
}

// Aggregation is a single forward pass over a sample stream. The sum of all
// profile totals always equals GrandTotal.
type Aggregation struct {
	GrandTotal uint64
	profiles   map[Key]*SymbolProfile
}

func NewAggregation() *Aggregation {
	return &Aggregation{profiles: make(map[Key]*SymbolProfile)}
}

// Aggregate drains sess into a fresh aggregation.
func Aggregate(sess samples.Session) (*Aggregation, error) {
	agg := NewAggregation()
	for {
		sample, err := sess.Next()
		if err == io.EOF {
			return agg, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read samples: %w", err)
		}
		agg.Observe(sample)
	}
}

// Observe attributes one sample to its symbol.
func (a *Aggregation) Observe(s *samples.Sample) {
	dso := s.DSO
	if dso == "" {
		dso = unknownImage
	}
	key := Key{DSO: dso, Name: s.Symbol}

	p := a.profiles[key]
	if p == nil {
		p = &SymbolProfile{
			Key:  key,
			Base: s.SymbolVAddr,
			Hits: make(map[uint64]uint64),
		}
		a.profiles[key] = p
	}

	p.Hits[s.Offset()] += s.Period
	p.Total += s.Period
	a.GrandTotal += s.Period
}

// Profiles returns every accumulated symbol profile in unspecified order.
func (a *Aggregation) Profiles() []*SymbolProfile {
	out := make([]*SymbolProfile, 0, len(a.profiles))
	for _, p := range a.profiles {
		out = append(out, p)
	}
	return out
}

// Rank orders symbols by descending weight, keeps the heaviest ten and
// drops everything contributing less than one percent of the grand total.
// Ties break on name so ranking is deterministic.
func (a *Aggregation) Rank() []*SymbolProfile {
	ranked := a.Profiles()
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Total != ranked[j].Total {
			return ranked[i].Total > ranked[j].Total
		}
		return ranked[i].Key.Name < ranked[j].Key.Name
	})

	if len(ranked) > topSymbols {
		ranked = ranked[:topSymbols]
	}
	for i, p := range ranked {
		if 100*p.Total < minSharePct*a.GrandTotal {
			ranked = ranked[:i]
			break
		}
	}
	return ranked
}

// Share is the percentage of the grand total attributed to p.
func (a *Aggregation) Share(p *SymbolProfile) float64 {
	if a.GrandTotal == 0 {
		return 0
	}
	return 100 * float64(p.Total) / float64(a.GrandTotal)
}

////////////////////////////////////////////////////////////////////////////////

// Entry is one ranked report row.
type Entry struct {
	// Name is the display name after debug-info resolution or raw-symbol
	// cleanup; RawName is the symbol as sampled.
	Name    string
	RawName string
	DSO     string
	Total   uint64
	Share   float64
	// Annotation holds the percentage-prefixed disassembly of heavy
	// engine symbols, one instruction per line. Nil when not annotated.
	Annotation []string
}

// Report is the final product of one profile.
type Report struct {
	GrandTotal uint64
	Entries    []Entry
	// NoData marks a profile that produced zero samples, which is a valid
	// outcome rather than an error.
	NoData bool
}
