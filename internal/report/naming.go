package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mraleph/benchmark-harness/internal/debuginfo"
)

////////////////////////////////////////////////////////////////////////////////

const (
	precompiledStubPrefix = "Precompiled_Stub_"
	rawStubPrefix         = "stub "
	precompiledPrefix     = "Precompiled_"
	stubLabel             = "[Stub] "
)

// CleanRawSymbol rewrites well-known compiler-generated prefixes into
// friendlier labels. Unrecognized names pass through unchanged.
func CleanRawSymbol(name string) string {
	switch {
	case strings.HasPrefix(name, precompiledStubPrefix):
		return stubLabel + name[len(precompiledStubPrefix):]
	case strings.HasPrefix(name, rawStubPrefix):
		return stubLabel + name[len(rawStubPrefix):]
	case strings.HasPrefix(name, precompiledPrefix):
		return name[len(precompiledPrefix):]
	default:
		return name
	}
}

// displayName picks the human-readable name of a profile: debug info when
// it improves on the raw symbol, raw-symbol cleanup otherwise. A source
// location is appended whenever line info is available.
func displayName(resolver *debuginfo.Resolver, p *SymbolProfile) string {
	name := CleanRawSymbol(p.Key.Name)
	if resolver == nil {
		return name
	}

	sym, ok := resolver.Table().LookupName(p.Key.Name)
	if !ok {
		return name
	}

	infos := resolver.Resolve(sym.Addr)
	if len(infos) == 0 {
		return name
	}

	top := infos[0]
	if top.Function != "" && top.Function != p.Key.Name {
		name = top.Function
	}
	if top.File != "" && top.Line > 0 {
		name = fmt.Sprintf("%s (%s:%d)", name, filepath.Base(top.File), top.Line)
	}
	return name
}
