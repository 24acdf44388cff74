// Package debuginfo resolves addresses inside engine images: ELF symbol
// tables give containing-symbol names and bounds, DWARF (when the image
// carries it) refines them with source locations and inline chains.
package debuginfo

import (
	"debug/elf"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"
)

////////////////////////////////////////////////////////////////////////////////

// Sym is one function symbol.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

// End is the first address past the symbol. Zero-sized symbols (common in
// hand-written assembly) report their start.
func (s Sym) End() uint64 {
	return s.Addr + s.Size
}

////////////////////////////////////////////////////////////////////////////////

// SymbolTable is the merged, address-sorted function symbol table of one
// ELF image.
type SymbolTable struct {
	syms   []Sym
	byName map[string]int
}

// NewSymbolTable builds a table from an arbitrary symbol list. The slice is
// sorted in place.
func NewSymbolTable(syms []Sym) *SymbolTable {
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Addr != syms[j].Addr {
			return syms[i].Addr < syms[j].Addr
		}
		return syms[i].Name < syms[j].Name
	})

	byName := make(map[string]int, len(syms))
	for i, s := range syms {
		if _, ok := byName[s.Name]; !ok {
			byName[s.Name] = i
		}
	}

	return &SymbolTable{syms: syms, byName: byName}
}

// LoadSymbolTable reads .symtab and .dynsym of the image at path.
func LoadSymbolTable(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var syms []Sym
	appendFuncs := func(raw []elf.Symbol) {
		for _, s := range raw {
			if s.Value == 0 || s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			syms = append(syms, Sym{Name: s.Name, Addr: s.Value, Size: s.Size})
		}
	}

	// Either table may be missing; an image with neither is useless here.
	if raw, err := f.Symbols(); err == nil {
		appendFuncs(raw)
	}
	if raw, err := f.DynamicSymbols(); err == nil {
		appendFuncs(raw)
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("image %s has no function symbols", path)
	}

	return NewSymbolTable(syms), nil
}

func (t *SymbolTable) Len() int {
	return len(t.syms)
}

// Lookup finds the symbol containing addr.
func (t *SymbolTable) Lookup(addr uint64) (Sym, bool) {
	idx := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Addr > addr
	})
	if idx == 0 {
		return Sym{}, false
	}

	sym := t.syms[idx-1]
	if sym.Size > 0 && addr >= sym.End() {
		return Sym{}, false
	}
	return sym, true
}

// LookupName finds a symbol by its exact name.
func (t *SymbolTable) LookupName(name string) (Sym, bool) {
	idx, ok := t.byName[name]
	if !ok {
		return Sym{}, false
	}
	return t.syms[idx], true
}

////////////////////////////////////////////////////////////////////////////////

// TableCache memoizes symbol tables per image path. Reports resolve many
// addresses against the same handful of images.
type TableCache struct {
	cache *lru.Cache
}

func NewTableCache(size int) (*TableCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TableCache{cache: cache}, nil
}

func (c *TableCache) Load(path string) (*SymbolTable, error) {
	if cached, ok := c.cache.Get(path); ok {
		return cached.(*SymbolTable), nil
	}

	table, err := LoadSymbolTable(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(path, table)
	return table, nil
}
