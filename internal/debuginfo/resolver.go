package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////

// CallInfo is one frame of a resolved address, innermost first when the
// address sits inside inlined code.
type CallInfo struct {
	Function string
	File     string
	Line     int
}

// Resolver resolves virtual addresses of a single image. DWARF data is
// optional: without it resolution degrades to bare symbol names.
type Resolver struct {
	path  string
	table *SymbolTable
	data  *dwarf.Data
}

// NewResolver opens the image at path. The file is fully parsed up front,
// so no handle is kept open afterwards.
func NewResolver(path string) (*Resolver, error) {
	table, err := LoadSymbolTable(path)
	if err != nil {
		return nil, err
	}

	r := &Resolver{path: path, table: table}

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	// Missing or malformed DWARF is not an error, just less detail.
	if data, err := f.DWARF(); err == nil {
		r.data = data
	}

	return r, nil
}

func (r *Resolver) Table() *SymbolTable {
	return r.table
}

func (r *Resolver) HasDebugInfo() bool {
	return r.data != nil
}

// Resolve maps addr to its frames. The result is empty when the address
// falls outside every known symbol and compile unit.
func (r *Resolver) Resolve(addr uint64) []CallInfo {
	if infos := r.resolveDWARF(addr); len(infos) > 0 {
		return infos
	}
	if sym, ok := r.table.Lookup(addr); ok {
		return []CallInfo{{Function: sym.Name}}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

func (r *Resolver) resolveDWARF(addr uint64) []CallInfo {
	if r.data == nil {
		return nil
	}

	rd := r.data.Reader()
	cu, err := rd.SeekPC(addr)
	if err != nil || cu == nil {
		return nil
	}

	file, line := r.lineFor(cu, addr)

	names := r.functionChain(rd, addr)
	if len(names) == 0 {
		return nil
	}

	// The chain is collected outermost first; reports want the innermost
	// frame in front, and the line table describes that frame.
	infos := make([]CallInfo, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		infos = append(infos, CallInfo{Function: names[i]})
	}
	infos[0].File = file
	infos[0].Line = line
	return infos
}

func (r *Resolver) lineFor(cu *dwarf.Entry, addr uint64) (string, int) {
	lr, err := r.data.LineReader(cu)
	if err != nil || lr == nil {
		return "", 0
	}

	var entry dwarf.LineEntry
	if err := lr.SeekPC(addr, &entry); err != nil {
		return "", 0
	}
	if entry.File == nil {
		return "", entry.Line
	}
	return entry.File.Name, entry.Line
}

// functionChain walks the compile unit rd is positioned in and collects the
// subprogram containing addr followed by the inlined subroutines nested
// around it, outermost first. Namespaces and type DIEs nest subprograms, so
// only subprograms that miss the address get their children skipped.
func (r *Resolver) functionChain(rd *dwarf.Reader, addr uint64) []string {
	for {
		ent, err := rd.Next()
		if err != nil || ent == nil || ent.Tag == dwarf.TagCompileUnit {
			return nil
		}
		if ent.Tag != dwarf.TagSubprogram {
			continue
		}

		if !r.entryCovers(ent, addr) {
			rd.SkipChildren()
			continue
		}

		chain := []string{r.entryName(ent)}
		if ent.Children {
			chain = append(chain, r.inlinedChain(rd, addr)...)
		}
		return chain
	}
}

// inlinedChain descends into the children of a matched DIE and follows the
// inlined subroutines covering addr. Lexical blocks are transparent.
func (r *Resolver) inlinedChain(rd *dwarf.Reader, addr uint64) []string {
	var chain []string
	for depth := 1; depth > 0; {
		ent, err := rd.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == 0 {
			depth--
			continue
		}

		switch ent.Tag {
		case dwarf.TagInlinedSubroutine:
			if r.entryCovers(ent, addr) {
				chain = append(chain, r.entryName(ent))
				if ent.Children {
					depth++
				}
				continue
			}
		case dwarf.TagLexDwarfBlock:
			if ent.Children {
				depth++
			}
			continue
		}

		if ent.Children {
			rd.SkipChildren()
		}
	}
	return chain
}

func (r *Resolver) entryCovers(ent *dwarf.Entry, addr uint64) bool {
	ranges, err := r.data.Ranges(ent)
	if err != nil {
		return false
	}
	for _, rng := range ranges {
		if addr >= rng[0] && addr < rng[1] {
			return true
		}
	}
	return false
}

// entryName extracts the function name of a DIE, chasing abstract origins
// and specifications the way inlined instances reference their definition.
func (r *Resolver) entryName(ent *dwarf.Entry) string {
	for depth := 0; ent != nil && depth < 4; depth++ {
		if name, ok := ent.Val(dwarf.AttrName).(string); ok && name != "" {
			return name
		}

		ref, ok := ent.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			ref, ok = ent.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok {
			break
		}

		rd := r.data.Reader()
		rd.Seek(ref)
		next, err := rd.Next()
		if err != nil {
			break
		}
		ent = next
	}
	return "[unknown]"
}
