package report

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/mraleph/benchmark-harness/internal/debuginfo"
)

////////////////////////////////////////////////////////////////////////////////

// Instruction is one disassembled instruction at its file virtual address.
type Instruction struct {
	VAddr uint64
	Text  string
}

// Disassembler produces the instructions of one image in [start, stop).
type Disassembler interface {
	Disassemble(ctx context.Context, image string, start, stop uint64) ([]Instruction, error)
}

////////////////////////////////////////////////////////////////////////////////

// ObjdumpDisassembler shells out to objdump. The default tool name is
// resolved through PATH, cross toolchains can point Tool elsewhere.
type ObjdumpDisassembler struct {
	Tool string
}

func NewObjdumpDisassembler() *ObjdumpDisassembler {
	return &ObjdumpDisassembler{Tool: "objdump"}
}

func (d *ObjdumpDisassembler) Disassemble(ctx context.Context, image string, start, stop uint64) ([]Instruction, error) {
	cmd := exec.CommandContext(ctx, d.Tool,
		"-d",
		fmt.Sprintf("--start-address=0x%x", start),
		fmt.Sprintf("--stop-address=0x%x", stop),
		image,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to disassemble %s: %w", image, err)
	}

	var insns []Instruction
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		if insn, ok := parseObjdumpLine(scanner.Text()); ok {
			insns = append(insns, insn)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return insns, nil
}

// parseObjdumpLine extracts "<addr>:\t<bytes>\t<mnemonic ...>" instruction
// rows and drops headers, symbol labels and data islands.
func parseObjdumpLine(line string) (Instruction, bool) {
	head, rest, ok := strings.Cut(line, ":\t")
	if !ok {
		return Instruction{}, false
	}
	addr, err := strconv.ParseUint(strings.TrimSpace(head), 16, 64)
	if err != nil {
		return Instruction{}, false
	}
	_, text, ok := strings.Cut(rest, "\t")
	if !ok {
		return Instruction{}, false
	}
	text = strings.TrimSpace(strings.Join(strings.Fields(text), " "))
	if text == "" {
		return Instruction{}, false
	}
	return Instruction{VAddr: addr, Text: text}, true
}

////////////////////////////////////////////////////////////////////////////////

// The engine runtime pins these arm64 registers; their raw names obscure
// what annotated code is doing.
var registerAliases = map[string]string{
	"x21": "dispatch_table",
	"x22": "null",
	"x26": "thr",
	"x27": "pp",
	"x29": "fp",
	"x30": "lr",
}

var (
	aliasedRegisterRe = regexp.MustCompile(`\b(x2[1267]|x29|x30)\b`)
	// objdump's own "<symbol+0x..>" annotations are dropped before bare
	// addresses are rewritten, so both spellings normalize the same way.
	symbolRefRe = regexp.MustCompile(` ?<[^>]*>`)
	// Address operands never lead the line, which keeps hex-lettered
	// mnemonics like "add" out of reach.
	bareAddrRe = regexp.MustCompile(`([\s,])([0-9a-f]{3,16})($|[\s,])`)
)

// annotator rewrites disassembly text for one symbol.
type annotator struct {
	table *debuginfo.SymbolTable
	sym   debuginfo.Sym
}

func (a *annotator) rewrite(text string) string {
	text = symbolRefRe.ReplaceAllString(text, "")
	text = aliasedRegisterRe.ReplaceAllStringFunc(text, func(reg string) string {
		return registerAliases[reg]
	})
	text = bareAddrRe.ReplaceAllStringFunc(text, a.rewriteAddress)
	return text
}

// rewriteAddress resolves one bare hexadecimal address token: targets inside
// the annotated symbol become relative self references, targets inside other
// known symbols get their cleaned names.
func (a *annotator) rewriteAddress(token string) string {
	groups := bareAddrRe.FindStringSubmatch(token)
	if groups == nil {
		return token
	}
	addr, err := strconv.ParseUint(groups[2], 16, 64)
	if err != nil {
		return token
	}

	if addr >= a.sym.Addr && (a.sym.Size == 0 || addr < a.sym.End()) {
		return groups[1] + fmt.Sprintf("<+0x%x>", addr-a.sym.Addr) + groups[3]
	}
	if a.table != nil {
		if target, ok := a.table.Lookup(addr); ok {
			name := CleanRawSymbol(target.Name)
			if addr != target.Addr {
				name = fmt.Sprintf("%s+0x%x", name, addr-target.Addr)
			}
			return groups[1] + name + groups[3]
		}
	}
	return token
}

////////////////////////////////////////////////////////////////////////////////

// annotate renders the percentage-prefixed disassembly of one hot symbol.
// Each instruction's share is relative to the symbol's own total, so the
// column sums to 100% across the listing.
func annotate(p *SymbolProfile, sym debuginfo.Sym, table *debuginfo.SymbolTable, insns []Instruction) []string {
	a := &annotator{table: table, sym: sym}

	lines := make([]string, 0, len(insns))
	for _, insn := range insns {
		if insn.VAddr < sym.Addr {
			continue
		}
		offset := insn.VAddr - sym.Addr

		// The sampler attributes weight to exact addresses; one
		// instruction owns everything inside its fixed width.
		var hits uint64
		for i := uint64(0); i < instrWidth; i++ {
			hits += p.Hits[offset+i]
		}

		share := 0.0
		if p.Total > 0 {
			share = 100 * float64(hits) / float64(p.Total)
		}
		lines = append(lines, fmt.Sprintf("%6.2f%%  +0x%04x: %s", share, offset, a.rewrite(insn.Text)))
	}
	return lines
}
