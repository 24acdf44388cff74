package samples

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

////////////////////////////////////////////////////////////////////////////////

// ScriptReader shells out to the sampling tool's "script" subcommand and
// parses its text dump. Every sample line has the shape
//
//	<period> <vaddr> <symbol>+0x<offset> (<dso>)
//
// where vaddr and offset are hexadecimal. Symbols may contain spaces, so
// the image path is recovered from the trailing parenthesized group.
type ScriptReader struct {
	l    *zap.Logger
	tool string
}

func NewScriptReader(logger *zap.Logger, tool string) *ScriptReader {
	return &ScriptReader{l: logger, tool: tool}
}

func (r *ScriptReader) Open(ctx context.Context, profilePath, symbolDir string) (Session, error) {
	args := []string{"script", "-i", profilePath}
	if symbolDir != "" {
		args = append(args, "--symfs", symbolDir)
	}

	cmd := exec.CommandContext(ctx, r.tool, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe profile dump: %w", err)
	}

	r.l.Debug("Dumping profile",
		zap.String("tool", r.tool),
		zap.Strings("args", args),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start profile dump: %w", err)
	}

	return &scriptSession{cmd: cmd, scanner: bufio.NewScanner(stdout)}, nil
}

////////////////////////////////////////////////////////////////////////////////

type scriptSession struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	line    int
}

// newScriptSession reads an already-produced dump.
func newScriptSession(r io.Reader) *scriptSession {
	return &scriptSession{scanner: bufio.NewScanner(r)}
}

func (s *scriptSession) Next() (*Sample, error) {
	for s.scanner.Scan() {
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sample, err := parseSampleLine(line)
		if err != nil {
			return nil, fmt.Errorf("profile dump line %d: %w", s.line, err)
		}
		return sample, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profile dump: %w", err)
	}
	if err := s.reap(); err != nil {
		return nil, fmt.Errorf("profile dump tool failed: %w", err)
	}
	return nil, io.EOF
}

func (s *scriptSession) Close() error {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.reap()
	return nil
}

func (s *scriptSession) reap() error {
	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil
	return cmd.Wait()
}

////////////////////////////////////////////////////////////////////////////////

func parseSampleLine(line string) (*Sample, error) {
	periodTok, rest, ok := nextField(line)
	if !ok {
		return nil, fmt.Errorf("malformed sample line %q", line)
	}
	vaddrTok, rest, ok := nextField(rest)
	if !ok {
		return nil, fmt.Errorf("malformed sample line %q", line)
	}

	period, err := strconv.ParseUint(periodTok, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad sample period %q: %w", periodTok, err)
	}
	vaddr, err := strconv.ParseUint(strings.TrimPrefix(vaddrTok, "0x"), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("bad sample address %q: %w", vaddrTok, err)
	}

	// The image path is the trailing "(...)" group; everything before it
	// is the symbol, spaces included.
	open := strings.LastIndex(rest, " (")
	if open < 0 || !strings.HasSuffix(rest, ")") {
		return nil, fmt.Errorf("sample line %q has no image", line)
	}
	symTok := strings.TrimSpace(rest[:open])
	dso := rest[open+2 : len(rest)-1]
	if symTok == "" || dso == "" {
		return nil, fmt.Errorf("malformed sample line %q", line)
	}

	symbol := symTok
	var offset uint64
	if plus := strings.LastIndex(symTok, "+0x"); plus >= 0 {
		offset, err = strconv.ParseUint(symTok[plus+3:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad symbol offset in %q: %w", symTok, err)
		}
		symbol = symTok[:plus]
	}

	// Profilers report nonsense offsets for frames they cannot attribute;
	// pin the symbol base at zero rather than underflowing.
	base := uint64(0)
	if offset <= vaddr {
		base = vaddr - offset
	}

	return &Sample{
		Period:      period,
		Symbol:      symbol,
		DSO:         dso,
		VAddr:       vaddr,
		SymbolVAddr: base,
	}, nil
}

func nextField(s string) (field, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t")
	idx := strings.IndexAny(s, " \t")
	if idx <= 0 {
		return "", "", false
	}
	return s[:idx], strings.TrimLeft(s[idx:], " \t"), true
}
