package sampling

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

////////////////////////////////////////////////////////////////////////////////

// ErrProfilerNotFound means no candidate binary both exists and passes the
// capability probe for the requested sampling mode.
var ErrProfilerNotFound = errors.New("no usable sampling profiler")

// DefaultSystemPath is the conventional install location of the sampling
// tool, used when no staged binary ships with the engine bundle.
const DefaultSystemPath = "/usr/bin/profrec"

////////////////////////////////////////////////////////////////////////////////

type probeFunc func(ctx context.Context, bin string, opts StartOptions) error

// Locator picks the sampling binary for a session. The staged binary from
// the engine bundle is preferred: it matches the engine's unwind tables.
// The system-wide install is the fallback. A candidate is usable only if
// it exists, is executable, and passes a capability probe in the exact
// mode the session will use.
type Locator struct {
	l      *zap.Logger
	staged string
	system string
	probe  probeFunc
}

func NewLocator(l *zap.Logger, staged, system string) *Locator {
	if system == "" {
		system = DefaultSystemPath
	}
	loc := &Locator{
		l:      l.Named("sampling.locate"),
		staged: staged,
		system: system,
	}
	loc.probe = loc.selfTest
	return loc
}

// Locate returns the first usable candidate, staged before system.
func (l *Locator) Locate(ctx context.Context, opts StartOptions) (string, error) {
	var candidates []string
	if l.staged != "" {
		candidates = append(candidates, l.staged)
	}
	candidates = append(candidates, l.system)

	for _, bin := range candidates {
		if !isExecutable(bin) {
			l.l.Debug("Skipping non-executable sampler candidate", zap.String("path", bin))
			continue
		}
		if err := l.probe(ctx, bin, opts); err != nil {
			l.l.Warn("Sampler candidate failed capability probe",
				zap.String("path", bin),
				zap.Error(err))
			continue
		}
		return bin, nil
	}

	return "", fmt.Errorf("%w for event %q: tried %s",
		ErrProfilerNotFound, opts.Event, strings.Join(candidates, ", "))
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return st.Mode().IsRegular() && st.Mode().Perm()&0111 != 0
}

////////////////////////////////////////////////////////////////////////////////

// selfTest probes a candidate by running a miniature real session against
// the harness's own process: record, wait for readiness, interrupt, expect
// a clean exit. This exercises the exact event and call graph mode the
// benchmark session will request, not just the binary's presence.
func (l *Locator) selfTest(ctx context.Context, bin string, opts StartOptions) error {
	dir, err := os.MkdirTemp("", "sampler-probe-")
	if err != nil {
		return fmt.Errorf("failed to create probe directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	probeOpts := opts
	probeOpts.TargetPID = os.Getpid()
	probeOpts.OutputPath = filepath.Join(dir, "probe.data")

	sess, err := launch(ctx, l.l, bin, probeOpts)
	if err != nil {
		return err
	}

	if err := sess.interrupt(); err != nil {
		_ = sess.cmd.Process.Kill()
		<-sess.exited
		return fmt.Errorf("failed to interrupt probe session: %w", err)
	}
	if err := sess.wait(); err != nil {
		return fmt.Errorf("probe session failed: %s", sess.exitDetail(err))
	}
	return nil
}
