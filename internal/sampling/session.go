// Package sampling drives the external sampling profiler around benchmark
// runs. The tool speaks a small record protocol:
//
//	profrec record -p <pid> -o <file> -e <event> -f <freq> [--call-graph fp|dwarf]
//
// prints a single "started" line on stdout once sampling is live, records
// until SIGINT, then writes the profile and exits 0. The controller owns
// exactly one session at a time and enforces the idle/running lifecycle.
package sampling

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////////////

var (
	// ErrSessionActive is returned by Start while another session holds
	// the controller.
	ErrSessionActive = errors.New("a sampling session is already active")
	// ErrSessionIdle is returned by Stop when no session is running.
	ErrSessionIdle = errors.New("no running sampling session")
)

// readyToken is the readiness line the tool prints on stdout. Recording is
// not live until it appears; starting the workload earlier would lose the
// first samples.
const readyToken = "started"

////////////////////////////////////////////////////////////////////////////////

// CallgraphMode selects how the tool unwinds stacks.
type CallgraphMode string

const (
	CallgraphNone         CallgraphMode = ""
	CallgraphFramePointer CallgraphMode = "fp"
	CallgraphDWARF        CallgraphMode = "dwarf"
)

func (m CallgraphMode) validate() error {
	switch m {
	case CallgraphNone, CallgraphFramePointer, CallgraphDWARF:
		return nil
	default:
		return fmt.Errorf("unknown call graph mode %q", string(m))
	}
}

// StartOptions describes one sampling session.
type StartOptions struct {
	TargetPID  int
	OutputPath string
	Event      string
	Frequency  int
	Callgraph  CallgraphMode
}

func (o *StartOptions) fillDefault() {
	if o.Event == "" {
		o.Event = "cycles"
	}
	if o.Frequency == 0 {
		o.Frequency = 1000
	}
}

func (o *StartOptions) validate() error {
	if o.TargetPID <= 0 {
		return fmt.Errorf("sampling target pid is required")
	}
	if o.OutputPath == "" {
		return fmt.Errorf("sampling output path is required")
	}
	return o.Callgraph.validate()
}

func recordArgs(opts StartOptions) []string {
	args := []string{
		"record",
		"-p", strconv.Itoa(opts.TargetPID),
		"-o", opts.OutputPath,
		"-e", opts.Event,
		"-f", strconv.Itoa(opts.Frequency),
	}
	if opts.Callgraph != CallgraphNone {
		args = append(args, "--call-graph", string(opts.Callgraph))
	}
	return args
}

////////////////////////////////////////////////////////////////////////////////

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

////////////////////////////////////////////////////////////////////////////////

// Controller owns the single sampling session of a harness process.
type Controller struct {
	l       *zap.Logger
	locator *Locator

	mu    sync.Mutex
	state state
	sess  *session
}

func NewController(l *zap.Logger, locator *Locator) *Controller {
	return &Controller{
		l:       l.Named("sampling"),
		locator: locator,
	}
}

// State reports the current lifecycle phase, for logs and status output.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Start launches a session and blocks until the tool reports readiness or
// exits. There is no built-in timeout: callers bound the wait through ctx.
// On any failure the controller returns to idle and no session leaks.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	opts.fillDefault()
	if err := opts.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != stateIdle {
		defer c.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrSessionActive, c.state)
	}
	c.state = stateStarting
	c.mu.Unlock()

	sess, err := c.start(ctx, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = stateIdle
		return err
	}
	c.sess = sess
	c.state = stateRunning
	return nil
}

func (c *Controller) start(ctx context.Context, opts StartOptions) (*session, error) {
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	bin, err := c.locator.Locate(ctx, opts)
	if err != nil {
		return nil, err
	}

	sess, err := launch(ctx, c.l, bin, opts)
	if err != nil {
		return nil, err
	}

	c.l.Info("Sampling session started",
		zap.String("tool", bin),
		zap.Int("pid", opts.TargetPID),
		zap.String("output", opts.OutputPath),
		zap.String("event", opts.Event),
		zap.Int("frequency", opts.Frequency),
		zap.String("callgraph", string(opts.Callgraph)))
	return sess, nil
}

// Stop interrupts the tool and blocks until it exits and the profile is on
// disk. Like Start, the wait is unbounded by design: killing a sampler
// mid-write corrupts the profile.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != stateRunning {
		defer c.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrSessionIdle, c.state)
	}
	c.state = stateStopping
	sess := c.sess
	c.mu.Unlock()

	if err := sess.interrupt(); err != nil {
		// The tool may have exited on its own; its exit status below
		// is the authoritative outcome.
		c.l.Warn("Failed to interrupt sampling tool", zap.Error(err))
	}
	waitErr := sess.wait()

	c.mu.Lock()
	c.state = stateIdle
	c.sess = nil
	c.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("sampling tool failed: %s", sess.exitDetail(waitErr))
	}
	if _, err := os.Stat(sess.opts.OutputPath); err != nil {
		return fmt.Errorf("sampling tool exited cleanly but wrote no profile at %s", sess.opts.OutputPath)
	}

	c.l.Info("Sampling session stopped", zap.String("output", sess.opts.OutputPath))
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// session is one live record invocation.
type session struct {
	bin    string
	opts   StartOptions
	cmd    *exec.Cmd
	exited chan error
	stderr bytes.Buffer
}

// launch starts one record invocation and blocks until the tool reports
// readiness. The returned session is running; its exit status arrives on
// sess.exited exactly once.
func launch(ctx context.Context, l *zap.Logger, bin string, opts StartOptions) (*session, error) {
	sess := &session{bin: bin, opts: opts}
	sess.cmd = exec.Command(bin, recordArgs(opts)...)
	sess.cmd.Stderr = &sess.stderr

	stdout, err := sess.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe sampling tool output: %w", err)
	}

	if err := sess.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sampling tool %s: %w", bin, err)
	}

	ready := make(chan struct{})
	go scanToolOutput(l, stdout, ready)

	sess.exited = make(chan error, 1)
	go func() {
		sess.exited <- sess.cmd.Wait()
	}()

	select {
	case <-ready:
		return sess, nil
	case err := <-sess.exited:
		return nil, fmt.Errorf("sampling tool exited before becoming ready: %s", sess.exitDetail(err))
	case <-ctx.Done():
		_ = sess.cmd.Process.Kill()
		<-sess.exited
		return nil, ctx.Err()
	}
}

// scanToolOutput watches the tool's stdout for the readiness token and
// keeps draining it afterwards so the tool never blocks on a full pipe.
func scanToolOutput(l *zap.Logger, r io.Reader, ready chan<- struct{}) {
	sc := bufio.NewScanner(r)
	signaled := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !signaled && line == readyToken {
			signaled = true
			close(ready)
			continue
		}
		l.Debug("Sampler output", zap.String("line", line))
	}
}

func (s *session) interrupt() error {
	return s.cmd.Process.Signal(unix.SIGINT)
}

func (s *session) wait() error {
	return <-s.exited
}

func (s *session) exitDetail(err error) string {
	detail := "exit status 0"
	if err != nil {
		detail = err.Error()
	}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		detail += ": " + msg
	}
	return detail
}
