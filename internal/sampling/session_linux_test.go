//go:build linux

package sampling

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// wellBehavedSampler mimics the record protocol: parse -o, install the
// SIGINT handler, report readiness, spin until interrupted, then write the
// profile and exit cleanly. It also dumps its argv next to the profile so
// tests can assert the flag layout.
const wellBehavedSampler = `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
trap 'echo recorded > "$out"; exit 0' INT
echo "$@" > "$out.args"
echo started
while :; do sleep 0.05; done
`

const neverReadySampler = `#!/bin/sh
exit 0
`

const hangingSampler = `#!/bin/sh
while :; do sleep 0.05; done
`

const dirtyExitSampler = `#!/bin/sh
trap 'exit 7' INT
echo started
while :; do sleep 0.05; done
`

func writeSampler(t *testing.T, name, script string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func initTest(t *testing.T, staged, system string) (*Controller, *Locator) {
	logger := zaptest.NewLogger(t)
	loc := NewLocator(logger, staged, system)
	return NewController(logger, loc), loc
}

func testOptions(t *testing.T) StartOptions {
	return StartOptions{
		TargetPID:  os.Getpid(),
		OutputPath: filepath.Join(t.TempDir(), "profiles", "bench.data"),
		Frequency:  99,
		Callgraph:  CallgraphFramePointer,
	}
}

func TestSessionLifecycle(t *testing.T) {
	tool := writeSampler(t, "profrec", wellBehavedSampler)
	ctrl, _ := initTest(t, tool, "/nonexistent/profrec")
	opts := testOptions(t)

	require.Equal(t, "idle", ctrl.State())
	require.NoError(t, ctrl.Start(context.Background(), opts))
	require.Equal(t, "running", ctrl.State())

	err := ctrl.Start(context.Background(), opts)
	require.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, ctrl.Stop())
	require.Equal(t, "idle", ctrl.State())

	profile, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "recorded\n", string(profile))

	argv, err := os.ReadFile(opts.OutputPath + ".args")
	require.NoError(t, err)
	args := string(argv)
	require.Contains(t, args, "record")
	require.Contains(t, args, "-p "+strconv.Itoa(os.Getpid()))
	require.Contains(t, args, "-o "+opts.OutputPath)
	require.Contains(t, args, "-e cycles")
	require.Contains(t, args, "-f 99")
	require.Contains(t, args, "--call-graph fp")

	require.ErrorIs(t, ctrl.Stop(), ErrSessionIdle)

	// The controller is reusable after a full cycle.
	require.NoError(t, ctrl.Start(context.Background(), opts))
	require.NoError(t, ctrl.Stop())
}

func TestLocatorFallsBackToSystemTool(t *testing.T) {
	broken := writeSampler(t, "staged", "#!/bin/sh\nexit 3\n")
	good := writeSampler(t, "profrec", wellBehavedSampler)

	_, loc := initTest(t, broken, good)
	bin, err := loc.Locate(context.Background(), testOptions(t))
	require.NoError(t, err)
	require.Equal(t, good, bin)
}

func TestLocatorPrefersStagedTool(t *testing.T) {
	staged := writeSampler(t, "staged", wellBehavedSampler)
	system := writeSampler(t, "profrec", wellBehavedSampler)

	_, loc := initTest(t, staged, system)
	bin, err := loc.Locate(context.Background(), testOptions(t))
	require.NoError(t, err)
	require.Equal(t, staged, bin)
}

func TestStartFailsWithoutUsableTool(t *testing.T) {
	ctrl, _ := initTest(t, "", "/nonexistent/profrec")

	err := ctrl.Start(context.Background(), testOptions(t))
	require.ErrorIs(t, err, ErrProfilerNotFound)
	require.Equal(t, "idle", ctrl.State())
}

func TestProbeRejectsBrokenTool(t *testing.T) {
	broken := writeSampler(t, "profrec", "#!/bin/sh\nexit 1\n")
	ctrl, _ := initTest(t, broken, "/nonexistent/profrec")

	err := ctrl.Start(context.Background(), testOptions(t))
	require.ErrorIs(t, err, ErrProfilerNotFound)
}

func TestStartFailsWhenToolExitsBeforeReady(t *testing.T) {
	tool := writeSampler(t, "profrec", neverReadySampler)
	ctrl, loc := initTest(t, tool, "/nonexistent/profrec")
	loc.probe = func(context.Context, string, StartOptions) error { return nil }

	err := ctrl.Start(context.Background(), testOptions(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "before becoming ready")
	require.Equal(t, "idle", ctrl.State())
}

func TestStartHonorsContextCancellation(t *testing.T) {
	tool := writeSampler(t, "profrec", hangingSampler)
	ctrl, loc := initTest(t, tool, "/nonexistent/profrec")
	loc.probe = func(context.Context, string, StartOptions) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := ctrl.Start(ctx, testOptions(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "idle", ctrl.State())
}

func TestStopReportsDirtyToolExit(t *testing.T) {
	tool := writeSampler(t, "profrec", dirtyExitSampler)
	ctrl, loc := initTest(t, tool, "/nonexistent/profrec")
	loc.probe = func(context.Context, string, StartOptions) error { return nil }

	require.NoError(t, ctrl.Start(context.Background(), testOptions(t)))

	err := ctrl.Stop()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exit status 7")
	require.Equal(t, "idle", ctrl.State())
}

func TestStartOptionValidation(t *testing.T) {
	ctrl, _ := initTest(t, "", "/nonexistent/profrec")

	err := ctrl.Start(context.Background(), StartOptions{OutputPath: "x"})
	require.Error(t, err)

	err = ctrl.Start(context.Background(), StartOptions{TargetPID: 1})
	require.Error(t, err)

	err = ctrl.Start(context.Background(), StartOptions{
		TargetPID:  1,
		OutputPath: "x",
		Callgraph:  CallgraphMode("lbr"),
	})
	require.Error(t, err)

	require.Equal(t, "idle", ctrl.State())
}
