package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/mraleph/benchmark-harness/internal/artifactcache"
	"github.com/mraleph/benchmark-harness/internal/cli"
	"github.com/mraleph/benchmark-harness/internal/events"
	"github.com/mraleph/benchmark-harness/internal/hostinfo"
	"github.com/mraleph/benchmark-harness/internal/results"
	"github.com/mraleph/benchmark-harness/internal/sampling"
	"github.com/mraleph/benchmark-harness/pkg/ptr"
)

// Engine bundles lay their contents out under bin/.
const (
	bundleEngineBinary   = "bin/engine"
	bundleProfilerBinary = "bin/profrec"
)

////////////////////////////////////////////////////////////////////////////////

type runOptions struct {
	enginePath string
	engineHash string
	engineOS   string
	engineArch string
	engineMode string

	resultsPath string
	profileDir  string

	noProfile bool
	event     string
	frequency int
	callGraph string
}

func (o *runOptions) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.enginePath, "engine", "", "Path of a locally built engine binary")
	cmd.Flags().StringVar(&o.engineHash, "engine-hash", "", "Hash of the engine build to download")
	cmd.Flags().StringVar(&o.engineOS, "engine-os", runtime.GOOS, "Engine build variant os")
	cmd.Flags().StringVar(&o.engineArch, "engine-arch", "", "Engine build variant architecture")
	cmd.Flags().StringVar(&o.engineMode, "engine-mode", "", "Engine build variant mode")

	cmd.Flags().StringVar(&o.resultsPath, "results", "", "Results file measurements are merged into")
	cmd.Flags().StringVar(&o.profileDir, "profile-dir", "", "Directory recorded profiles are written to")

	cmd.Flags().BoolVar(&o.noProfile, "no-profile", false, "Measure without recording profiles")
	cmd.Flags().StringVarP(&o.event, "event", "e", "", "Sampling event")
	cmd.Flags().IntVarP(&o.frequency, "frequency", "F", 0, "Sampling frequency in Hz")
	cmd.Flags().StringVar(&o.callGraph, "call-graph", "", "Stack unwinding mode, one of ('fp', 'dwarf')")

	cmd.MarkFlagsMutuallyExclusive("engine", "engine-hash")
}

func makeRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <suite> [engine args...]",
		Short: "Run a benchmark suite on an engine, measuring and profiling every benchmark",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			app, err := makeApp()
			if err != nil {
				return err
			}
			defer app.Shutdown()
			return runSuite(app, opts, args)
		},
	}

	opts.Bind(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(makeRunCommand())
}

////////////////////////////////////////////////////////////////////////////////

func runSuite(app *cli.App, opts *runOptions, args []string) error {
	l := app.Logger().Named("run")
	conf := app.Config()

	resultsPath := conf.ResultsPath
	if opts.resultsPath != "" {
		resultsPath = opts.resultsPath
	}
	profileDir := conf.ProfileDir
	if opts.profileDir != "" {
		profileDir = opts.profileDir
	}

	// A corrupt results file must fail the run before any measurement:
	// merging into it later would silently discard the history.
	resFile, err := results.Load(resultsPath)
	if err != nil {
		return err
	}

	engine, err := resolveEngine(app, opts)
	if err != nil {
		return err
	}

	// The build id ties recorded profiles back to the image; report
	// accepts it through --build-id. Engines that are not ELF images
	// (wrapper scripts) simply have none.
	if info, err := app.Images().Get(engine.bin); err == nil {
		l.Info("Resolved engine image",
			zap.String("build.id", info.BuildID),
			zap.Bool("debug.info", info.HasDebugInfo))
	}

	host := hostinfo.Collect(app.Context(), l)
	l.Info("Starting benchmark run",
		zap.String("engine", engine.bin),
		zap.String("suite", args[0]),
		zap.String("host", host.String()))

	run := &suiteRun{
		l:          l,
		controller: sampling.NewController(app.Logger(), newLocator(app, engine)),
		source:     args[0],
		profileDir: profileDir,
		noProfile:  opts.noProfile,
		profiler:   profilerOptions(conf, opts),
		results:    resFile,
	}

	engineArgs := append(append([]string{}, conf.Engine.Args...), args...)
	if err := run.execute(app.Context(), engine.bin, engineArgs); err != nil {
		return err
	}

	if engine.local {
		resFile.LocalEngine = ptr.String(localEngineName(engine.bin))
	} else {
		resFile.LocalEngine = nil
	}

	if err := resFile.Save(resultsPath); err != nil {
		return err
	}
	l.Info("Saved results",
		zap.String("path", resultsPath),
		zap.Int("measured", run.measured))
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// resolvedEngine is the binary under test plus where it came from.
type resolvedEngine struct {
	bin string
	// bundleDir is set when the engine was materialized from the cache.
	bundleDir string
	// local is set when the engine is a locally built binary.
	local bool
}

func resolveEngine(app *cli.App, opts *runOptions) (*resolvedEngine, error) {
	conf := app.Config()

	path := opts.enginePath
	if path == "" {
		path = conf.Engine.Path
	}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve engine path %s: %w", path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("engine binary is not usable: %w", err)
		}
		return &resolvedEngine{bin: abs, local: true}, nil
	}

	build := conf.Engine.Build
	if opts.engineHash != "" {
		build = &artifactcache.Build{
			Hash:    opts.engineHash,
			Variant: artifactcache.Variant{OS: opts.engineOS},
		}
		if opts.engineArch != "" {
			build.Variant.Arch = ptr.String(opts.engineArch)
		}
		if opts.engineMode != "" {
			build.Variant.Mode = ptr.String(opts.engineMode)
		}
	}
	if build == nil {
		return nil, fmt.Errorf("no engine to run: pass --engine or --engine-hash, or configure engine.build")
	}

	dir, err := app.Cache().Get(app.Context(), *build, artifactcache.KindEngine)
	if err != nil {
		return nil, err
	}
	return &resolvedEngine{
		bin:       filepath.Join(dir, bundleEngineBinary),
		bundleDir: dir,
	}, nil
}

func newLocator(app *cli.App, engine *resolvedEngine) *sampling.Locator {
	conf := app.Config()
	staged := conf.Profiler.StagedPath
	if staged == "" && engine.bundleDir != "" {
		staged = filepath.Join(engine.bundleDir, bundleProfilerBinary)
	}
	return sampling.NewLocator(app.Logger(), staged, conf.Profiler.SystemPath)
}

func profilerOptions(conf *cli.Config, opts *runOptions) sampling.StartOptions {
	out := sampling.StartOptions{
		Event:     conf.Profiler.Event,
		Frequency: conf.Profiler.Frequency,
		Callgraph: sampling.CallgraphMode(conf.Profiler.CallGraph),
	}
	if opts.event != "" {
		out.Event = opts.event
	}
	if opts.frequency != 0 {
		out.Frequency = opts.frequency
	}
	if opts.callGraph != "" {
		out.Callgraph = sampling.CallgraphMode(opts.callGraph)
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////

// suiteRun drives one engine process through a benchmark suite: it launches
// the engine, follows its event stream, brackets every benchmark with a
// sampling session, and collects the measured series.
type suiteRun struct {
	l          *zap.Logger
	controller *sampling.Controller

	source     string
	profileDir string
	noProfile  bool
	profiler   sampling.StartOptions

	results *results.File

	ctx       context.Context
	pid       int
	profiling bool
	measured  int
}

func (r *suiteRun) execute(ctx context.Context, bin string, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe engine output: %w", err)
	}
	stderr := &zapio.Writer{Log: r.l.Named("engine"), Level: zapcore.DebugLevel}
	defer func() { _ = stderr.Close() }()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine %s: %w", bin, err)
	}
	r.ctx = ctx
	r.pid = cmd.Process.Pid
	r.l.Info("Launched engine", zap.Int("pid", r.pid), zap.Strings("args", args))

	// ^C kills the engine through the command context; the run fails and
	// nothing is merged into the results file.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt)
		defer signal.Stop(signals)
		select {
		case <-ctx.Done():
		case <-signals:
			r.l.Warn("Aborting benchmark run because SIGINT received")
			cancel()
		}
	}()

	consumeErr := r.consume(events.NewDecoder(stdout))
	if consumeErr != nil {
		// The protocol is broken; whatever the engine does from here on
		// cannot be trusted.
		cancel()
	}
	waitErr := cmd.Wait()
	cancel()
	<-watcherDone

	// An engine that died mid-benchmark leaves the sampler recording.
	if r.profiling {
		r.profiling = false
		if err := r.controller.Stop(); err != nil {
			r.l.Warn("Failed to stop sampling after engine exit", zap.Error(err))
		}
	}

	if consumeErr != nil {
		return fmt.Errorf("engine event stream failed: %w", consumeErr)
	}
	if waitErr != nil {
		return fmt.Errorf("engine failed: %w", waitErr)
	}
	if r.measured == 0 {
		r.l.Warn("Engine exited without reporting any results")
	}
	return nil
}

func (r *suiteRun) consume(dec *events.Decoder) error {
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.handle(ev); err != nil {
			return err
		}
	}
}

func (r *suiteRun) handle(ev *events.Event) error {
	switch ev.Kind {
	case events.KindAppStarted:
		r.l.Info("Benchmark app is ready")

	case events.KindBenchmarkRunning:
		name, err := ev.DecodeName()
		if err != nil {
			return err
		}
		r.l.Info("Benchmark running", zap.String("name", name))
		r.startProfiling(name)

	case events.KindBenchmarkDone:
		name, err := ev.DecodeName()
		if err != nil {
			return err
		}
		r.l.Info("Benchmark done", zap.String("name", name))
		r.stopProfiling()

	case events.KindBenchmarkResult:
		res, err := ev.DecodeResult()
		if err != nil {
			return err
		}
		r.results.Merge(r.source, res.InstanceName(), res.Series)
		r.measured++
		r.l.Info("Measured benchmark",
			zap.String("name", res.InstanceName()),
			zap.Float64("score.us", res.Series.Score()),
			zap.Int64("iterations", res.Iterations))

	default:
		r.l.Debug("Ignoring unknown event", zap.String("kind", string(ev.Kind)))
	}
	return nil
}

func (r *suiteRun) startProfiling(name string) {
	if r.noProfile {
		return
	}

	opts := r.profiler
	opts.TargetPID = r.pid
	opts.OutputPath = filepath.Join(r.profileDir, profileFileName(name))

	if err := r.controller.Start(r.ctx, opts); err != nil {
		// An unprofiled benchmark still measures; losing the profile is
		// the lesser failure.
		r.l.Warn("Benchmark runs unprofiled",
			zap.String("name", name),
			zap.Error(err))
		return
	}
	r.profiling = true
}

func (r *suiteRun) stopProfiling() {
	if !r.profiling {
		return
	}
	r.profiling = false
	if err := r.controller.Stop(); err != nil {
		r.l.Warn("Failed to stop sampling", zap.Error(err))
	}
}

////////////////////////////////////////////////////////////////////////////////

// profileFileName flattens an instance name like "MapLookup(n: 4096)" into
// a safe file name: MapLookup_n_4096.data.
func profileFileName(instance string) string {
	var b strings.Builder
	pending := false
	for _, c := range instance {
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			c >= '0' && c <= '9' || c == '-' || c == '.'
		if !ok {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		b.WriteRune(c)
	}
	return b.String() + ".data"
}

// localEngineName is the name recorded in the results file for a locally
// built engine. Build output directories carry the configuration
// ("out/ReleaseARM64/engine"); binary file names usually do not.
func localEngineName(path string) string {
	if dir := filepath.Base(filepath.Dir(path)); dir != "." && dir != string(filepath.Separator) && dir != "bin" {
		return dir
	}
	return filepath.Base(path)
}
