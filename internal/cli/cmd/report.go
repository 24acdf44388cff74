package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mraleph/benchmark-harness/internal/artifactcache"
	"github.com/mraleph/benchmark-harness/internal/cli"
	"github.com/mraleph/benchmark-harness/internal/hostinfo"
	"github.com/mraleph/benchmark-harness/internal/report"
	"github.com/mraleph/benchmark-harness/internal/samples"
	"github.com/mraleph/benchmark-harness/pkg/ptr"
)

// reportConcurrency bounds parallel profile symbolication; disassembly
// shells out per hot symbol and would otherwise fork-bomb large batches.
const reportConcurrency = 4

////////////////////////////////////////////////////////////////////////////////

type reportOptions struct {
	enginePath string
	symbolDir  string

	buildID    string
	engineHash string
	engineOS   string
	engineArch string
	engineMode string

	tool       string
	objdump    string
	noAnnotate bool
}

func (o *reportOptions) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.enginePath, "engine", "", "Path of the engine image the profiles were recorded against")
	cmd.Flags().StringVar(&o.symbolDir, "symbols", "", "Directory of unpacked symbol images")

	cmd.Flags().StringVar(&o.buildID, "build-id", "", "Resolve the engine build by ELF build id")
	cmd.Flags().StringVar(&o.engineHash, "engine-hash", "", "Hash of the engine build the profiles were recorded against")
	cmd.Flags().StringVar(&o.engineOS, "engine-os", runtime.GOOS, "Engine build variant os")
	cmd.Flags().StringVar(&o.engineArch, "engine-arch", "", "Engine build variant architecture")
	cmd.Flags().StringVar(&o.engineMode, "engine-mode", "", "Engine build variant mode")

	cmd.Flags().StringVar(&o.tool, "tool", "", "Profile dump tool used for non-pprof profiles")
	cmd.Flags().StringVar(&o.objdump, "objdump", "", "Disassembler used for hot-symbol listings")
	cmd.Flags().BoolVar(&o.noAnnotate, "no-annotate", false, "Skip disassembly annotation")

	cmd.MarkFlagsMutuallyExclusive("engine", "build-id", "engine-hash")
}

func makeReportCommand() *cobra.Command {
	opts := &reportOptions{}

	cmd := &cobra.Command{
		Use:   "report <profile>...",
		Short: "Aggregate recorded profiles into ranked hot-symbol reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			app, err := makeApp()
			if err != nil {
				return err
			}
			defer app.Shutdown()
			return runReport(app, opts, args, os.Stdout)
		},
	}

	opts.Bind(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(makeReportCommand())
}

////////////////////////////////////////////////////////////////////////////////

func runReport(app *cli.App, opts *reportOptions, paths []string, w io.Writer) error {
	l := app.Logger().Named("report")

	target, err := resolveTarget(app, opts)
	if err != nil {
		return err
	}

	ropts := report.Options{EngineImage: target.engineImage}
	if !opts.noAnnotate {
		disasm := report.NewObjdumpDisassembler()
		if opts.objdump != "" {
			disasm.Tool = opts.objdump
		}
		ropts.Disassembler = disasm
	}
	builder := report.NewBuilder(l, ropts)

	host := hostinfo.Collect(app.Context(), l)
	fmt.Fprintf(w, "Host: %s\n\n", host)

	reports := buildReports(app.Context(), l, builder, target, dumpTool(app.Config(), opts), paths)

	failed := 0
	for _, pr := range reports {
		renderReport(w, pr)
		if pr.err != nil {
			failed++
			l.Warn("Failed to build report",
				zap.String("profile", pr.path),
				zap.Error(pr.err))
		}
	}
	if failed == len(paths) {
		return fmt.Errorf("all %d profiles failed", failed)
	}
	return nil
}

func dumpTool(conf *cli.Config, opts *reportOptions) string {
	switch {
	case opts.tool != "":
		return opts.tool
	case conf.Profiler.StagedPath != "":
		return conf.Profiler.StagedPath
	default:
		return conf.Profiler.SystemPath
	}
}

////////////////////////////////////////////////////////////////////////////////

// reportTarget is the pair of images reports resolve against.
type reportTarget struct {
	engineImage string
	symbolDir   string
}

func resolveTarget(app *cli.App, opts *reportOptions) (*reportTarget, error) {
	target := &reportTarget{symbolDir: opts.symbolDir}

	if opts.enginePath != "" {
		target.engineImage = opts.enginePath
		return target, nil
	}

	build := app.Config().Engine.Build
	switch {
	case opts.buildID != "":
		b, ok := app.Cache().LookupBuild(opts.buildID)
		if !ok {
			return nil, fmt.Errorf("build id %s is not in the cache index; materialize its bundle once with --engine-hash", opts.buildID)
		}
		build = &b
	case opts.engineHash != "":
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
	l := app.Logger().Named("report")

	// The symbols bundle carries the unstripped image; prefer it both as
	// the symbol search directory and as the image to disassemble.
	if target.symbolDir == "" && build != nil {
		symDir, err := app.Cache().Get(app.Context(), *build, artifactcache.KindSymbols)
		if err != nil {
			l.Warn("Symbols bundle unavailable, falling back to the stripped engine", zap.Error(err))
		} else {
			target.symbolDir = symDir
		}
	}
	if target.symbolDir != "" {
		img := filepath.Join(target.symbolDir, bundleEngineBinary)
		if info, err := app.Images().Get(img); err == nil && info.HasDebugInfo {
			target.engineImage = img
		}
	}
	if target.engineImage == "" {
		if build == nil {
			// Raw symbol names only; nothing to annotate against.
			return target, nil
		}
		engineDir, err := app.Cache().Get(app.Context(), *build, artifactcache.KindEngine)
		if err != nil {
			return nil, err
		}
		target.engineImage = filepath.Join(engineDir, bundleEngineBinary)
	}
	return target, nil
}

////////////////////////////////////////////////////////////////////////////////

type profileReport struct {
	path   string
	report *report.Report
	err    error
}

// buildReports symbolicates a batch of profiles. Failures stay local to
// their entry: one unreadable profile must not abort its siblings.
func buildReports(ctx context.Context, l *zap.Logger, builder *report.Builder, target *reportTarget, tool string, paths []string) []profileReport {
	out := make([]profileReport, len(paths))

	var g errgroup.Group
	g.SetLimit(reportConcurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			out[i] = profileReport{path: path}
			out[i].report, out[i].err = buildOne(ctx, l, builder, target.symbolDir, tool, path)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func buildOne(ctx context.Context, l *zap.Logger, builder *report.Builder, symbolDir, tool, path string) (*report.Report, error) {
	reader, err := samples.ForProfile(l, path, tool)
	if err != nil {
		return nil, err
	}
	sess, err := reader.Open(ctx, path, symbolDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	return builder.Build(ctx, sess)
}

////////////////////////////////////////////////////////////////////////////////

func renderReport(w io.Writer, pr profileReport) {
	fmt.Fprintf(w, "%s\n", pr.path)

	switch {
	case pr.err != nil:
		fmt.Fprintf(w, "  failed: %v\n", pr.err)
	case pr.report.NoData:
		fmt.Fprintf(w, "  no samples\n")
	default:
		fmt.Fprintf(w, "  %s samples\n\n", humanize.Comma(int64(pr.report.GrandTotal)))
		for _, e := range pr.report.Entries {
			fmt.Fprintf(w, "%7.2f%%  %s  [%s]\n", e.Share, e.Name, filepath.Base(e.DSO))
			if len(e.Annotation) > 0 {
				fmt.Fprintln(w)
				for _, line := range e.Annotation {
					fmt.Fprintf(w, "      %s\n", line)
				}
				fmt.Fprintln(w)
			}
		}
	}
	fmt.Fprintln(w)
}
