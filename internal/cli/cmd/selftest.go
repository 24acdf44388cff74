package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mraleph/benchmark-harness/internal/selftest"
)

type selftestOptions struct {
	filter string
	rounds int
	warmup time.Duration
	score  time.Duration
}

func (o *selftestOptions) Bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.filter, "filter", "", "Run only benchmarks whose name contains the substring")
	cmd.Flags().IntVar(&o.rounds, "rounds", 0, "Scored rounds per benchmark instance")
	cmd.Flags().DurationVar(&o.warmup, "warmup", 0, "Minimum warmup duration")
	cmd.Flags().DurationVar(&o.score, "score", 0, "Minimum scored-round duration")
}

func makeSelftestCommand() *cobra.Command {
	opts := &selftestOptions{}

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the built-in benchmark suite, speaking the engine event protocol",
		Long: `Selftest makes the harness its own engine: it measures a small built-in
suite and emits the benchmark event protocol on stdout, so a complete run
can be exercised end to end as

    benchhar run --engine $(which benchhar) selftest`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return selftest.Run(os.Stdout, selftest.Suite(), selftest.Options{
				Filter: opts.filter,
				Rounds: opts.rounds,
				Warmup: opts.warmup,
				Score:  opts.score,
			})
		},
	}

	opts.Bind(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(makeSelftestCommand())
}
