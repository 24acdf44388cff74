// Package selftest hosts the harness's built-in benchmark suite. Running it
// turns the harness binary into a local engine: benchmarks are sized and
// scored in process and the launch event protocol is emitted on the given
// writer, so the run command can drive this binary exactly like a
// downloaded engine build.
package selftest

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mraleph/benchmark-harness/internal/events"
	"github.com/mraleph/benchmark-harness/internal/measure"
	"github.com/mraleph/benchmark-harness/internal/registry"
)

////////////////////////////////////////////////////////////////////////////////

type Options struct {
	// Filter keeps only benchmarks whose name contains the substring.
	Filter string
	Rounds int
	Warmup time.Duration
	Score  time.Duration
}

func (o *Options) fillDefault() {
	if o.Rounds == 0 {
		o.Rounds = 3
	}
	if o.Warmup == 0 {
		o.Warmup = measure.WarmupDuration
	}
	if o.Score == 0 {
		o.Score = measure.ScoreDuration
	}
}

////////////////////////////////////////////////////////////////////////////////

// Suite builds the registry of built-in benchmarks.
func Suite() *registry.Registry {
	reg := registry.New()

	reg.MustRegister(registry.Benchmark{
		Name: "MapLookup",
		Axes: []registry.Axis{{Name: "n", Values: []int64{16, 256, 4096}}},
		Body: func(args registry.Values) func() {
			n := args.MustGet("n")
			m := make(map[int64]int64, n)
			for i := int64(0); i < n; i++ {
				m[i] = i * 2
			}
			var sink int64
			return func() {
				sink += m[sink%n]
			}
		},
	})

	reg.MustRegister(registry.Benchmark{
		Name: "StringBuild",
		Axes: []registry.Axis{{Name: "n", Values: []int64{8, 64}}},
		Body: func(args registry.Values) func() {
			n := int(args.MustGet("n"))
			return func() {
				var b strings.Builder
				for i := 0; i < n; i++ {
					b.WriteString("ab")
				}
				_ = b.String()
			}
		},
	})

	reg.MustRegister(registry.Benchmark{
		Name: "SliceSort",
		Axes: []registry.Axis{{Name: "n", Values: []int64{32, 512}}},
		Body: func(args registry.Values) func() {
			n := int(args.MustGet("n"))
			src := make([]int, n)
			for i := range src {
				src[i] = (i * 7919) % n
			}
			buf := make([]int, n)
			return func() {
				copy(buf, src)
				sort.Ints(buf)
			}
		},
	})

	return reg
}

////////////////////////////////////////////////////////////////////////////////

// Run measures every grid point of every registered benchmark and emits the
// event protocol to w.
func Run(w io.Writer, reg *registry.Registry, opts Options) error {
	opts.fillDefault()

	enc := events.NewEncoder(w)
	if err := enc.AppStarted(); err != nil {
		return err
	}

	for _, b := range reg.Benchmarks() {
		if opts.Filter != "" && !strings.Contains(b.Name, opts.Filter) {
			continue
		}

		grid := b.Grid()
		for {
			args, ok := grid.Next()
			if !ok {
				break
			}

			instance := registry.InstanceName(b.Name, args)
			if err := enc.BenchmarkRunning(instance); err != nil {
				return err
			}

			series := measure.RunFor(b.Body(args), opts.Warmup, opts.Score, opts.Rounds)
			if err := enc.Result(&events.Result{
				Name:       b.Name,
				Parameters: args,
				Series:     series,
			}); err != nil {
				return err
			}

			if err := enc.BenchmarkDone(instance); err != nil {
				return err
			}
		}
	}
	return nil
}
