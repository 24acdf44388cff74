// Package measure sizes and scores benchmark workloads. A workload is an
// opaque closure; the engine searches for an iteration count whose total
// run time crosses a target duration, then reports per-round timings at
// that fixed count. Sizing adapts from a tiny probe round, so neither
// nanosecond-scale nor second-scale workloads need manual tuning.
package measure

import (
	"math"
	"time"
)

////////////////////////////////////////////////////////////////////////////////

// TimerFunc runs the workload the given number of times and reports the
// elapsed wall time in microseconds.
type TimerFunc func(iterations int64) int64

// Elapsed times iterations of work, in microseconds.
func Elapsed(work func(), iterations int64) int64 {
	start := time.Now()
	for i := int64(0); i < iterations; i++ {
		work()
	}
	return time.Since(start).Microseconds()
}

// TimerOf adapts a plain closure to a TimerFunc.
func TimerOf(work func()) TimerFunc {
	return func(iterations int64) int64 {
		return Elapsed(work, iterations)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Measurement is one accepted sizing round.
type Measurement struct {
	// ElapsedMicros is the wall time of the accepted round.
	ElapsedMicros int64
	// Iterations is the iteration count of the accepted round.
	Iterations int64
	// TotalIterations counts every iteration spent across all rounds of
	// the search, rejected rounds included.
	TotalIterations int64
}

// Score is the cost of one iteration in microseconds.
func (m Measurement) Score() float64 {
	return float64(m.ElapsedMicros) / float64(m.Iterations)
}

////////////////////////////////////////////////////////////////////////////////

// Sizing constants. These are load-bearing: recorded series from different
// harness versions are only comparable if the sizing policy stays put.
const (
	// Every search starts with a two-iteration probe round.
	initialIterations = 2

	// Rounds targeting less than a second must actually cross the target.
	// Longer targets tolerate a 10% undershoot: timers jitter, and a
	// nearly-long-enough round is not worth another multi-second retry.
	jitterCutoff   = 1000 * time.Millisecond
	jitterFraction = 0.1

	// Lower bound on per-round iteration growth.
	growthFloor = 1.5

	// Escape multiplier for rounds too fast to register a whole
	// millisecond: such rounds give no usable ratio signal.
	subMillisecondEscape = 1000
)

// MeasureFor searches for an iteration count whose round lasts at least
// minimum and returns that round. The workload runs on the calling
// goroutine; total search time is bounded by a small multiple of minimum.
func MeasureFor(run TimerFunc, minimum time.Duration) Measurement {
	minimumMicros := minimum.Microseconds()

	var allowedJitter int64
	if minimum >= jitterCutoff {
		allowedJitter = int64(jitterFraction * float64(minimumMicros))
	}

	iterations := int64(initialIterations)
	total := iterations
	for {
		m := Measurement{
			ElapsedMicros:   run(iterations),
			Iterations:      iterations,
			TotalIterations: total,
		}
		if m.ElapsedMicros >= minimumMicros-allowedJitter {
			return m
		}

		iterations = m.nextIterations(minimumMicros)
		total += iterations
	}
}

// nextIterations estimates the next round's iteration count from the
// observed elapsed time, truncated to whole milliseconds to avoid chasing
// timer noise. Growth is the elapsed-to-target ratio, but at least
// growthFloor per round so the search always terminates.
func (m Measurement) nextIterations(minimumMicros int64) int64 {
	roundedMicros := m.ElapsedMicros / 1000 * 1000
	if roundedMicros == 0 {
		return m.Iterations * subMillisecondEscape
	}

	growth := math.Max(float64(minimumMicros)/float64(roundedMicros), growthFloor)
	return int64(math.Ceil(float64(m.Iterations) * growth))
}

////////////////////////////////////////////////////////////////////////////////

// Phase durations. The warmup round soaks caches and JITs without scoring;
// the sizing round both settles the iteration count and produces the first
// scored value.
const (
	WarmupDuration = 100 * time.Millisecond
	ScoreDuration  = 2000 * time.Millisecond
)

// Series is the raw outcome of a scored benchmark run: per-round elapsed
// wall times at a fixed iteration count. The per-iteration cost of round i
// is Values[i]/Iterations.
type Series struct {
	Values     []int64 `json:"values"`
	Iterations int64   `json:"iterations"`
}

// Score is the mean per-iteration cost in microseconds across rounds.
func (s Series) Score() float64 {
	if s.Iterations == 0 || len(s.Values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.Values {
		sum += v
	}
	return float64(sum) / float64(len(s.Values)) / float64(s.Iterations)
}

// Measure sizes work and returns its per-iteration cost in microseconds.
func Measure(work func()) float64 {
	timer := TimerOf(work)
	MeasureFor(timer, WarmupDuration)
	return MeasureFor(timer, ScoreDuration).Score()
}

// Run sizes work once and then scores it for the requested number of
// rounds. The sizing round contributes the first value; the remaining
// rounds reuse its iteration count.
func Run(work func(), rounds int) Series {
	return runSeries(TimerOf(work), WarmupDuration, ScoreDuration, rounds)
}

// RunFor is Run with explicit phase durations.
func RunFor(work func(), warmup, score time.Duration, rounds int) Series {
	return runSeries(TimerOf(work), warmup, score, rounds)
}

// CollectSamples times work at a fixed, already-sized iteration count.
func CollectSamples(work func(), iterations int64, count int) []int64 {
	timer := TimerOf(work)
	out := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, timer(iterations))
	}
	return out
}

func runSeries(run TimerFunc, warmup, score time.Duration, rounds int) Series {
	MeasureFor(run, warmup)

	sized := MeasureFor(run, score)
	values := make([]int64, 0, max(rounds, 1))
	values = append(values, sized.ElapsedMicros)
	for i := 1; i < rounds; i++ {
		values = append(values, run(sized.Iterations))
	}

	return Series{Values: values, Iterations: sized.Iterations}
}
