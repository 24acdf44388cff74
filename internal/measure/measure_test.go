package measure

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTimer returns canned elapsed times per iteration count and records
// the sequence of requested counts.
type fakeTimer struct {
	elapsed map[int64]int64
	calls   []int64
}

func (f *fakeTimer) run(iterations int64) int64 {
	f.calls = append(f.calls, iterations)
	v, ok := f.elapsed[iterations]
	if !ok {
		panic(fmt.Sprintf("unexpected iteration count %d", iterations))
	}
	return v
}

// linearTimer models a workload with a fixed per-iteration cost.
func linearTimer(microsPerIteration int64) TimerFunc {
	return func(iterations int64) int64 {
		return iterations * microsPerIteration
	}
}

func TestMeasureForConverges(t *testing.T) {
	// 1ms per iteration, 2s target: the 2-iteration probe runs 2ms, the
	// ratio estimate jumps straight to 2000 iterations.
	m := MeasureFor(linearTimer(1000), 2*time.Second)

	require.Equal(t, int64(2_000_000), m.ElapsedMicros)
	require.Equal(t, int64(2000), m.Iterations)
	require.Equal(t, int64(2002), m.TotalIterations)
}

func TestMeasureForJitterAcceptance(t *testing.T) {
	// Targets of a second or more tolerate a 10% undershoot.
	ft := &fakeTimer{elapsed: map[int64]int64{
		2:    2_000,
		2000: 1_810_000,
	}}

	m := MeasureFor(ft.run, 2*time.Second)

	require.Equal(t, int64(1_810_000), m.ElapsedMicros)
	require.Equal(t, int64(2000), m.Iterations)
	require.Equal(t, []int64{2, 2000}, ft.calls)
}

func TestMeasureForStrictBelowOneSecond(t *testing.T) {
	// A 500ms target gets no jitter allowance: 499999µs of 500000µs is
	// rejected and the search keeps growing.
	ft := &fakeTimer{elapsed: map[int64]int64{
		2:   2_000,
		500: 499_999,
		750: 750_000,
	}}

	m := MeasureFor(ft.run, 500*time.Millisecond)

	require.Equal(t, []int64{2, 500, 750}, ft.calls)
	require.Equal(t, int64(750), m.Iterations)
	require.Equal(t, int64(2+500+750), m.TotalIterations)
}

func TestMeasureForSubMillisecondEscape(t *testing.T) {
	// A probe round under a millisecond carries no ratio signal, so the
	// count jumps three orders of magnitude.
	ft := &fakeTimer{elapsed: map[int64]int64{
		2:    500,
		2000: 2_000_000,
	}}

	m := MeasureFor(ft.run, time.Second)

	require.Equal(t, []int64{2, 2000}, ft.calls)
	require.Equal(t, int64(2000), m.Iterations)
	require.Equal(t, int64(2002), m.TotalIterations)
}

func TestMeasureForGrowthFloor(t *testing.T) {
	// Even a round just short of the target grows by at least 1.5x.
	ft := &fakeTimer{elapsed: map[int64]int64{
		2: 400_000,
		3: 600_000,
	}}

	m := MeasureFor(ft.run, 500*time.Millisecond)

	require.Equal(t, []int64{2, 3}, ft.calls)
	require.Equal(t, int64(3), m.Iterations)
	require.Equal(t, int64(5), m.TotalIterations)
}

func TestMeasureForZeroMinimum(t *testing.T) {
	m := MeasureFor(linearTimer(1), 0)

	require.Equal(t, int64(initialIterations), m.Iterations)
	require.Equal(t, int64(initialIterations), m.TotalIterations)
}

func TestScore(t *testing.T) {
	m := Measurement{ElapsedMicros: 1500, Iterations: 3}
	require.InDelta(t, 500.0, m.Score(), 1e-9)
}

func TestRunSeriesFixedIterations(t *testing.T) {
	var calls []int64
	run := func(iterations int64) int64 {
		calls = append(calls, iterations)
		return iterations * 100
	}

	series := runSeries(run, time.Millisecond, 50*time.Millisecond, 4)

	require.Len(t, series.Values, 4)
	require.Equal(t, int64(2000), series.Iterations)
	for _, v := range series.Values {
		require.Equal(t, int64(200_000), v)
	}
	// Every scored round after sizing reuses the same iteration count.
	require.Equal(t, series.Iterations, calls[len(calls)-1])
	require.Equal(t, series.Iterations, calls[len(calls)-2])
	require.Equal(t, series.Iterations, calls[len(calls)-3])
}

func TestMeasureForRealClock(t *testing.T) {
	work := func() { time.Sleep(time.Millisecond) }

	m := MeasureFor(TimerOf(work), 10*time.Millisecond)

	// Targets under a second are strict, so the accepted round must have
	// genuinely crossed it.
	require.GreaterOrEqual(t, m.ElapsedMicros, int64(10_000))
	require.GreaterOrEqual(t, m.Iterations, int64(initialIterations))
	require.GreaterOrEqual(t, m.TotalIterations, m.Iterations)
}

func TestSeriesScore(t *testing.T) {
	s := Series{Values: []int64{200_000, 220_000, 180_000}, Iterations: 2000}
	require.InDelta(t, 100.0, s.Score(), 1e-9)

	require.Zero(t, Series{}.Score())
	require.Zero(t, Series{Iterations: 10}.Score())
}

func TestCollectSamples(t *testing.T) {
	var calls int64
	work := func() { calls++ }

	got := CollectSamples(work, 7, 3)
	require.Len(t, got, 3)
	require.Equal(t, int64(21), calls)
}
