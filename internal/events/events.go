// Package events implements the line-oriented JSON protocol spoken by a
// benchmark app on its stdout. Every event occupies exactly one line:
//
//	{"event":"benchmark.result","params":{"name":"MapLookup","values":[512,498],"iterations":2000}}
//
// Benchmark apps interleave ordinary log output with events on the same
// stream; anything that does not look like an event line passes through
// unparsed.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mraleph/benchmark-harness/internal/measure"
	"github.com/mraleph/benchmark-harness/internal/registry"
)

////////////////////////////////////////////////////////////////////////////////

// Kind names an event type.
type Kind string

const (
	// KindAppStarted is emitted once the app is ready to run benchmarks.
	KindAppStarted Kind = "app.started"
	// KindBenchmarkRunning brackets the start of one benchmark instance.
	KindBenchmarkRunning Kind = "benchmark.running"
	// KindBenchmarkDone brackets the end of one benchmark instance.
	KindBenchmarkDone Kind = "benchmark.done"
	// KindBenchmarkResult carries the measured series of one instance.
	KindBenchmarkResult Kind = "benchmark.result"
)

// Event is the wire envelope.
type Event struct {
	Kind   Kind            `json:"event"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Result is the payload of a benchmark.result event.
type Result struct {
	Name       string          `json:"name"`
	Parameters registry.Values `json:"parameters,omitempty"`
	measure.Series
}

// InstanceName is the fully qualified name of the measured grid point.
func (r *Result) InstanceName() string {
	return registry.InstanceName(r.Name, r.Parameters)
}

type nameParams struct {
	Name string `json:"name"`
}

////////////////////////////////////////////////////////////////////////////////

// Only lines carrying this prefix are treated as events. Everything else
// on the stream is app chatter.
const eventPrefix = `{"event"`

// Decoder pulls events out of an app's output stream.
type Decoder struct {
	sc   *bufio.Scanner
	line int
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &Decoder{sc: sc}
}

// Next returns the next event, skipping interleaved non-event output.
// It returns io.EOF once the stream is cleanly exhausted. A line that
// claims to be an event but does not parse is a hard error: silently
// dropping results would corrupt the recorded series.
func (d *Decoder) Next() (*Event, error) {
	for d.sc.Scan() {
		d.line++
		line := strings.TrimSpace(d.sc.Text())
		if !strings.HasPrefix(line, eventPrefix) {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("malformed event at line %d: %w", d.line, err)
		}
		if ev.Kind == "" {
			return nil, fmt.Errorf("event without a kind at line %d", d.line)
		}
		return &ev, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// DecodeResult extracts the measured series of a benchmark.result event.
func (e *Event) DecodeResult() (*Result, error) {
	if e.Kind != KindBenchmarkResult {
		return nil, fmt.Errorf("event %q carries no result", e.Kind)
	}

	var res Result
	if err := json.Unmarshal(e.Params, &res); err != nil {
		return nil, fmt.Errorf("failed to decode benchmark result: %w", err)
	}
	if res.Name == "" {
		return nil, fmt.Errorf("benchmark result without a name")
	}
	if len(res.Values) == 0 {
		return nil, fmt.Errorf("benchmark result %q carries no values", res.Name)
	}
	if res.Iterations <= 0 {
		return nil, fmt.Errorf("benchmark result %q has non-positive iteration count %d", res.Name, res.Iterations)
	}
	return &res, nil
}

// DecodeName extracts the benchmark name of a running/done event.
func (e *Event) DecodeName() (string, error) {
	if e.Kind != KindBenchmarkRunning && e.Kind != KindBenchmarkDone {
		return "", fmt.Errorf("event %q carries no benchmark name", e.Kind)
	}

	var p nameParams
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return "", fmt.Errorf("failed to decode %s params: %w", e.Kind, err)
	}
	if p.Name == "" {
		return "", fmt.Errorf("%s event without a benchmark name", e.Kind)
	}
	return p.Name, nil
}

////////////////////////////////////////////////////////////////////////////////

// Encoder is the app-side half of the protocol.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) emit(kind Kind, params any) error {
	ev := Event{Kind: kind}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", kind, err)
		}
		ev.Params = raw
	}

	line, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	line = append(line, '\n')
	_, err = e.w.Write(line)
	return err
}

// AppStarted signals readiness to the harness.
func (e *Encoder) AppStarted() error {
	return e.emit(KindAppStarted, nil)
}

// BenchmarkRunning announces that the named instance is about to run.
func (e *Encoder) BenchmarkRunning(name string) error {
	return e.emit(KindBenchmarkRunning, nameParams{Name: name})
}

// BenchmarkDone announces that the named instance finished running.
func (e *Encoder) BenchmarkDone(name string) error {
	return e.emit(KindBenchmarkDone, nameParams{Name: name})
}

// Result publishes the measured series of one instance.
func (e *Encoder) Result(res *Result) error {
	return e.emit(KindBenchmarkResult, res)
}
