package events

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mraleph/benchmark-harness/internal/measure"
	"github.com/mraleph/benchmark-harness/internal/registry"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.AppStarted())
	require.NoError(t, enc.BenchmarkRunning("MapLookup(n: 64)"))
	require.NoError(t, enc.Result(&Result{
		Name:       "MapLookup",
		Parameters: registry.Values{{Name: "n", Value: 64}},
		Series:     measure.Series{Values: []int64{512, 498, 505}, Iterations: 2000},
	}))
	require.NoError(t, enc.BenchmarkDone("MapLookup(n: 64)"))

	dec := NewDecoder(&buf)

	ev, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindAppStarted, ev.Kind)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindBenchmarkRunning, ev.Kind)
	name, err := ev.DecodeName()
	require.NoError(t, err)
	require.Equal(t, "MapLookup(n: 64)", name)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindBenchmarkResult, ev.Kind)
	res, err := ev.DecodeResult()
	require.NoError(t, err)
	require.Equal(t, "MapLookup", res.Name)
	require.Equal(t, "MapLookup(n: 64)", res.InstanceName())
	require.Equal(t, []int64{512, 498, 505}, res.Values)
	require.Equal(t, int64(2000), res.Iterations)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindBenchmarkDone, ev.Kind)

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderSkipsAppChatter(t *testing.T) {
	stream := strings.Join([]string{
		"engine: initializing renderer",
		`{"event":"app.started"}`,
		"{ not an event, just a brace }",
		"",
		`{"event":"benchmark.done","params":{"name":"alloc"}}`,
		"bye",
	}, "\n")

	dec := NewDecoder(strings.NewReader(stream))

	ev, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindAppStarted, ev.Kind)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, KindBenchmarkDone, ev.Kind)

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderRejectsMalformedEvents(t *testing.T) {
	stream := "noise\n" + `{"event":"benchmark.result","params":` + "\n"

	_, err := NewDecoder(strings.NewReader(stream)).Next()
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestDecodeResultValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		line string
	}{
		{"missing name", `{"event":"benchmark.result","params":{"values":[1],"iterations":2}}`},
		{"empty values", `{"event":"benchmark.result","params":{"name":"x","values":[],"iterations":2}}`},
		{"bad iterations", `{"event":"benchmark.result","params":{"name":"x","values":[1],"iterations":0}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := NewDecoder(strings.NewReader(tc.line + "\n")).Next()
			require.NoError(t, err)
			_, err = ev.DecodeResult()
			require.Error(t, err)
		})
	}
}

func TestDecodeKindMismatch(t *testing.T) {
	ev := &Event{Kind: KindAppStarted}

	_, err := ev.DecodeResult()
	require.Error(t, err)

	_, err = ev.DecodeName()
	require.Error(t, err)
}
