package samples

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mraleph/benchmark-harness/internal/debuginfo"
)

func TestProfileReader_ResolvesAgainstBundleImages(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	// The test binary doubles as the engine image: find the file virtual
	// address of a function we know is in there.
	table, err := debuginfo.LoadSymbolTable(exe)
	require.NoError(t, err)
	wantName := runtime.FuncForPC(reflect.ValueOf(NewProfileReader).Pointer()).Name()
	sym, ok := table.LookupName(wantName)
	require.True(t, ok)

	symbolDir := t.TempDir()
	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(symbolDir, "engine"), data, 0755))

	const bias = 0x100000
	mapping := &profile.Mapping{
		ID:     1,
		Start:  bias,
		Limit:  bias + 1<<40,
		Offset: 0,
		File:   "/opt/engine/bin/engine",
	}
	fallbackFn := &profile.Function{ID: 1, Name: "interpreter_entry", SystemName: "interpreter_entry"}
	locKnown := &profile.Location{ID: 1, Mapping: mapping, Address: sym.Addr + bias}
	locFallback := &profile.Location{
		ID:      2,
		Mapping: mapping,
		Address: bias + 0x10,
		Line:    []profile.Line{{Function: fallbackFn, Line: 3}},
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cycles", Unit: "count"},
		},
		DefaultSampleType: "cycles",
		Sample: []*profile.Sample{
			{Location: []*profile.Location{locKnown}, Value: []int64{1, 777}},
			{Location: []*profile.Location{locFallback}, Value: []int64{1, 33}},
			{Location: []*profile.Location{locKnown}, Value: []int64{1, 0}},
		},
		Mapping:  []*profile.Mapping{mapping},
		Location: []*profile.Location{locKnown, locFallback},
		Function: []*profile.Function{fallbackFn},
	}

	path := filepath.Join(t.TempDir(), "profile.pb.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, p.Write(f))
	require.NoError(t, f.Close())

	reader, err := ForProfile(zaptest.NewLogger(t), path, "unused")
	require.NoError(t, err)
	require.IsType(t, &ProfileReader{}, reader)

	sess, err := reader.Open(context.Background(), path, symbolDir)
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	all, err := Collect(sess)
	require.NoError(t, err)
	require.Len(t, all, 2, "zero-weight sample must be dropped")

	// The ELF table of the bundled image wins over whatever the profile
	// already recorded.
	require.Equal(t, uint64(777), all[0].Period)
	require.Equal(t, wantName, all[0].Symbol)
	require.Equal(t, sym.Addr, all[0].VAddr)
	require.Equal(t, sym.Addr, all[0].SymbolVAddr)
	require.Equal(t, "/opt/engine/bin/engine", all[0].DSO)

	// An address outside every symbol keeps the profile's own name.
	require.Equal(t, uint64(33), all[1].Period)
	require.Equal(t, "interpreter_entry", all[1].Symbol)
	require.Equal(t, uint64(0x10), all[1].VAddr)
	require.Equal(t, uint64(0x10), all[1].SymbolVAddr)
}

func TestSampleValueIndex(t *testing.T) {
	mk := func(def string, types ...string) *profile.Profile {
		p := &profile.Profile{DefaultSampleType: def}
		for _, typ := range types {
			p.SampleType = append(p.SampleType, &profile.ValueType{Type: typ, Unit: "count"})
		}
		return p
	}

	require.Equal(t, 1, sampleValueIndex(mk("cycles", "samples", "cycles")))
	require.Equal(t, 1, sampleValueIndex(mk("", "samples", "cycles", "instructions")))
	require.Equal(t, 0, sampleValueIndex(mk("", "cpu", "wall")))
	require.Equal(t, 2, sampleValueIndex(mk("", "alloc", "objects", "space")))
}

func TestProfileReader_CorruptProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pprof")
	require.NoError(t, os.WriteFile(path, []byte("not a profile"), 0644))

	reader, err := NewProfileReader(zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = reader.Open(context.Background(), path, "")
	require.Error(t, err)
}
