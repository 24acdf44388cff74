//go:build linux

package artifactcache

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mraleph/benchmark-harness/pkg/xelf"
)

// Materializing an engine bundle must index the build ids of the ELF
// images inside it. The test binary stands in for the engine.
func TestBuildIDReverseIndex(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	image, err := os.ReadFile(exe)
	require.NoError(t, err)

	fetcher := &fakeFetcher{payload: map[string][]byte{
		"bin/engine": image,
		"LICENSE":    []byte("not an elf"),
	}}
	conf := testConfig(t)
	c := initTest(t, conf, fetcher)

	build := testBuild("abc123")
	_, err = c.Get(context.Background(), build, KindEngine)
	require.NoError(t, err)

	id, err := xelf.GetBuildID(exe)
	require.NoError(t, err)

	got, ok := c.LookupBuild(id)
	require.True(t, ok)
	require.Equal(t, build, got)

	// The index is part of the persisted state.
	reopened := initTest(t, conf, fetcher)
	got, ok = reopened.LookupBuild(id)
	require.True(t, ok)
	require.Equal(t, build, got)

	// Dropping the last entry of the build prunes its index records.
	require.NoError(t, reopened.Remove(entryKey(build, KindEngine)))
	_, ok = reopened.LookupBuild(id)
	require.False(t, ok)
}
