//go:build linux

package xelf

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// The test binary itself is the most convenient ELF at hand. The Go linker
// always stamps a build id note into it.
func TestGetBuildIDSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	id, err := GetBuildID(exe)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := GetBuildID(exe)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestInfoCacheMemoizes(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	cache := NewInfoCache(16)

	first, err := cache.Get(exe)
	require.NoError(t, err)
	require.NotEmpty(t, first.BuildID)

	second, err := cache.Get(exe)
	require.NoError(t, err)
	require.Same(t, first, second)
}
