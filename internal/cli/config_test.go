package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mraleph/benchmark-harness/internal/sampling"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParseConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
results_path: out/results.json
cache:
  root_path: /tmp/bench-cache
  base_url: https://builds.example.com/engine
engine:
  build:
    hash: 0123abcd
    variant:
      os: linux
      arch: arm64
  args: ["--no-jit"]
profiler:
  event: instructions
  frequency: 4000
  call_graph: fp
`)

	conf, err := ParseConfig(path)
	require.NoError(t, err)

	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, "out/results.json", conf.ResultsPath)
	require.NotNil(t, conf.Cache)
	require.Equal(t, "/tmp/bench-cache", conf.Cache.RootPath)
	require.Equal(t, "https://builds.example.com/engine", conf.Cache.BaseURL)

	require.NotNil(t, conf.Engine.Build)
	require.Equal(t, "0123abcd", conf.Engine.Build.Hash)
	require.Equal(t, "linux", conf.Engine.Build.Variant.OS)
	require.NotNil(t, conf.Engine.Build.Variant.Arch)
	require.Equal(t, "arm64", *conf.Engine.Build.Variant.Arch)
	require.Equal(t, []string{"--no-jit"}, conf.Engine.Args)

	require.Equal(t, "instructions", conf.Profiler.Event)
	require.Equal(t, 4000, conf.Profiler.Frequency)
	require.Equal(t, "fp", conf.Profiler.CallGraph)
}

func TestParseConfig_UnknownField(t *testing.T) {
	path := writeConfig(t, "log_levl: debug\n")

	_, err := ParseConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "log_levl")
}

func TestParseConfig_Missing(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestFillDefault(t *testing.T) {
	conf := &Config{}
	conf.FillDefault()

	require.Equal(t, "info", conf.LogLevel)
	require.Equal(t, "benchmark-results.json", conf.ResultsPath)
	require.Equal(t, "profiles", conf.ProfileDir)
	require.NotNil(t, conf.Cache)
	require.NotEmpty(t, conf.Cache.RootPath)
	require.Equal(t, sampling.DefaultSystemPath, conf.Profiler.SystemPath)
}

func TestFillDefault_KeepsExplicitValues(t *testing.T) {
	conf := &Config{
		LogLevel:    "warn",
		ResultsPath: "r.json",
		Profiler:    ProfilerConfig{SystemPath: "/opt/profrec"},
	}
	conf.FillDefault()

	require.Equal(t, "warn", conf.LogLevel)
	require.Equal(t, "r.json", conf.ResultsPath)
	require.Equal(t, "/opt/profrec", conf.Profiler.SystemPath)
}
