package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mraleph/benchmark-harness/internal/artifactcache"
	"github.com/mraleph/benchmark-harness/internal/sampling"
)

////////////////////////////////////////////////////////////////////////////////

// Config is the harness configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// ResultsPath is where measured series are persisted.
	ResultsPath string `yaml:"results_path"`

	// ProfileDir hosts recorded profiles, one per benchmark instance.
	ProfileDir string `yaml:"profile_dir"`

	Cache    *artifactcache.Config `yaml:"cache"`
	Engine   EngineConfig          `yaml:"engine"`
	Profiler ProfilerConfig        `yaml:"profiler"`
}

// EngineConfig points the harness at the binary under test: either a
// locally built binary, or a downloadable build pinned by hash and variant.
type EngineConfig struct {
	Path  string               `yaml:"path"`
	Build *artifactcache.Build `yaml:"build"`
	Args  []string             `yaml:"args"`
}

type ProfilerConfig struct {
	// StagedPath is tried before the system tool; engine bundles may
	// stage a matching profiler build next to the binary.
	StagedPath string `yaml:"staged_path"`
	SystemPath string `yaml:"system_path"`
	Event      string `yaml:"event"`
	Frequency  int    `yaml:"frequency"`
	CallGraph  string `yaml:"call_graph"`
}

////////////////////////////////////////////////////////////////////////////////

func ParseConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = file.Close() }()

	conf := &Config{}
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return conf, nil
}

func (c *Config) FillDefault() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ResultsPath == "" {
		c.ResultsPath = "benchmark-results.json"
	}
	if c.ProfileDir == "" {
		c.ProfileDir = "profiles"
	}
	if c.Cache == nil {
		c.Cache = &artifactcache.Config{}
	}
	if c.Cache.RootPath == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Cache.RootPath = filepath.Join(dir, "benchhar", "artifacts")
		}
	}
	c.Cache.FillDefault()
	if c.Profiler.SystemPath == "" {
		c.Profiler.SystemPath = sampling.DefaultSystemPath
	}
}
