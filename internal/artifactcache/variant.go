package artifactcache

import (
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////

// Variant identifies one build flavor of the engine. OS is always present;
// arch and mode are optional refinements (older build archives published
// single-arch bundles without a mode).
type Variant struct {
	OS   string  `json:"os" yaml:"os"`
	Arch *string `json:"arch,omitempty" yaml:"arch,omitempty"`
	Mode *string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ArtifactPath is the path component naming this variant in bundle URLs
// and cache directory names, e.g. "linux-arm64-release" or "linux".
func (v Variant) ArtifactPath() string {
	parts := make([]string, 0, 3)
	parts = append(parts, v.OS)
	if v.Arch != nil {
		parts = append(parts, *v.Arch)
	}
	if v.Mode != nil {
		parts = append(parts, *v.Mode)
	}
	return strings.Join(parts, "-")
}

func (v Variant) Equal(o Variant) bool {
	return v.ArtifactPath() == o.ArtifactPath()
}

////////////////////////////////////////////////////////////////////////////////

// Build pins a variant to an exact engine revision.
type Build struct {
	Hash    string  `json:"engineHash" yaml:"hash"`
	Variant Variant `json:"variant" yaml:"variant"`
}

func (b Build) String() string {
	return b.Hash + "-" + b.Variant.ArtifactPath()
}

func (b Build) validate() error {
	if b.Hash == "" {
		return fmt.Errorf("build has no engine hash")
	}
	if b.Variant.OS == "" {
		return fmt.Errorf("build variant has no os")
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// Kind names the artifact bundle flavor within one build.
type Kind string

const (
	// KindEngine is the stripped engine binary bundle benchmarks run on.
	KindEngine Kind = "engine"
	// KindSymbols is the matching unstripped symbols bundle.
	KindSymbols Kind = "symbols"
)

// entryKey names the cache directory of one (build, kind) pair.
func entryKey(build Build, kind Kind) string {
	return build.String() + "-" + string(kind)
}
