package xelf

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
)

////////////////////////////////////////////////////////////////////////////////

// BuildInfo is everything the harness wants to know about a binary image
// before symbolicating against it.
type BuildInfo struct {
	BuildID      string
	HasDebugInfo bool
}

// ReadBuildInfo parses an ELF image once and extracts its build id and
// whether DWARF sections are present.
func ReadBuildInfo(r io.ReaderAt) (*BuildInfo, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info := &BuildInfo{}

	info.BuildID, err = parseBuildID(f)
	if err != nil {
		return nil, err
	}

	for _, scn := range f.Sections {
		if strings.HasPrefix(scn.Name, ".debug") || strings.HasPrefix(scn.Name, ".zdebug") {
			info.HasDebugInfo = true
			break
		}
	}

	return info, nil
}

////////////////////////////////////////////////////////////////////////////////

const infoCacheTTL = time.Hour

// InfoCache memoizes BuildInfo per on-disk image. Entries are keyed by
// path, size and mtime, so a rebuilt binary at the same path is re-read.
type InfoCache struct {
	cache *ccache.Cache[*BuildInfo]
}

func NewInfoCache(maxEntries int64) *InfoCache {
	return &InfoCache{
		cache: ccache.New[*BuildInfo](ccache.Configure[*BuildInfo]().MaxSize(maxEntries)),
	}
}

func (c *InfoCache) Get(path string) (*BuildInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%d:%d", path, st.Size(), st.ModTime().UnixNano())

	item, err := c.cache.Fetch(key, infoCacheTTL, func() (*BuildInfo, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()

		return ReadBuildInfo(f)
	})
	if err != nil {
		return nil, err
	}

	return item.Value(), nil
}
