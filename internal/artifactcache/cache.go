// Package artifactcache maintains the local store of downloaded engine
// bundles. Every entry is a directory keyed by the content identity of the
// bundle (engine hash, build variant, artifact kind), so distinct builds
// never collide and a hit never needs validation. Entries are materialized
// atomically: concurrent gets of the same key share one download, and a
// crash mid-download leaves only a staging directory that the next startup
// sweeps away.
package artifactcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mraleph/benchmark-harness/pkg/atomicfs"
	"github.com/mraleph/benchmark-harness/pkg/ptr"
	"github.com/mraleph/benchmark-harness/pkg/xelf"
)

////////////////////////////////////////////////////////////////////////////////

// ErrNotCached marks a lookup of an entry that is not materialized and
// that the caller did not ask to download.
var ErrNotCached = errors.New("artifact is not cached")

const (
	stateFileName = "state.json"

	defaultEvictThreshold       = 10
	defaultEvictAge             = 7 * 24 * time.Hour
	defaultMaxConcurrentFetches = 4
)

// Config comes from the cache section of the harness config file.
type Config struct {
	// RootPath hosts entry directories and the state file.
	RootPath string `yaml:"root_path"`
	// BaseURL is the bundle archive root, laid out as
	// <base>/<hash>/<variant>/<kind>.<format>.
	BaseURL string `yaml:"base_url"`
	// BundleFormat is the archive format bundles are published in.
	BundleFormat string `yaml:"bundle_format"`

	// EvictThreshold is the entry count below which age checks are
	// skipped entirely: small caches never expire.
	EvictThreshold *int `yaml:"evict_threshold"`
	// EvictAge is how long an untouched entry survives once the cache
	// is over the threshold.
	EvictAge *time.Duration `yaml:"evict_age"`

	MaxConcurrentFetches *int64 `yaml:"max_concurrent_fetches"`
}

func (c *Config) FillDefault() {
	if c.BundleFormat == "" {
		c.BundleFormat = FormatZip
	}
	if c.EvictThreshold == nil {
		c.EvictThreshold = ptr.Int(defaultEvictThreshold)
	}
	if c.EvictAge == nil {
		c.EvictAge = ptr.T(defaultEvictAge)
	}
	if c.MaxConcurrentFetches == nil {
		c.MaxConcurrentFetches = ptr.Int64(defaultMaxConcurrentFetches)
	}
}

////////////////////////////////////////////////////////////////////////////////

type Option func(*Cache)

// WithFetcher overrides the curl-based default downloader.
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) {
		c.fetcher = f
	}
}

////////////////////////////////////////////////////////////////////////////////

type Cache struct {
	l    *zap.Logger
	conf *Config

	fetcher    Fetcher
	flight     singleflight.Group
	fetchSlots *semaphore.Weighted

	now func() time.Time

	mu    sync.Mutex
	state *cacheState
}

func New(conf *Config, l *zap.Logger, opts ...Option) (*Cache, error) {
	conf.FillDefault()
	if conf.RootPath == "" {
		return nil, fmt.Errorf("artifact cache root path is required")
	}

	if err := os.MkdirAll(conf.RootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root %s: %w", conf.RootPath, err)
	}

	c := &Cache{
		l:          l.Named("artifactcache"),
		conf:       conf,
		fetchSlots: semaphore.NewWeighted(*conf.MaxConcurrentFetches),
		now:        time.Now,
		state:      newCacheState(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = NewCurlFetcher()
	}

	if swept, err := atomicfs.SweepTemp(conf.RootPath); err != nil {
		return nil, fmt.Errorf("failed to sweep stale staging dirs: %w", err)
	} else if swept > 0 {
		c.l.Info("Swept stale staging entries", zap.Int("count", swept))
	}

	if err := c.loadState(); err != nil {
		return nil, err
	}

	return c, nil
}

////////////////////////////////////////////////////////////////////////////////

// Get returns the directory of a materialized bundle, downloading and
// unpacking it first if needed. Concurrent gets of one key share a single
// download, and its failure propagates to every waiter. The first caller's
// context governs the shared fetch.
func (c *Cache) Get(ctx context.Context, build Build, kind Kind) (string, error) {
	if err := build.validate(); err != nil {
		return "", err
	}

	key := entryKey(build, kind)
	dir := filepath.Join(c.conf.RootPath, key)

	if c.touch(key, dir) {
		return dir, nil
	}

	_, err, _ := c.flight.Do(key, func() (any, error) {
		// Losers of an earlier flight land here after the winner
		// published; re-check before downloading again.
		if c.touch(key, dir) {
			return nil, nil
		}
		c.evict(key)
		return nil, c.materialize(ctx, build, kind, key, dir)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

// Path is Get without the download: it resolves an already materialized
// entry or fails with ErrNotCached.
func (c *Cache) Path(build Build, kind Kind) (string, error) {
	if err := build.validate(); err != nil {
		return "", err
	}

	key := entryKey(build, kind)
	dir := filepath.Join(c.conf.RootPath, key)
	if !c.touch(key, dir) {
		return "", fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	return dir, nil
}

// touch refreshes the last-use timestamp of a materialized entry. It
// reports false when the entry directory does not exist.
func (c *Cache) touch(key, dir string) bool {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastUsed[key] = c.now()
	c.saveStateLocked()
	return true
}

////////////////////////////////////////////////////////////////////////////////

func (c *Cache) bundleURL(build Build, kind Kind) string {
	bundle := string(kind) + "." + c.conf.BundleFormat
	return strings.TrimRight(c.conf.BaseURL, "/") + "/" +
		build.Hash + "/" + build.Variant.ArtifactPath() + "/" + bundle
}

func (c *Cache) materialize(ctx context.Context, build Build, kind Kind, key, dir string) error {
	if err := c.fetchSlots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.fetchSlots.Release(1)

	staged, err := atomicfs.MkdirTemp(dir)
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staged)
		}
	}()

	url := c.bundleURL(build, kind)
	archive := filepath.Join(staged, string(kind)+"."+c.conf.BundleFormat)

	c.l.Info("Downloading bundle",
		zap.String("key", key),
		zap.String("url", url))
	started := c.now()

	if err := c.fetcher.Fetch(ctx, url, archive); err != nil {
		return err
	}

	var size int64
	if st, err := os.Stat(archive); err == nil {
		size = st.Size()
	}

	if err := unpackArchive(archive, staged); err != nil {
		return fmt.Errorf("failed to unpack bundle %s: %w", key, err)
	}
	if err := os.Remove(archive); err != nil {
		return fmt.Errorf("failed to drop unpacked archive: %w", err)
	}

	builds := scanBuildIDs(staged, build)

	if err := atomicfs.PublishDir(staged, dir); err != nil {
		return err
	}
	committed = true

	c.l.Info("Materialized bundle",
		zap.String("key", key),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.Duration("elapsed", c.now().Sub(started)),
		zap.Int("build.ids", len(builds)))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastUsed[key] = c.now()
	for _, id := range builds {
		c.state.Builds[id] = build
	}
	c.saveStateLocked()
	return nil
}

// scanBuildIDs extracts the build ids of every ELF image inside a freshly
// unpacked bundle. These feed the reverse index that later maps a profile
// back to the build it was recorded against.
func scanBuildIDs(dir string, build Build) []string {
	var ids []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		id, err := xelf.GetBuildID(path)
		if err != nil {
			// Not an ELF image; bundles also carry licenses and
			// json manifests.
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	sort.Strings(ids)
	return ids
}

////////////////////////////////////////////////////////////////////////////////

// evict drops entries untouched for longer than the eviction age. Age
// checks only kick in once the cache outgrows the entry threshold, and the
// key being fetched right now is never a candidate.
func (c *Cache) evict(current string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.state.LastUsed) < *c.conf.EvictThreshold {
		return
	}

	cutoff := c.now().Add(-*c.conf.EvictAge)
	evicted := 0
	for key, ts := range c.state.LastUsed {
		if key == current || !ts.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.conf.RootPath, key)); err != nil {
			c.l.Warn("Failed to evict entry", zap.String("key", key), zap.Error(err))
			continue
		}
		delete(c.state.LastUsed, key)
		evicted++
		c.l.Info("Evicted stale entry",
			zap.String("key", key),
			zap.Time("last.used", ts))
	}

	if evicted > 0 {
		c.pruneBuildsLocked()
		c.saveStateLocked()
	}
}

// pruneBuildsLocked drops reverse-index records whose build has no
// materialized entries left.
func (c *Cache) pruneBuildsLocked() {
	for id, build := range c.state.Builds {
		prefix := build.String() + "-"
		alive := false
		for key := range c.state.LastUsed {
			if strings.HasPrefix(key, prefix) {
				alive = true
				break
			}
		}
		if !alive {
			delete(c.state.Builds, id)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

// LookupBuild resolves an ELF build id to the build whose bundle carried
// it, using the reverse index accumulated by materializations.
func (c *Cache) LookupBuild(buildID string) (Build, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.state.Builds[buildID]
	return b, ok
}

// Entry describes one materialized bundle for display.
type Entry struct {
	Key      string
	LastUsed time.Time
}

// Entries lists materialized bundles, most recently used first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.state.LastUsed))
	for key, ts := range c.state.LastUsed {
		out = append(out, Entry{Key: key, LastUsed: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].LastUsed.After(out[j].LastUsed)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Remove drops one entry by key.
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.state.LastUsed[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	if err := os.RemoveAll(filepath.Join(c.conf.RootPath, key)); err != nil {
		return err
	}
	delete(c.state.LastUsed, key)
	c.pruneBuildsLocked()
	c.saveStateLocked()
	return nil
}

// RemoveAll drops every entry and resets the state file.
func (c *Cache) RemoveAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.state.LastUsed {
		if err := os.RemoveAll(filepath.Join(c.conf.RootPath, key)); err != nil {
			return err
		}
	}
	c.state = newCacheState()
	c.saveStateLocked()
	return nil
}

// Root is the cache directory.
func (c *Cache) Root() string {
	return c.conf.RootPath
}

////////////////////////////////////////////////////////////////////////////////

// loadState restores the persisted state and reconciles it with the
// directories actually present: state is a hint, the filesystem is truth.
func (c *Cache) loadState() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(c.conf.RootPath, stateFileName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run.
	case err != nil:
		return fmt.Errorf("failed to read cache state: %w", err)
	default:
		if err := json.Unmarshal(raw, c.state); err != nil {
			c.l.Warn("Cache state is corrupt, rebuilding", zap.Error(err))
			c.state = newCacheState()
		}
	}

	entries, err := os.ReadDir(c.conf.RootPath)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			present[entry.Name()] = true
		}
	}

	for key := range c.state.LastUsed {
		if !present[key] {
			delete(c.state.LastUsed, key)
		}
	}
	for key := range present {
		if _, ok := c.state.LastUsed[key]; !ok {
			c.state.LastUsed[key] = c.now()
		}
	}

	c.saveStateLocked()
	return nil
}

func (c *Cache) saveStateLocked() {
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		c.l.Error("Failed to encode cache state", zap.Error(err))
		return
	}
	data = append(data, '\n')

	path := filepath.Join(c.conf.RootPath, stateFileName)
	if err := atomicfs.WriteFile(path, data, 0644); err != nil {
		c.l.Error("Failed to persist cache state", zap.Error(err))
	}
}
