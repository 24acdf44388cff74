package artifactcache

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

////////////////////////////////////////////////////////////////////////////////

// cacheState is the persisted side of the cache: per-entry last-use
// timestamps driving eviction, plus the reverse index from observed ELF
// build ids to the builds whose bundles carried them.
//
// The on-disk shape is fixed; older harness versions must keep reading it:
//
//	{
//	  "lastUsedTimestamp": ["<key1>", <millis1>, "<key2>", <millis2>, ...],
//	  "buildIdCache": {"<buildId>": {"engineHash": "...", "variant": {...}}}
//	}
type cacheState struct {
	LastUsed map[string]time.Time
	Builds   map[string]Build
}

func newCacheState() *cacheState {
	return &cacheState{
		LastUsed: make(map[string]time.Time),
		Builds:   make(map[string]Build),
	}
}

////////////////////////////////////////////////////////////////////////////////

type cacheStateJSON struct {
	LastUsedTimestamp []json.RawMessage `json:"lastUsedTimestamp"`
	BuildIDCache      map[string]Build  `json:"buildIdCache"`
}

func (s *cacheState) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s.LastUsed))
	for key := range s.LastUsed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	flat := make([]json.RawMessage, 0, 2*len(keys))
	for _, key := range keys {
		rawKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		rawTS, err := json.Marshal(s.LastUsed[key].UnixMilli())
		if err != nil {
			return nil, err
		}
		flat = append(flat, rawKey, rawTS)
	}

	return json.Marshal(&cacheStateJSON{
		LastUsedTimestamp: flat,
		BuildIDCache:      s.Builds,
	})
}

func (s *cacheState) UnmarshalJSON(data []byte) error {
	var raw cacheStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.LastUsedTimestamp)%2 != 0 {
		return fmt.Errorf("lastUsedTimestamp has odd length %d", len(raw.LastUsedTimestamp))
	}

	s.LastUsed = make(map[string]time.Time, len(raw.LastUsedTimestamp)/2)
	for i := 0; i < len(raw.LastUsedTimestamp); i += 2 {
		var key string
		if err := json.Unmarshal(raw.LastUsedTimestamp[i], &key); err != nil {
			return fmt.Errorf("failed to decode lastUsedTimestamp key: %w", err)
		}
		var millis int64
		if err := json.Unmarshal(raw.LastUsedTimestamp[i+1], &millis); err != nil {
			return fmt.Errorf("failed to decode lastUsedTimestamp value for %q: %w", key, err)
		}
		s.LastUsed[key] = time.UnixMilli(millis)
	}

	s.Builds = raw.BuildIDCache
	if s.Builds == nil {
		s.Builds = make(map[string]Build)
	}
	return nil
}
