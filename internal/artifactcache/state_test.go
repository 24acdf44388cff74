package artifactcache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mraleph/benchmark-harness/pkg/ptr"
)

func TestStateFileShape(t *testing.T) {
	state := newCacheState()
	state.LastUsed["b-linux-engine"] = time.UnixMilli(2000)
	state.LastUsed["a-linux-engine"] = time.UnixMilli(1000)
	state.Builds["feedface"] = Build{
		Hash:    "abc123",
		Variant: Variant{OS: "linux", Arch: ptr.String("arm64")},
	}

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	// Fixed on-disk shape: a flat [key, millis, ...] array plus the
	// reverse build id index.
	var generic struct {
		LastUsedTimestamp []any          `json:"lastUsedTimestamp"`
		BuildIDCache      map[string]any `json:"buildIdCache"`
	}
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Equal(t, []any{
		"a-linux-engine", float64(1000),
		"b-linux-engine", float64(2000),
	}, generic.LastUsedTimestamp)
	require.Contains(t, generic.BuildIDCache, "feedface")

	restored := newCacheState()
	require.NoError(t, json.Unmarshal(raw, restored))
	require.Equal(t, state.LastUsed, restored.LastUsed)
	require.Equal(t, state.Builds, restored.Builds)
}

func TestStateRejectsOddTimestampArray(t *testing.T) {
	raw := []byte(`{"lastUsedTimestamp": ["key"], "buildIdCache": {}}`)

	state := newCacheState()
	require.Error(t, json.Unmarshal(raw, state))
}

func TestStateTolerantToMissingSections(t *testing.T) {
	state := newCacheState()
	require.NoError(t, json.Unmarshal([]byte(`{}`), state))
	require.Empty(t, state.LastUsed)
	require.NotNil(t, state.Builds)
}
