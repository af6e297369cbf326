package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/resilient-proxy-client/internal/client"
	"github.com/resilient-proxy-client/internal/health"
	"github.com/stretchr/testify/require"
)

func TestFileStorageRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "health.json")
	st, err := NewFileStorage(path)
	require.NoError(t, err)
	defer st.Close()

	now := time.Now().Truncate(time.Second)
	snap := &Snapshot{
		Health: map[string]health.Record{
			"10.0.0.1:8080": {
				SuccessCount:        42,
				FailureCount:        3,
				TotalResponseTimeMs: 12600,
				LastOutcomeAt:       now,
			},
			"10.0.0.2:8080": {
				FailureCount:        9,
				ConsecutiveFailures: 9,
				Blacklisted:         true,
				BlacklistedAt:       now,
				LastOutcomeAt:       now,
			},
		},
		Stats: client.GlobalStats{
			TotalRequests:  100,
			TotalAttempts:  130,
			TotalSuccesses: 95,
			TotalFailures:  35,
			StartedAt:      now,
		},
		Updated: now,
	}

	require.NoError(t, st.Save(snap))

	loaded, err := st.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Health, 2)
	require.Equal(t, int64(42), loaded.Health["10.0.0.1:8080"].SuccessCount)
	require.True(t, loaded.Health["10.0.0.2:8080"].Blacklisted)
	require.Equal(t, int64(100), loaded.Stats.TotalRequests)
	require.True(t, loaded.Updated.Equal(now))
}

func TestFileStorageLoadMissingFile(t *testing.T) {
	st, err := NewFileStorage(filepath.Join(t.TempDir(), "never-written.json"))
	require.NoError(t, err)

	snap, err := st.Load()
	require.NoError(t, err)
	require.Nil(t, snap, "a missing file is not an error, just an empty start")
}

func TestFileStorageSaveOverwrites(t *testing.T) {
	st, err := NewFileStorage(filepath.Join(t.TempDir(), "health.json"))
	require.NoError(t, err)

	first := &Snapshot{Stats: client.GlobalStats{TotalRequests: 1}, Updated: time.Now()}
	second := &Snapshot{Stats: client.GlobalStats{TotalRequests: 2}, Updated: time.Now()}

	require.NoError(t, st.Save(first))
	require.NoError(t, st.Save(second))

	loaded, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, int64(2), loaded.Stats.TotalRequests)
}

func TestNewStorageUnknownType(t *testing.T) {
	_, err := NewStorage("etcd", "/tmp/x")
	require.Error(t, err)
}
