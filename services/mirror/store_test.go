package mirror

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "mirror.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	entry := Entry{DealID: "0x01", ContractAddress: "deal1abc", LastKnownStatus: "PENDING", LastPolledAt: now}

	prev, err := store.Upsert(entry)
	require.NoError(t, err)
	require.Nil(t, prev)

	entry.LastPolledAt = now.Add(time.Minute)
	prev, err = store.Upsert(entry)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, "PENDING", prev.LastKnownStatus)

	got, err := store.Get("0x01")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Revision, "unchanged content must not bump the revision")
	require.True(t, got.LastPolledAt.Equal(now.Add(time.Minute)))

	entry.LastKnownStatus = "FUNDED"
	_, err = store.Upsert(entry)
	require.NoError(t, err)
	got, err = store.Get("0x01")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Revision)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get("nope")
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Upsert(Entry{})
	require.Error(t, err)
}
