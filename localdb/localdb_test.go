package localdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_RunsMigrations(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	require.NoError(t, db.CheckMigrations())
	assert.Equal(t, ":memory:", db.Path())
}

func TestTombstones_RoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	require.NoError(t, db.SaveTombstone("root-a", 100))
	require.NoError(t, db.SaveTombstone("root-b", 200))

	got, err := db.LoadTombstones()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"root-a": 100, "root-b": 200}, got)
}

func TestTombstones_UpsertKeepsNewest(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	require.NoError(t, db.SaveTombstone("root", 500))
	require.NoError(t, db.SaveTombstone("root", 300))

	got, err := db.LoadTombstones()
	require.NoError(t, err)
	assert.Equal(t, int64(500), got["root"])

	require.NoError(t, db.SaveTombstone("root", 700))
	got, err = db.LoadTombstones()
	require.NoError(t, err)
	assert.Equal(t, int64(700), got["root"])
}

func TestBuckets_RoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	_, ok, err := db.GetBucket("pk:ev")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.PutBucket("pk:ev", 42, 1000))
	bucket, ok, err := db.GetBucket("pk:ev")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), bucket)

	// overwrite moves the scope to a new bucket
	require.NoError(t, db.PutBucket("pk:ev", 43, 2000))
	bucket, ok, err = db.GetBucket("pk:ev")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(43), bucket)
}

func TestBuckets_Prune(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	require.NoError(t, db.PutBucket("old", 1, 1000))
	require.NoError(t, db.PutBucket("new", 2, 3000))
	require.NoError(t, db.PruneBuckets(2000))

	_, ok, err := db.GetBucket("old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = db.GetBucket("new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestViewState_RoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	got, err := db.GetViewState("e:videoid")
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := &ViewSnapshot{
		Total:         12,
		DedupeBuckets: map[string]int64{"alice:20370": 1_760_000_000},
		LastSyncedAt:  1_760_000_000,
	}
	require.NoError(t, db.PutViewState("e:videoid", snap))

	got, err = db.GetViewState("e:videoid")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ViewSnapshotVersion, got.Version)
	assert.Equal(t, int64(12), got.Total)
	assert.Equal(t, snap.DedupeBuckets, got.DedupeBuckets)

	require.NoError(t, db.DeleteViewState("e:videoid"))
	got, err = db.GetViewState("e:videoid")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestViewState_UnknownVersionTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	_, err := db.db.Exec(
		"INSERT INTO view_snapshots (pointer_key, payload, synced_at) VALUES (?, ?, ?)",
		"e:videoid", `{"version":99,"total":5}`, 1000)
	require.NoError(t, err)

	got, err := db.GetViewState("e:videoid")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestViewState_CorruptPayloadTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	_, err := db.db.Exec(
		"INSERT INTO view_snapshots (pointer_key, payload, synced_at) VALUES (?, ?, ?)",
		"e:videoid", "{garbage", 1000)
	require.NoError(t, err)

	got, err := db.GetViewState("e:videoid")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_MatchesSQLiteSemantics(t *testing.T) {
	t.Parallel()

	m := NewMemory()

	require.NoError(t, m.SaveTombstone("root", 500))
	require.NoError(t, m.SaveTombstone("root", 300))
	got, err := m.LoadTombstones()
	require.NoError(t, err)
	assert.Equal(t, int64(500), got["root"])

	require.NoError(t, m.PutBucket("old", 1, 1000))
	require.NoError(t, m.PutBucket("new", 2, 3000))
	require.NoError(t, m.PruneBuckets(2000))
	_, ok, err := m.GetBucket("old")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := &ViewSnapshot{Total: 3, LastSyncedAt: 100}
	require.NoError(t, m.PutViewState("k", snap))
	back, err := m.GetViewState("k")
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, int64(3), back.Total)

	// mutating the caller's snapshot after Put must not leak into the store
	snap.Total = 99
	back, err = m.GetViewState("k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), back.Total)
}
