package videostore

import (
	"context"
	"fmt"
	"testing"

	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{})
	require.NoError(t, err)
	return s
}

func videoEvent(id, slug string, createdAt int64, title string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		Kind:      schema.KindVideoPost,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   fmt.Sprintf(`{"version":3,"title":%q}`, title),
		Tags:      nostr.Tags{{"d", slug}, {"t", "video"}},
	}
}

func deleteEvent(id, slug string, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		Kind:      schema.KindVideoPost,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   `{"version":3,"deleted":true}`,
		Tags:      nostr.Tags{{"d", slug}, {"t", "video"}},
	}
}

func permutations(events []*nostr.Event) [][]*nostr.Event {
	if len(events) <= 1 {
		return [][]*nostr.Event{append([]*nostr.Event{}, events...)}
	}
	var out [][]*nostr.Event
	for i := range events {
		rest := make([]*nostr.Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, tail := range permutations(rest) {
			out = append(out, append([]*nostr.Event{events[i]}, tail...))
		}
	}
	return out
}

type finalState struct {
	activeID  string
	tombstone int64
}

func ingestAll(t *testing.T, events []*nostr.Event) finalState {
	t.Helper()
	s := newStore(t)
	ctx := context.Background()
	for _, ev := range events {
		s.Ingest(ctx, ev)
	}
	var fs finalState
	if v, ok := s.Get("slug"); ok {
		fs.activeID = v.Event.ID
	}
	fs.tombstone, _ = s.Tombstone("slug")
	return fs
}

func TestIngest_OrderIndependent(t *testing.T) {
	t.Parallel()

	events := []*nostr.Event{
		videoEvent("a1", "slug", 100, "v1"),
		videoEvent("a2", "slug", 200, "v2"),
		deleteEvent("a3", "slug", 150),
		videoEvent("a4", "slug", 300, "v3"),
	}

	want := ingestAll(t, events)
	for _, perm := range permutations(events) {
		got := ingestAll(t, perm)
		assert.Equal(t, want, got)
	}
	// the newest non-deleted version survives the mid-history delete
	assert.Equal(t, "a4", want.activeID)
	assert.Equal(t, int64(150), want.tombstone)
}

func TestIngest_DeleteHidesOlderVersions(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	s.Ingest(ctx, videoEvent("a1", "slug", 100, "v1"))
	_, ok := s.Get("slug")
	require.True(t, ok)

	s.Ingest(ctx, deleteEvent("a2", "slug", 200))
	_, ok = s.Get("slug")
	assert.False(t, ok)

	// a stale version arriving after the delete stays invisible
	changed := s.Ingest(ctx, videoEvent("a3", "slug", 150, "late"))
	assert.False(t, changed)
	_, ok = s.Get("slug")
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().ResurrectionBlocked)
}

func TestIngest_RevertAfterDelete(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	s.Ingest(ctx, deleteEvent("a1", "slug", 200))
	changed := s.Ingest(ctx, videoEvent("a2", "slug", 300, "restored"))
	assert.True(t, changed)

	v, ok := s.Get("slug")
	require.True(t, ok)
	assert.Equal(t, "a2", v.Event.ID)

	// a second delete at the same timestamp as the restore does not win
	s.Ingest(ctx, deleteEvent("a3", "slug", 300))
	_, ok = s.Get("slug")
	assert.True(t, ok)
}

func TestIngest_TombstoneMonotonic(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	s.Ingest(ctx, deleteEvent("a1", "slug", 500))
	s.Ingest(ctx, deleteEvent("a2", "slug", 300))

	ts, ok := s.Tombstone("slug")
	require.True(t, ok)
	assert.Equal(t, int64(500), ts)
}

func TestIngest_EqualTimestampTiebreak(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	s.Ingest(ctx, videoEvent("0b", "slug", 100, "b"))
	s.Ingest(ctx, videoEvent("0a", "slug", 100, "a"))

	v, ok := s.Get("slug")
	require.True(t, ok)
	assert.Equal(t, "0b", v.Event.ID)
}

func TestIngest_IgnoresOtherKindsAndMalformed(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	assert.False(t, s.Ingest(ctx, nil))
	assert.False(t, s.Ingest(ctx, &nostr.Event{Kind: 1, Content: "note"}))
	assert.False(t, s.Ingest(ctx, &nostr.Event{Kind: schema.KindVideoPost, Content: "not json"}))
	assert.Equal(t, 0, s.Stats().ActiveRoots)
}

func TestTombstonePersistence(t *testing.T) {
	t.Parallel()

	mem := localdb.NewMemory()
	ctx := context.Background()

	s1, err := New(Options{Tombstones: mem})
	require.NoError(t, err)
	s1.Ingest(ctx, deleteEvent("a1", "slug", 200))

	// a fresh store over the same backing state keeps the tombstone
	s2, err := New(Options{Tombstones: mem})
	require.NoError(t, err)
	changed := s2.Ingest(ctx, videoEvent("a2", "slug", 150, "stale"))
	assert.False(t, changed)
	_, ok := s2.Get("slug")
	assert.False(t, ok)
}

func TestSubscribe_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	var got []Notification
	cancel := s.Subscribe(func(n Notification) { got = append(got, n) })

	s.Ingest(ctx, videoEvent("a1", "slug", 100, "v1"))
	require.Len(t, got, 1)
	assert.Equal(t, Updated, got[0].Type)
	require.NotNil(t, got[0].Video)
	assert.Equal(t, "a1", got[0].Video.Event.ID)

	s.Ingest(ctx, deleteEvent("a2", "slug", 200))
	require.Len(t, got, 2)
	assert.Equal(t, Removed, got[1].Type)
	assert.Nil(t, got[1].Video)

	cancel()
	s.Ingest(ctx, videoEvent("a3", "slug", 300, "v3"))
	assert.Len(t, got, 2)
}

func TestActive_SortedNewestFirst(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	s.Ingest(ctx, videoEvent("a1", "one", 100, "one"))
	s.Ingest(ctx, videoEvent("a2", "two", 300, "two"))
	s.Ingest(ctx, videoEvent("a3", "three", 200, "three"))

	active := s.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "a2", active[0].Event.ID)
	assert.Equal(t, "a3", active[1].Event.ID)
	assert.Equal(t, "a1", active[2].Event.ID)

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a1", all["one"].Event.ID)
}

func TestKnownEventIDs(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	s.Ingest(ctx, videoEvent("b1", "slug", 100, "v1"))
	s.Ingest(ctx, videoEvent("a2", "slug", 200, "v2"))
	s.Ingest(ctx, deleteEvent("c3", "slug", 300))

	assert.Equal(t, []string{"a2", "b1", "c3"}, s.KnownEventIDs("slug"))
}

func TestRawEventCache(t *testing.T) {
	t.Parallel()

	events := &slicestore.SliceStore{}
	require.NoError(t, events.Init())
	defer events.Close()

	s, err := New(Options{Events: events})
	require.NoError(t, err)
	ctx := context.Background()

	ev := videoEvent("a1", "slug", 100, "v1")
	s.Ingest(ctx, ev)

	got, err := s.RawEvent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.ID)

	got, err = s.RawEvent(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
