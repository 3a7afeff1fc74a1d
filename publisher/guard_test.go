package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/PR0M3TH3AN/bitvid-sync/videostore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source aligned to a bucket boundary, so
// remaining-cooldown assertions are exact.
type clock struct {
	now time.Time
}

func newClock(base int64) *clock {
	return &clock{now: time.Unix(base, 0)}
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func signedEvent(t *testing.T, signer *KeySigner) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      schema.KindVideoPost,
		CreatedAt: 100,
		Content:   `{"version":3,"title":"t"}`,
		Tags:      nostr.Tags{{"d", "slug"}},
	}
	require.NoError(t, signer.Sign(ev))
	return ev
}

func TestRebroadcast_CooldownWindow(t *testing.T) {
	t.Parallel()

	clk := newClock(60 * 1000)
	gw := &fakeGateway{}
	signer := newTestSigner(t)
	c := New(Options{
		Gateway:        gw,
		Signer:         signer,
		Relays:         []string{"wss://a"},
		CooldownWindow: time.Minute,
		Now:            clk.Now,
	})
	ev := signedEvent(t, signer)
	gw.listEvents = []*nostr.Event{ev}
	ctx := context.Background()

	res, err := c.Rebroadcast(ctx, ev.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Throttled)
	assert.True(t, res.Outcome.OK())
	require.Len(t, gw.published, 1)

	// 30s later: same window, throttled with the exact remainder
	clk.Advance(30 * time.Second)
	res, err = c.Rebroadcast(ctx, ev.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Throttled)
	assert.Equal(t, int64(30000), res.RemainingMs)
	assert.Len(t, gw.published, 1, "throttled attempts reach no relay")

	// 61s after the first attempt: next window, allowed again
	clk.Advance(31 * time.Second)
	res, err = c.Rebroadcast(ctx, ev.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Throttled)
	assert.Len(t, gw.published, 2)
}

func TestRebroadcast_ScopeIsPerActorAndEvent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, guardScope("ABC", "Def"), guardScope("abc", "def"))
	assert.NotEqual(t, guardScope("abc", "e1"), guardScope("abc", "e2"))
	assert.NotEqual(t, guardScope("pk1", "e1"), guardScope("pk2", "e1"))
}

func TestRebroadcast_AlreadyPresentSkipsPublish(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{countTotal: 1}
	signer := newTestSigner(t)
	c := New(Options{Gateway: gw, Signer: signer, Relays: []string{"wss://a"}})

	res, err := c.Rebroadcast(context.Background(), "someid", nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadyPresent)
	assert.Empty(t, gw.published)
	assert.Equal(t, 1, gw.countCalls)
}

func TestRebroadcast_EventNotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	c := New(Options{Gateway: gw, Signer: newTestSigner(t), Relays: []string{"wss://a"}})

	_, err := c.Rebroadcast(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.Empty(t, gw.published)
}

func TestRebroadcast_LocatesEventOnRelays(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	signer := newTestSigner(t)
	store, err := videostore.New(videostore.Options{})
	require.NoError(t, err)
	c := New(Options{Gateway: gw, Signer: signer, Store: store, Relays: []string{"wss://a"}})

	// the event is only on relays, not in the local cache
	ev := signedEvent(t, signer)
	gw.listEvents = []*nostr.Event{ev}

	res, err := c.Rebroadcast(context.Background(), ev.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Outcome.OK())
	assert.Equal(t, 1, gw.listCalls)
}

func TestRebroadcast_PersistedCooldownSurvivesRestart(t *testing.T) {
	t.Parallel()

	cooldowns := localdb.NewMemory()
	clk := newClock(60 * 1000)
	signer := newTestSigner(t)
	ev := signedEvent(t, signer)

	build := func(gw *fakeGateway) *Coordinator {
		return New(Options{
			Gateway:        gw,
			Signer:         signer,
			Relays:         []string{"wss://a"},
			Cooldowns:      cooldowns,
			CooldownWindow: time.Minute,
			Now:            clk.Now,
		})
	}

	gw1 := &fakeGateway{listEvents: []*nostr.Event{ev}}
	res, err := build(gw1).Rebroadcast(context.Background(), ev.ID, nil)
	require.NoError(t, err)
	require.False(t, res.Throttled)

	// a fresh coordinator over the same store still honors the window
	gw2 := &fakeGateway{listEvents: []*nostr.Event{ev}}
	res, err = build(gw2).Rebroadcast(context.Background(), ev.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Throttled)
	assert.Empty(t, gw2.published)
}
