package publisher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/nbd-wtf/go-nostr"
)

// RebroadcastResult reports the outcome of a guarded rebroadcast.
// Throttled and AlreadyPresent are normal control-flow results, not
// errors.
type RebroadcastResult struct {
	Throttled      bool            `json:"throttled,omitempty"`
	RemainingMs    int64           `json:"remaining_ms,omitempty"`
	AlreadyPresent bool            `json:"already_present,omitempty"`
	Outcome        gateway.Outcome `json:"outcome"`
}

// guard is the per-(actor, event) cooldown tracker. The check and the
// record happen under one mutex acquisition with no relay call in
// between, so two concurrent rebroadcasts of the same event cannot
// both pass the check.
type guard struct {
	mu     sync.Mutex
	store  localdb.CooldownStore
	window time.Duration
	now    func() time.Time
}

func newGuard(store localdb.CooldownStore, window time.Duration, now func() time.Time) *guard {
	return &guard{store: store, window: window, now: now}
}

func guardScope(pubkey, eventID string) string {
	return strings.ToLower(strings.TrimSpace(pubkey)) + ":" + strings.ToLower(strings.TrimSpace(eventID))
}

// check records the current attempt bucket unless an attempt in the
// same bucket already exists, in which case it reports the remaining
// cooldown. Expired buckets are pruned opportunistically.
func (g *guard) check(scope string) (throttled bool, remaining time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	windowSec := int64(g.window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	bucket := now.Unix() / windowSec

	recorded, ok, err := g.store.GetBucket(scope)
	if err != nil {
		logging.Warn("publisher: reading rebroadcast guard entry: %v", err)
	}
	if ok && recorded == bucket {
		next := (bucket + 1) * windowSec
		return true, time.Duration(next-now.Unix()) * time.Second
	}

	if err := g.store.PutBucket(scope, bucket, now.Unix()); err != nil {
		logging.Warn("publisher: recording rebroadcast guard entry: %v", err)
	}
	if err := g.store.PruneBuckets(now.Add(-g.window).Unix()); err != nil {
		logging.Warn("publisher: pruning rebroadcast guard entries: %v", err)
	}
	return false, 0
}

// Rebroadcast re-publishes an already-existing event to ensure relay
// presence. It short-circuits without network traffic when the same
// (actor, event) pair already attempted within the cooldown window,
// and without publishing when a relay COUNT confirms the event is
// already present. A missing event is terminal (ErrEventNotFound),
// distinct from throttling.
func (c *Coordinator) Rebroadcast(ctx context.Context, eventID string, relays []string) (RebroadcastResult, error) {
	if len(relays) == 0 {
		relays = c.relays
	}
	scope := guardScope(c.signer.PubKey(), eventID)

	if throttled, remaining := c.guard.check(scope); throttled {
		return RebroadcastResult{Throttled: true, RemainingMs: remaining.Milliseconds()}, nil
	}

	count, err := c.gw.Count(ctx, relays, nostr.Filter{IDs: []string{eventID}})
	if err != nil {
		logging.DebugMethod("publisher", "Rebroadcast", "presence count failed: %v", err)
	}
	if count.Total >= 1 {
		return RebroadcastResult{AlreadyPresent: true}, nil
	}

	ev, err := c.locateEvent(ctx, eventID, relays)
	if err != nil {
		return RebroadcastResult{}, err
	}

	out := c.gw.Publish(ctx, relays, ev)
	if !out.OK() {
		return RebroadcastResult{Outcome: out}, ErrAllRelaysRejected
	}
	return RebroadcastResult{Outcome: out}, nil
}

// locateEvent finds the raw signed event: the local cache first, then
// the relay set. No source at all is the terminal not-found condition.
func (c *Coordinator) locateEvent(ctx context.Context, eventID string, relays []string) (*nostr.Event, error) {
	if c.store != nil {
		ev, err := c.store.RawEvent(ctx, eventID)
		if err != nil {
			logging.DebugMethod("publisher", "locateEvent", "cache lookup failed: %v", err)
		}
		if ev != nil {
			return ev, nil
		}
	}
	events, err := c.gw.List(ctx, relays, []nostr.Filter{{IDs: []string{eventID}}})
	if err != nil {
		logging.DebugMethod("publisher", "locateEvent", "relay lookup failed: %v", err)
	}
	for _, ev := range events {
		if ev != nil && ev.ID == eventID {
			return ev, nil
		}
	}
	return nil, ErrEventNotFound
}
