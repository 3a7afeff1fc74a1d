// Package views produces best-effort unique view totals per content
// pointer. It favors an exact relay COUNT when relays support it and
// falls back to raw event enumeration with client-side deduplication.
// Totals are cached with a TTL; stale cache entries are discarded, not
// served.
package views

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/publisher"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// DefaultDedupeWindow collapses repeat views from one author.
	DefaultDedupeWindow = 86400 * time.Second
	// DefaultBackfillHorizon bounds how far back the list fallback
	// scans; older events neither count nor populate dedupe state.
	DefaultBackfillHorizon = 90 * 24 * time.Hour
	// DefaultCacheTTL bounds how long a hydrated total is served.
	DefaultCacheTTL = 5 * time.Minute
)

// Status of one pointer's counter state.
const (
	StatusLive  = "live"
	StatusEmpty = "empty"
)

// Result is the aggregate answer for one pointer.
type Result struct {
	Total        int64     `json:"total"`
	Status       string    `json:"status"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Options configures an Aggregator.
type Options struct {
	Gateway gateway.Gateway
	Relays  []string
	// Cache persists snapshots across restarts. Defaults to in-memory.
	Cache           localdb.ViewStateStore
	DedupeWindow    time.Duration
	BackfillHorizon time.Duration
	CacheTTL        time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats holds runtime counters exported by Aggregator.
type Stats struct {
	Hydrations    int64 `json:"hydrations"`
	CountQueries  int64 `json:"count_queries"`
	ListFallbacks int64 `json:"list_fallbacks"`
	LocalViews    int64 `json:"local_views"`
	CacheHits     int64 `json:"cache_hits"`
}

type state struct {
	total        int64
	dedupe       map[string]int64 // authorKey:bucket -> createdAt
	lastSyncedAt int64
	status       string
	// localDelta counts optimistic increments not yet confirmed by an
	// authoritative hydration; it is folded away on the next hydrate
	// so local views are never double-counted.
	localDelta int64
}

// Aggregator merges per-relay counts into one estimate per pointer.
type Aggregator struct {
	gw     gateway.Gateway
	relays []string
	cache  localdb.ViewStateStore

	dedupeWindow    time.Duration
	backfillHorizon time.Duration
	cacheTTL        time.Duration
	now             func() time.Time

	mu     sync.Mutex
	states map[string]*state

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup

	hydrations    int64
	countQueries  int64
	listFallbacks int64
	localViews    int64
	cacheHits     int64
}

// New creates an Aggregator. Call Init to start cache maintenance.
func New(opts Options) *Aggregator {
	if opts.Cache == nil {
		opts.Cache = localdb.NewMemory()
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	if opts.BackfillHorizon <= 0 {
		opts.BackfillHorizon = DefaultBackfillHorizon
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		gw:              opts.Gateway,
		relays:          opts.Relays,
		cache:           opts.Cache,
		dedupeWindow:    opts.DedupeWindow,
		backfillHorizon: opts.BackfillHorizon,
		cacheTTL:        opts.CacheTTL,
		now:             opts.Now,
		states:          make(map[string]*state),
		stopCleanup:     make(chan struct{}),
	}
}

// Init starts the periodic eviction of expired in-memory states.
func (a *Aggregator) Init() error {
	a.cleanupTicker = time.NewTicker(a.cacheTTL)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stopCleanup:
				return
			case <-a.cleanupTicker.C:
				a.evictExpired()
			}
		}
	}()
	return nil
}

// Close stops cache maintenance.
func (a *Aggregator) Close() {
	if a.cleanupTicker != nil {
		a.cleanupTicker.Stop()
	}
	close(a.stopCleanup)
	a.wg.Wait()
}

// Stats returns a snapshot of the Aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Hydrations:    atomic.LoadInt64(&a.hydrations),
		CountQueries:  atomic.LoadInt64(&a.countQueries),
		ListFallbacks: atomic.LoadInt64(&a.listFallbacks),
		LocalViews:    atomic.LoadInt64(&a.localViews),
		CacheHits:     atomic.LoadInt64(&a.cacheHits),
	}
}

func (a *Aggregator) evictExpired() {
	cutoff := a.now().Add(-a.cacheTTL).Unix()
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, st := range a.states {
		if st.lastSyncedAt < cutoff {
			delete(a.states, key)
		}
	}
}

func (a *Aggregator) dedupeKey(author string, createdAt int64) string {
	bucket := createdAt / int64(a.dedupeWindow/time.Second)
	return author + ":" + strconv.FormatInt(bucket, 10)
}

// Count returns the current best estimate for a pointer, hydrating
// from relays when no fresh snapshot exists. Expired snapshots are
// never served; they trigger a fresh hydrate instead.
func (a *Aggregator) Count(ctx context.Context, pointer schema.Pointer) (Result, error) {
	key := pointer.Key()
	now := a.now()
	fresh := now.Add(-a.cacheTTL).Unix()

	a.mu.Lock()
	if st, ok := a.states[key]; ok && st.lastSyncedAt >= fresh {
		res := Result{Total: st.total, Status: st.status, LastSyncedAt: time.Unix(st.lastSyncedAt, 0)}
		a.mu.Unlock()
		atomic.AddInt64(&a.cacheHits, 1)
		return res, nil
	}
	a.mu.Unlock()

	if snap, err := a.cache.GetViewState(key); err == nil && snap != nil && snap.LastSyncedAt >= fresh {
		atomic.AddInt64(&a.cacheHits, 1)
		a.mu.Lock()
		st := &state{
			total:        snap.Total,
			dedupe:       snap.DedupeBuckets,
			lastSyncedAt: snap.LastSyncedAt,
			status:       StatusLive,
		}
		if st.dedupe == nil {
			st.dedupe = make(map[string]int64)
		}
		a.states[key] = st
		res := Result{Total: st.total, Status: st.status, LastSyncedAt: time.Unix(st.lastSyncedAt, 0)}
		a.mu.Unlock()
		return res, nil
	}

	return a.hydrate(ctx, pointer)
}

// hydrate refreshes one pointer from the relay set: COUNT first, then
// LIST with dedupe when no relay supports counting.
func (a *Aggregator) hydrate(ctx context.Context, pointer schema.Pointer) (Result, error) {
	atomic.AddInt64(&a.hydrations, 1)
	key := pointer.Key()

	total, dedupe, err := a.fetchTotal(ctx, pointer)
	if err != nil {
		return Result{}, err
	}

	now := a.now().Unix()
	a.mu.Lock()
	st := &state{
		total:        total,
		dedupe:       dedupe,
		lastSyncedAt: now,
		status:       StatusLive,
	}
	a.states[key] = st
	a.mu.Unlock()

	if err := a.cache.PutViewState(key, &localdb.ViewSnapshot{
		Total:         total,
		DedupeBuckets: dedupe,
		LastSyncedAt:  now,
	}); err != nil {
		logging.Warn("views: persisting snapshot for %s: %v", key, err)
	}
	return Result{Total: total, Status: StatusLive, LastSyncedAt: time.Unix(now, 0)}, nil
}

// fetchTotal queries relays. COUNT results are reconciled into a single
// best estimate: the figure most relays agree on, never a sum of
// independent relay totals.
func (a *Aggregator) fetchTotal(ctx context.Context, pointer schema.Pointer) (int64, map[string]int64, error) {
	atomic.AddInt64(&a.countQueries, 1)
	counted, err := a.gw.Count(ctx, a.relays, pointer.Filter())
	if err != nil {
		logging.DebugMethod("views", "fetchTotal", "count failed for %s: %v", pointer.Key(), err)
	}
	if len(counted.PerRelay) > 0 {
		return reconcileCounts(counted.PerRelay), make(map[string]int64), nil
	}

	// no relay answered COUNT; enumerate raw events instead
	atomic.AddInt64(&a.listFallbacks, 1)
	since := nostr.Timestamp(a.now().Add(-a.backfillHorizon).Unix())
	filter := pointer.Filter()
	filter.Since = &since
	events, err := a.gw.List(ctx, a.relays, []nostr.Filter{filter})
	if err != nil && len(events) == 0 {
		return 0, nil, err
	}

	horizon := int64(since)
	dedupe := make(map[string]int64)
	var total int64
	for _, ev := range events {
		if ev == nil || int64(ev.CreatedAt) < horizon {
			continue
		}
		dk := a.dedupeKey(ev.PubKey, int64(ev.CreatedAt))
		if _, seen := dedupe[dk]; seen {
			continue
		}
		dedupe[dk] = int64(ev.CreatedAt)
		total++
	}
	return total, dedupe, nil
}

// reconcileCounts picks the value most relays agree on; ties resolve to
// the higher figure. Identical echoes of the same total are therefore
// never double-counted.
func reconcileCounts(perRelay map[string]int64) int64 {
	votes := make(map[int64]int)
	for _, total := range perRelay {
		votes[total]++
	}
	var best int64
	bestVotes := 0
	for total, n := range votes {
		if n > bestVotes || (n == bestVotes && total > best) {
			best = total
			bestVotes = n
		}
	}
	return best
}

// RecordLocalView publishes a view event for the pointer and applies it
// optimistically so UI feedback is instant. The optimistic delta is
// absorbed by the next authoritative hydration rather than added to it.
func (a *Aggregator) RecordLocalView(ctx context.Context, pointer schema.Pointer, signer publisher.Signer) (gateway.Outcome, error) {
	atomic.AddInt64(&a.localViews, 1)
	ev := &nostr.Event{
		Kind:      schema.KindViewEvent,
		CreatedAt: nostr.Timestamp(a.now().Unix()),
		Content:   "",
		Tags: nostr.Tags{
			{pointer.Type, pointer.Value},
			{schema.TagTopic, schema.TopicView},
			{schema.TagSession, "true"},
		},
	}
	if err := signer.Sign(ev); err != nil {
		return gateway.Outcome{}, err
	}

	a.applyEvent(pointer.Key(), ev, true)
	out := a.gw.Publish(ctx, a.relays, ev)
	if !out.OK() {
		return out, publisher.ErrAllRelaysRejected
	}
	return out, nil
}

// Ingest applies one live view event to the in-memory state, keeping
// the total monotonic while the state is live.
func (a *Aggregator) Ingest(pointer schema.Pointer, ev *nostr.Event) {
	a.applyEvent(pointer.Key(), ev, false)
}

func (a *Aggregator) applyEvent(key string, ev *nostr.Event, local bool) {
	if ev == nil {
		return
	}
	if int64(ev.CreatedAt) < a.now().Add(-a.backfillHorizon).Unix() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		st = &state{
			dedupe:       make(map[string]int64),
			status:       StatusEmpty,
			lastSyncedAt: a.now().Unix(),
		}
		a.states[key] = st
	}
	dk := a.dedupeKey(ev.PubKey, int64(ev.CreatedAt))
	if _, seen := st.dedupe[dk]; seen {
		return
	}
	st.dedupe[dk] = int64(ev.CreatedAt)
	st.total++
	if local {
		st.localDelta++
	}
}

// Watch subscribes to live view events for a pointer. The cancel
// function stops ingestion deterministically.
func (a *Aggregator) Watch(ctx context.Context, pointer schema.Pointer) (func(), error) {
	return a.gw.Subscribe(ctx, a.relays, []nostr.Filter{pointer.Filter()}, func(ev *nostr.Event) {
		a.Ingest(pointer, ev)
	})
}
