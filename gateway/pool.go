package gateway

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/nbd-wtf/go-nostr"
)

// Pool is the production Gateway backed by a nostr.SimplePool. Publishes
// keep their own relay handles so a slow query pool never delays writes.
type Pool struct {
	relays map[string]*nostr.Relay
	pool   *nostr.SimplePool
	mu     sync.RWMutex
	// publish timeout per remote
	publishTimeout time.Duration
	// count timeout per remote
	countTimeout time.Duration

	// stats
	publishAttempts     int64
	publishSuccesses    int64
	publishFailures     int64
	queryRequests       int64
	queryEventsReturned int64
	countRequests       int64
}

// Stats holds runtime counters exported by Pool.
type Stats struct {
	PublishAttempts     int64 `json:"publish_attempts"`
	PublishSuccesses    int64 `json:"publish_successes"`
	PublishFailures     int64 `json:"publish_failures"`
	QueryRequests       int64 `json:"query_requests"`
	QueryEventsReturned int64 `json:"query_events_returned"`
	CountRequests       int64 `json:"count_requests"`
}

// NewPool creates a Pool. Call Init before use.
func NewPool() *Pool {
	return &Pool{
		relays:         make(map[string]*nostr.Relay),
		publishTimeout: 7 * time.Second,
		countTimeout:   7 * time.Second,
	}
}

// Init sets up the shared query pool.
func (p *Pool) Init() error {
	p.pool = nostr.NewSimplePool(context.Background(), nostr.WithPenaltyBox())
	return nil
}

// Close closes all publish relay handles.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rl := range p.relays {
		_ = rl.Close()
	}
	p.relays = map[string]*nostr.Relay{}
}

// Stats returns a snapshot of the Pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		PublishAttempts:     atomic.LoadInt64(&p.publishAttempts),
		PublishSuccesses:    atomic.LoadInt64(&p.publishSuccesses),
		PublishFailures:     atomic.LoadInt64(&p.publishFailures),
		QueryRequests:       atomic.LoadInt64(&p.queryRequests),
		QueryEventsReturned: atomic.LoadInt64(&p.queryEventsReturned),
		CountRequests:       atomic.LoadInt64(&p.countRequests),
	}
}

// SetPublishTimeout overrides the default per-relay publish timeout.
func (p *Pool) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		p.publishTimeout = d
	}
}

// ensureRelay returns a live connection to url, connecting if needed.
func (p *Pool) ensureRelay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.RLock()
	rl, ok := p.relays[url]
	p.mu.RUnlock()
	if ok && rl.IsConnected() {
		return rl, nil
	}
	logging.DebugMethod("gateway", "ensureRelay", "connecting to %s", url)
	newrl, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.relays[url] = newrl
	p.mu.Unlock()
	return newrl, nil
}

// Publish fans the event out to every relay concurrently and reports the
// per-relay breakdown. A relay that times out is counted as failed.
func (p *Pool) Publish(ctx context.Context, relays []string, ev *nostr.Event) Outcome {
	out := Outcome{Event: ev}
	if ev == nil || len(relays) == 0 {
		return out
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, url := range relays {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
			defer cancel()

			atomic.AddInt64(&p.publishAttempts, 1)
			logging.DebugMethod("gateway", "Publish", "publishing event %s to %s", ev.ID, u)

			rl, err := p.ensureRelay(cctx, u)
			if err == nil {
				err = rl.Publish(cctx, *ev)
			}
			mu.Lock()
			if err != nil {
				out.Failed = append(out.Failed, RelayError{URL: u, Reason: err.Error()})
			} else {
				out.Accepted = append(out.Accepted, u)
			}
			mu.Unlock()
			if err != nil {
				atomic.AddInt64(&p.publishFailures, 1)
				logging.DebugMethod("gateway", "Publish", "publish to %s failed: %v", u, err)
				return
			}
			atomic.AddInt64(&p.publishSuccesses, 1)
		}(url)
	}
	wg.Wait()
	return out
}

// List fetches matching events from all relays, ending when every relay
// returns EOSE or the context expires. Duplicate event ids are collapsed.
func (p *Pool) List(ctx context.Context, relays []string, filters []nostr.Filter) ([]*nostr.Event, error) {
	atomic.AddInt64(&p.queryRequests, 1)

	seen := make(map[string]bool)
	var events []*nostr.Event
	for _, filter := range filters {
		for ie := range p.pool.FetchMany(ctx, relays, filter) {
			if ie.Event == nil || seen[ie.Event.ID] {
				continue
			}
			seen[ie.Event.ID] = true
			atomic.AddInt64(&p.queryEventsReturned, 1)
			events = append(events, ie.Event)
		}
		if ctx.Err() != nil {
			return events, ctx.Err()
		}
	}
	return events, nil
}

// Count issues a NIP-45 COUNT to each relay independently. Relays that
// error or time out are simply absent from the result. Total is the
// highest per-relay figure: independent relay totals must never be
// summed because each relay reports its own full view of the network.
func (p *Pool) Count(ctx context.Context, relays []string, filter nostr.Filter) (CountResult, error) {
	atomic.AddInt64(&p.countRequests, 1)
	res := CountResult{PerRelay: make(map[string]int64)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, url := range relays {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, p.countTimeout)
			defer cancel()

			rl, err := p.ensureRelay(cctx, u)
			if err != nil {
				logging.DebugMethod("gateway", "Count", "count on %s unavailable: %v", u, err)
				return
			}
			total, _, err := rl.Count(cctx, nostr.Filters{filter})
			if err != nil {
				logging.DebugMethod("gateway", "Count", "count on %s failed: %v", u, err)
				return
			}
			mu.Lock()
			res.PerRelay[u] = total
			if total > res.Total {
				res.Total = total
			}
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	if len(res.PerRelay) == 0 {
		return res, ctx.Err()
	}
	return res, nil
}

// Subscribe opens a live subscription across all relays and invokes fn
// for every event. The returned cancel function is deterministic: once
// it returns, fn will not be invoked again, even for responses already
// in flight.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters []nostr.Filter, fn func(*nostr.Event)) (func(), error) {
	subCtx, cancelCtx := context.WithCancel(ctx)

	var deliverMu sync.Mutex
	closed := false

	deliver := func(ev *nostr.Event) {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		if closed {
			return
		}
		fn(ev)
	}

	for _, filter := range filters {
		ch := p.pool.SubscribeMany(subCtx, relays, filter)
		go func() {
			for ie := range ch {
				if ie.Event != nil {
					deliver(ie.Event)
				}
			}
		}()
	}

	cancel := func() {
		cancelCtx()
		// holding the delivery mutex here guarantees any in-flight
		// callback finishes before cancel returns and none start after
		deliverMu.Lock()
		closed = true
		deliverMu.Unlock()
	}
	return cancel, nil
}

var _ Gateway = (*Pool)(nil)
