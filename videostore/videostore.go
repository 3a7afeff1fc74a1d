// Package videostore maintains the client's consistent view of every
// video root: the active (newest non-deleted) version and the tombstone
// index. Events may arrive in any order, from initial load, batched
// hydration or live subscriptions; ordering decisions are always made on
// the event's claimed timestamp, never on arrival order.
package videostore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

// Video is one resolved version of a content root.
type Video struct {
	Event   *nostr.Event
	Payload *schema.VideoPayload
	RootID  string
}

// NotificationType distinguishes store change notifications.
type NotificationType int

const (
	// Updated fires when a root's active version changes.
	Updated NotificationType = iota
	// Removed fires when a root transitions to tombstoned, so live
	// views drop the item immediately with no flicker back to a stale
	// version.
	Removed
)

// Notification describes one observable store change.
type Notification struct {
	Type   NotificationType
	RootID string
	// Video is the new active version for Updated, nil for Removed.
	Video *Video
}

// Options configures a Store.
type Options struct {
	// Events is the raw-event cache. Optional; when set, every ingested
	// event is saved so rebroadcast and delete-all can locate raw
	// events without a relay round trip.
	Events eventstore.Store
	// Tombstones persists the tombstone index across restarts.
	// Optional; defaults to an in-memory store.
	Tombstones localdb.TombstoneStore
}

// Stats holds runtime counters exported by Store.
type Stats struct {
	EventsIngested      int64 `json:"events_ingested"`
	StaleDiscarded      int64 `json:"stale_discarded"`
	ResurrectionBlocked int64 `json:"resurrection_blocked"`
	TombstoneAdvances   int64 `json:"tombstone_advances"`
	ActiveRoots         int   `json:"active_roots"`
}

type subscriber struct {
	mu     sync.Mutex
	closed bool
	fn     func(Notification)
}

func (s *subscriber) deliver(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(n)
}

// Store is the versioned content store. All mutations are check-and-set
// under one mutex acquisition so concurrent ingests cannot interleave
// between reading and writing the tombstone index.
type Store struct {
	mu         sync.Mutex
	active     map[string]*Video
	tombstones map[string]int64
	// eventIDs tracks every event id seen per root, used as erasure
	// hints by delete-all-versions.
	eventIDs map[string]map[string]bool

	events     eventstore.Store
	tombstoneDB localdb.TombstoneStore

	subMu   sync.Mutex
	subs    map[int64]*subscriber
	nextSub int64

	eventsIngested      int64
	staleDiscarded      int64
	resurrectionBlocked int64
	tombstoneAdvances   int64
}

// New creates a Store and loads the persisted tombstone index.
func New(opts Options) (*Store, error) {
	if opts.Tombstones == nil {
		opts.Tombstones = localdb.NewMemory()
	}
	tombstones, err := opts.Tombstones.LoadTombstones()
	if err != nil {
		return nil, err
	}
	return &Store{
		active:      make(map[string]*Video),
		tombstones:  tombstones,
		eventIDs:    make(map[string]map[string]bool),
		events:      opts.Events,
		tombstoneDB: opts.Tombstones,
		subs:        make(map[int64]*subscriber),
	}, nil
}

// Stats returns a snapshot of the Store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	activeRoots := len(s.active)
	s.mu.Unlock()
	return Stats{
		EventsIngested:      atomic.LoadInt64(&s.eventsIngested),
		StaleDiscarded:      atomic.LoadInt64(&s.staleDiscarded),
		ResurrectionBlocked: atomic.LoadInt64(&s.resurrectionBlocked),
		TombstoneAdvances:   atomic.LoadInt64(&s.tombstoneAdvances),
		ActiveRoots:         activeRoots,
	}
}

// Subscribe registers fn for store change notifications. The returned
// cancel function guarantees fn is never invoked after cancel returns.
func (s *Store) Subscribe(fn func(Notification)) func() {
	sub := &subscriber{fn: fn}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	}
}

func (s *Store) notify(n Notification) {
	s.subMu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subMu.Unlock()
	for _, sub := range targets {
		sub.deliver(n)
	}
}

// Ingest applies one event to the store and reports whether the
// observable state changed. Delivery order is irrelevant: for any
// permutation of one root's events the final state matches processing
// them in timestamp order.
func (s *Store) Ingest(ctx context.Context, ev *nostr.Event) bool {
	if ev == nil || ev.Kind != schema.KindVideoPost {
		return false
	}
	payload, err := schema.ParseVideoPayload(ev)
	if err != nil {
		logging.DebugMethod("videostore", "Ingest", "skipping event: %v", err)
		return false
	}
	rootID := schema.RootID(ev, payload)
	atomic.AddInt64(&s.eventsIngested, 1)

	if s.events != nil {
		if err := s.events.SaveEvent(ctx, ev); err != nil {
			logging.DebugMethod("videostore", "Ingest", "event cache save failed for %s: %v", ev.ID, err)
		}
	}

	var notifications []Notification

	s.mu.Lock()
	if s.eventIDs[rootID] == nil {
		s.eventIDs[rootID] = make(map[string]bool)
	}
	s.eventIDs[rootID][ev.ID] = true

	tombstone := s.tombstones[rootID]
	createdAt := int64(ev.CreatedAt)

	changed := false
	if payload.Deleted {
		if createdAt > tombstone {
			s.tombstones[rootID] = createdAt
			atomic.AddInt64(&s.tombstoneAdvances, 1)
			if err := s.tombstoneDB.SaveTombstone(rootID, createdAt); err != nil {
				logging.Warn("videostore: persisting tombstone for %s: %v", rootID, err)
			}
			if best, ok := s.active[rootID]; ok && int64(best.Event.CreatedAt) <= createdAt {
				delete(s.active, rootID)
				notifications = append(notifications, Notification{Type: Removed, RootID: rootID})
			}
			changed = true
		} else {
			atomic.AddInt64(&s.staleDiscarded, 1)
		}
	} else {
		if createdAt <= tombstone {
			// resurrection guard: stale version arriving after a newer
			// delete must not become visible
			atomic.AddInt64(&s.resurrectionBlocked, 1)
		} else if best, ok := s.active[rootID]; !ok || schema.Newer(ev, best.Event) {
			video := &Video{Event: ev, Payload: payload, RootID: rootID}
			s.active[rootID] = video
			notifications = append(notifications, Notification{Type: Updated, RootID: rootID, Video: video})
			changed = true
		} else {
			atomic.AddInt64(&s.staleDiscarded, 1)
		}
	}
	s.mu.Unlock()

	for _, n := range notifications {
		s.notify(n)
	}
	return changed
}

// Get returns the active version of a root, if any.
func (s *Store) Get(rootID string) (*Video, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.active[rootID]
	return v, ok
}

// Active returns all currently visible videos, newest first.
func (s *Store) Active() []*Video {
	s.mu.Lock()
	out := make([]*Video, 0, len(s.active))
	for _, v := range s.active {
		out = append(out, v)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return schema.Newer(out[i].Event, out[j].Event)
	})
	return out
}

// All returns a snapshot of the active index keyed by root id.
func (s *Store) All() map[string]*Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Video, len(s.active))
	for root, v := range s.active {
		out[root] = v
	}
	return out
}

// Tombstone returns the newest delete timestamp known for a root.
func (s *Store) Tombstone(rootID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tombstones[rootID]
	return ts, ok
}

// KnownEventIDs returns every event id seen for a root, in no
// particular order. Used as point-delete hints by delete-all-versions.
func (s *Store) KnownEventIDs(rootID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.eventIDs[rootID]))
	for id := range s.eventIDs[rootID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RawEvent looks an event up in the raw-event cache.
func (s *Store) RawEvent(ctx context.Context, id string) (*nostr.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	ch, err := s.events.QueryEvents(ctx, nostr.Filter{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	for ev := range ch {
		if ev != nil && ev.ID == id {
			return ev, nil
		}
	}
	return nil, nil
}
