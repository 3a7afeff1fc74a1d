// Package racer issues the same logical read to every configured relay
// concurrently and resolves as soon as a fast subset produces a usable
// answer, while slower relays keep racing in the background and upgrade
// the result when they deliver something strictly newer. It generalizes
// to any "find the newest signed state object for an actor" read:
// block lists, profile metadata, watch history head pointers.
package racer

import (
	"context"
	"errors"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/nbd-wtf/go-nostr"
)

// ErrNoUsableResult means no relay produced a decodable result before
// the ceiling timeout.
var ErrNoUsableResult = errors.New("no relay produced a usable result")

// Status values emitted while a race is in flight.
type Status string

const (
	// StatusApplying: a first usable result was provisionally adopted.
	StatusApplying Status = "applying"
	// StatusAwaitingBackground: the fast tier produced nothing usable
	// but background relays are still pending.
	StatusAwaitingBackground Status = "awaiting-background"
	// StatusApplied: a strictly newer result replaced the adopted one,
	// or the race finished with the adopted result.
	StatusApplied Status = "applied"
	// StatusError: the race ended with no usable result.
	StatusError Status = "error"
)

// Result is one relay's decoded answer.
type Result[T any] struct {
	Value T
	Event *nostr.Event
	Relay string
}

// Update is a progress notification for an in-flight race.
type Update[T any] struct {
	Status Status
	Result *Result[T]
}

// Options configures one race.
type Options[T any] struct {
	// FastRelays answer within PrimaryWindow in the common case.
	FastRelays []string
	// BackgroundRelays are historically slower or recently-unreachable
	// relays whose answers may still upgrade the result.
	BackgroundRelays []string
	// PrimaryWindow bounds the fast tier. Default 4s.
	PrimaryWindow time.Duration
	// Ceiling bounds the whole race. Default 15s.
	Ceiling time.Duration
	// OnUpdate receives status notifications. Optional. Never invoked
	// after Race returns.
	OnUpdate func(Update[T])
}

type answer[T any] struct {
	relay  string
	result *Result[T] // nil when the relay produced nothing usable
}

// Race queries every relay for filter, decodes answers with decode and
// returns the result with the highest claimed timestamp among all
// relays that answered before the ceiling. A decode failure on one
// relay never aborts the race; that relay simply contributes nothing.
func Race[T any](ctx context.Context, gw gateway.Gateway, filter nostr.Filter, decode func(*nostr.Event) (T, bool), opts Options[T]) (*Result[T], error) {
	if opts.PrimaryWindow <= 0 {
		opts.PrimaryWindow = 4 * time.Second
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = 15 * time.Second
	}
	emit := opts.OnUpdate
	if emit == nil {
		emit = func(Update[T]) {}
	}

	raceCtx, cancel := context.WithTimeout(ctx, opts.Ceiling)
	defer cancel()

	pending := 0
	answers := make(chan answer[T])
	query := func(relay string) {
		events, err := gw.List(raceCtx, []string{relay}, []nostr.Filter{filter})
		if err != nil {
			logging.DebugMethod("racer", "Race", "relay %s failed: %v", relay, err)
		}
		best := bestDecodable(relay, events, decode)
		select {
		case answers <- answer[T]{relay: relay, result: best}:
		case <-raceCtx.Done():
		}
	}
	fastSet := make(map[string]bool, len(opts.FastRelays))
	for _, relay := range opts.FastRelays {
		fastSet[relay] = true
		pending++
		go query(relay)
	}
	backgroundPending := len(opts.BackgroundRelays)
	for _, relay := range opts.BackgroundRelays {
		pending++
		go query(relay)
	}

	primary := time.NewTimer(opts.PrimaryWindow)
	defer primary.Stop()

	var adopted *Result[T]
	fastPending := len(fastSet)
	announcedBackground := false

	for pending > 0 {
		select {
		case a := <-answers:
			pending--
			if fastSet[a.relay] {
				fastPending--
			} else {
				backgroundPending--
			}
			if a.result == nil {
				break
			}
			switch {
			case adopted == nil:
				adopted = a.result
				emit(Update[T]{Status: StatusApplying, Result: adopted})
			case a.result.Event.CreatedAt > adopted.Event.CreatedAt:
				// strictly newer: upgrade the adopted result
				adopted = a.result
				emit(Update[T]{Status: StatusApplied, Result: adopted})
			}
		case <-primary.C:
			if adopted == nil && backgroundPending > 0 && !announcedBackground {
				announcedBackground = true
				emit(Update[T]{Status: StatusAwaitingBackground})
			}
		case <-raceCtx.Done():
			pending = 0
		}
		if adopted == nil && !announcedBackground && fastPending == 0 && backgroundPending > 0 {
			announcedBackground = true
			emit(Update[T]{Status: StatusAwaitingBackground})
		}
	}

	if adopted == nil {
		emit(Update[T]{Status: StatusError})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNoUsableResult
	}
	emit(Update[T]{Status: StatusApplied, Result: adopted})
	return adopted, nil
}

// bestDecodable picks the newest event from one relay's answer that
// decode accepts. Malformed or undecryptable payloads are skipped.
func bestDecodable[T any](relay string, events []*nostr.Event, decode func(*nostr.Event) (T, bool)) *Result[T] {
	var best *Result[T]
	for _, ev := range events {
		if ev == nil {
			continue
		}
		value, ok := decode(ev)
		if !ok {
			logging.DebugMethod("racer", "bestDecodable", "relay %s: undecodable event %s", relay, ev.ID)
			continue
		}
		if best == nil || schema.Newer(ev, best.Event) {
			best = &Result[T]{Value: value, Event: ev, Relay: relay}
		}
	}
	return best
}
