// Package gateway exposes the narrow relay interface consumed by the
// sync engine: publish with per-relay accept/fail accounting, list,
// NIP-45 count and cancelable subscriptions over a set of relay URLs.
package gateway

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// RelayError records one relay's failure for a publish attempt.
type RelayError struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Outcome is the per-relay breakdown of one publish. A logical write is
// usable when len(Accepted) > 0, but callers always see the full
// partial-failure list; it is never collapsed into a single bool.
type Outcome struct {
	Event    *nostr.Event `json:"event,omitempty"`
	Accepted []string     `json:"accepted"`
	Failed   []RelayError `json:"failed"`
}

// OK reports whether at least one relay accepted the event.
func (o Outcome) OK() bool {
	return len(o.Accepted) > 0
}

// Merge combines two outcomes (used by multi-step operations such as
// delete-all-versions, which aggregates both steps' relay results).
func (o Outcome) Merge(other Outcome) Outcome {
	return Outcome{
		Event:    o.Event,
		Accepted: append(append([]string{}, o.Accepted...), other.Accepted...),
		Failed:   append(append([]RelayError{}, o.Failed...), other.Failed...),
	}
}

// CountResult is an aggregated NIP-45 COUNT across relays. Relays that
// failed or timed out are absent from PerRelay; they contribute neither
// success nor failure.
type CountResult struct {
	// Total is the best single estimate, not a sum of relay totals.
	Total    int64            `json:"total"`
	PerRelay map[string]int64 `json:"per_relay"`
}

// Gateway is the relay abstraction the engine depends on. The production
// implementation is Pool; tests substitute fakes.
type Gateway interface {
	Publish(ctx context.Context, relays []string, ev *nostr.Event) Outcome
	List(ctx context.Context, relays []string, filters []nostr.Filter) ([]*nostr.Event, error)
	Count(ctx context.Context, relays []string, filter nostr.Filter) (CountResult, error)
	Subscribe(ctx context.Context, relays []string, filters []nostr.Filter, fn func(*nostr.Event)) (func(), error)
}
