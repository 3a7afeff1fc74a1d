package videostore

import (
	"context"
	"sort"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultHydrationPageSize bounds how many roots share one batched
// relay query during history hydration.
const DefaultHydrationPageSize = 10

// History is the full known version list for one root, newest first,
// including delete markers and superseded versions.
type History struct {
	RootID   string
	Versions []*Video
}

// HydrateHistory fetches the full version history for a set of roots
// with one batched query per page instead of one query per root. The
// batch result is demultiplexed back into per-root lists purely by
// grouping on the derived root id, then sorted newest first under the
// store's total order. Every fetched event is also ingested, so the
// active index converges as a side effect.
func (s *Store) HydrateHistory(ctx context.Context, gw gateway.Gateway, relays []string, rootIDs []string, pageSize int) (map[string]*History, error) {
	if pageSize <= 0 {
		pageSize = DefaultHydrationPageSize
	}
	out := make(map[string]*History, len(rootIDs))
	for _, root := range rootIDs {
		out[root] = &History{RootID: root}
	}

	for start := 0; start < len(rootIDs); start += pageSize {
		end := start + pageSize
		if end > len(rootIDs) {
			end = len(rootIDs)
		}
		page := rootIDs[start:end]

		filter := nostr.Filter{
			Kinds: []int{schema.KindVideoPost},
			Tags:  nostr.TagMap{schema.TagIdentifier: page},
		}
		events, err := gw.List(ctx, relays, []nostr.Filter{filter})
		if err != nil {
			return out, err
		}
		logging.DebugMethod("videostore", "HydrateHistory", "page of %d roots returned %d events", len(page), len(events))

		for _, ev := range events {
			payload, err := schema.ParseVideoPayload(ev)
			if err != nil {
				logging.DebugMethod("videostore", "HydrateHistory", "skipping event: %v", err)
				continue
			}
			rootID := schema.RootID(ev, payload)
			hist, ok := out[rootID]
			if !ok {
				// relays may return events for d-tags we did not ask
				// about; those are not part of this hydration
				continue
			}
			hist.Versions = append(hist.Versions, &Video{Event: ev, Payload: payload, RootID: rootID})
			s.Ingest(ctx, ev)
		}
	}

	for _, hist := range out {
		sort.Slice(hist.Versions, func(i, j int) bool {
			return schema.Newer(hist.Versions[i].Event, hist.Versions[j].Event)
		})
	}
	return out, nil
}
