// Package schema defines the bitvid event vocabulary: kind numbers, tag
// names, list identifiers and the content payload carried by video post
// events. Everything that interprets raw relay events is normalized here,
// at the boundary, so the rest of the engine works with typed values.
package schema

import (
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used by the bitvid network.
const (
	// KindVideoPost is the parameterized-replaceable video post event.
	KindVideoPost = 30078
	// KindViewEvent carries both view counter events and watch history
	// snapshots; the d tag and topic tag disambiguate.
	KindViewEvent = 30079
	// KindRepost is a NIP-18 repost of a video event.
	KindRepost = 6
	// KindMirror is a NIP-94 file-metadata mirror of a hosted video URL.
	KindMirror = 1063
	// KindList is the encrypted list container (block list, subscriptions).
	KindList = 30002
	// KindDeleteRequest is a NIP-09 deletion request.
	KindDeleteRequest = 5
)

// Well-known d-tag identifiers for KindList and KindViewEvent events.
const (
	BlockListIdentifier        = "user-blocks"
	SubscriptionListIdentifier = "subscriptions"
	WatchHistoryIdentifier     = "watch-history"
)

// Tag names shared across event builders and parsers.
const (
	TagIdentifier = "d"
	TagTopic      = "t"
	TagEvent      = "e"
	TagAddress    = "a"
	TagParticipant = "p"
	TagSnapshot   = "snapshot"
	TagChunk      = "chunk"
	TagHead       = "head"
	TagEncrypted  = "encrypted"
	TagSession    = "session"
	TagURL        = "url"
	TagMime       = "m"
	TagHash       = "x"
	TagMagnet     = "magnet"
	TagWebSeed    = "ws"
	TagExactSource = "xs"

	TopicVideo = "video"
	TopicView  = "view"
)

// PayloadVersion is the current video post content schema version.
// Versions 1 and 2 are still accepted and normalized on ingest.
const PayloadVersion = 3

// Slug returns the d-tag identifier of an event, or "" when absent.
func Slug(ev *nostr.Event) string {
	if ev == nil {
		return ""
	}
	if tag := ev.Tags.Find(TagIdentifier); tag != nil && len(tag) > 1 {
		return tag[1]
	}
	return ""
}

// RootID derives the stable root identifier grouping all versions of one
// logical video. Preference order: explicit videoRootId in the payload,
// then the d-tag slug, then the event's own id (first-write-wins for
// legacy events that predate slugs).
func RootID(ev *nostr.Event, payload *VideoPayload) string {
	if payload != nil && payload.VideoRootID != "" {
		return payload.VideoRootID
	}
	if slug := Slug(ev); slug != "" {
		return slug
	}
	if ev != nil {
		return ev.ID
	}
	return ""
}

// Address builds the kind:pubkey:identifier address pointer for a
// parameterized-replaceable event, the form consumed by "a" tags.
func Address(kind int, pubkey, identifier string) string {
	return strconv.Itoa(kind) + ":" + pubkey + ":" + identifier
}

// Pointer identifies one logical video for counting and repost purposes.
// Either an address (kind:pubkey:identifier) or a bare event id.
type Pointer struct {
	// Type is "a" for addresses and "e" for event ids.
	Type  string
	Value string

	Kind       int
	PubKey     string
	Identifier string
}

// EventPointer wraps a bare event id.
func EventPointer(id string) Pointer {
	return Pointer{Type: TagEvent, Value: id}
}

// AddressPointer builds an address pointer from its parts.
func AddressPointer(kind int, pubkey, identifier string) Pointer {
	return Pointer{
		Type:       TagAddress,
		Value:      Address(kind, pubkey, identifier),
		Kind:       kind,
		PubKey:     pubkey,
		Identifier: identifier,
	}
}

// ParsePointer parses either an address pointer or a bare event id.
func ParsePointer(value string) (Pointer, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Pointer{}, false
	}
	parts := strings.SplitN(value, ":", 3)
	if len(parts) == 3 {
		kind, err := strconv.Atoi(parts[0])
		if err != nil || parts[1] == "" {
			return Pointer{}, false
		}
		return Pointer{
			Type:       TagAddress,
			Value:      value,
			Kind:       kind,
			PubKey:     parts[1],
			Identifier: parts[2],
		}, true
	}
	return EventPointer(strings.ToLower(value)), true
}

// Key returns the canonical cache key for the pointer.
func (p Pointer) Key() string {
	return p.Type + ":" + p.Value
}

// Filter returns the relay filter selecting view events for this pointer.
func (p Pointer) Filter() nostr.Filter {
	f := nostr.Filter{Kinds: []int{KindViewEvent}}
	switch p.Type {
	case TagAddress:
		f.Tags = nostr.TagMap{TagAddress: []string{p.Value}}
	default:
		f.Tags = nostr.TagMap{TagEvent: []string{p.Value}}
	}
	return f
}

// CompareEvents imposes the total order used for version resolution:
// newer CreatedAt wins; equal timestamps are broken by the
// lexicographically higher event id, which is deterministic across
// relays because both sides of a tie are author-signed immutable events.
func CompareEvents(a, b *nostr.Event) int {
	if a.CreatedAt != b.CreatedAt {
		if a.CreatedAt < b.CreatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Newer reports whether a supersedes b under CompareEvents.
func Newer(a, b *nostr.Event) bool {
	return CompareEvents(a, b) > 0
}
