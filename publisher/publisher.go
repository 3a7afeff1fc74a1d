// Package publisher coordinates logical writes: it signs events, fans
// them out to the configured write relays and reports the per-relay
// accept/fail breakdown. Partial failure is never collapsed into a
// boolean; callers decide what level of acceptance counts as done.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/localdb"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/PR0M3TH3AN/bitvid-sync/videostore"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrAllRelaysRejected means no relay accepted the event. The
	// returned Outcome still carries the full per-relay breakdown.
	ErrAllRelaysRejected = errors.New("no relay accepted the event")
	// ErrSessionActor is returned before any network call when a
	// moderation-sensitive operation is attempted with a delegated
	// session identity.
	ErrSessionActor = errors.New("operation not permitted for session identity")
	// ErrEventNotFound is terminal: the referenced event exists in no
	// local cache and on no queried relay.
	ErrEventNotFound = errors.New("event not found")
)

// DefaultCooldownWindow is the rebroadcast guard window.
const DefaultCooldownWindow = time.Hour

// Options configures a Coordinator.
type Options struct {
	Gateway gateway.Gateway
	Signer  Signer
	// Store locates raw events and known version history; optional for
	// hosts that only publish.
	Store *videostore.Store
	// Relays is the default write relay set.
	Relays []string
	// Cooldowns persists rebroadcast guard buckets. Defaults to an
	// in-memory store.
	Cooldowns localdb.CooldownStore
	// CooldownWindow overrides DefaultCooldownWindow.
	CooldownWindow time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator performs logical writes against the relay set.
type Coordinator struct {
	gw     gateway.Gateway
	signer Signer
	store  *videostore.Store
	relays []string

	guard *guard
	now   func() time.Time
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Cooldowns == nil {
		opts.Cooldowns = localdb.NewMemory()
	}
	if opts.CooldownWindow <= 0 {
		opts.CooldownWindow = DefaultCooldownWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		gw:     opts.Gateway,
		signer: opts.Signer,
		store:  opts.Store,
		relays: opts.Relays,
		guard:  newGuard(opts.Cooldowns, opts.CooldownWindow, opts.Now),
		now:    opts.Now,
	}
}

// signAndPublish signs the draft and fans it out. The outcome always
// carries the signed event so callers can cache it locally.
func (c *Coordinator) signAndPublish(ctx context.Context, ev *nostr.Event, relays []string) (gateway.Outcome, error) {
	if len(relays) == 0 {
		relays = c.relays
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Timestamp(c.now().Unix())
	}
	if err := c.signer.Sign(ev); err != nil {
		return gateway.Outcome{}, fmt.Errorf("signing event: %w", err)
	}
	out := c.gw.Publish(ctx, relays, ev)
	if c.store != nil && ev.Kind == schema.KindVideoPost {
		// optimistic local ingest so the UI reflects the write without
		// waiting for the relay echo
		c.store.Ingest(ctx, ev)
	}
	if !out.OK() {
		return out, ErrAllRelaysRejected
	}
	return out, nil
}

// PublishVideo creates a new video post or a new version of an existing
// root. The version slug is preserved across edits; when the root has
// no slug the original event's id becomes the slug, so later edits
// never fork the root identity (first-write-wins stability).
func (c *Coordinator) PublishVideo(ctx context.Context, payload *schema.VideoPayload, prev *videostore.Video, relays []string) (gateway.Outcome, error) {
	slug := ""
	if prev != nil {
		slug = schema.Slug(prev.Event)
		if slug == "" {
			slug = prev.Event.ID
		}
		if payload.VideoRootID == "" {
			payload.VideoRootID = prev.RootID
		}
	}
	if slug == "" {
		slug = uuid.NewString()
	}
	if payload.VideoRootID == "" {
		payload.VideoRootID = slug
	}

	content, err := payload.Encode()
	if err != nil {
		return gateway.Outcome{}, err
	}
	ev := &nostr.Event{
		Kind:    schema.KindVideoPost,
		Content: content,
		Tags: nostr.Tags{
			{schema.TagIdentifier, slug},
			{schema.TagTopic, schema.TopicVideo},
		},
	}
	return c.signAndPublish(ctx, ev, relays)
}

// DeleteAllVersions removes a root in two steps: first a revert event
// marking the root deleted under the same slug (the read-side tombstone
// carrier), then a deletion request listing every known event id and
// the root's address as explicit erasure hints for relays that support
// point deletes. Both steps' relay results are aggregated; a step-2
// failure does not roll back step 1, because deletion is primarily
// timestamp-driven, not relay-erasure-driven.
func (c *Coordinator) DeleteAllVersions(ctx context.Context, rootID string, relays []string) (gateway.Outcome, error) {
	if c.store == nil {
		return gateway.Outcome{}, fmt.Errorf("delete-all-versions requires a video store")
	}
	current, ok := c.store.Get(rootID)
	if !ok {
		return gateway.Outcome{}, fmt.Errorf("deleting %s: %w", rootID, ErrEventNotFound)
	}
	slug := schema.Slug(current.Event)
	if slug == "" {
		slug = current.Event.ID
	}

	tombstone := current.Payload.Tombstone()
	content, err := tombstone.Encode()
	if err != nil {
		return gateway.Outcome{}, err
	}
	revert := &nostr.Event{
		Kind:    schema.KindVideoPost,
		Content: content,
		Tags: nostr.Tags{
			{schema.TagIdentifier, slug},
			{schema.TagTopic, schema.TopicVideo},
		},
	}
	out, err := c.signAndPublish(ctx, revert, relays)
	if err != nil {
		return out, fmt.Errorf("publishing delete revert: %w", err)
	}

	tags := nostr.Tags{}
	for _, id := range c.store.KnownEventIDs(rootID) {
		tags = append(tags, nostr.Tag{schema.TagEvent, id})
	}
	tags = append(tags,
		nostr.Tag{schema.TagEvent, revert.ID},
		nostr.Tag{schema.TagAddress, schema.Address(schema.KindVideoPost, c.signer.PubKey(), slug)},
	)
	request := &nostr.Event{
		Kind:    schema.KindDeleteRequest,
		Content: "bitvid: delete all versions",
		Tags:    tags,
	}
	reqOut, reqErr := c.signAndPublish(ctx, request, relays)
	if reqErr != nil {
		logging.Warn("publisher: delete request step failed for %s: %v", rootID, reqErr)
	}
	return out.Merge(reqOut), nil
}

// Repost publishes a NIP-18 repost referencing the video's current
// event and its address pointer, so consumers can resolve the root
// even when the event id itself is not indexed.
func (c *Coordinator) Repost(ctx context.Context, video *videostore.Video, relays []string) (gateway.Outcome, error) {
	slug := schema.Slug(video.Event)
	if slug == "" {
		slug = video.Event.ID
	}
	ev := &nostr.Event{
		Kind:    schema.KindRepost,
		Content: "",
		Tags: nostr.Tags{
			{schema.TagEvent, video.Event.ID},
			{schema.TagAddress, schema.Address(schema.KindVideoPost, video.Event.PubKey, slug)},
			{schema.TagParticipant, video.Event.PubKey},
		},
	}
	return c.signAndPublish(ctx, ev, relays)
}

// MirrorInfo describes the hosted copy a mirror event points at.
type MirrorInfo struct {
	URL         string
	MimeType    string
	SHA256      string
	Description string
}

// Mirror publishes a NIP-94 mirror of a hosted video URL. Transport
// tags that would expose the swarm (magnet, ws, xs) are omitted when
// the source video is private.
func (c *Coordinator) Mirror(ctx context.Context, video *videostore.Video, info MirrorInfo, relays []string) (gateway.Outcome, error) {
	slug := schema.Slug(video.Event)
	if slug == "" {
		slug = video.Event.ID
	}
	tags := nostr.Tags{
		{schema.TagURL, info.URL},
		{schema.TagEvent, video.Event.ID},
		{schema.TagAddress, schema.Address(schema.KindVideoPost, video.Event.PubKey, slug)},
	}
	if info.MimeType != "" {
		tags = append(tags, nostr.Tag{schema.TagMime, info.MimeType})
	}
	if info.SHA256 != "" {
		tags = append(tags, nostr.Tag{schema.TagHash, info.SHA256})
	}
	if !video.Payload.IsPrivate {
		if video.Payload.Magnet != "" {
			tags = append(tags, nostr.Tag{schema.TagMagnet, video.Payload.Magnet})
		}
		if video.Payload.WS != "" {
			tags = append(tags, nostr.Tag{schema.TagWebSeed, video.Payload.WS})
		}
		if video.Payload.XS != "" {
			tags = append(tags, nostr.Tag{schema.TagExactSource, video.Payload.XS})
		}
	}
	ev := &nostr.Event{
		Kind:    schema.KindMirror,
		Content: info.Description,
		Tags:    tags,
	}
	return c.signAndPublish(ctx, ev, relays)
}

// publishEncryptedList encrypts payload to the actor themselves and
// publishes it as the replaceable list event for identifier.
func (c *Coordinator) publishEncryptedList(ctx context.Context, identifier string, payload any, relays []string) (gateway.Outcome, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return gateway.Outcome{}, fmt.Errorf("encoding %s list: %w", identifier, err)
	}
	ciphertext, err := c.signer.Encrypt(c.signer.PubKey(), raw)
	if err != nil {
		return gateway.Outcome{}, fmt.Errorf("encrypting %s list: %w", identifier, err)
	}
	ev := &nostr.Event{
		Kind:    schema.KindList,
		Content: ciphertext,
		Tags: nostr.Tags{
			{schema.TagIdentifier, identifier},
			{schema.TagEncrypted, "nip04"},
		},
	}
	return c.signAndPublish(ctx, ev, relays)
}

// PublishBlockList publishes the actor's encrypted block list. This is
// a moderation-sensitive write: session identities are rejected before
// any signing or network activity.
func (c *Coordinator) PublishBlockList(ctx context.Context, blockedPubkeys []string, relays []string) (gateway.Outcome, error) {
	if c.signer.Session() {
		return gateway.Outcome{}, ErrSessionActor
	}
	payload := struct {
		BlockedPubkeys []string `json:"blockedPubkeys"`
	}{BlockedPubkeys: blockedPubkeys}
	return c.publishEncryptedList(ctx, schema.BlockListIdentifier, payload, relays)
}

// PublishSubscriptionList publishes the actor's encrypted creator
// subscription list. Unlike the block list this is not a moderation
// surface, so session identities may update it.
func (c *Coordinator) PublishSubscriptionList(ctx context.Context, authorPubkeys []string, relays []string) (gateway.Outcome, error) {
	payload := struct {
		AuthorPubkeys []string `json:"authorPubkeys"`
	}{AuthorPubkeys: authorPubkeys}
	return c.publishEncryptedList(ctx, schema.SubscriptionListIdentifier, payload, relays)
}
