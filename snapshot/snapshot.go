// Package snapshot encodes large encrypted payloads (watch history) as
// ordered, reassemble-able chunks under a per-event byte budget. All
// chunks of one logical snapshot share a random snapshot id; exactly
// one chunk is the head and carries the total chunk count, so a reader
// holding only the head knows how many siblings to expect.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/PR0M3TH3AN/bitvid-sync/gateway"
	"github.com/PR0M3TH3AN/bitvid-sync/logging"
	"github.com/PR0M3TH3AN/bitvid-sync/publisher"
	"github.com/PR0M3TH3AN/bitvid-sync/schema"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// ErrNoCompleteSnapshot means no snapshot group had all of its declared
// chunks available.
var ErrNoCompleteSnapshot = errors.New("no complete snapshot available")

const (
	// DefaultMaxChunkBytes is the per-chunk plaintext budget.
	DefaultMaxChunkBytes = 60000
	// DefaultFetchLimit bounds how many recent events one load fetches.
	DefaultFetchLimit = 64
	// PayloadVersion is the chunk payload schema version.
	PayloadVersion = 2
)

// Entry is one watch-history pointer. Pointer order within a snapshot
// is preserved exactly as written.
type Entry struct {
	Pointer   string `json:"pointer"`
	WatchedAt int64  `json:"watchedAt,omitempty"`
}

// chunkPayload is the plaintext JSON carried (encrypted) by one chunk.
type chunkPayload struct {
	Version     int     `json:"version"`
	Items       []Entry `json:"items"`
	Snapshot    string  `json:"snapshot"`
	ChunkIndex  int     `json:"chunkIndex"`
	TotalChunks int     `json:"totalChunks"`
}

// Codec splits and reassembles snapshots for one signing identity.
type Codec struct {
	signer        publisher.Signer
	maxChunkBytes int
	fetchLimit    int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxChunkBytes overrides the per-chunk byte budget.
func WithMaxChunkBytes(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxChunkBytes = n
		}
	}
}

// WithFetchLimit overrides the read-path event limit.
func WithFetchLimit(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.fetchLimit = n
		}
	}
}

// New creates a Codec for the given identity.
func New(signer publisher.Signer, opts ...Option) *Codec {
	c := &Codec{
		signer:        signer,
		maxChunkBytes: DefaultMaxChunkBytes,
		fetchLimit:    DefaultFetchLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func payloadSize(p *chunkPayload) int {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(raw)
}

// split packs entries greedily: the current chunk closes when appending
// the next entry would exceed the byte budget. A single oversized entry
// still gets its own chunk rather than being dropped.
func (c *Codec) split(entries []Entry, snapshotID string) [][]Entry {
	var chunks [][]Entry
	var current []Entry
	for _, entry := range entries {
		candidate := append(append([]Entry{}, current...), entry)
		size := payloadSize(&chunkPayload{
			Version:     PayloadVersion,
			Items:       candidate,
			Snapshot:    snapshotID,
			ChunkIndex:  len(chunks),
			TotalChunks: len(chunks) + 1,
		})
		if len(current) > 0 && size > c.maxChunkBytes {
			chunks = append(chunks, current)
			current = []Entry{entry}
			continue
		}
		current = candidate
	}
	if len(current) > 0 || len(chunks) == 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// Encode serializes entries into signed, individually encrypted chunk
// events sharing a fresh snapshot id. The first event is the head.
// Returns the events and the snapshot id.
func (c *Codec) Encode(entries []Entry) ([]*nostr.Event, string, error) {
	snapshotID := uuid.NewString()
	groups := c.split(entries, snapshotID)
	total := len(groups)

	events := make([]*nostr.Event, 0, total)
	for index, items := range groups {
		payload := &chunkPayload{
			Version:     PayloadVersion,
			Items:       items,
			Snapshot:    snapshotID,
			ChunkIndex:  index,
			TotalChunks: total,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("encoding snapshot chunk %d: %w", index, err)
		}
		ciphertext, err := c.signer.Encrypt(c.signer.PubKey(), raw)
		if err != nil {
			return nil, "", fmt.Errorf("encrypting snapshot chunk %d: %w", index, err)
		}

		tags := nostr.Tags{
			{schema.TagIdentifier, snapshotID + ":" + strconv.Itoa(index)},
			{schema.TagEncrypted, "nip04"},
			{schema.TagSnapshot, snapshotID},
			{schema.TagChunk, strconv.Itoa(index), strconv.Itoa(total)},
		}
		if index == 0 {
			tags = append(tags, nostr.Tag{schema.TagHead, "1"})
		}
		ev := &nostr.Event{
			Kind:      schema.KindViewEvent,
			CreatedAt: nostr.Now(),
			Content:   ciphertext,
			Tags:      tags,
		}
		if err := c.signer.Sign(ev); err != nil {
			return nil, "", fmt.Errorf("signing snapshot chunk %d: %w", index, err)
		}
		events = append(events, ev)
	}
	return events, snapshotID, nil
}

type decodedChunk struct {
	payload *chunkPayload
	event   *nostr.Event
}

// Reassemble restores the newest complete snapshot from a mixed set of
// chunk events. Groups missing chunks (one relay never stored one) are
// discarded in favor of an older-but-complete snapshot. Chunks that
// fail decryption or parsing are logged and skipped; they only fail the
// operation if no group is left complete.
func (c *Codec) Reassemble(events []*nostr.Event) ([]Entry, string, error) {
	groups := make(map[string][]decodedChunk)
	for _, ev := range events {
		if ev == nil || ev.Kind != schema.KindViewEvent {
			continue
		}
		snapTag := ev.Tags.Find(schema.TagSnapshot)
		if snapTag == nil || len(snapTag) < 2 {
			continue
		}
		snapshotID := snapTag[1]

		plain, err := c.signer.Decrypt(c.signer.PubKey(), ev.Content)
		if err != nil {
			logging.DebugMethod("snapshot", "Reassemble", "decrypt failed for %s: %v", ev.ID, err)
			continue
		}
		var payload chunkPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			logging.DebugMethod("snapshot", "Reassemble", "parse failed for %s: %v", ev.ID, err)
			continue
		}
		if payload.Snapshot != snapshotID || payload.Version > PayloadVersion {
			continue
		}
		groups[snapshotID] = append(groups[snapshotID], decodedChunk{payload: &payload, event: ev})
	}

	type candidate struct {
		snapshotID string
		chunks     []decodedChunk
		headAt     nostr.Timestamp
	}
	var complete []candidate
	for snapshotID, chunks := range groups {
		total := 0
		var headAt nostr.Timestamp
		for _, ch := range chunks {
			if ch.payload.ChunkIndex == 0 {
				total = ch.payload.TotalChunks
				headAt = ch.event.CreatedAt
			}
		}
		if total == 0 {
			continue // head chunk missing
		}
		indexes := make(map[int]bool, len(chunks))
		for _, ch := range chunks {
			indexes[ch.payload.ChunkIndex] = true
		}
		if len(indexes) != total {
			logging.DebugMethod("snapshot", "Reassemble", "snapshot %s incomplete: %d/%d chunks", snapshotID, len(indexes), total)
			continue
		}
		complete = append(complete, candidate{snapshotID: snapshotID, chunks: chunks, headAt: headAt})
	}
	if len(complete) == 0 {
		return nil, "", ErrNoCompleteSnapshot
	}

	sort.Slice(complete, func(i, j int) bool { return complete[i].headAt > complete[j].headAt })
	best := complete[0]

	sort.Slice(best.chunks, func(i, j int) bool {
		return best.chunks[i].payload.ChunkIndex < best.chunks[j].payload.ChunkIndex
	})
	var entries []Entry
	lastIndex := -1
	for _, ch := range best.chunks {
		if ch.payload.ChunkIndex == lastIndex {
			continue // same chunk from more than one relay
		}
		lastIndex = ch.payload.ChunkIndex
		entries = append(entries, ch.payload.Items...)
	}
	return entries, best.snapshotID, nil
}

// Load fetches the actor's recent chunk events from the relay set and
// reassembles the newest complete snapshot.
func (c *Codec) Load(ctx context.Context, gw gateway.Gateway, relays []string) ([]Entry, string, error) {
	limit := c.fetchLimit
	filter := nostr.Filter{
		Kinds:   []int{schema.KindViewEvent},
		Authors: []string{c.signer.PubKey()},
		Limit:   limit,
	}
	events, err := gw.List(ctx, relays, []nostr.Filter{filter})
	if err != nil && len(events) == 0 {
		return nil, "", fmt.Errorf("fetching snapshot chunks: %w", err)
	}
	return c.Reassemble(events)
}
