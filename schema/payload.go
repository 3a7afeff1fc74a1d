package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// VideoPayload is the normalized JSON content of a KindVideoPost event.
// The Version field is the schema discriminator; parsing accepts versions
// 1 through PayloadVersion and upgrades older shapes so downstream code
// never re-checks optional fields.
type VideoPayload struct {
	Version        int    `json:"version"`
	Title          string `json:"title"`
	URL            string `json:"url,omitempty"`
	Magnet         string `json:"magnet,omitempty"`
	Thumbnail      string `json:"thumbnail,omitempty"`
	Description    string `json:"description,omitempty"`
	Mode           string `json:"mode,omitempty"`
	VideoRootID    string `json:"videoRootId,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
	IsPrivate      bool   `json:"isPrivate,omitempty"`
	EnableComments *bool  `json:"enableComments,omitempty"`
	WS             string `json:"ws,omitempty"`
	XS             string `json:"xs,omitempty"`
}

// ParseVideoPayload decodes and normalizes the content of a video post
// event. Returns an error for non-JSON content, unknown future schema
// versions, or payloads with neither a title nor a deleted marker.
func ParseVideoPayload(ev *nostr.Event) (*VideoPayload, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	var p VideoPayload
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return nil, fmt.Errorf("parsing video payload of %s: %w", ev.ID, err)
	}
	if p.Version == 0 {
		// pre-versioned payloads are treated as v1
		p.Version = 1
	}
	if p.Version > PayloadVersion {
		return nil, fmt.Errorf("video payload of %s has unknown schema version %d", ev.ID, p.Version)
	}
	p.Title = strings.TrimSpace(p.Title)
	p.URL = strings.TrimSpace(p.URL)
	p.Magnet = strings.TrimSpace(p.Magnet)
	if p.Mode == "" {
		p.Mode = "live"
	}
	if !p.Deleted && p.Title == "" {
		return nil, fmt.Errorf("video payload of %s has no title", ev.ID)
	}
	return &p, nil
}

// Encode serializes the payload at the current schema version.
func (p *VideoPayload) Encode() (string, error) {
	clone := *p
	clone.Version = PayloadVersion
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("encoding video payload: %w", err)
	}
	return string(raw), nil
}

// Tombstone returns a copy of the payload marked deleted, with transport
// fields cleared so delete markers never leak playable sources.
func (p *VideoPayload) Tombstone() *VideoPayload {
	clone := *p
	clone.Deleted = true
	clone.URL = ""
	clone.Magnet = ""
	clone.WS = ""
	clone.XS = ""
	clone.Thumbnail = ""
	clone.Description = ""
	return &clone
}
