package schema

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVideoPayload_UpgradesUnversioned(t *testing.T) {
	t.Parallel()

	ev := &nostr.Event{ID: "e1", Content: `{"title":" My Video ","magnet":"magnet:x "}`}
	p, err := ParseVideoPayload(ev)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, "My Video", p.Title)
	assert.Equal(t, "magnet:x", p.Magnet)
	assert.Equal(t, "live", p.Mode)
}

func TestParseVideoPayload_RejectsFutureVersion(t *testing.T) {
	t.Parallel()

	ev := &nostr.Event{ID: "e1", Content: `{"version":4,"title":"x"}`}
	_, err := ParseVideoPayload(ev)
	assert.Error(t, err)
}

func TestParseVideoPayload_RejectsNonJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseVideoPayload(&nostr.Event{ID: "e1", Content: "not json"})
	assert.Error(t, err)
	_, err = ParseVideoPayload(nil)
	assert.Error(t, err)
}

func TestParseVideoPayload_TitleRequiredUnlessDeleted(t *testing.T) {
	t.Parallel()

	_, err := ParseVideoPayload(&nostr.Event{ID: "e1", Content: `{"version":3}`})
	assert.Error(t, err)

	p, err := ParseVideoPayload(&nostr.Event{ID: "e2", Content: `{"version":3,"deleted":true}`})
	require.NoError(t, err)
	assert.True(t, p.Deleted)
}

func TestEncode_ForcesCurrentVersion(t *testing.T) {
	t.Parallel()

	p := &VideoPayload{Version: 1, Title: "t", URL: "https://host/video.mp4"}
	raw, err := p.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, float64(PayloadVersion), decoded["version"])
	// the receiver is not mutated
	assert.Equal(t, 1, p.Version)
}

func TestTombstone_ClearsTransportFields(t *testing.T) {
	t.Parallel()

	p := &VideoPayload{
		Title:       "t",
		URL:         "https://host/video.mp4",
		Magnet:      "magnet:?xt=urn:btih:abc",
		WS:          "https://seed/",
		XS:          "https://exact/",
		Thumbnail:   "https://thumb/",
		Description: "desc",
		VideoRootID: "root",
	}
	ts := p.Tombstone()
	assert.True(t, ts.Deleted)
	assert.Empty(t, ts.URL)
	assert.Empty(t, ts.Magnet)
	assert.Empty(t, ts.WS)
	assert.Empty(t, ts.XS)
	assert.Empty(t, ts.Thumbnail)
	assert.Empty(t, ts.Description)
	assert.Equal(t, "root", ts.VideoRootID)
	// the original is untouched
	assert.False(t, p.Deleted)
	assert.NotEmpty(t, p.Magnet)
}
