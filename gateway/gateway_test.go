package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeOK(t *testing.T) {
	t.Parallel()

	assert.False(t, Outcome{}.OK())
	assert.False(t, Outcome{Failed: []RelayError{{URL: "wss://a", Reason: "x"}}}.OK())
	assert.True(t, Outcome{Accepted: []string{"wss://a"}}.OK())
	assert.True(t, Outcome{
		Accepted: []string{"wss://a"},
		Failed:   []RelayError{{URL: "wss://b", Reason: "timeout"}},
	}.OK(), "partial acceptance is still usable")
}

func TestOutcomeMerge(t *testing.T) {
	t.Parallel()

	a := Outcome{Accepted: []string{"wss://a"}, Failed: []RelayError{{URL: "wss://b", Reason: "x"}}}
	b := Outcome{Accepted: []string{"wss://c"}, Failed: []RelayError{{URL: "wss://d", Reason: "y"}}}

	merged := a.Merge(b)
	assert.Equal(t, []string{"wss://a", "wss://c"}, merged.Accepted)
	assert.Len(t, merged.Failed, 2)

	// merging mutates neither input
	assert.Len(t, a.Accepted, 1)
	assert.Len(t, b.Failed, 1)
}

func TestPoolImplementsGateway(t *testing.T) {
	t.Parallel()

	var _ Gateway = NewPool()
}
