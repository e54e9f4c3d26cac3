package inhibitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashInhibitDocument(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_760_000_000, 0))
	h := NewHash(nil, "cellular-service", 6*time.Minute, clock, zerolog.Nop())

	data := h.inhibit("abc", "modem firmware update")
	payload, err := json.Marshal(data)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, map[string]interface{}{
		"id":       "abc",
		"who":      "cellular-service",
		"what":     "suspend",
		"why":      "modem firmware update",
		"type":     "block",
		"duration": 360.0,
		"created":  1_760_000_000.0,
	}, got)
}

func TestHashReleaseWithoutAcquire(t *testing.T) {
	h := NewHash(nil, "cellular-service", time.Minute, clockwork.NewFakeClock(), zerolog.Nop())
	assert.NoError(t, h.Release())
}
