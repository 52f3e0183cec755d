package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityhq/verity/pkg/models"
)

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "session_abc-123", SessionChannel("abc-123"))
}

func TestEncodePayload(t *testing.T) {
	t.Run("small payload passes through intact", func(t *testing.T) {
		encoded, err := encodePayload(ProgressPayload{
			Type:            "session.progress",
			SessionID:       "s1",
			Phase:           models.PhaseWriter,
			Status:          models.ProgressInProgress,
			StreamedContent: "partial text",
		})
		require.NoError(t, err)

		var decoded ProgressPayload
		require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
		assert.Equal(t, "partial text", decoded.StreamedContent)
		assert.False(t, decoded.Truncated)
	})

	t.Run("oversized payload drops streamed content", func(t *testing.T) {
		encoded, err := encodePayload(ProgressPayload{
			Type:            "session.progress",
			SessionID:       "s1",
			Phase:           models.PhaseWriter,
			Status:          models.ProgressInProgress,
			StreamedContent: strings.Repeat("x", 9000),
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(encoded), maxNotifyPayload)

		var decoded ProgressPayload
		require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
		assert.Empty(t, decoded.StreamedContent)
		assert.True(t, decoded.Truncated)
		assert.Equal(t, models.PhaseWriter, decoded.Phase)
	})
}
