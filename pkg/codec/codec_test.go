package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-labs/blueplane/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []*types.Event{
		{
			EventID:           "e1",
			EnqueuedAt:        at,
			Platform:          "vscode",
			ExternalSessionID: "s1",
			EventType:         types.EventUserPrompt,
			Payload:           types.Payload{"prompt_length": 10.0},
		},
		{
			EventID:           "e2",
			EnqueuedAt:        at.Add(time.Second),
			Platform:          "vscode",
			ExternalSessionID: "s1",
			EventType:         types.EventAssistantResponse,
			Payload:           types.Payload{"tokens_used": 130.0, "model": "m", "response_length": 5.0, "duration_ms": 900.0},
		},
	}

	version, blob, err := Encode(events)
	require.NoError(t, err)
	assert.Equal(t, VersionZstd, version)

	got, err := Decode(version, blob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID)
	assert.True(t, got[0].EnqueuedAt.Equal(at))
	assert.Equal(t, types.EventAssistantResponse, got[1].EventType)
	assert.Equal(t, 130.0, got[1].Payload.Float64("tokens_used"))
}

func TestDecodeUnknownVersion(t *testing.T) {
	_, err := Decode(0, []byte("whatever"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown codec version")
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode(VersionZstd, []byte("not zstd at all"))
	require.Error(t, err)
}

func TestEncodeCompressesRepetitivePayloads(t *testing.T) {
	events := make([]*types.Event, 100)
	for i := range events {
		events[i] = &types.Event{
			EventID:    "event-with-a-long-repetitive-identifier",
			EnqueuedAt: time.Now().UTC(),
			Platform:   "vscode",
			EventType:  types.EventToolPost,
			Payload:    types.Payload{"tool_name": "read_file", "success": true, "duration_ms": 3.0, "output_size": 100.0},
		}
	}
	_, blob, err := Encode(events)
	require.NoError(t, err)

	// 100 near-identical JSON objects should compress well below their
	// serialized size.
	got, err := Decode(VersionZstd, blob)
	require.NoError(t, err)
	require.Len(t, got, 100)
	assert.Less(t, len(blob), 2000)
}
