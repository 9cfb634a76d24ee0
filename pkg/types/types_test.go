package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	k1 := SessionKey("vscode", "abc-123")
	k2 := SessionKey("vscode", "abc-123")
	k3 := SessionKey("jetbrains", "abc-123")

	assert.Equal(t, k1, k2, "same inputs must produce the same key")
	assert.NotEqual(t, k1, k3, "platform must be part of the key")
	assert.Len(t, k1, 32, "key is hex of 16 bytes")
}

func TestEventSessionKeyMatchesCDC(t *testing.T) {
	e := &Event{Platform: "vscode", ExternalSessionID: "s1"}
	r := &CDCRecord{Platform: "vscode", ExternalSessionID: "s1"}
	assert.Equal(t, e.SessionKey(), r.SessionKey())
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr string
	}{
		{
			name:  "session start needs no payload",
			event: Event{EventID: "e1", EventType: EventSessionStart},
		},
		{
			name: "tool post complete",
			event: Event{EventID: "e2", EventType: EventToolPost, Payload: Payload{
				"tool_name": "grep", "success": true, "duration_ms": 12.0, "output_size": 40.0,
			}},
		},
		{
			name:    "tool post missing duration",
			event:   Event{EventID: "e3", EventType: EventToolPost, Payload: Payload{"tool_name": "grep", "success": true, "output_size": 1.0}},
			wantErr: "duration_ms",
		},
		{
			name: "file edit valid operation",
			event: Event{EventID: "e4", EventType: EventFileEdit, Payload: Payload{
				"file_extension": ".go", "lines_added": 3.0, "lines_removed": 1.0, "operation": "edited",
			}},
		},
		{
			name: "file edit invalid operation",
			event: Event{EventID: "e5", EventType: EventFileEdit, Payload: Payload{
				"file_extension": ".go", "lines_added": 3.0, "lines_removed": 1.0, "operation": "munged",
			}},
			wantErr: "invalid operation",
		},
		{
			name:  "unknown type passes vacuously",
			event: Event{EventID: "e6", EventType: EventType("FutureThing")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEventWireRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	e := &Event{
		EventID:           "evt-1",
		EnqueuedAt:        at,
		Platform:          "vscode",
		ExternalSessionID: "sess-9",
		EventType:         EventUserPrompt,
		Payload:           Payload{"prompt_length": 42.0},
		RetryCount:        2,
	}

	flat := make(map[string]string)
	for k, v := range e.Fields() {
		flat[k] = v.(string)
	}
	got, err := EventFromFields(flat)
	require.NoError(t, err)

	assert.Equal(t, e.EventID, got.EventID)
	assert.True(t, got.EnqueuedAt.Equal(at))
	assert.Equal(t, e.Platform, got.Platform)
	assert.Equal(t, e.ExternalSessionID, got.ExternalSessionID)
	assert.Equal(t, e.EventType, got.EventType)
	assert.Equal(t, 42.0, got.Payload["prompt_length"])
	assert.Equal(t, 2, got.RetryCount)
}

func TestEventFromFieldsRejectsBrokenEntries(t *testing.T) {
	_, err := EventFromFields(map[string]string{FieldEnqueuedAt: time.Now().Format(time.RFC3339Nano)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), FieldEventID)

	_, err = EventFromFields(map[string]string{FieldEventID: "e1", FieldEnqueuedAt: "not-a-time"})
	require.Error(t, err)

	_, err = EventFromFields(map[string]string{
		FieldEventID:    "e1",
		FieldEnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
		FieldPayload:    "{broken",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}

func TestCDCWireRoundTripInline(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Millisecond)
	rec := &CDCRecord{
		EventID:           "evt-7",
		EnqueuedAt:        at,
		Platform:          "cli",
		ExternalSessionID: "sess-2",
		EventType:         EventToolPost,
		BatchID:           41,
		Payload:           Payload{"tool_name": "ls"},
	}

	flat := make(map[string]string)
	for k, v := range rec.Fields() {
		flat[k] = v.(string)
	}
	require.NotContains(t, flat, FieldPayloadRef)

	got, err := CDCFromFields("12-0", flat)
	require.NoError(t, err)
	assert.Equal(t, "12-0", got.CDCID)
	assert.Equal(t, int64(41), got.BatchID)
	assert.Nil(t, got.Ref)
	assert.Equal(t, "ls", got.Payload.String("tool_name"))
}

func TestCDCWireRoundTripRef(t *testing.T) {
	rec := &CDCRecord{
		EventID:    "evt-8",
		EnqueuedAt: time.Now().UTC(),
		EventType:  EventAssistantResponse,
		BatchID:    99,
		Ref:        &PayloadRef{BatchID: 99, Index: 3},
	}

	flat := make(map[string]string)
	for k, v := range rec.Fields() {
		flat[k] = v.(string)
	}
	require.NotContains(t, flat, FieldPayload, "exactly one of payload and payload_ref")

	got, err := CDCFromFields("13-0", flat)
	require.NoError(t, err)
	require.NotNil(t, got.Ref)
	assert.Equal(t, int64(99), got.Ref.BatchID)
	assert.Equal(t, 3, got.Ref.Index)
}

func TestDLQFields(t *testing.T) {
	rec := &DLQRecord{
		EventID:   "evt-9",
		EventType: EventShellPost,
		Payload:   []byte(`{"exit_code":1}`),
		Stage:     StageFastPath,
		ErrorKind: "schema",
		Error:     "missing exit_code",
		FailedAt:  time.Now().UTC(),
	}
	fields := rec.Fields()
	assert.Equal(t, "fast_path", fields[FieldStage])
	assert.Equal(t, "schema", fields[FieldErrorKind])
	assert.True(t, strings.Contains(fields[FieldPayload].(string), "exit_code"))
}

func TestPayloadAccessors(t *testing.T) {
	p := Payload{"s": "x", "n": 7.0, "b": true}
	assert.Equal(t, "x", p.String("s"))
	assert.Equal(t, int64(7), p.Int64("n"))
	assert.Equal(t, 7.0, p.Float64("n"))
	assert.True(t, p.Bool("b"))
	assert.False(t, p.Has("missing"))
	assert.Equal(t, "", p.String("n"), "wrong type reads as zero value")
}

func TestTurnOpen(t *testing.T) {
	turn := &Turn{}
	assert.True(t, turn.Open())
	now := time.Now()
	turn.CompletedAt = &now
	assert.False(t, turn.Open())
}
