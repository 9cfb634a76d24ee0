// Package codec compresses raw batch blobs. The codec version byte stored
// with every batch selects the scheme on read, so historical blobs stay
// readable if the default ever changes.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sierra-labs/blueplane/pkg/types"
)

// VersionZstd identifies zstd-compressed JSON arrays. It is the only
// codec currently written.
const VersionZstd byte = 1

// batchEvent is the serialized form of one event inside a blob.
type batchEvent struct {
	EventID           string        `json:"event_id"`
	EnqueuedAt        time.Time     `json:"enqueued_at"`
	Platform          string        `json:"platform"`
	ExternalSessionID string        `json:"external_session_id"`
	EventType         string        `json:"event_type"`
	Payload           types.Payload `json:"payload,omitempty"`
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	// SpeedDefault lands in the 7-10x range on typical JSON payloads.
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
}

// Encode serializes and compresses a batch of events.
func Encode(events []*types.Event) (version byte, blob []byte, err error) {
	wire := make([]batchEvent, len(events))
	for i, e := range events {
		wire[i] = batchEvent{
			EventID:           e.EventID,
			EnqueuedAt:        e.EnqueuedAt.UTC(),
			Platform:          e.Platform,
			ExternalSessionID: e.ExternalSessionID,
			EventType:         string(e.EventType),
			Payload:           e.Payload,
		}
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to serialize batch: %w", err)
	}
	return VersionZstd, encoder.EncodeAll(raw, nil), nil
}

// Decode decompresses a blob back into its events, dispatching on the
// stored codec version.
func Decode(version byte, blob []byte) ([]*types.Event, error) {
	if version != VersionZstd {
		return nil, fmt.Errorf("unknown codec version %d", version)
	}
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress batch: %w", err)
	}
	var wire []batchEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to deserialize batch: %w", err)
	}
	events := make([]*types.Event, len(wire))
	for i, w := range wire {
		events[i] = &types.Event{
			EventID:           w.EventID,
			EnqueuedAt:        w.EnqueuedAt,
			Platform:          w.Platform,
			ExternalSessionID: w.ExternalSessionID,
			EventType:         types.EventType(w.EventType),
			Payload:           w.Payload,
		}
	}
	return events, nil
}
