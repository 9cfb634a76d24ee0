package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Stream field names shared by the ingress, CDC and DLQ streams. Capture
// agents write these exact keys, so they are part of the wire contract.
const (
	FieldEventID           = "event_id"
	FieldEnqueuedAt        = "enqueued_at"
	FieldRetryCount        = "retry_count"
	FieldPlatform          = "platform"
	FieldExternalSessionID = "external_session_id"
	FieldEventType         = "event_type"
	FieldPayload           = "payload"
	FieldBatchID           = "batch_id"
	FieldPayloadRef        = "payload_ref"
	FieldStage             = "stage"
	FieldErrorKind         = "error_kind"
	FieldError             = "error"
	FieldFailedAt          = "failed_at"
)

// Fields flattens the event into the string map appended to a stream.
func (e *Event) Fields() map[string]any {
	payload := "{}"
	if len(e.Payload) > 0 {
		if b, err := json.Marshal(e.Payload); err == nil {
			payload = string(b)
		}
	}
	return map[string]any{
		FieldEventID:           e.EventID,
		FieldEnqueuedAt:        e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		FieldRetryCount:        strconv.Itoa(e.RetryCount),
		FieldPlatform:          e.Platform,
		FieldExternalSessionID: e.ExternalSessionID,
		FieldEventType:         string(e.EventType),
		FieldPayload:           payload,
	}
}

// EventFromFields parses a stream entry back into an Event. It fails on
// structurally broken entries (missing id, unparseable timestamp or
// payload); schema validation of the payload is a separate concern.
func EventFromFields(fields map[string]string) (*Event, error) {
	id := fields[FieldEventID]
	if id == "" {
		return nil, fmt.Errorf("stream entry missing %s", FieldEventID)
	}
	at, err := time.Parse(time.RFC3339Nano, fields[FieldEnqueuedAt])
	if err != nil {
		return nil, fmt.Errorf("event %s: bad %s: %w", id, FieldEnqueuedAt, err)
	}
	var payload Payload
	if raw := fields[FieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("event %s: bad payload: %w", id, err)
		}
	}
	retries, _ := strconv.Atoi(fields[FieldRetryCount])
	return &Event{
		EventID:           id,
		EnqueuedAt:        at,
		Platform:          fields[FieldPlatform],
		ExternalSessionID: fields[FieldExternalSessionID],
		EventType:         EventType(fields[FieldEventType]),
		Payload:           payload,
		RetryCount:        retries,
	}, nil
}

// Fields flattens the CDC record for stream transport. Exactly one of
// payload and payload_ref is written.
func (r *CDCRecord) Fields() map[string]any {
	fields := map[string]any{
		FieldEventID:           r.EventID,
		FieldEnqueuedAt:        r.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		FieldPlatform:          r.Platform,
		FieldExternalSessionID: r.ExternalSessionID,
		FieldEventType:         string(r.EventType),
		FieldBatchID:           strconv.FormatInt(r.BatchID, 10),
	}
	if r.Ref != nil {
		ref, _ := json.Marshal(r.Ref)
		fields[FieldPayloadRef] = string(ref)
	} else {
		payload := "{}"
		if len(r.Payload) > 0 {
			if b, err := json.Marshal(r.Payload); err == nil {
				payload = string(b)
			}
		}
		fields[FieldPayload] = payload
	}
	return fields
}

// CDCFromFields parses a CDC stream entry. The stream-assigned entry id
// becomes CDCID.
func CDCFromFields(cdcID string, fields map[string]string) (*CDCRecord, error) {
	id := fields[FieldEventID]
	if id == "" {
		return nil, fmt.Errorf("cdc entry %s missing %s", cdcID, FieldEventID)
	}
	at, err := time.Parse(time.RFC3339Nano, fields[FieldEnqueuedAt])
	if err != nil {
		return nil, fmt.Errorf("cdc entry %s: bad %s: %w", cdcID, FieldEnqueuedAt, err)
	}
	batchID, err := strconv.ParseInt(fields[FieldBatchID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cdc entry %s: bad %s: %w", cdcID, FieldBatchID, err)
	}
	rec := &CDCRecord{
		CDCID:             cdcID,
		EventID:           id,
		EnqueuedAt:        at,
		Platform:          fields[FieldPlatform],
		ExternalSessionID: fields[FieldExternalSessionID],
		EventType:         EventType(fields[FieldEventType]),
		BatchID:           batchID,
	}
	if raw, ok := fields[FieldPayloadRef]; ok && raw != "" {
		var ref PayloadRef
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			return nil, fmt.Errorf("cdc entry %s: bad payload_ref: %w", cdcID, err)
		}
		rec.Ref = &ref
		return rec, nil
	}
	if raw := fields[FieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Payload); err != nil {
			return nil, fmt.Errorf("cdc entry %s: bad payload: %w", cdcID, err)
		}
	}
	return rec, nil
}

// Fields flattens the DLQ record for stream transport.
func (d *DLQRecord) Fields() map[string]any {
	return map[string]any{
		FieldEventID:           d.EventID,
		FieldPlatform:          d.Platform,
		FieldExternalSessionID: d.ExternalSessionID,
		FieldEventType:         string(d.EventType),
		FieldPayload:           string(d.Payload),
		FieldStage:             string(d.Stage),
		FieldErrorKind:         d.ErrorKind,
		FieldError:             d.Error,
		FieldFailedAt:          d.FailedAt.UTC().Format(time.RFC3339Nano),
	}
}
