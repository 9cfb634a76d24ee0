package types

import (
	"encoding/json"
	"fmt"
)

// Payload is the opaque structured payload carried by every event. Values
// come from JSON, so numbers arrive as float64 and must be read through
// the typed accessors.
type Payload map[string]any

// String returns the named key as a string, or "" when absent.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int64 returns the named key as an int64, or 0 when absent or non-numeric.
func (p Payload) Int64(key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Float64 returns the named key as a float64, or 0 when absent.
func (p Payload) Float64(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Bool returns the named key as a bool, or false when absent.
func (p Payload) Bool(key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

// Has reports whether the key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// requiredKeys lists the payload keys each known event type must carry.
// Unknown event types validate vacuously.
var requiredKeys = map[EventType][]string{
	EventSessionStart:      nil,
	EventSessionEnd:        {"session_duration_ms"},
	EventUserPrompt:        {"prompt_length"},
	EventAssistantResponse: {"response_length", "tokens_used", "model", "duration_ms"},
	EventToolPre:           {"tool_name", "input_size"},
	EventToolPost:          {"tool_name", "success", "duration_ms", "output_size"},
	EventFileEdit:          {"file_extension", "lines_added", "lines_removed", "operation"},
	EventShellPre:          {"command_length"},
	EventShellPost:         {"exit_code", "duration_ms", "output_lines"},
	EventContextCompact:    {"tokens_before", "tokens_after"},
}

// fileEditOperations is the closed set of FileEdit operation values.
var fileEditOperations = map[string]bool{
	"created":  true,
	"edited":   true,
	"deleted":  true,
	"accepted": true,
	"rejected": true,
}

// Validate checks the event payload against the schema for its type.
// Events of unknown type pass: the pipeline persists them unchanged and
// builders skip them.
func (e *Event) Validate() error {
	keys, known := requiredKeys[e.EventType]
	if !known {
		return nil
	}
	for _, k := range keys {
		if !e.Payload.Has(k) {
			return fmt.Errorf("event %s: %s payload missing required key %q", e.EventID, e.EventType, k)
		}
	}
	if e.EventType == EventFileEdit {
		if op := e.Payload.String("operation"); !fileEditOperations[op] {
			return fmt.Errorf("event %s: FileEdit payload has invalid operation %q", e.EventID, op)
		}
	}
	return nil
}
