package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventType identifies the kind of telemetry event. The set is extensible:
// unknown types flow through the raw store and are ignored by builders.
type EventType string

const (
	EventSessionStart      EventType = "SessionStart"
	EventSessionEnd        EventType = "SessionEnd"
	EventUserPrompt        EventType = "UserPrompt"
	EventAssistantResponse EventType = "AssistantResponse"
	EventToolPre           EventType = "ToolPre"
	EventToolPost          EventType = "ToolPost"
	EventFileEdit          EventType = "FileEdit"
	EventShellPre          EventType = "ShellPre"
	EventShellPost         EventType = "ShellPost"
	EventContextCompact    EventType = "ContextCompact"
)

// Event is a single telemetry event as produced by a capture agent.
type Event struct {
	EventID           string
	EnqueuedAt        time.Time
	Platform          string
	ExternalSessionID string
	EventType         EventType
	Payload           Payload
	RetryCount        int
}

// SessionKey derives the stable session key for an event.
func (e *Event) SessionKey() string {
	return SessionKey(e.Platform, e.ExternalSessionID)
}

// SessionKey hashes (platform, external session id) into the key under
// which all derived session state is stored.
func SessionKey(platform, externalSessionID string) string {
	sum := sha256.Sum256([]byte(platform + ":" + externalSessionID))
	return hex.EncodeToString(sum[:16])
}

// RawBatch is the durable persisted form of a batch of events.
type RawBatch struct {
	BatchID         int64
	WrittenAt       time.Time
	EventCount      int
	FirstEnqueuedAt time.Time
	LastEnqueuedAt  time.Time
	CodecVersion    byte
	Blob            []byte
}

// PayloadRef points at an event payload stored inside a raw batch.
type PayloadRef struct {
	BatchID int64 `json:"batch_id"`
	Index   int   `json:"index"`
}

// CDCRecord is the per-event change notification published after a raw
// batch commits. Payload is inlined when small; otherwise Ref is set and
// the payload must be resolved against the raw store.
type CDCRecord struct {
	CDCID             string
	EventID           string
	EnqueuedAt        time.Time
	Platform          string
	ExternalSessionID string
	EventType         EventType
	BatchID           int64
	Payload           Payload
	Ref               *PayloadRef
}

// SessionKey derives the session key for the record.
func (r *CDCRecord) SessionKey() string {
	return SessionKey(r.Platform, r.ExternalSessionID)
}

// Stage names the pipeline stage that failed an event into the DLQ.
type Stage string

const (
	StageFastPath            Stage = "fast_path"
	StageConversationBuilder Stage = "conversation_builder"
	StageMetricsAggregator   Stage = "metrics_aggregator"
)

// DLQRecord is a poison event deposited on the dead-letter stream.
type DLQRecord struct {
	EventID           string
	Platform          string
	ExternalSessionID string
	EventType         EventType
	Payload           []byte
	Stage             Stage
	ErrorKind         string
	Error             string
	FailedAt          time.Time
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// Session groups events sharing (platform, external session id).
type Session struct {
	SessionKey        string
	Platform          string
	ExternalSessionID string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	Status            SessionStatus
}

// Acceptance is the tri-state outcome of an assistant suggestion.
type Acceptance string

const (
	AcceptanceUnknown  Acceptance = "unknown"
	AcceptanceAccepted Acceptance = "accepted"
	AcceptanceRejected Acceptance = "rejected"
)

// ToolUse references a tool invocation observed inside a turn.
type ToolUse struct {
	EventID  string    `json:"event_id"`
	ToolName string    `json:"tool_name"`
	At       time.Time `json:"at"`
}

// Turn is a reconstructed prompt/response pair within a session.
// CompletedAt is nil while the turn is open.
type Turn struct {
	SessionKey      string
	TurnID          int64
	PromptEventID   string
	ResponseEventID string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Accepted        Acceptance
	ToolUses        []ToolUse
}

// Open reports whether the turn is still awaiting its response.
func (t *Turn) Open() bool {
	return t.CompletedAt == nil
}
