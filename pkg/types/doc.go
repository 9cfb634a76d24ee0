/*
Package types defines the core data structures used throughout Blueplane.

This package contains the fundamental types that represent the telemetry
domain model: ingress events, raw trace batches, CDC records, sessions,
conversation turns, and dead-letter records. They are used by every other
package for stream transport, storage, and derived-state reconstruction.

# Core Types

Ingress:
  - Event: Single telemetry event produced by a capture agent
  - EventType: SessionStart, UserPrompt, AssistantResponse, ToolPre, ...
  - Payload: Opaque key-value payload with typed accessors

Fast path:
  - RawBatch: Compressed, persisted batch of events
  - CDCRecord: Per-event change notification emitted after a batch commit
  - PayloadRef: (batch_id, index) reference for oversized payloads

Derived state:
  - Session: Conversational grouping keyed by (platform, external session id)
  - Turn: User-prompt-to-assistant-response pair with tool uses
  - Acceptance: unknown, accepted or rejected

Failure surface:
  - DLQRecord: Poison event shipped to the dead-letter stream
  - Stage: Pipeline stage that produced a DLQ record

All types are plain data. Behavior lives in the packages that operate on
them (pkg/fastpath, pkg/builders, pkg/storage).
*/
package types
