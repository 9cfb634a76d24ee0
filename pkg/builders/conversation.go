package builders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/storage"
	"github.com/sierra-labs/blueplane/pkg/types"
)

// ConversationBuilder reconstructs sessions and turns from CDC records.
// Updates for one session are serialized by a session-keyed lock; work
// across sessions runs in parallel.
type ConversationBuilder struct {
	store  *storage.ConversationStore
	locks  *KeyLock
	logger zerolog.Logger
}

// NewConversationBuilder creates the builder over its store.
func NewConversationBuilder(store *storage.ConversationStore) *ConversationBuilder {
	return &ConversationBuilder{
		store:  store,
		locks:  NewKeyLock(),
		logger: log.WithComponent("conversation-builder"),
	}
}

// Name identifies the builder in DLQ records and custody counters.
func (b *ConversationBuilder) Name() string { return "conversation_builder" }

// Apply updates the conversation store for the record's session. It is
// idempotent per event id: re-applying an already-applied record leaves
// the store unchanged.
func (b *ConversationBuilder) Apply(ctx context.Context, rec *types.CDCRecord) Result {
	if rec.EventID == "" {
		return Permanent("schema", fmt.Errorf("cdc record %s has no event id", rec.CDCID))
	}
	key := rec.SessionKey()
	unlock := b.locks.Lock(key)
	defer unlock()

	err := b.store.Update(ctx, rec.EventID, func(tx *storage.ConvTx) error {
		return b.apply(tx, key, rec)
	})
	if err != nil {
		// Store-level failures here are I/O against local SQLite;
		// classification is transient and the retry budget decides.
		return Transient(err)
	}
	return OK()
}

func (b *ConversationBuilder) apply(tx *storage.ConvTx, key string, rec *types.CDCRecord) error {
	at := rec.EnqueuedAt

	session, err := tx.GetSession(key)
	if err != nil {
		return err
	}
	if session == nil {
		// Any event implicitly creates its session as open.
		session = &types.Session{
			SessionKey:        key,
			Platform:          rec.Platform,
			ExternalSessionID: rec.ExternalSessionID,
			FirstSeenAt:       at,
			LastSeenAt:        at,
			Status:            types.SessionOpen,
		}
	} else {
		if at.Before(session.FirstSeenAt) {
			session.FirstSeenAt = at
		}
		if at.After(session.LastSeenAt) {
			session.LastSeenAt = at
		}
		// Events after SessionEnd reopen the session; reconnecting
		// agents look exactly like this.
		if session.Status == types.SessionClosed && rec.EventType != types.EventSessionEnd {
			session.Status = types.SessionOpen
		}
	}

	switch rec.EventType {
	case types.EventSessionStart:
		// A SessionStart on an existing session is absorbed: no reset.

	case types.EventSessionEnd:
		session.Status = types.SessionClosed
		if err := b.closeOpenTurn(tx, key, at); err != nil {
			return err
		}

	case types.EventUserPrompt:
		latest, err := tx.LatestTurn(key)
		if err != nil {
			return err
		}
		nextID := int64(1)
		if latest != nil {
			nextID = latest.TurnID + 1
			if latest.Open() {
				// Forcibly close the prior turn as incomplete.
				completed := at
				latest.CompletedAt = &completed
				if err := tx.PutTurn(latest); err != nil {
					return err
				}
			}
		}
		turn := &types.Turn{
			SessionKey:    key,
			TurnID:        nextID,
			PromptEventID: rec.EventID,
			StartedAt:     at,
			Accepted:      types.AcceptanceUnknown,
			ToolUses:      []types.ToolUse{},
		}
		if err := tx.PutTurn(turn); err != nil {
			return err
		}

	case types.EventAssistantResponse:
		latest, err := tx.LatestTurn(key)
		if err != nil {
			return err
		}
		if latest != nil && latest.Open() {
			latest.ResponseEventID = rec.EventID
			completed := at
			latest.CompletedAt = &completed
			if err := tx.PutTurn(latest); err != nil {
				return err
			}
		}
		// A response with no open turn is an orphan; the session row
		// still records activity above.

	case types.EventToolPost:
		latest, err := tx.LatestTurn(key)
		if err != nil {
			return err
		}
		if latest != nil && latest.Open() {
			latest.ToolUses = append(latest.ToolUses, types.ToolUse{
				EventID:  rec.EventID,
				ToolName: rec.Payload.String("tool_name"),
				At:       at,
			})
			if err := tx.PutTurn(latest); err != nil {
				return err
			}
		}

	case types.EventFileEdit:
		op := rec.Payload.String("operation")
		if op == "accepted" || op == "rejected" {
			latest, err := tx.LatestTurn(key)
			if err != nil {
				return err
			}
			if latest != nil {
				latest.Accepted = types.Acceptance(op)
				if err := tx.PutTurn(latest); err != nil {
					return err
				}
			}
		}

	default:
		// Unknown and remaining known types only touch session
		// timestamps.
	}

	return tx.PutSession(session)
}

func (b *ConversationBuilder) closeOpenTurn(tx *storage.ConvTx, key string, at time.Time) error {
	latest, err := tx.LatestTurn(key)
	if err != nil {
		return err
	}
	if latest == nil || !latest.Open() {
		return nil
	}
	completed := at
	latest.CompletedAt = &completed
	return tx.PutTurn(latest)
}
