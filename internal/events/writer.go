package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine. Outbound webhooks filter on these.
const (
	AgentRegistered     = "agent.registered"
	AgentUpdated        = "agent.updated"
	MandateCreated      = "mandate.created"
	ConsensusInitiated  = "consensus.initiated"
	ConsensusVote       = "consensus.vote"
	ConsensusAuthorized = "consensus.authorized"
	ConsensusFailed     = "consensus.failed"
	ConsensusExecuted   = "consensus.executed"
	ActionLogged        = "action.logged"
	TransferUpdated     = "transfer.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the audit row
// commits atomically with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
