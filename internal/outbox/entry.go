package outbox

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
)

// Status tracks where an entry sits in the flush cycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
)

// StateServerSequence holds the newest global sequence reported by a push response.
const StateServerSequence = "server_sequence"

// Entry is one queued mutation plus its delivery bookkeeping.
type Entry struct {
	MutationID          string  `gorm:"column:mutation_id;primaryKey;size:64"`
	EntityType          string  `gorm:"column:entity_type;size:64;not null"`
	EntityID            string  `gorm:"column:entity_id;size:190;not null"`
	Op                  string  `gorm:"column:op;size:16;not null"`
	PayloadJSON         string  `gorm:"column:payload;type:text;not null"`
	Status              Status  `gorm:"column:status;size:16;not null;index"`
	CreatedAtMillis     int64   `gorm:"column:created_at_ms;not null;index"`
	LastAttemptAtMillis *int64  `gorm:"column:last_attempt_at_ms"`
	ErrorMessage        *string `gorm:"column:error_message;type:text"`
	ServerDataJSON      *string `gorm:"column:server_data;type:text"`
}

func (Entry) TableName() string {
	return "outbox_entries"
}

// Mutation rebuilds the wire form sent to the push endpoint.
func (e Entry) Mutation() entities.Mutation {
	return entities.Mutation{
		MutationID: e.MutationID,
		EntityType: entities.Type(e.EntityType),
		EntityID:   e.EntityID,
		Op:         entities.Op(e.Op),
		Payload:    json.RawMessage(e.PayloadJSON),
	}
}

// ServerData returns the row the server reported for a conflict, if any.
func (e Entry) ServerData() json.RawMessage {
	if e.ServerDataJSON == nil {
		return nil
	}
	return json.RawMessage(*e.ServerDataJSON)
}

type stateRecord struct {
	Key   string `gorm:"column:key;primaryKey;size:64"`
	Value string `gorm:"column:value;type:text;not null"`
}

func (stateRecord) TableName() string {
	return "sync_state"
}
