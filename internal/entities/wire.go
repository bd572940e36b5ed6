package entities

import "encoding/json"

// Mutation is one client-originated change carried in a push batch.
type Mutation struct {
	MutationID string          `json:"mutationId"`
	EntityType Type            `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload"`
}

// Status enumerates per-mutation outcomes.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// MutationResult is produced once per Mutation, independent of its siblings.
type MutationResult struct {
	MutationID string          `json:"mutationId"`
	Status     Status          `json:"status"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// PushRequest is the body of a push call.
type PushRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// PushResponse pairs results[i] with mutations[i] and carries the latest global sequence.
type PushResponse struct {
	Results   []MutationResult `json:"results"`
	NewCursor *int64           `json:"newCursor"`
}

// SyncEvent is the replicated form of one accepted change. Payload is null for hard deletes.
type SyncEvent struct {
	Sequence   int64           `json:"sequence"`
	BabyID     *int64          `json:"babyId"`
	EntityType Type            `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload"`
}

// PullResponse is a page of sync events after a cursor.
type PullResponse struct {
	Events     []SyncEvent `json:"events"`
	NextCursor *int64      `json:"nextCursor"`
	HasMore    bool        `json:"hasMore"`
}
