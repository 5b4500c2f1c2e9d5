package proto

import "encoding/json"

// ActionKind names the remote mutation a queued action replays. The set is
// open: applications register their own kinds alongside the built-in ones.
type ActionKind string

const (
	ActionKind_CREATE_ENTITY ActionKind = "create_entity"
	ActionKind_UPDATE_ENTITY ActionKind = "update_entity"
	ActionKind_DELETE_ENTITY ActionKind = "delete_entity"
)

func (k ActionKind) String() string {
	return string(k)
}

// QueuedAction is a mutation waiting to be applied against the remote store
type QueuedAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueuedAt"` // unix milliseconds
}
