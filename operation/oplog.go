// Package operation holds the durable queue of mutations made while the
// remote store was unreachable.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luoyjx/tidesync/proto"
	"github.com/luoyjx/tidesync/storage"
)

// QueueKey is the fixed device key holding the queue snapshot
const QueueKey = "offline:pending_actions"

// Queue is an ordered, persisted list of pending actions. Every mutation is
// an atomic read-modify-write of the whole list through Device.Update, and
// the device always holds a complete JSON array. The queue mutex only
// orders callers within this process.
type Queue struct {
	mu     sync.Mutex
	device storage.Device
	key    string
	now    func() time.Time
	newID  func() string
}

// NewQueue creates a queue stored under QueueKey on device
func NewQueue(device storage.Device) *Queue {
	return &Queue{
		device: device,
		key:    QueueKey,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Enqueue appends a new action to the tail and persists the queue. The
// payload must be valid JSON.
func (q *Queue) Enqueue(ctx context.Context, kind proto.ActionKind, payload json.RawMessage) (proto.QueuedAction, error) {
	if kind == "" {
		return proto.QueuedAction{}, fmt.Errorf("action kind is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return proto.QueuedAction{}, fmt.Errorf("action payload is not valid JSON")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var action proto.QueuedAction
	err := q.update(ctx, func(actions []proto.QueuedAction) ([]proto.QueuedAction, error) {
		action = proto.QueuedAction{
			ID:         q.newID(),
			Kind:       kind,
			Payload:    append(json.RawMessage(nil), payload...),
			EnqueuedAt: q.now().UnixMilli(),
		}
		return append(actions, action), nil
	})
	if err != nil {
		return proto.QueuedAction{}, err
	}
	return action, nil
}

// EnqueueValue marshals payload and enqueues it
func (q *Queue) EnqueueValue(ctx context.Context, kind proto.ActionKind, payload any) (proto.QueuedAction, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return proto.QueuedAction{}, fmt.Errorf("marshal action payload: %w", err)
	}
	return q.Enqueue(ctx, kind, data)
}

// PeekAll returns the pending actions in enqueue order
func (q *Queue) PeekAll(ctx context.Context) ([]proto.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.load(ctx)
}

// Len returns the number of pending actions
func (q *Queue) Len(ctx context.Context) (int, error) {
	actions, err := q.PeekAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Remove deletes the action with the given id. Unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.update(ctx, func(actions []proto.QueuedAction) ([]proto.QueuedAction, error) {
		kept := actions[:0]
		for _, action := range actions {
			if action.ID != id {
				kept = append(kept, action)
			}
		}
		if len(kept) == len(actions) {
			return nil, storage.ErrNoChange
		}
		return kept, nil
	})
}

// Clear drops every pending action. It is meant for explicit recovery by
// the user, never for the normal sync flow.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.device.RemoveKey(ctx, q.key); err != nil {
		return proto.PersistenceError("clear pending actions", err)
	}
	return nil
}

// update applies fn to the stored snapshot in one atomic device update.
// fn may run more than once.
func (q *Queue) update(ctx context.Context, fn func([]proto.QueuedAction) ([]proto.QueuedAction, error)) error {
	err := q.device.Update(ctx, q.key, func(raw string, found bool) (string, error) {
		actions, err := decodeActions(raw, found)
		if err != nil {
			return "", err
		}
		actions, err = fn(actions)
		if err != nil {
			return "", err
		}
		return encodeActions(actions)
	})
	if err == nil || errors.Is(err, proto.ErrPersistence) {
		return err
	}
	return proto.PersistenceError("write pending actions", err)
}

// load reads the queue snapshot from the device
func (q *Queue) load(ctx context.Context) ([]proto.QueuedAction, error) {
	raw, ok, err := q.device.GetString(ctx, q.key)
	if err != nil {
		return nil, proto.PersistenceError("read pending actions", err)
	}
	return decodeActions(raw, ok)
}

func decodeActions(raw string, found bool) ([]proto.QueuedAction, error) {
	if !found || raw == "" {
		return []proto.QueuedAction{}, nil
	}
	var actions []proto.QueuedAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, proto.PersistenceError("decode pending actions", err)
	}
	return actions, nil
}

// encodeActions renders the whole queue snapshot; an empty queue is []
func encodeActions(actions []proto.QueuedAction) (string, error) {
	if actions == nil {
		actions = []proto.QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("marshal pending actions: %w", err)
	}
	return string(data), nil
}
