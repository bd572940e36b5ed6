package localstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"go.uber.org/zap"
)

var (
	// ErrMissingPersister indicates the state was built without storage.
	ErrMissingPersister = errors.New("localstate: persister required")
	// ErrMissingRowID indicates a server row carried no usable id.
	ErrMissingRowID = errors.New("localstate: row id missing")
)

// Item is one cached row.
type Item struct {
	ID   string
	Data json.RawMessage
}

// State mirrors canonical rows the device has seen or written, keyed by entity type and id.
// It is safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	records   map[entities.Type]map[string]json.RawMessage
	cursor    int64
	persister Persister
	logger    *zap.Logger
}

// NewState loads the persisted cache.
func NewState(ctx context.Context, persister Persister, logger *zap.Logger) (*State, error) {
	if persister == nil {
		return nil, ErrMissingPersister
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshot, err := persister.Load(ctx)
	if err != nil {
		return nil, err
	}
	records := snapshot.Records
	if records == nil {
		records = map[entities.Type]map[string]json.RawMessage{}
	}
	return &State{records: records, cursor: snapshot.Cursor, persister: persister, logger: logger}, nil
}

func (s *State) Get(entityType entities.Type, entityID string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.records[entityType][entityID]
	return data, ok
}

// List returns every cached row of a type ordered by id.
func (s *State) List(entityType entities.Type) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.records[entityType]
	items := make([]Item, 0, len(rows))
	for id, data := range rows {
		items = append(items, Item{ID: id, Data: data})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (s *State) Put(ctx context.Context, entityType entities.Type, entityID string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(ctx, entityType, entityID, data)
}

func (s *State) Delete(ctx context.Context, entityType entities.Type, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, entityType, entityID)
}

// Cursor is the highest sync event sequence applied.
func (s *State) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// AdvanceCursor stores cursor when it is ahead of the current one.
func (s *State) AdvanceCursor(ctx context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor <= s.cursor {
		return nil
	}
	if err := s.persister.SaveCursor(ctx, cursor); err != nil {
		return err
	}
	s.cursor = cursor
	return nil
}

// ApplyEvent replays one server event. A delete with a payload is a soft delete and keeps the archived row.
func (s *State) ApplyEvent(ctx context.Context, event entities.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.Op {
	case entities.OpCreate, entities.OpUpdate:
		if isNull(event.Payload) {
			return fmt.Errorf("localstate: %s event %d for %s has no payload", event.Op, event.Sequence, event.EntityID)
		}
		return s.putLocked(ctx, event.EntityType, event.EntityID, event.Payload)
	case entities.OpDelete:
		if isNull(event.Payload) {
			return s.deleteLocked(ctx, event.EntityType, event.EntityID)
		}
		return s.putLocked(ctx, event.EntityType, event.EntityID, event.Payload)
	default:
		return fmt.Errorf("localstate: unknown op %q in event %d", event.Op, event.Sequence)
	}
}

// Reconcile folds a push result back into the cache.
// Conflicts and successes that carry server data replace the local row with the server's.
// A profile create is re-keyed under the id the server assigned.
func (s *State) Reconcile(ctx context.Context, mutation entities.Mutation, result entities.MutationResult) {
	if isNull(result.ServerData) {
		return
	}
	if result.Status != entities.StatusSuccess && result.Status != entities.StatusConflict {
		return
	}
	serverID, err := rowID(result.ServerData)
	if err != nil {
		s.logger.Warn("server row without id", zap.String("mutation_id", mutation.MutationID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if serverID != mutation.EntityID {
		if err := s.deleteLocked(ctx, mutation.EntityType, mutation.EntityID); err != nil {
			s.logger.Warn("cache re-key failed", zap.String("mutation_id", mutation.MutationID), zap.Error(err))
			return
		}
	}
	if err := s.putLocked(ctx, mutation.EntityType, serverID, result.ServerData); err != nil {
		s.logger.Warn("cache reconcile failed", zap.String("mutation_id", mutation.MutationID), zap.Error(err))
	}
}

func (s *State) putLocked(ctx context.Context, entityType entities.Type, entityID string, data json.RawMessage) error {
	stored := append(json.RawMessage(nil), data...)
	if err := s.persister.PutRecord(ctx, entityType, entityID, stored); err != nil {
		return err
	}
	rows, ok := s.records[entityType]
	if !ok {
		rows = map[string]json.RawMessage{}
		s.records[entityType] = rows
	}
	rows[entityID] = stored
	return nil
}

func (s *State) deleteLocked(ctx context.Context, entityType entities.Type, entityID string) error {
	if err := s.persister.DeleteRecord(ctx, entityType, entityID); err != nil {
		return err
	}
	delete(s.records[entityType], entityID)
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// rowID reads the "id" field of a row as a string; numeric ids render in decimal.
func rowID(raw json.RawMessage) (string, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", err
	}
	if isNull(envelope.ID) {
		return "", ErrMissingRowID
	}
	var text string
	if err := json.Unmarshal(envelope.ID, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return "", ErrMissingRowID
		}
		return text, nil
	}
	var number int64
	if err := json.Unmarshal(envelope.ID, &number); err != nil {
		return "", fmt.Errorf("%w: %s", ErrMissingRowID, envelope.ID)
	}
	return strconv.FormatInt(number, 10), nil
}
