package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/outbox"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	// ErrMissingOutbox indicates the recorder was built without a queue.
	ErrMissingOutbox = errors.New("localstate: outbox required")
	// ErrMissingState indicates the recorder or puller was built without a state container.
	ErrMissingState = errors.New("localstate: state required")
	// ErrInvalidEntityID indicates a blank entity id.
	ErrInvalidEntityID = errors.New("localstate: entity id required")
)

// Enqueuer queues a mutation and schedules delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, mutation entities.Mutation) (outbox.Entry, error)
}

type RecorderConfig struct {
	State  *State
	Outbox Enqueuer
	Clock  func() time.Time
	// Entropy seeds mutation ids; defaults to a time-seeded source.
	Entropy io.Reader
	Logger  *zap.Logger
}

// Recorder applies a local write to the cache and queues it for the server.
type Recorder struct {
	state   *State
	outbox  Enqueuer
	clock   func() time.Time
	logger  *zap.Logger
	mu      sync.Mutex
	entropy io.Reader
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.State == nil {
		return nil, ErrMissingState
	}
	if cfg.Outbox == nil {
		return nil, ErrMissingOutbox
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entropy := cfg.Entropy
	if entropy == nil {
		entropy = ulid.Monotonic(rand.New(rand.NewSource(clock().UnixNano())), 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{state: cfg.State, outbox: cfg.Outbox, clock: clock, entropy: entropy, logger: logger}, nil
}

// Record validates the payload, updates the cache, and enqueues the mutation.
func (r *Recorder) Record(ctx context.Context, entityType entities.Type, entityID string, op entities.Op, payload json.RawMessage) (entities.Mutation, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return entities.Mutation{}, ErrInvalidEntityID
	}
	if !op.Valid() {
		return entities.Mutation{}, fmt.Errorf("localstate: unknown op %q", op)
	}
	if _, err := entities.DecodePayload(entityType, op, payload); err != nil {
		return entities.Mutation{}, err
	}
	if isNull(payload) {
		payload = json.RawMessage(`{}`)
	}
	if op == entities.OpUpdate {
		based, err := r.withBase(entityType, entityID, payload)
		if err != nil {
			return entities.Mutation{}, err
		}
		payload = based
	}

	mutation := entities.Mutation{
		MutationID: r.newMutationID(),
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
		Payload:    payload,
	}
	if err := r.applyLocally(ctx, mutation); err != nil {
		return entities.Mutation{}, err
	}
	if _, err := r.outbox.Enqueue(ctx, mutation); err != nil {
		return entities.Mutation{}, err
	}
	r.logger.Debug("mutation recorded",
		zap.String("mutation_id", mutation.MutationID),
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.String("op", string(op)),
	)
	return mutation, nil
}

func (r *Recorder) applyLocally(ctx context.Context, mutation entities.Mutation) error {
	switch mutation.Op {
	case entities.OpDelete:
		if mutation.EntityType != entities.TypeProfile {
			return r.state.Delete(ctx, mutation.EntityType, mutation.EntityID)
		}
		archived := map[string]any{"archivedAt": r.clock().UTC().UnixMilli()}
		return r.merge(ctx, mutation.EntityType, mutation.EntityID, archived)
	default:
		fields := map[string]any{}
		if err := json.Unmarshal(mutation.Payload, &fields); err != nil {
			return fmt.Errorf("%w: %v", entities.ErrInvalidPayload, err)
		}
		delete(fields, "updatedAt")
		return r.merge(ctx, mutation.EntityType, mutation.EntityID, fields)
	}
}

// withBase stamps an update with the cached row's updatedAt so the server can detect a stale edit.
// An explicit updatedAt in the payload wins.
func (r *Recorder) withBase(entityType entities.Type, entityID string, payload json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrInvalidPayload, err)
	}
	if claimed, ok := fields["updatedAt"]; ok && !isNull(claimed) {
		return payload, nil
	}
	cached, ok := r.state.Get(entityType, entityID)
	if !ok {
		return payload, nil
	}
	row := map[string]json.RawMessage{}
	if err := json.Unmarshal(cached, &row); err != nil {
		r.logger.Warn("cached row has no readable base", zap.String("entity_id", entityID), zap.Error(err))
		return payload, nil
	}
	base, ok := row["updatedAt"]
	if !ok || isNull(base) {
		return payload, nil
	}
	fields["updatedAt"] = base
	return json.Marshal(fields)
}

// merge overlays fields onto the cached row, keeping unspecified fields.
func (r *Recorder) merge(ctx context.Context, entityType entities.Type, entityID string, fields map[string]any) error {
	row := map[string]any{}
	if existing, ok := r.state.Get(entityType, entityID); ok {
		if err := json.Unmarshal(existing, &row); err != nil {
			r.logger.Warn("discarding unreadable cached row", zap.String("entity_id", entityID), zap.Error(err))
			row = map[string]any{}
		}
	}
	for key, value := range fields {
		row[key] = value
	}
	row["id"] = entityID
	encoded, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return r.state.Put(ctx, entityType, entityID, encoded)
}

func (r *Recorder) newMutationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.clock()), r.entropy).String()
}
