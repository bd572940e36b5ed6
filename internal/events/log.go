// Package events holds the append-only sync event ledger used for catch-up replication.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAppend            = "events.append"
	opLatestForBaby     = "events.latest_for_baby"
	opLatestGlobal      = "events.latest_global"
	opListAfter         = "events.list_after"
	opFindByMutation    = "events.find_by_mutation"
	reasonMissingDB     = "missing_database"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonInvalidEvent  = "invalid_event"
	defaultPageSize     = 500
	maxPageSize         = 1000
	fieldSequence       = "sequence"
	orderSequenceAsc    = fieldSequence + " ASC"
	querySequenceAfter  = fieldSequence + " > ?"
	queryBabyID         = "baby_id = ?"
	queryReadableEvents = "baby_id IN ? OR (baby_id IS NULL AND user_id = ?)"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidEvent indicates an event missing its entity type, id or op.
	ErrInvalidEvent = errors.New("events: invalid event")
	noOpLogger      = zap.NewNop()
)

// ServiceError mirrors the dotted operation.reason codes used across the backend.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Event is one accepted change. Rows are never updated or deleted.
type Event struct {
	Sequence        int64   `gorm:"column:sequence;primaryKey;autoIncrement"`
	BabyID          *int64  `gorm:"column:baby_id;index:idx_sync_events_baby_seq,priority:1"`
	UserID          string  `gorm:"column:user_id;size:190;not null;default:'';index"`
	EntityType      string  `gorm:"column:entity_type;size:64;not null"`
	EntityID        string  `gorm:"column:entity_id;size:190;not null"`
	Op              string  `gorm:"column:op;size:16;not null"`
	PayloadJSON     *string `gorm:"column:payload_json;type:text"`
	MutationID      string  `gorm:"column:mutation_id;size:190;not null;default:'';index"`
	ActorID         string  `gorm:"column:actor_id;size:190;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "sync_events"
}

// Wire converts the stored event into its replicated form.
func (e Event) Wire() entities.SyncEvent {
	var payload json.RawMessage
	if e.PayloadJSON != nil {
		payload = json.RawMessage(*e.PayloadJSON)
	}
	return entities.SyncEvent{
		Sequence:   e.Sequence,
		BabyID:     e.BabyID,
		EntityType: entities.Type(e.EntityType),
		EntityID:   e.EntityID,
		Op:         entities.Op(e.Op),
		Payload:    payload,
	}
}

// LogConfig describes the dependencies of a Log.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log reads and appends sync events. Bind it to a transaction with WithTx when the
// append must commit together with a state write.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog constructs a Log over the provided database handle.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, newServiceError("events.new", reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTx returns a copy of the log whose reads and writes go through tx.
func (l *Log) WithTx(tx *gorm.DB) *Log {
	copied := *l
	copied.db = tx
	return &copied
}

// Append assigns the next sequence to event and persists it.
func (l *Log) Append(ctx context.Context, event *Event) (int64, error) {
	if l == nil || l.db == nil {
		return 0, newServiceError(opAppend, reasonMissingDB, errMissingDatabase)
	}
	if event == nil || event.EntityType == "" || event.EntityID == "" || event.Op == "" {
		return 0, newServiceError(opAppend, reasonInvalidEvent, ErrInvalidEvent)
	}
	event.Sequence = 0
	if event.CreatedAtMillis == 0 {
		event.CreatedAtMillis = l.clock().UTC().UnixMilli()
	}
	if err := l.db.WithContext(ctx).Create(event).Error; err != nil {
		l.logError(opAppend, reasonInsertFailed, err,
			zap.String("entity_type", event.EntityType),
			zap.String("entity_id", event.EntityID))
		return 0, newServiceError(opAppend, reasonInsertFailed, err)
	}
	return event.Sequence, nil
}

// LatestSequenceForBaby returns the highest sequence recorded for the baby, nil when none.
func (l *Log) LatestSequenceForBaby(ctx context.Context, babyID int64) (*int64, error) {
	if l == nil || l.db == nil {
		return nil, newServiceError(opLatestForBaby, reasonMissingDB, errMissingDatabase)
	}
	var latest sql.NullInt64
	err := l.db.WithContext(ctx).
		Model(&Event{}).
		Where(queryBabyID, babyID).
		Select("MAX(" + fieldSequence + ")").
		Row().
		Scan(&latest)
	if err != nil {
		l.logError(opLatestForBaby, reasonQueryFailed, err, zap.Int64("baby_id", babyID))
		return nil, newServiceError(opLatestForBaby, reasonQueryFailed, err)
	}
	return nullableSequence(latest), nil
}

// LatestGlobalSequence returns the highest sequence in the log, nil when empty.
func (l *Log) LatestGlobalSequence(ctx context.Context) (*int64, error) {
	if l == nil || l.db == nil {
		return nil, newServiceError(opLatestGlobal, reasonMissingDB, errMissingDatabase)
	}
	var latest sql.NullInt64
	err := l.db.WithContext(ctx).
		Model(&Event{}).
		Select("MAX(" + fieldSequence + ")").
		Row().
		Scan(&latest)
	if err != nil {
		l.logError(opLatestGlobal, reasonQueryFailed, err)
		return nil, newServiceError(opLatestGlobal, reasonQueryFailed, err)
	}
	return nullableSequence(latest), nil
}

// FindCreateByMutation returns the create event an actor produced with mutationID, if any.
func (l *Log) FindCreateByMutation(ctx context.Context, mutationID string, actorID string, entityType entities.Type) (*Event, error) {
	if l == nil || l.db == nil {
		return nil, newServiceError(opFindByMutation, reasonMissingDB, errMissingDatabase)
	}
	if mutationID == "" {
		return nil, nil
	}
	var event Event
	err := l.db.WithContext(ctx).
		Where("mutation_id = ? AND actor_id = ? AND entity_type = ? AND op = ?",
			mutationID, actorID, entityType.String(), string(entities.OpCreate)).
		Order(orderSequenceAsc).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		l.logError(opFindByMutation, reasonQueryFailed, err, zap.String("mutation_id", mutationID))
		return nil, newServiceError(opFindByMutation, reasonQueryFailed, err)
	}
	return &event, nil
}

// Query selects the events a caller may replay.
// Grants maps each readable baby to the sequence at which access was granted; events at or
// before that sequence predate the caller's access and are skipped.
type Query struct {
	After  int64
	Limit  int
	UserID string
	Grants map[int64]int64
}

// Page is a slice of events plus the cursor to resume from.
type Page struct {
	Events     []Event
	NextCursor *int64
	HasMore    bool
}

// ListAfter returns events with sequence > query.After visible to the caller.
func (l *Log) ListAfter(ctx context.Context, query Query) (Page, error) {
	if l == nil || l.db == nil {
		return Page{}, newServiceError(opListAfter, reasonMissingDB, errMissingDatabase)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	babyIDs := make([]int64, 0, len(query.Grants))
	for babyID := range query.Grants {
		babyIDs = append(babyIDs, babyID)
	}

	var rows []Event
	if err := l.db.WithContext(ctx).
		Where(querySequenceAfter, query.After).
		Where(queryReadableEvents, babyIDs, query.UserID).
		Order(orderSequenceAsc).
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		l.logError(opListAfter, reasonQueryFailed, err, zap.String("user_id", query.UserID))
		return Page{}, newServiceError(opListAfter, reasonQueryFailed, err)
	}

	page := Page{Events: make([]Event, 0, len(rows))}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for _, row := range rows {
		if row.BabyID != nil {
			grantedAt, ok := query.Grants[*row.BabyID]
			if !ok || row.Sequence <= grantedAt {
				continue
			}
		}
		page.Events = append(page.Events, row)
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1].Sequence
		page.NextCursor = &last
	}
	return page, nil
}

func nullableSequence(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	sequence := value.Int64
	return &sequence
}

func (l *Log) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("sync event log error", attrs...)
}
