package push

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Database *gorm.DB
	Events   *events.Log
	Granter  Granter
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Dispatcher authorises a single mutation and routes it to its entity processor.
type Dispatcher struct {
	db         *gorm.DB
	events     *events.Log
	processors map[entities.Type]processor
	clock      func() time.Time
	logger     *zap.Logger
}

// Outcome is the result of dispatching one mutation. Event is nil when nothing was recorded.
type Outcome struct {
	Result entities.MutationResult
	Event  *events.Event
}

// NewDispatcher constructs a Dispatcher with every entity kind registered.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDispatcherNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.Events == nil {
		return nil, newServiceError(opDispatcherNew, reasonMissingEvents, errMissingEvents)
	}
	if cfg.Granter == nil {
		return nil, newServiceError(opDispatcherNew, reasonMissingGranter, errMissingGranter)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{
		db:         cfg.Database,
		events:     cfg.Events,
		processors: defaultProcessors(cfg.Granter),
		clock:      clock,
		logger:     logger,
	}, nil
}

// Dispatch applies m on behalf of the resolved caller. It never returns an error: every
// failure, including a panic inside a processor, becomes an error result for m alone.
func (d *Dispatcher) Dispatch(ctx context.Context, resolution access.Resolution, m entities.Mutation) (outcome Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logError(reasonPanic, fmt.Errorf("%v", recovered), m)
			outcome = Outcome{Result: errorResult(m, fmt.Sprint(recovered))}
		}
	}()

	proc, ok := d.processors[m.EntityType]
	if !ok {
		return Outcome{Result: errorResult(m, msgUnknownType+m.EntityType.String())}
	}
	if !m.Op.Valid() {
		return Outcome{Result: errorResult(m, msgUnknownOp+string(m.Op))}
	}
	prep, rejection := proc.prepare(m)
	if rejection != "" {
		return Outcome{Result: errorResult(m, rejection)}
	}

	babyID, needsCheck, found, err := prep.subject(ctx, d.db)
	if err != nil {
		d.logError(reasonApplyFailed, err, m)
		return Outcome{Result: errorResult(m, err.Error())}
	}
	if needsCheck {
		if !found {
			switch m.Op {
			case entities.OpDelete:
				return Outcome{Result: entities.MutationResult{MutationID: m.MutationID, Status: entities.StatusSuccess}}
			case entities.OpCreate:
				return Outcome{Result: errorResult(m, msgBabyIDRequired)}
			default:
				return Outcome{Result: errorResult(m, msgEntityNotFound)}
			}
		}
		if !resolution.CanEdit(babyID) {
			return Outcome{Result: errorResult(m, msgAccessDenied)}
		}
	}

	mc := &mutationContext{
		mutation:      m,
		actorID:       resolution.CallerID,
		access:        resolution,
		subjectBabyID: babyID,
		nowMillis:     d.clock().UTC().UnixMilli(),
	}
	var result applied
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mc.events = d.events.WithTx(tx)
		var applyErr error
		result, applyErr = prep.apply(ctx, tx, mc)
		return applyErr
	})
	if err != nil {
		d.logError(reasonApplyFailed, err, m)
		return Outcome{Result: errorResult(m, err.Error())}
	}
	return Outcome{Result: result.result, Event: result.event}
}

func errorResult(m entities.Mutation, message string) entities.MutationResult {
	return entities.MutationResult{MutationID: m.MutationID, Status: entities.StatusError, Error: message}
}

func (d *Dispatcher) logError(reason string, err error, m entities.Mutation) {
	d.logger.Error("mutation processing failed",
		zap.String("operation", opDispatch),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("mutation_id", m.MutationID),
		zap.String("entity_type", m.EntityType.String()),
		zap.String("entity_id", m.EntityID),
	)
}
