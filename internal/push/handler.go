package push

import (
	"context"
	"sort"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"go.uber.org/zap"
)

// AccessResolver resolves a caller's access once per batch.
type AccessResolver interface {
	Resolve(ctx context.Context, callerID string) (access.Resolution, error)
}

// Change summarises the events one push appended, for realtime fan-out.
type Change struct {
	ActorID  string
	BabyIDs  []int64
	Catalog  bool
	Sequence int64
}

// Notifier is told about accepted changes after a batch completes.
type Notifier interface {
	Notify(ctx context.Context, change Change)
}

// HandlerConfig describes the dependencies of a Handler.
type HandlerConfig struct {
	Resolver   AccessResolver
	Dispatcher *Dispatcher
	Events     *events.Log
	Notifier   Notifier
	Logger     *zap.Logger
}

// Handler is the single entry point for a batch of mutations from one caller.
type Handler struct {
	resolver   AccessResolver
	dispatcher *Dispatcher
	events     *events.Log
	notifier   Notifier
	logger     *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Resolver == nil {
		return nil, newServiceError(opHandlerNew, reasonMissingResolver, errMissingResolver)
	}
	if cfg.Dispatcher == nil {
		return nil, newServiceError(opHandlerNew, reasonMissingDispatch, errMissingDispatch)
	}
	if cfg.Events == nil {
		return nil, newServiceError(opHandlerNew, reasonMissingEvents, errMissingEvents)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Handler{
		resolver:   cfg.Resolver,
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		notifier:   cfg.Notifier,
		logger:     logger,
	}, nil
}

// Handle applies mutations in order and returns one result per mutation plus the latest
// global sequence. Only an unresolvable caller fails the whole batch.
func (h *Handler) Handle(ctx context.Context, callerID string, mutations []entities.Mutation) (entities.PushResponse, error) {
	resolution, err := h.resolver.Resolve(ctx, callerID)
	if err != nil {
		h.logError(reasonResolveFailed, err, zap.String("user_id", callerID))
		return entities.PushResponse{}, newServiceError(opHandle, reasonResolveFailed, err)
	}
	if resolution.CallerID == "" {
		return entities.PushResponse{}, newServiceError(opHandle, reasonIdentityNotFound, ErrIdentityNotFound)
	}

	response := entities.PushResponse{Results: make([]entities.MutationResult, 0, len(mutations))}
	change := Change{ActorID: resolution.CallerID}
	touched := map[int64]struct{}{}
	for _, mutation := range mutations {
		outcome := h.dispatcher.Dispatch(ctx, resolution, mutation)
		response.Results = append(response.Results, outcome.Result)
		if outcome.Event == nil {
			continue
		}
		if outcome.Event.BabyID != nil {
			touched[*outcome.Event.BabyID] = struct{}{}
		} else {
			change.Catalog = true
		}
	}

	latest, err := h.events.LatestGlobalSequence(ctx)
	if err != nil {
		h.logError(reasonCursorFailed, err, zap.String("user_id", callerID))
	} else {
		response.NewCursor = latest
	}

	if h.notifier != nil && (len(touched) > 0 || change.Catalog) && latest != nil {
		for babyID := range touched {
			change.BabyIDs = append(change.BabyIDs, babyID)
		}
		sort.Slice(change.BabyIDs, func(i, j int) bool { return change.BabyIDs[i] < change.BabyIDs[j] })
		change.Sequence = *latest
		h.notifier.Notify(ctx, change)
	}

	h.logger.Debug("push batch handled",
		zap.String("user_id", callerID),
		zap.Int("mutations", len(mutations)))
	return response, nil
}

func (h *Handler) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opHandle),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	h.logger.Error("push handler error", attrs...)
}
