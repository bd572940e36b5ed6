package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"go.uber.org/zap"
)

const defaultBatchSize = 200

var (
	// ErrMissingStore indicates the flusher was built without a store.
	ErrMissingStore = errors.New("outbox: store required")
	// ErrMissingTransport indicates the flusher was built without a pusher.
	ErrMissingTransport = errors.New("outbox: transport required")
	// ErrResultMismatch indicates the server returned a different number of results than mutations.
	ErrResultMismatch = errors.New("outbox: result count mismatch")
)

// ResultHandler observes each server outcome after it has been recorded.
type ResultHandler func(ctx context.Context, mutation entities.Mutation, result entities.MutationResult)

type FlusherConfig struct {
	Store       *Store
	Transport   Pusher
	BatchSize   int
	Retry       RetryConfig
	PruneSynced bool
	OnResult    ResultHandler
	Logger      *zap.Logger
}

// Report summarises one flush.
type Report struct {
	Sent      int
	Synced    int
	Conflicts int
	Failed    int
	Pruned    int64
}

// Flusher drains pending entries to the server in batches.
type Flusher struct {
	store       *Store
	transport   Pusher
	batchSize   int
	retry       RetryConfig
	pruneSynced bool
	onResult    ResultHandler
	logger      *zap.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		store:       cfg.Store,
		transport:   cfg.Transport,
		batchSize:   batchSize,
		retry:       retry,
		pruneSynced: cfg.PruneSynced,
		onResult:    cfg.OnResult,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
	}, nil
}

// Enqueue stores the mutation and schedules a flush without waiting for it.
func (f *Flusher) Enqueue(ctx context.Context, mutation entities.Mutation) (Entry, error) {
	entry, err := f.store.Enqueue(ctx, mutation)
	if err != nil {
		return Entry{}, err
	}
	f.Trigger()
	return entry, nil
}

// Trigger requests a flush. It never blocks; requests coalesce while one is queued.
func (f *Flusher) Trigger() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Run flushes whenever triggered until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.trigger:
			report, err := f.Flush(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				f.logger.Warn("outbox flush failed", zap.Error(err), zap.Int("sent", report.Sent))
				continue
			}
			if report.Sent > 0 {
				f.logger.Info("outbox flushed",
					zap.Int("sent", report.Sent),
					zap.Int("synced", report.Synced),
					zap.Int("conflicts", report.Conflicts),
					zap.Int("failed", report.Failed),
				)
			}
		}
	}
}

// Flush pushes pending entries until none remain. Transport failures leave the batch pending.
func (f *Flusher) Flush(ctx context.Context) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var report Report
	for {
		entries, err := f.store.PendingEntries(ctx, f.batchSize)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			break
		}

		mutations := make([]entities.Mutation, len(entries))
		for index, entry := range entries {
			mutations[index] = entry.Mutation()
		}
		response, err := WithRetry(ctx, f.retry, "push", func() (entities.PushResponse, error) {
			return f.transport.Push(ctx, mutations)
		})
		if err != nil {
			return report, err
		}
		if len(response.Results) != len(mutations) {
			return report, fmt.Errorf("%w: sent %d, received %d", ErrResultMismatch, len(mutations), len(response.Results))
		}
		report.Sent += len(mutations)

		for index, result := range response.Results {
			if result.MutationID == "" {
				result.MutationID = mutations[index].MutationID
			}
			if err := f.store.MarkResult(ctx, result); err != nil {
				return report, err
			}
			switch result.Status {
			case entities.StatusSuccess:
				report.Synced++
			case entities.StatusConflict:
				report.Conflicts++
				f.logger.Info("mutation conflicted",
					zap.String("mutation_id", result.MutationID),
					zap.String("entity_type", string(mutations[index].EntityType)),
					zap.String("entity_id", mutations[index].EntityID),
				)
			default:
				report.Failed++
				f.logger.Warn("mutation failed",
					zap.String("mutation_id", result.MutationID),
					zap.String("error", result.Error),
				)
			}
			if f.onResult != nil {
				f.onResult(ctx, mutations[index], result)
			}
		}

		if response.NewCursor != nil {
			if err := f.store.SetState(ctx, StateServerSequence, strconv.FormatInt(*response.NewCursor, 10)); err != nil {
				return report, err
			}
		}
		if len(entries) < f.batchSize {
			break
		}
	}

	if f.pruneSynced {
		pruned, err := f.store.Prune(ctx)
		if err != nil {
			return report, err
		}
		report.Pruned = pruned
	}
	return report, nil
}
