package localstate

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"go.uber.org/zap"
)

const defaultPullLimit = 500

// ErrMissingSource indicates the puller was built without an event source.
var ErrMissingSource = errors.New("localstate: event source required")

// EventSource fetches sync events after a cursor.
type EventSource interface {
	Pull(ctx context.Context, after int64, limit int) (entities.PullResponse, error)
}

type PullerConfig struct {
	State  *State
	Source EventSource
	Limit  int
	Logger *zap.Logger
}

// PullReport summarises one catch-up run.
type PullReport struct {
	Applied int
	Pages   int
	Cursor  int64
}

// Puller replays server events into the cache.
type Puller struct {
	state  *State
	source EventSource
	limit  int
	logger *zap.Logger
}

func NewPuller(cfg PullerConfig) (*Puller, error) {
	if cfg.State == nil {
		return nil, ErrMissingState
	}
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{state: cfg.State, source: cfg.Source, limit: limit, logger: logger}, nil
}

// Pull fetches pages until the server reports no more, advancing the cursor after each page.
func (p *Puller) Pull(ctx context.Context) (PullReport, error) {
	var report PullReport
	for {
		after := p.state.Cursor()
		page, err := p.source.Pull(ctx, after, p.limit)
		if err != nil {
			report.Cursor = p.state.Cursor()
			return report, err
		}
		report.Pages++

		next := after
		for _, event := range page.Events {
			if event.Sequence <= after {
				continue
			}
			if err := p.state.ApplyEvent(ctx, event); err != nil {
				report.Cursor = p.state.Cursor()
				return report, err
			}
			report.Applied++
			next = event.Sequence
		}
		if page.NextCursor != nil && *page.NextCursor > next {
			next = *page.NextCursor
		}
		if err := p.state.AdvanceCursor(ctx, next); err != nil {
			report.Cursor = p.state.Cursor()
			return report, err
		}
		if !page.HasMore || next <= after {
			break
		}
	}
	report.Cursor = p.state.Cursor()
	p.logger.Debug("pull complete", zap.Int("applied", report.Applied), zap.Int64("cursor", report.Cursor))
	return report, nil
}
