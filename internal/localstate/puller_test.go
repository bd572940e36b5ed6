package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pagedSource struct {
	events []entities.SyncEvent
	calls  []int64
	err    error
}

func (s *pagedSource) Pull(_ context.Context, after int64, limit int) (entities.PullResponse, error) {
	s.calls = append(s.calls, after)
	if s.err != nil {
		return entities.PullResponse{}, s.err
	}
	var page []entities.SyncEvent
	for _, event := range s.events {
		if event.Sequence > after && len(page) < limit {
			page = append(page, event)
		}
	}
	response := entities.PullResponse{Events: page}
	if len(page) > 0 {
		last := page[len(page)-1].Sequence
		response.NextCursor = &last
		response.HasMore = last < s.events[len(s.events)-1].Sequence
	}
	return response, nil
}

func feedEvent(sequence int64, id string, op entities.Op, payload string) entities.SyncEvent {
	babyID := int64(3)
	return entities.SyncEvent{
		Sequence:   sequence,
		BabyID:     &babyID,
		EntityType: entities.TypeFeedLog,
		EntityID:   id,
		Op:         op,
		Payload:    json.RawMessage(payload),
	}
}

func TestPullAppliesAllPagesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	state, _, _ := newTestState(t)
	source := &pagedSource{events: []entities.SyncEvent{
		feedEvent(1, "f-1", entities.OpCreate, `{"id":"f-1"}`),
		feedEvent(2, "f-2", entities.OpCreate, `{"id":"f-2"}`),
		feedEvent(5, "f-1", entities.OpDelete, `null`),
	}}
	puller, err := NewPuller(PullerConfig{State: state, Source: source, Limit: 2})
	require.NoError(t, err)

	report, err := puller.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, int64(5), report.Cursor)
	assert.Equal(t, []int64{0, 2}, source.calls)

	items := state.List(entities.TypeFeedLog)
	require.Len(t, items, 1)
	assert.Equal(t, "f-2", items[0].ID)

	report, err = puller.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)
	assert.Equal(t, int64(5), report.Cursor)
}

func TestPullKeepsCursorOnFailure(t *testing.T) {
	ctx := context.Background()
	state, _, _ := newTestState(t)
	require.NoError(t, state.AdvanceCursor(ctx, 7))
	puller, err := NewPuller(PullerConfig{State: state, Source: &pagedSource{err: errors.New("offline")}})
	require.NoError(t, err)

	report, err := puller.Pull(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(7), report.Cursor)
}
