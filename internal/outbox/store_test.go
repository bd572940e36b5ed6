package outbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "outbox.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	current := time.UnixMilli(1_700_000_000_000).UTC()
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			current = current.Add(time.Millisecond)
			return current
		},
	})
	require.NoError(t, err)
	return store
}

func testMutation(id string) entities.Mutation {
	return entities.Mutation{
		MutationID: id,
		EntityType: entities.TypeFeedLog,
		EntityID:   "feed-" + id,
		Op:         entities.OpCreate,
		Payload:    json.RawMessage(`{"babyId":1,"startedAt":1700000000000,"method":"bottle"}`),
	}
}

func TestEnqueueIsIdempotentPerMutationID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.Enqueue(ctx, testMutation("m-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)

	changed := testMutation("m-1")
	changed.EntityID = "other"
	second, err := store.Enqueue(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, first.CreatedAtMillis, second.CreatedAtMillis)

	pending, err := store.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestEnqueueRejectsIncompleteMutation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Enqueue(context.Background(), entities.Mutation{EntityType: entities.TypeFeedLog, EntityID: "x", Op: entities.OpCreate})
	require.ErrorIs(t, err, ErrInvalidMutation)

	bad := testMutation("m-2")
	bad.Op = "upsert"
	_, err = store.Enqueue(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidMutation)
}

func TestEnqueueDefaultsEmptyPayload(t *testing.T) {
	store := newTestStore(t)
	mutation := testMutation("m-1")
	mutation.Op = entities.OpDelete
	mutation.Payload = nil

	entry, err := store.Enqueue(context.Background(), mutation)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(entry.Mutation().Payload))
}

func TestPendingEntriesOldestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := store.Enqueue(ctx, testMutation(id))
		require.NoError(t, err)
	}

	pending, err := store.PendingEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c", pending[0].MutationID)
	assert.Equal(t, "a", pending[1].MutationID)
}

func TestMarkResultTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, id := range []string{"ok", "conflict", "error"} {
		_, err := store.Enqueue(ctx, testMutation(id))
		require.NoError(t, err)
	}

	require.NoError(t, store.MarkResult(ctx, entities.MutationResult{MutationID: "ok", Status: entities.StatusSuccess}))
	require.NoError(t, store.MarkResult(ctx, entities.MutationResult{
		MutationID: "conflict",
		Status:     entities.StatusConflict,
		ServerData: json.RawMessage(`{"id":"feed-conflict"}`),
	}))
	require.NoError(t, store.MarkResult(ctx, entities.MutationResult{MutationID: "error", Status: entities.StatusError, Error: "Access denied to this baby"}))

	synced, err := store.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, synced.Status)
	require.NotNil(t, synced.LastAttemptAtMillis)

	conflicted, err := store.Get(ctx, "conflict")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, conflicted.Status)
	assert.JSONEq(t, `{"id":"feed-conflict"}`, string(conflicted.ServerData()))

	failed, err := store.Get(ctx, "error")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "Access denied to this baby", *failed.ErrorMessage)

	pending, err := store.PendingEntries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.MarkResult(ctx, entities.MutationResult{MutationID: "missing", Status: entities.StatusSuccess})
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRetryPruneAndResolve(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, id := range []string{"ok", "conflict", "error"} {
		_, err := store.Enqueue(ctx, testMutation(id))
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkResult(ctx, entities.MutationResult{MutationID: "ok", Status: entities.StatusSuccess}))
	require.NoError(t, store.MarkResult(ctx, entities.MutationResult{MutationID: "conflict", Status: entities.StatusConflict}))
	require.NoError(t, store.MarkResult(ctx, entities.MutationResult{MutationID: "error", Status: entities.StatusError, Error: "boom"}))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusSynced])
	assert.Equal(t, int64(1), counts[StatusConflict])
	assert.Equal(t, int64(1), counts[StatusFailed])
	assert.Equal(t, int64(0), counts[StatusPending])

	retried, err := store.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retried)
	pending, err := store.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "error", pending[0].MutationID)
	assert.Nil(t, pending[0].ErrorMessage)

	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
	_, err = store.Get(ctx, "ok")
	require.ErrorIs(t, err, ErrEntryNotFound)

	conflicts, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, store.Resolve(ctx, "conflict"))
	require.ErrorIs(t, store.Resolve(ctx, "conflict"), ErrEntryNotFound)
	require.ErrorIs(t, store.Resolve(ctx, "error"), ErrEntryNotFound)
}

func TestSyncState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	value, err := store.GetState(ctx, StateServerSequence, "0")
	require.NoError(t, err)
	assert.Equal(t, "0", value)

	require.NoError(t, store.SetState(ctx, StateServerSequence, "12"))
	require.NoError(t, store.SetState(ctx, StateServerSequence, "15"))
	value, err = store.GetState(ctx, StateServerSequence, "0")
	require.NoError(t, err)
	assert.Equal(t, "15", value)
}
