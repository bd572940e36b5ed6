package push

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"github.com/MarcoPoloResearchLab/cradle/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testHarness struct {
	db       *gorm.DB
	events   *events.Log
	resolver *access.Resolver
	handler  *Handler
	now      time.Time
}

func newHarness(t *testing.T, callers ...string) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "push.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(entities.Models(), &events.Event{}, &access.Record{}, &users.User{}, &users.Identity{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	for _, caller := range callers {
		if err := db.Create(&users.User{ID: caller}).Error; err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}
	}

	h := &testHarness{db: db, now: time.UnixMilli(1_700_000_000_000)}
	clock := func() time.Time { return h.now }
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build users: %v", err)
	}
	h.events, err = events.NewLog(events.LogConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build log: %v", err)
	}
	h.resolver, err = access.NewResolver(access.ResolverConfig{Database: db, Users: userService, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	dispatcher, err := NewDispatcher(DispatcherConfig{Database: db, Events: h.events, Granter: h.resolver, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	h.handler, err = NewHandler(HandlerConfig{Resolver: h.resolver, Dispatcher: dispatcher, Events: h.events})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return h
}

func (h *testHarness) push(t *testing.T, caller string, mutations ...entities.Mutation) entities.PushResponse {
	t.Helper()
	response, err := h.handler.Handle(context.Background(), caller, mutations)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(response.Results) != len(mutations) {
		t.Fatalf("expected %d results, got %d", len(mutations), len(response.Results))
	}
	return response
}

func (h *testHarness) grant(t *testing.T, userID string, babyID int64, level access.Level) {
	t.Helper()
	if _, err := h.resolver.Grant(context.Background(), nil, userID, babyID, level, 0); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
}

func (h *testHarness) countEvents(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&events.Event{}).Count(&count).Error; err != nil {
		t.Fatalf("count events failed: %v", err)
	}
	return count
}

func (h *testHarness) createBaby(t *testing.T, owner string, name string) int64 {
	t.Helper()
	response := h.push(t, owner, mutation("create-"+name, entities.TypeProfile, "0", entities.OpCreate, map[string]any{"name": name}))
	result := response.Results[0]
	if result.Status != entities.StatusSuccess {
		t.Fatalf("profile create failed: %+v", result)
	}
	var baby entities.Baby
	if err := json.Unmarshal(result.ServerData, &baby); err != nil {
		t.Fatalf("failed to decode baby: %v", err)
	}
	return baby.ID
}

func mutation(id string, entityType entities.Type, entityID string, op entities.Op, payload map[string]any) entities.Mutation {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		raw = encoded
	}
	return entities.Mutation{MutationID: id, EntityType: entityType, EntityID: entityID, Op: op, Payload: raw}
}
