package push

import (
	"context"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type panickingProcessor struct{}

func (panickingProcessor) kindType() entities.Type { return "exploding_log" }

func (panickingProcessor) prepare(entities.Mutation) (prepared, string) {
	return panickingPrepared{}, ""
}

type panickingPrepared struct{}

func (panickingPrepared) subject(context.Context, *gorm.DB) (int64, bool, bool, error) {
	return 0, false, true, nil
}

func (panickingPrepared) apply(context.Context, *gorm.DB, *mutationContext) (applied, error) {
	panic("processor exploded")
}

func TestDispatchRecoversFromProcessorPanic(t *testing.T) {
	h := newHarness(t, "alice")
	core, logs := observer.New(zap.ErrorLevel)
	h.handler.dispatcher.logger = zap.New(core)
	h.handler.dispatcher.processors["exploding_log"] = panickingProcessor{}

	outcome := h.handler.dispatcher.Dispatch(context.Background(), access.Resolution{CallerID: "alice", Editable: access.IDSet{}},
		entities.Mutation{MutationID: "boom", EntityType: "exploding_log", EntityID: "x", Op: entities.OpCreate})
	if outcome.Result.Status != entities.StatusError || outcome.Result.Error != "processor exploded" {
		t.Fatalf("expected recovered error result, got %+v", outcome.Result)
	}
	if logs.FilterField(zap.String("reason", reasonPanic)).Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestDispatchRejectsUnknownOperation(t *testing.T) {
	h := newHarness(t, "alice")
	outcome := h.handler.dispatcher.Dispatch(context.Background(), access.Resolution{CallerID: "alice"},
		entities.Mutation{MutationID: "u", EntityType: entities.TypeFeedLog, EntityID: "f", Op: "upsert"})
	if outcome.Result.Error != "Unknown operation: upsert" {
		t.Fatalf("unexpected result %+v", outcome.Result)
	}
}

func TestDispatchRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, "alice")
	outcome := h.handler.dispatcher.Dispatch(context.Background(), access.Resolution{CallerID: "alice"},
		entities.Mutation{MutationID: "bad", EntityType: entities.TypeFeedLog, EntityID: "f", Op: entities.OpCreate, Payload: []byte(`{"amountMl":"lots"}`)})
	if outcome.Result.Status != entities.StatusError || len(outcome.Result.Error) < len(msgInvalidPayload) || outcome.Result.Error[:len(msgInvalidPayload)] != msgInvalidPayload {
		t.Fatalf("expected invalid payload error, got %+v", outcome.Result)
	}
}

func TestDispatchUpdateOfMissingLogIsNotFound(t *testing.T) {
	h := newHarness(t, "alice")
	outcome := h.handler.dispatcher.Dispatch(context.Background(), access.Resolution{CallerID: "alice"},
		entities.Mutation{MutationID: "u", EntityType: entities.TypeFeedLog, EntityID: "missing", Op: entities.OpUpdate, Payload: []byte(`{"notes":"x"}`)})
	if outcome.Result.Error != msgEntityNotFound {
		t.Fatalf("unexpected result %+v", outcome.Result)
	}
}

func TestEveryKindDecodesThroughSharedPayloadBoundary(t *testing.T) {
	for entityType, proc := range defaultProcessors(nil) {
		entityID := "row-1"
		if entityType == entities.TypeProfile {
			entityID = "1"
		}
		deletion := entities.Mutation{MutationID: "m", EntityType: entityType, EntityID: entityID, Op: entities.OpDelete}
		if _, message := proc.prepare(deletion); message != "" {
			t.Fatalf("%s: expected delete to decode, got %q", entityType, message)
		}

		update := deletion
		update.Op = entities.OpUpdate
		update.Payload = []byte(`{"updatedAt":"yesterday"}`)
		_, message := proc.prepare(update)
		_, decodeErr := entities.DecodePayload(entityType, entities.OpUpdate, update.Payload)
		if decodeErr == nil || message != msgInvalidPayload+strings.TrimPrefix(decodeErr.Error(), entities.ErrInvalidPayload.Error()+": ") {
			t.Fatalf("%s: expected processor to report the decoder's rejection, got %q (decoder: %v)", entityType, message, decodeErr)
		}
	}
}
