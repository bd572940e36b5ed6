package push

import (
	"context"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/users"
	"gorm.io/gorm"
)

// scope selects how a kind's rows are grouped and authorised.
type scope int

const (
	scopeProfile scope = iota
	scopeBaby
	scopeUser
)

// kind describes one entity kind to the generic processor. R is the row pointer type and P
// the typed payload decoded from the mutation.
type kind[P entities.Payload, R entities.Record] struct {
	entityType entities.Type
	scope      scope
	newRow     func() R
	build      func(payload P, mc *mutationContext) R
	patch      func(payload P, row R)
	// archive turns a delete into a soft delete. It reports false when the row is already archived.
	archive     func(row R, millis int64) bool
	hidden      func(row R) bool
	afterCreate func(ctx context.Context, tx *gorm.DB, mc *mutationContext, row R) error
	notFound    string
}

type logPayload[R entities.Record] interface {
	entities.Payload
	Build(base entities.LogBase) R
	Patch(row R)
}

type catalogPayload[R entities.Record] interface {
	entities.Payload
	Build(base entities.CatalogBase) R
	Patch(row R)
}

func logKind[P logPayload[R], R entities.Record](entityType entities.Type, newRow func() R) *kind[P, R] {
	return &kind[P, R]{
		entityType: entityType,
		scope:      scopeBaby,
		newRow:     newRow,
		build: func(payload P, mc *mutationContext) R {
			return payload.Build(entities.LogBase{
				ID:        mc.mutation.EntityID,
				BabyID:    mc.subjectBabyID,
				CreatedBy: mc.actorID,
			})
		},
		patch:    func(payload P, row R) { payload.Patch(row) },
		notFound: msgEntityNotFound,
	}
}

func catalogKind[P catalogPayload[R], R entities.Record](entityType entities.Type, newRow func() R) *kind[P, R] {
	return &kind[P, R]{
		entityType: entityType,
		scope:      scopeUser,
		newRow:     newRow,
		build: func(payload P, mc *mutationContext) R {
			return payload.Build(entities.CatalogBase{ID: mc.mutation.EntityID, UserID: mc.actorID})
		},
		patch:    func(payload P, row R) { payload.Patch(row) },
		notFound: msgEntityNotFound,
	}
}

func profileKind(granter Granter) *kind[entities.ProfilePayload, *entities.Baby] {
	return &kind[entities.ProfilePayload, *entities.Baby]{
		entityType: entities.TypeProfile,
		scope:      scopeProfile,
		newRow:     func() *entities.Baby { return new(entities.Baby) },
		build: func(payload entities.ProfilePayload, mc *mutationContext) *entities.Baby {
			return payload.Build(mc.actorID)
		},
		patch: func(payload entities.ProfilePayload, row *entities.Baby) { payload.Patch(row) },
		archive: func(row *entities.Baby, millis int64) bool {
			if row.Archived() {
				return false
			}
			row.ArchivedAtMillis = &millis
			return true
		},
		hidden: func(row *entities.Baby) bool { return row.Archived() },
		afterCreate: func(ctx context.Context, tx *gorm.DB, mc *mutationContext, row *entities.Baby) error {
			if _, err := granter.Grant(ctx, tx, mc.actorID, row.ID, access.LevelOwner, 0); err != nil {
				return err
			}
			return users.AssignDefaultBaby(tx, mc.actorID, row.ID)
		},
		notFound: msgBabyNotFound,
	}
}

// defaultProcessors registers every entity kind the engine understands.
func defaultProcessors(granter Granter) map[entities.Type]processor {
	kinds := []processor{
		profileKind(granter),
		logKind[entities.FeedLogPayload](entities.TypeFeedLog, func() *entities.FeedLog { return new(entities.FeedLog) }),
		logKind[entities.SleepLogPayload](entities.TypeSleepLog, func() *entities.SleepLog { return new(entities.SleepLog) }),
		logKind[entities.NappyLogPayload](entities.TypeNappyLog, func() *entities.NappyLog { return new(entities.NappyLog) }),
		logKind[entities.SolidsLogPayload](entities.TypeSolidsLog, func() *entities.SolidsLog { return new(entities.SolidsLog) }),
		logKind[entities.GrowthLogPayload](entities.TypeGrowthLog, func() *entities.GrowthLog { return new(entities.GrowthLog) }),
		logKind[entities.BathLogPayload](entities.TypeBathLog, func() *entities.BathLog { return new(entities.BathLog) }),
		logKind[entities.MedicationLogPayload](entities.TypeMedicationLog, func() *entities.MedicationLog { return new(entities.MedicationLog) }),
		logKind[entities.PumpingLogPayload](entities.TypePumpingLog, func() *entities.PumpingLog { return new(entities.PumpingLog) }),
		logKind[entities.ActivityLogPayload](entities.TypeActivityLog, func() *entities.ActivityLog { return new(entities.ActivityLog) }),
		catalogKind[entities.FoodTypePayload](entities.TypeFoodType, func() *entities.FoodType { return new(entities.FoodType) }),
		catalogKind[entities.MedicationTypePayload](entities.TypeMedicationType, func() *entities.MedicationType { return new(entities.MedicationType) }),
	}
	registry := make(map[entities.Type]processor, len(kinds))
	for _, k := range kinds {
		registry[k.kindType()] = k
	}
	return registry
}
