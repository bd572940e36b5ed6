package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Granter creates access records; the profile kind uses it to make the creator an owner.
type Granter interface {
	Grant(ctx context.Context, tx *gorm.DB, userID string, babyID int64, level access.Level, grantedAtSequence int64) (access.Record, error)
}

// mutationContext carries per-mutation state into a processor.
type mutationContext struct {
	mutation      entities.Mutation
	actorID       string
	access        access.Resolution
	subjectBabyID int64
	nowMillis     int64
	events        *events.Log
}

// applied is the outcome of one processor run. Event is set only when state changed.
type applied struct {
	result entities.MutationResult
	event  *events.Event
}

type processor interface {
	kindType() entities.Type
	prepare(m entities.Mutation) (prepared, string)
}

// prepared is a decoded, validated mutation bound to its kind.
type prepared interface {
	// subject returns the baby the mutation targets. needsCheck is false for kinds that skip
	// baby-level authorisation; found is false when no baby could be derived.
	subject(ctx context.Context, db *gorm.DB) (babyID int64, needsCheck bool, found bool, err error)
	apply(ctx context.Context, tx *gorm.DB, mc *mutationContext) (applied, error)
}

type preparedMutation[P entities.Payload, R entities.Record] struct {
	kind     *kind[P, R]
	mutation entities.Mutation
	payload  P
	babyKey  int64
}

func (k *kind[P, R]) kindType() entities.Type {
	return k.entityType
}

// prepare decodes and validates the payload. A non-empty message is the client-facing rejection.
func (k *kind[P, R]) prepare(m entities.Mutation) (prepared, string) {
	p := &preparedMutation[P, R]{kind: k, mutation: m}
	decoded, err := entities.DecodePayload(k.entityType, m.Op, m.Payload)
	if err != nil {
		return nil, msgInvalidPayload + strings.TrimPrefix(err.Error(), entities.ErrInvalidPayload.Error()+": ")
	}
	typed, ok := any(decoded).(*P)
	if !ok {
		return nil, fmt.Sprintf("%s%T does not match %s", msgInvalidPayload, decoded, k.entityType)
	}
	p.payload = *typed
	switch {
	case k.scope == scopeProfile && m.Op != entities.OpCreate:
		babyID, err := entities.ParseBabyID(m.EntityID)
		if err != nil {
			return nil, msgInvalidEntityID
		}
		p.babyKey = babyID.Int64()
	case k.scope != scopeProfile:
		if _, err := entities.ValidateEntityID(m.EntityID); err != nil {
			return nil, msgInvalidEntityID
		}
	}
	return p, ""
}

func (p *preparedMutation[P, R]) key() any {
	if p.kind.scope == scopeProfile {
		return p.babyKey
	}
	return p.mutation.EntityID
}

func (p *preparedMutation[P, R]) subject(ctx context.Context, db *gorm.DB) (int64, bool, bool, error) {
	switch p.kind.scope {
	case scopeUser:
		return 0, false, true, nil
	case scopeProfile:
		if p.mutation.Op == entities.OpCreate {
			return 0, false, true, nil
		}
		return p.babyKey, true, true, nil
	}

	if p.mutation.Op == entities.OpCreate {
		common := p.payload.Common()
		if common.BabyID == nil {
			return 0, true, false, nil
		}
		return common.BabyID.Int64(), true, true, nil
	}

	row := p.kind.newRow()
	err := db.WithContext(ctx).Where("id = ?", p.key()).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, true, false, nil
	}
	if err != nil {
		return 0, true, false, err
	}
	return row.Owner().BabyID, true, true, nil
}

func (p *preparedMutation[P, R]) apply(ctx context.Context, tx *gorm.DB, mc *mutationContext) (applied, error) {
	switch p.mutation.Op {
	case entities.OpCreate:
		return p.create(ctx, tx, mc)
	case entities.OpUpdate:
		return p.update(ctx, tx, mc)
	default:
		return p.remove(ctx, tx, mc)
	}
}

func (p *preparedMutation[P, R]) create(ctx context.Context, tx *gorm.DB, mc *mutationContext) (applied, error) {
	k := p.kind
	if k.scope == scopeProfile {
		if replay, ok, err := p.replayedProfileCreate(ctx, tx, mc); err != nil || ok {
			return replay, err
		}
	} else {
		existing, found, err := p.load(tx)
		if err != nil {
			return applied{}, err
		}
		if found {
			if existing.Owner() != p.expectedOwner(mc) {
				return failure(mc.mutation, msgEntityExists), nil
			}
			return success(mc.mutation, existing)
		}
	}

	row := k.build(p.payload, mc)
	stamp(row, mc.nowMillis)
	if err := tx.Create(row).Error; err != nil {
		return applied{}, err
	}
	if k.afterCreate != nil {
		if err := k.afterCreate(ctx, tx, mc, row); err != nil {
			return applied{}, err
		}
	}
	return p.record(ctx, mc, entities.OpCreate, row, true)
}

func (p *preparedMutation[P, R]) update(ctx context.Context, tx *gorm.DB, mc *mutationContext) (applied, error) {
	k := p.kind
	row, found, err := p.load(tx)
	if err != nil {
		return applied{}, err
	}
	if !found || !p.visible(row, mc) {
		return failure(mc.mutation, k.notFound), nil
	}
	if k.scope == scopeBaby && !mc.access.CanEdit(row.Owner().BabyID) {
		return failure(mc.mutation, msgAccessDenied), nil
	}

	if claimed := p.payload.Common().UpdatedAt; claimed != nil && claimed.Millis() > 0 {
		if stored := row.LastUpdated(); stored != 0 && stored > claimed.Millis() {
			serverData, err := json.Marshal(row)
			if err != nil {
				return applied{}, err
			}
			return applied{result: entities.MutationResult{
				MutationID: mc.mutation.MutationID,
				Status:     entities.StatusConflict,
				ServerData: serverData,
			}}, nil
		}
	}

	k.patch(p.payload, row)
	stamp(row, mc.nowMillis)
	if err := tx.Save(row).Error; err != nil {
		return applied{}, err
	}
	return p.record(ctx, mc, entities.OpUpdate, row, true)
}

func (p *preparedMutation[P, R]) remove(ctx context.Context, tx *gorm.DB, mc *mutationContext) (applied, error) {
	k := p.kind
	row, found, err := p.load(tx)
	if err != nil {
		return applied{}, err
	}
	if !found || (k.scope == scopeUser && row.Owner().UserID != mc.actorID) {
		return applied{result: entities.MutationResult{MutationID: mc.mutation.MutationID, Status: entities.StatusSuccess}}, nil
	}
	if k.scope == scopeBaby && !mc.access.CanEdit(row.Owner().BabyID) {
		return failure(mc.mutation, msgAccessDenied), nil
	}

	if k.archive != nil {
		if !k.archive(row, mc.nowMillis) {
			return success(mc.mutation, row)
		}
		stamp(row, mc.nowMillis)
		if err := tx.Save(row).Error; err != nil {
			return applied{}, err
		}
		return p.record(ctx, mc, entities.OpDelete, row, true)
	}

	if err := tx.Delete(row).Error; err != nil {
		return applied{}, err
	}
	return p.record(ctx, mc, entities.OpDelete, row, false)
}

// replayedProfileCreate detects a profile create that this actor already applied under the
// same mutation id and returns the stored row instead of creating a second profile.
func (p *preparedMutation[P, R]) replayedProfileCreate(ctx context.Context, tx *gorm.DB, mc *mutationContext) (applied, bool, error) {
	previous, err := mc.events.FindCreateByMutation(ctx, mc.mutation.MutationID, mc.actorID, p.kind.entityType)
	if err != nil || previous == nil {
		return applied{}, false, err
	}
	row := p.kind.newRow()
	lookupErr := tx.Where("id = ?", previous.EntityID).Take(row).Error
	if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return applied{result: entities.MutationResult{MutationID: mc.mutation.MutationID, Status: entities.StatusSuccess}}, true, nil
	}
	if lookupErr != nil {
		return applied{}, false, lookupErr
	}
	result, err := success(mc.mutation, row)
	return result, true, err
}

func (p *preparedMutation[P, R]) load(tx *gorm.DB) (R, bool, error) {
	row := p.kind.newRow()
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", p.key()).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, false, nil
	}
	if err != nil {
		return row, false, err
	}
	return row, true, nil
}

func (p *preparedMutation[P, R]) visible(row R, mc *mutationContext) bool {
	if p.kind.scope == scopeUser && row.Owner().UserID != mc.actorID {
		return false
	}
	if p.kind.hidden != nil && p.kind.hidden(row) {
		return false
	}
	return true
}

func (p *preparedMutation[P, R]) expectedOwner(mc *mutationContext) entities.Owner {
	if p.kind.scope == scopeUser {
		return entities.Owner{UserID: mc.actorID}
	}
	return entities.Owner{BabyID: mc.subjectBabyID}
}

// record appends the sync event for a state change and builds the success result.
func (p *preparedMutation[P, R]) record(ctx context.Context, mc *mutationContext, op entities.Op, row R, withPayload bool) (applied, error) {
	event := &events.Event{
		EntityType: p.kind.entityType.String(),
		EntityID:   row.RecordID(),
		Op:         string(op),
		MutationID: mc.mutation.MutationID,
		ActorID:    mc.actorID,
	}
	owner := row.Owner()
	if p.kind.scope == scopeUser {
		event.UserID = owner.UserID
	} else {
		babyID := owner.BabyID
		event.BabyID = &babyID
	}

	var serverData json.RawMessage
	if withPayload {
		encoded, err := json.Marshal(row)
		if err != nil {
			return applied{}, err
		}
		serverData = encoded
		payload := string(encoded)
		event.PayloadJSON = &payload
	}
	if _, err := mc.events.Append(ctx, event); err != nil {
		return applied{}, err
	}
	return applied{
		result: entities.MutationResult{
			MutationID: mc.mutation.MutationID,
			Status:     entities.StatusSuccess,
			ServerData: serverData,
		},
		event: event,
	}, nil
}

// stamp advances updatedAt strictly past the stored value.
func stamp(row entities.Record, nowMillis int64) {
	next := nowMillis
	if stored := row.LastUpdated(); stored >= next {
		next = stored + 1
	}
	row.Stamp(next)
}

func success(m entities.Mutation, row entities.Record) (applied, error) {
	serverData, err := json.Marshal(row)
	if err != nil {
		return applied{}, err
	}
	return applied{result: entities.MutationResult{
		MutationID: m.MutationID,
		Status:     entities.StatusSuccess,
		ServerData: serverData,
	}}, nil
}

func failure(m entities.Mutation, message string) applied {
	return applied{result: entities.MutationResult{
		MutationID: m.MutationID,
		Status:     entities.StatusError,
		Error:      message,
	}}
}
