package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opResolverNew      = "access.new"
	opResolve          = "access.resolve"
	opGrant            = "access.grant"
	opRevoke           = "access.revoke"
	opListForBaby      = "access.list_for_baby"
	opLevelFor         = "access.level_for"
	opHoldersOf        = "access.holders_of"
	reasonMissingDB    = "missing_database"
	reasonMissingUsers = "missing_identity_lookup"
	reasonLookupFailed = "identity_lookup_failed"
	reasonQueryFailed  = "query_failed"
	reasonWriteFailed  = "write_failed"
	reasonLastOwner    = "last_owner"
	reasonInvalidLevel = "invalid_level"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingLookup   = errors.New("identity lookup is required")
	// ErrLastOwner prevents a baby from losing its only owner.
	ErrLastOwner = errors.New("access: cannot remove the last owner")
	// ErrNoAccess indicates the user holds no record on the baby.
	ErrNoAccess = errors.New("access: no access record")
	noOpLogger  = zap.NewNop()
)

// ServiceError mirrors the dotted operation.reason codes used across the backend.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// IdentityLookup reports whether a canonical caregiver record exists.
type IdentityLookup interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Database *gorm.DB
	Users    IdentityLookup
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver computes caller access and maintains access records.
type Resolver struct {
	db     *gorm.DB
	users  IdentityLookup
	clock  func() time.Time
	logger *zap.Logger
}

// Resolution is the access snapshot taken once per push request.
// An empty CallerID means the caller has no caregiver record.
type Resolution struct {
	CallerID string
	Editable IDSet
	// Readable maps every baby the caller holds any tier on to the sequence at which access was granted.
	Readable map[int64]int64
}

// CanEdit reports whether babyID is in the caller's editable set.
func (r Resolution) CanEdit(babyID int64) bool {
	return r.Editable.Has(babyID)
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opResolverNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opResolverNew, reasonMissingUsers, errMissingLookup)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{db: cfg.Database, users: cfg.Users, clock: clock, logger: logger}, nil
}

// Resolve loads the caller's access records.
func (r *Resolver) Resolve(ctx context.Context, callerID string) (Resolution, error) {
	resolution := Resolution{Editable: IDSet{}, Readable: map[int64]int64{}}
	exists, err := r.users.UserExists(ctx, callerID)
	if err != nil {
		r.logError(opResolve, reasonLookupFailed, err, zap.String("user_id", callerID))
		return resolution, newServiceError(opResolve, reasonLookupFailed, err)
	}
	if !exists {
		return resolution, nil
	}
	resolution.CallerID = callerID

	var records []Record
	if err := r.db.WithContext(ctx).Where("user_id = ?", callerID).Find(&records).Error; err != nil {
		r.logError(opResolve, reasonQueryFailed, err, zap.String("user_id", callerID))
		return resolution, newServiceError(opResolve, reasonQueryFailed, err)
	}
	for _, record := range records {
		resolution.Readable[record.BabyID] = record.GrantedAtSequence
		if record.Level.CanEdit() {
			resolution.Editable.Add(record.BabyID)
		}
	}
	return resolution, nil
}

// Grant creates or upgrades a record on tx. Owners are never downgraded, and an existing
// record keeps its original grantedAtSequence.
func (r *Resolver) Grant(ctx context.Context, tx *gorm.DB, userID string, babyID int64, level Level, grantedAtSequence int64) (Record, error) {
	if level.rank() == 0 {
		return Record{}, newServiceError(opGrant, reasonInvalidLevel, ErrInvalidLevel)
	}
	db := tx
	if db == nil {
		db = r.db
	}
	now := r.clock().UTC().UnixMilli()

	var record Record
	err := db.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		lookupErr := inner.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND baby_id = ?", userID, babyID).
			Take(&record).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			record = Record{
				UserID:            userID,
				BabyID:            babyID,
				Level:             level,
				GrantedAtSequence: grantedAtSequence,
				CreatedAtMillis:   now,
				UpdatedAtMillis:   now,
			}
			return inner.Create(&record).Error
		}
		if lookupErr != nil {
			return lookupErr
		}
		if level.rank() <= record.Level.rank() {
			return nil
		}
		record.Level = level
		record.UpdatedAtMillis = now
		return inner.Model(&Record{}).
			Where("user_id = ? AND baby_id = ?", userID, babyID).
			Updates(map[string]any{"access_level": level, "updated_at_ms": now}).Error
	})
	if err != nil {
		r.logError(opGrant, reasonWriteFailed, err, zap.String("user_id", userID), zap.Int64("baby_id", babyID))
		return Record{}, newServiceError(opGrant, reasonWriteFailed, err)
	}
	return record, nil
}

// Revoke removes userID's record on babyID, refusing to remove the last owner.
func (r *Resolver) Revoke(ctx context.Context, userID string, babyID int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND baby_id = ?", userID, babyID).
			Take(&record).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return ErrNoAccess
		}
		if lookupErr != nil {
			return lookupErr
		}
		if record.Level == LevelOwner {
			var owners int64
			if err := tx.Model(&Record{}).
				Where("baby_id = ? AND access_level = ?", babyID, LevelOwner).
				Count(&owners).Error; err != nil {
				return err
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		return tx.Where("user_id = ? AND baby_id = ?", userID, babyID).Delete(&Record{}).Error
	})
	switch {
	case errors.Is(err, ErrLastOwner):
		return newServiceError(opRevoke, reasonLastOwner, err)
	case errors.Is(err, ErrNoAccess):
		return err
	case err != nil:
		r.logError(opRevoke, reasonWriteFailed, err, zap.String("user_id", userID), zap.Int64("baby_id", babyID))
		return newServiceError(opRevoke, reasonWriteFailed, err)
	}
	return nil
}

// LevelFor returns userID's tier on babyID, or ErrNoAccess.
func (r *Resolver) LevelFor(ctx context.Context, userID string, babyID int64) (Level, error) {
	var record Record
	err := r.db.WithContext(ctx).Where("user_id = ? AND baby_id = ?", userID, babyID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoAccess
	}
	if err != nil {
		r.logError(opLevelFor, reasonQueryFailed, err, zap.String("user_id", userID), zap.Int64("baby_id", babyID))
		return "", newServiceError(opLevelFor, reasonQueryFailed, err)
	}
	return record.Level, nil
}

// ListForBaby returns the caregiver roster of babyID ordered by user id.
func (r *Resolver) ListForBaby(ctx context.Context, babyID int64) ([]Record, error) {
	var records []Record
	if err := r.db.WithContext(ctx).Where("baby_id = ?", babyID).Order("user_id ASC").Find(&records).Error; err != nil {
		r.logError(opListForBaby, reasonQueryFailed, err, zap.Int64("baby_id", babyID))
		return nil, newServiceError(opListForBaby, reasonQueryFailed, err)
	}
	return records, nil
}

// HoldersOf returns the distinct users holding any tier on the given babies.
func (r *Resolver) HoldersOf(ctx context.Context, babyIDs []int64) ([]string, error) {
	if len(babyIDs) == 0 {
		return nil, nil
	}
	var userIDs []string
	if err := r.db.WithContext(ctx).Model(&Record{}).
		Where("baby_id IN ?", babyIDs).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		r.logError(opHoldersOf, reasonQueryFailed, err)
		return nil, newServiceError(opHoldersOf, reasonQueryFailed, err)
	}
	return userIDs, nil
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("access resolver error", attrs...)
}
