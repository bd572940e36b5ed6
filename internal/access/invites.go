package access

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateInvite   = "access.create_invite"
	opAcceptInvite   = "access.accept_invite"
	reasonNotOwner   = "not_owner"
	reasonBadInvite  = "invalid_invite"
	reasonCursorRead = "cursor_failed"
)

var (
	// ErrNotOwner is returned when a non-owner tries to manage caregivers.
	ErrNotOwner = errors.New("access: owner access required")
	// ErrBabyArchived is returned when accepting an invite for an archived profile.
	ErrBabyArchived = errors.New("access: baby profile archived")
)

// Sequencer yields the starting cursor handed to a newly granted caregiver.
type Sequencer interface {
	LatestSequenceForBaby(ctx context.Context, babyID int64) (*int64, error)
}

// InviteService issues invites and turns accepted invites into access records.
type InviteService struct {
	resolver  *Resolver
	issuer    *auth.InviteIssuer
	sequencer Sequencer
	logger    *zap.Logger
}

// InviteServiceConfig describes the dependencies of an InviteService.
type InviteServiceConfig struct {
	Resolver  *Resolver
	Issuer    *auth.InviteIssuer
	Sequencer Sequencer
	Logger    *zap.Logger
}

// Invite is a freshly issued invite token.
type Invite struct {
	Token       string    `json:"token"`
	BabyID      int64     `json:"babyId"`
	AccessLevel Level     `json:"accessLevel"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Acceptance reports the grant produced by an accepted invite.
// Cursor is the baby's latest sequence at grant time; earlier history is not replayed.
type Acceptance struct {
	BabyID      int64  `json:"babyId"`
	AccessLevel Level  `json:"accessLevel"`
	Cursor      *int64 `json:"cursor"`
}

// NewInviteService constructs an InviteService.
func NewInviteService(cfg InviteServiceConfig) *InviteService {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &InviteService{resolver: cfg.Resolver, issuer: cfg.Issuer, sequencer: cfg.Sequencer, logger: logger}
}

// CreateInvite issues an invite on babyID. Only owners may invite.
func (s *InviteService) CreateInvite(ctx context.Context, inviterID string, babyID int64, level Level) (Invite, error) {
	current, err := s.resolver.LevelFor(ctx, inviterID, babyID)
	if errors.Is(err, ErrNoAccess) || (err == nil && current != LevelOwner) {
		return Invite{}, newServiceError(opCreateInvite, reasonNotOwner, ErrNotOwner)
	}
	if err != nil {
		return Invite{}, err
	}
	if level.rank() == 0 {
		return Invite{}, newServiceError(opCreateInvite, reasonInvalidLevel, ErrInvalidLevel)
	}
	token, expiresAt, err := s.issuer.Issue(inviterID, babyID, string(level))
	if err != nil {
		return Invite{}, newServiceError(opCreateInvite, reasonBadInvite, err)
	}
	s.logger.Info("caregiver invite issued",
		zap.String("user_id", inviterID),
		zap.Int64("baby_id", babyID),
		zap.String("access_level", string(level)))
	return Invite{Token: token, BabyID: babyID, AccessLevel: level, ExpiresAt: expiresAt}, nil
}

// AcceptInvite validates token and grants its access to callerID.
func (s *InviteService) AcceptInvite(ctx context.Context, callerID string, token string) (Acceptance, error) {
	claims, err := s.issuer.Validate(token)
	if err != nil {
		return Acceptance{}, newServiceError(opAcceptInvite, reasonBadInvite, err)
	}
	level, err := ParseLevel(claims.AccessLevel)
	if err != nil {
		return Acceptance{}, newServiceError(opAcceptInvite, reasonBadInvite, err)
	}

	cursor, err := s.sequencer.LatestSequenceForBaby(ctx, claims.BabyID)
	if err != nil {
		return Acceptance{}, newServiceError(opAcceptInvite, reasonCursorRead, err)
	}
	var grantedAt int64
	if cursor != nil {
		grantedAt = *cursor
	}

	var record Record
	err = s.resolver.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var archived int64
		if err := tx.Table("babies").
			Where("id = ? AND archived_at_ms IS NOT NULL", claims.BabyID).
			Count(&archived).Error; err != nil {
			return err
		}
		if archived > 0 {
			return ErrBabyArchived
		}
		granted, grantErr := s.resolver.Grant(ctx, tx, callerID, claims.BabyID, level, grantedAt)
		record = granted
		return grantErr
	})
	if err != nil {
		if errors.Is(err, ErrBabyArchived) {
			return Acceptance{}, newServiceError(opAcceptInvite, reasonBadInvite, err)
		}
		return Acceptance{}, err
	}
	s.logger.Info("caregiver invite accepted",
		zap.String("user_id", callerID),
		zap.Int64("baby_id", claims.BabyID),
		zap.String("access_level", string(record.Level)))
	return Acceptance{BabyID: claims.BabyID, AccessLevel: record.Level, Cursor: cursor}, nil
}

// RemoveCaregiver revokes targetID's access on babyID on behalf of ownerID.
func (s *InviteService) RemoveCaregiver(ctx context.Context, ownerID string, babyID int64, targetID string) error {
	current, err := s.resolver.LevelFor(ctx, ownerID, babyID)
	if errors.Is(err, ErrNoAccess) || (err == nil && current != LevelOwner) {
		return newServiceError(opRevoke, reasonNotOwner, ErrNotOwner)
	}
	if err != nil {
		return err
	}
	return s.resolver.Revoke(ctx, targetID, babyID)
}

// Roster lists caregivers on babyID for any caller holding access to it.
func (s *InviteService) Roster(ctx context.Context, callerID string, babyID int64) ([]Record, error) {
	if _, err := s.resolver.LevelFor(ctx, callerID, babyID); err != nil {
		return nil, err
	}
	return s.resolver.ListForBaby(ctx, babyID)
}
