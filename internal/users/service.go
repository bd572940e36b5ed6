package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/auth"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// NewID mints canonical caregiver ids. Defaults to random UUIDs.
	NewID func() string
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() string
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{db: cfg.Database, now: clock, newID: newID}, nil
}

// ResolveCanonicalUserID returns the canonical caregiver id for the session claims, creating
// the identity mapping and the caregiver row the first time a login is seen.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if canonical, ok := cached.(string); ok {
			return canonical, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			identity = Identity{
				Provider:    provider,
				Subject:     subject,
				UserID:      s.newID(),
				Email:       normalize(claims.UserEmail),
				DisplayName: normalize(claims.UserDisplayName),
				LastSeenAt:  s.now(),
			}
			if err := tx.Create(&identity).Error; err != nil {
				return err
			}
		case lookupErr != nil:
			return lookupErr
		default:
			updates := map[string]interface{}{"last_seen_at": s.now()}
			if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
				updates["user_email"] = email
			}
			if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
				updates["user_display_name"] = display
			}
			if err := tx.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		user := User{ID: identity.UserID, DisplayName: normalize(claims.UserDisplayName)}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error
	})
	if err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// UserExists reports whether a caregiver record exists for userID.
func (s *Service) UserExists(ctx context.Context, userID string) (bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return false, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AssignDefaultBaby records babyID as the caregiver's default profile when none is set yet.
// It runs on tx so the assignment commits with the profile that triggered it.
func AssignDefaultBaby(tx *gorm.DB, userID string, babyID int64) error {
	return tx.Model(&User{}).
		Where("id = ? AND default_baby_id IS NULL", userID).
		Update("default_baby_id", babyID).Error
}

// DefaultBaby returns the caregiver's default profile id, nil when unset.
func (s *Service) DefaultBaby(ctx context.Context, userID string) (*int64, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user.DefaultBabyID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found && normalize(prefix) != "" && normalize(rest) != "" {
			provider = normalize(prefix)
			subject = normalize(rest)
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}
