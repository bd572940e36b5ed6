package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultInviteTTL = 72 * time.Hour
	inviteAudience   = "cradle-invite"
)

var (
	ErrMissingInviteSecret = errors.New("invite issuer: signing secret required")
	ErrInvalidInvite       = errors.New("invite issuer: invalid invite")
	ErrExpiredInvite       = errors.New("invite issuer: invite expired")
)

// InviteClaims grant the bearer access to one baby at the stated level.
type InviteClaims struct {
	BabyID      int64  `json:"baby_id"`
	AccessLevel string `json:"access_level"`
	jwt.RegisteredClaims
}

// InviteIssuerConfig configures invite token signing.
type InviteIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// InviteIssuer signs and validates caregiver invites.
type InviteIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewInviteIssuer constructs an InviteIssuer.
func NewInviteIssuer(cfg InviteIssuerConfig) (*InviteIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingInviteSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &InviteIssuer{
		secret: append([]byte(nil), cfg.SigningSecret...),
		issuer: strings.TrimSpace(cfg.Issuer),
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue signs an invite created by inviterID and returns the token with its expiry.
func (i *InviteIssuer) Issue(inviterID string, babyID int64, accessLevel string) (string, time.Time, error) {
	if babyID <= 0 || strings.TrimSpace(accessLevel) == "" {
		return "", time.Time{}, ErrInvalidInvite
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := InviteClaims{
		BabyID:      babyID,
		AccessLevel: accessLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   inviterID,
			Audience:  jwt.ClaimStrings{inviteAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate parses an invite token and returns its claims.
func (i *InviteIssuer) Validate(tokenString string) (InviteClaims, error) {
	claims := &InviteClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithAudience(inviteAudience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return InviteClaims{}, ErrExpiredInvite
	}
	if err != nil {
		return InviteClaims{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if claims.BabyID <= 0 || claims.AccessLevel == "" {
		return InviteClaims{}, ErrInvalidInvite
	}
	return *claims, nil
}

// BabyKey renders the invite's baby id as a path segment.
func (c InviteClaims) BabyKey() string {
	return strconv.FormatInt(c.BabyID, 10)
}
