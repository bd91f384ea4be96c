package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/models"
)

// ErrInvalidToken is the single outcome for every access-token verification
// failure. Malformed, forged, expired and blacklisted tokens are
// indistinguishable to the caller.
var ErrInvalidToken = errors.New("invalid token")

// BlacklistStore is the persistence surface the verifier consults for
// revoked jtis and logout-all sentinels.
type BlacklistStore interface {
	Add(ctx context.Context, entry *models.BlacklistEntry) error
	AddLogoutAll(ctx context.Context, userID string, cutoff, expiresAt time.Time, reason string) error
	Contains(ctx context.Context, userID, jti string) (bool, error)
	LogoutAllCutoff(ctx context.Context, userID string) (time.Time, bool, error)
}

type Claims struct {
	Role string `json:"role,omitempty"`
	// IssuedAtNanos carries the issuance instant at full precision. The
	// registered iat claim is whole seconds, too coarse to order a token
	// against a logout-all cutoff from the same second.
	IssuedAtNanos int64 `json:"iat_ns,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and validates stateless HS256 access tokens. Validity
// is signature + expiry plus a blacklist lookup; nothing else is persisted
// per token.
type TokenService struct {
	secretKey    []byte
	accessExpiry time.Duration
	blacklist    BlacklistStore
	logger       *logrus.Logger
}

func NewTokenService(cfg *config.JWTConfig, blacklist BlacklistStore, logger *logrus.Logger) (*TokenService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	expiry := cfg.AccessExpiry
	if expiry < config.MinAccessTTL {
		expiry = config.MinAccessTTL
	}
	if expiry > config.MaxAccessTTL {
		expiry = config.MaxAccessTTL
	}

	return &TokenService{
		secretKey:    secretKey,
		accessExpiry: expiry,
		blacklist:    blacklist,
		logger:       logger,
	}, nil
}

func (s *TokenService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

// Issue signs a fresh access token for the user. The jti is unique per token
// so logout can blacklist this exact credential.
func (s *TokenService) Issue(userID, role string) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		Role:          role,
		IssuedAtNanos: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, claims, nil
}

// Verify parses and validates an access token. Fails closed: every reason
// collapses into ErrInvalidToken so no detail about why crosses the trust
// boundary. The jwt library compares HMAC signatures with hmac.Equal, which
// is constant-time in both content and length.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	blacklisted, err := s.blacklist.Contains(ctx, claims.Subject, claims.ID)
	if err != nil {
		s.logger.WithError(err).Error("Blacklist lookup failed")
		return nil, fmt.Errorf("blacklist lookup failed: %w", err)
	}
	if blacklisted {
		return nil, ErrInvalidToken
	}

	// A logout-all invalidates everything issued at or before its cutoff,
	// not just exact jti matches.
	cutoff, found, err := s.blacklist.LogoutAllCutoff(ctx, claims.Subject)
	if err != nil {
		s.logger.WithError(err).Error("Blacklist cutoff lookup failed")
		return nil, fmt.Errorf("blacklist lookup failed: %w", err)
	}
	if found && !issuedAt(claims).After(cutoff) {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// issuedAt resolves a token's issuance instant at the finest precision it
// carries. A token with neither claim orders before any cutoff.
func issuedAt(claims *Claims) time.Time {
	if claims.IssuedAtNanos > 0 {
		return time.Unix(0, claims.IssuedAtNanos)
	}
	if claims.IssuedAt != nil {
		return claims.IssuedAt.Time
	}
	return time.Time{}
}

// Revoke blacklists one access token until its natural expiry.
func (s *TokenService) Revoke(ctx context.Context, claims *Claims, reason string) error {
	expiresAt := time.Now().Add(s.accessExpiry)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return s.blacklist.Add(ctx, &models.BlacklistEntry{
		UserID:    claims.Subject,
		JTI:       claims.ID,
		Reason:    reason,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	})
}

// RevokeAll writes the user's logout-all sentinel. Every access token issued
// at or before now becomes invalid; the sentinel itself expires once the
// longest-lived such token has.
func (s *TokenService) RevokeAll(ctx context.Context, userID, reason string) error {
	now := time.Now()
	return s.blacklist.AddLogoutAll(ctx, userID, now, now.Add(s.accessExpiry), reason)
}
