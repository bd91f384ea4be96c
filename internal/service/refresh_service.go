package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/models"
)

var (
	// ErrUnauthorized covers every refresh failure a client may learn about.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrReuseDetected marks a replayed or raced refresh token. Internal
	// only: handlers surface it as the same generic unauthorized response,
	// so an attacker cannot tell reuse detection from a bad token.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

const refreshTokenBytes = 32

// RefreshTokenStore is the persistence surface of the rotation protocol.
// MarkRotated is the compare-and-set: it must affect exactly one row across
// any set of concurrent callers presenting the same token.
type RefreshTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	MarkRotated(ctx context.Context, tokenHash, replacedByID string) (int, error)
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// Session is what a successful login or refresh hands back to the transport
// layer: a signed access token for the response body and an opaque refresh
// token for the cookie.
type Session struct {
	TokenPair        models.TokenPair
	AccessClaims     *Claims
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshService drives the rotation state machine: Active -> Rotated on
// each refresh, Active -> Revoked on logout, expiry, or any reuse signal.
// Reuse of a rotated or revoked token kills the whole family; forcing the
// legitimate user to re-authenticate is the accepted cost of treating every
// replay as theft.
type RefreshService struct {
	store         RefreshTokenStore
	tokens        *TokenService
	refreshExpiry time.Duration
	logger        *logrus.Logger
}

func NewRefreshService(store RefreshTokenStore, tokens *TokenService, refreshExpiry time.Duration, logger *logrus.Logger) *RefreshService {
	return &RefreshService{
		store:         store,
		tokens:        tokens,
		refreshExpiry: refreshExpiry,
		logger:        logger,
	}
}

func (s *RefreshService) RefreshExpiry() time.Duration {
	return s.refreshExpiry
}

// Login starts a new token family rooted at a fresh opaque token.
func (s *RefreshService) Login(ctx context.Context, userID, role string) (*Session, error) {
	familyID := uuid.New().String()
	return s.issueSession(ctx, userID, role, familyID, "")
}

// Refresh rotates the presented token. Exactly one of any set of concurrent
// calls with the same token succeeds; every other path revokes the family
// and reports reuse or unauthorized.
func (s *RefreshService) Refresh(ctx context.Context, presented string) (*Session, error) {
	tokenHash := HashToken(presented)

	current, err := s.store.FindByHash(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("refresh lookup failed: %w", err)
	}
	if current == nil {
		return nil, ErrUnauthorized
	}

	if current.RevokedAt != nil {
		// Replay of a token from an already-dead family. Revoke again in
		// case the earlier fan-out was partial.
		s.logReuse(current, "reuse_after_revocation")
		if err := s.store.RevokeFamily(ctx, current.FamilyID, "reuse_after_revocation"); err != nil {
			s.logger.WithError(err).Error("Failed to re-revoke family after reuse")
		}
		return nil, ErrReuseDetected
	}

	if current.ReplacedBy != "" {
		// The canonical theft signal: someone replayed a token the
		// legitimate client already rotated past.
		s.logReuse(current, "stale_token_reuse")
		if err := s.store.RevokeFamily(ctx, current.FamilyID, "reuse_detected"); err != nil {
			s.logger.WithError(err).Error("Failed to revoke family after reuse")
			return nil, fmt.Errorf("family revocation failed: %w", err)
		}
		return nil, ErrReuseDetected
	}

	if time.Now().After(current.ExpiresAt) {
		if err := s.store.RevokeFamily(ctx, current.FamilyID, "expired"); err != nil {
			s.logger.WithError(err).Error("Failed to revoke expired family")
		}
		return nil, ErrUnauthorized
	}

	session, next, err := s.mintSuccessor(ctx, current)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.MarkRotated(ctx, tokenHash, next.ID)
	if err != nil {
		// The successor row is already live; revoke the family so a storage
		// failure cannot leave two active tokens behind.
		if revokeErr := s.store.RevokeFamily(ctx, current.FamilyID, "rotation_failed"); revokeErr != nil {
			s.logger.WithError(revokeErr).Error("Failed to revoke family after rotation error")
		}
		return nil, fmt.Errorf("rotation failed: %w", err)
	}
	if rows == 0 {
		// Lost the CAS: a concurrent caller rotated this token first.
		// Indistinguishable from replay, so the family dies. The successor
		// minted above shares the family and is revoked with it.
		s.logReuse(current, "concurrent_rotation")
		if err := s.store.RevokeFamily(ctx, current.FamilyID, "reuse_detected"); err != nil {
			s.logger.WithError(err).Error("Failed to revoke family after rotation race")
			return nil, fmt.Errorf("family revocation failed: %w", err)
		}
		return nil, ErrReuseDetected
	}

	return session, nil
}

// Logout revokes the presented token's family and blacklists the access
// token used to call it.
func (s *RefreshService) Logout(ctx context.Context, presented string, access *Claims) error {
	if presented != "" {
		current, err := s.store.FindByHash(ctx, HashToken(presented))
		if err != nil {
			return fmt.Errorf("logout lookup failed: %w", err)
		}
		if current != nil {
			if err := s.store.RevokeFamily(ctx, current.FamilyID, "logout"); err != nil {
				return fmt.Errorf("logout revocation failed: %w", err)
			}
		}
	}

	if access != nil {
		if err := s.tokens.Revoke(ctx, access, "logout"); err != nil {
			return fmt.Errorf("access token revocation failed: %w", err)
		}
	}

	return nil
}

// LogoutAll revokes every refresh family the user owns and cuts off all
// previously issued access tokens with one sentinel.
func (s *RefreshService) LogoutAll(ctx context.Context, userID string) error {
	if err := s.store.RevokeAllForUser(ctx, userID, "logout_all"); err != nil {
		return fmt.Errorf("logout-all revocation failed: %w", err)
	}

	if err := s.tokens.RevokeAll(ctx, userID, "logout_all"); err != nil {
		return fmt.Errorf("logout-all blacklist failed: %w", err)
	}

	return nil
}

// PurgeExpired sweeps expired refresh-token rows.
func (s *RefreshService) PurgeExpired(ctx context.Context) (int, error) {
	return s.store.PurgeExpired(ctx)
}

func (s *RefreshService) issueSession(ctx context.Context, userID, role, familyID, parentID string) (*Session, error) {
	opaque, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := time.Now()
	record := &models.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		TokenHash: HashToken(opaque),
		FamilyID:  familyID,
		ParentID:  parentID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshExpiry),
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	signed, claims, err := s.tokens.Issue(userID, role)
	if err != nil {
		return nil, err
	}

	return &Session{
		TokenPair: models.TokenPair{
			AccessToken: signed,
			TokenType:   "Bearer",
			ExpiresIn:   int64(s.tokens.AccessExpiry().Seconds()),
		},
		AccessClaims:     claims,
		RefreshToken:     opaque,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// mintSuccessor creates the next link before the CAS claims the current one,
// so a CAS loser's orphan row is swept up by the family revocation.
func (s *RefreshService) mintSuccessor(ctx context.Context, current *models.RefreshToken) (*Session, *models.RefreshToken, error) {
	opaque, err := GenerateToken()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := time.Now()
	next := &models.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    current.UserID,
		Role:      current.Role,
		TokenHash: HashToken(opaque),
		FamilyID:  current.FamilyID,
		ParentID:  current.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshExpiry),
	}

	if err := s.store.Create(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	signed, claims, err := s.tokens.Issue(current.UserID, current.Role)
	if err != nil {
		return nil, nil, err
	}

	session := &Session{
		TokenPair: models.TokenPair{
			AccessToken: signed,
			TokenType:   "Bearer",
			ExpiresIn:   int64(s.tokens.AccessExpiry().Seconds()),
		},
		AccessClaims:     claims,
		RefreshToken:     opaque,
		RefreshExpiresAt: next.ExpiresAt,
	}
	return session, next, nil
}

func (s *RefreshService) logReuse(token *models.RefreshToken, kind string) {
	s.logger.WithFields(logrus.Fields{
		"event":     "refresh_reuse",
		"kind":      kind,
		"user_id":   token.UserID,
		"family_id": token.FamilyID,
		"token_id":  token.ID,
	}).Warn("Refresh token reuse detected; revoking family")
}

// GenerateToken returns a new opaque refresh token: 256 bits from the CSPRNG,
// URL-safe base64 for cookie transport.
func GenerateToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken derives the storage key for an opaque token. Only the hash is
// persisted; a leaked table cannot be replayed.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
