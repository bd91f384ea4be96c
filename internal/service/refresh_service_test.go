package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/service"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServices(t *testing.T) (*service.RefreshService, *service.TokenService, *memRefreshStore, *memBlacklist) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	blacklist := newMemBlacklist()
	tokens, err := service.NewTokenService(&config.JWTConfig{
		SecretKey:    testSecret,
		AccessExpiry: time.Hour,
	}, blacklist, logger)
	require.NoError(t, err)

	store := newMemRefreshStore()
	refresh := service.NewRefreshService(store, tokens, 30*24*time.Hour, logger)
	return refresh, tokens, store, blacklist
}

func TestLoginStartsNewFamily(t *testing.T) {
	refresh, tokens, store, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, session.RefreshToken)
	require.NotEmpty(t, session.TokenPair.AccessToken)
	require.Equal(t, "Bearer", session.TokenPair.TokenType)

	claims, err := tokens.Verify(ctx, session.TokenPair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)

	record, err := store.FindByHash(ctx, service.HashToken(session.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Empty(t, record.ParentID)
	require.True(t, record.Active())
}

func TestSequentialRotationIssuesFreshTokens(t *testing.T) {
	refresh, _, _, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	seen := map[string]bool{session.RefreshToken: true}
	current := session.RefreshToken

	for i := 0; i < 5; i++ {
		next, err := refresh.Refresh(ctx, current)
		require.NoError(t, err)
		require.False(t, seen[next.RefreshToken], "rotation must return a strictly new token")
		seen[next.RefreshToken] = true
		current = next.RefreshToken
	}
}

func TestReuseOfRotatedTokenKillsFamily(t *testing.T) {
	refresh, _, store, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)
	r0 := session.RefreshToken

	rotated, err := refresh.Refresh(ctx, r0)
	require.NoError(t, err)
	r1 := rotated.RefreshToken

	// Replaying the pre-rotation token is the theft signal.
	_, err = refresh.Refresh(ctx, r0)
	require.ErrorIs(t, err, service.ErrReuseDetected)

	// The legitimate successor dies with the family.
	_, err = refresh.Refresh(ctx, r1)
	require.Error(t, err)

	record, err := store.FindByHash(ctx, service.HashToken(r1))
	require.NoError(t, err)
	require.NotNil(t, record.RevokedAt)
}

func TestReuseAfterRevocationStaysRevoked(t *testing.T) {
	refresh, tokens, _, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	claims, err := tokens.Verify(ctx, session.TokenPair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, refresh.Logout(ctx, session.RefreshToken, claims))

	_, err = refresh.Refresh(ctx, session.RefreshToken)
	require.ErrorIs(t, err, service.ErrReuseDetected)
}

func TestUnknownTokenRejectedWithoutStateChange(t *testing.T) {
	refresh, _, store, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = refresh.Refresh(ctx, "never-issued")
	require.ErrorIs(t, err, service.ErrUnauthorized)

	record, err := store.FindByHash(ctx, service.HashToken(session.RefreshToken))
	require.NoError(t, err)
	require.True(t, record.Active(), "a failed lookup must not disturb live tokens")
}

func TestExpiredTokenRevokesFamily(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	blacklist := newMemBlacklist()
	tokens, err := service.NewTokenService(&config.JWTConfig{
		SecretKey:    testSecret,
		AccessExpiry: time.Hour,
	}, blacklist, logger)
	require.NoError(t, err)

	store := newMemRefreshStore()
	refresh := service.NewRefreshService(store, tokens, -time.Minute, logger)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = refresh.Refresh(ctx, session.RefreshToken)
	require.ErrorIs(t, err, service.ErrUnauthorized)

	record, err := store.FindByHash(ctx, service.HashToken(session.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, record.RevokedAt)
	require.Equal(t, "expired", record.RevokedReason)
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	refresh, _, store, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	record, err := store.FindByHash(ctx, service.HashToken(session.RefreshToken))
	require.NoError(t, err)
	familyID := record.FamilyID

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	winners := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			next, err := refresh.Refresh(ctx, session.RefreshToken)
			if err == nil {
				winners <- next.RefreshToken
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	close(winners)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, service.ErrReuseDetected) && !errors.Is(err, service.ErrUnauthorized) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	require.Equal(t, 1, success, "exactly one concurrent refresh must win")

	// Any loser revokes the family, taking the winner's successor with it.
	require.Equal(t, 0, store.activeCount(familyID))
	for token := range winners {
		_, err := refresh.Refresh(ctx, token)
		require.Error(t, err)
	}
}

// failRotateStore forces the rotation update itself to fail with a storage
// error rather than a lost race.
type failRotateStore struct {
	*memRefreshStore
}

func (s *failRotateStore) MarkRotated(context.Context, string, string) (int, error) {
	return 0, errors.New("storage unavailable")
}

func TestRotationStorageErrorLeavesNoActiveTokens(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	blacklist := newMemBlacklist()
	tokens, err := service.NewTokenService(&config.JWTConfig{
		SecretKey:    testSecret,
		AccessExpiry: time.Hour,
	}, blacklist, logger)
	require.NoError(t, err)

	mem := newMemRefreshStore()
	refresh := service.NewRefreshService(&failRotateStore{memRefreshStore: mem}, tokens, 30*24*time.Hour, logger)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	record, err := mem.FindByHash(ctx, service.HashToken(session.RefreshToken))
	require.NoError(t, err)

	_, err = refresh.Refresh(ctx, session.RefreshToken)
	require.Error(t, err)
	require.NotErrorIs(t, err, service.ErrReuseDetected)

	// The successor minted before the failed update must not survive as a
	// live credential.
	require.Equal(t, 0, mem.activeCount(record.FamilyID))
}

func TestLogoutAllRevokesEveryFamily(t *testing.T) {
	refresh, _, _, _ := newTestServices(t)
	ctx := context.Background()

	first, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)
	second, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	require.NoError(t, refresh.LogoutAll(ctx, "user-1"))

	_, err = refresh.Refresh(ctx, first.RefreshToken)
	require.Error(t, err)
	_, err = refresh.Refresh(ctx, second.RefreshToken)
	require.Error(t, err)
}

func TestPurgeExpiredSweepsOnlyExpiredRows(t *testing.T) {
	refresh, _, store, _ := newTestServices(t)
	ctx := context.Background()

	session, err := refresh.Login(ctx, "user-1", "")
	require.NoError(t, err)

	expired, err := refresh.Login(ctx, "user-2", "")
	require.NoError(t, err)

	// Age the second token past its expiry.
	record, err := store.FindByHash(ctx, service.HashToken(expired.RefreshToken))
	require.NoError(t, err)
	store.mu.Lock()
	store.byHash[record.TokenHash].ExpiresAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	purged, err := refresh.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	live, err := store.FindByHash(ctx, service.HashToken(session.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, live)
}
