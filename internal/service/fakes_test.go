package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/vaultsync/vaultsync/internal/models"
	"github.com/vaultsync/vaultsync/internal/repository"
)

// memRefreshStore mirrors the DynamoDB repository's conditional-update
// semantics under a mutex: MarkRotated succeeds for exactly one caller per
// token and revocation is idempotent.
type memRefreshStore struct {
	mu     sync.Mutex
	byHash map[string]*models.RefreshToken
}

func newMemRefreshStore() *memRefreshStore {
	return &memRefreshStore{byHash: make(map[string]*models.RefreshToken)}
}

func (s *memRefreshStore) Create(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.byHash[token.TokenHash] = &cp
	return nil
}

func (s *memRefreshStore) FindByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.byHash[tokenHash]
	if !ok {
		return nil, nil
	}
	cp := *token
	return &cp, nil
}

func (s *memRefreshStore) MarkRotated(_ context.Context, tokenHash, replacedByID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.byHash[tokenHash]
	if !ok || token.ReplacedBy != "" || token.RevokedAt != nil {
		return 0, nil
	}
	now := time.Now()
	token.ReplacedBy = replacedByID
	token.RotatedAt = &now
	return 1, nil
}

func (s *memRefreshStore) RevokeFamily(_ context.Context, familyID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, token := range s.byHash {
		if token.FamilyID == familyID && token.RevokedAt == nil {
			token.RevokedAt = &now
			token.RevokedReason = reason
		}
	}
	return nil
}

func (s *memRefreshStore) RevokeAllForUser(_ context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, token := range s.byHash {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &now
			token.RevokedReason = reason
		}
	}
	return nil
}

func (s *memRefreshStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	now := time.Now()
	for hash, token := range s.byHash {
		if now.After(token.ExpiresAt) {
			delete(s.byHash, hash)
			purged++
		}
	}
	return purged, nil
}

func (s *memRefreshStore) activeCount(familyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, token := range s.byHash {
		if token.FamilyID == familyID && token.Active() {
			active++
		}
	}
	return active
}

type memBlacklist struct {
	mu      sync.Mutex
	entries map[string]models.BlacklistEntry
}

func newMemBlacklist() *memBlacklist {
	return &memBlacklist{entries: make(map[string]models.BlacklistEntry)}
}

func (b *memBlacklist) Add(_ context.Context, entry *models.BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.UserID+"/"+entry.JTI] = *entry
	return nil
}

func (b *memBlacklist) AddLogoutAll(ctx context.Context, userID string, cutoff, expiresAt time.Time, reason string) error {
	return b.Add(ctx, &models.BlacklistEntry{
		UserID:    userID,
		JTI:       models.BlacklistJTIAll,
		Reason:    reason,
		CreatedAt: cutoff,
		ExpiresAt: expiresAt,
	})
}

func (b *memBlacklist) Contains(_ context.Context, userID, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[userID+"/"+jti]
	return ok && time.Now().Before(entry.ExpiresAt), nil
}

func (b *memBlacklist) LogoutAllCutoff(_ context.Context, userID string) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[userID+"/"+models.BlacklistJTIAll]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return time.Time{}, false, nil
	}
	return entry.CreatedAt, true, nil
}

// memSyncStore reproduces the version-gated conditional put.
type memSyncStore struct {
	mu    sync.Mutex
	blobs map[string]models.SyncBlob
}

func newMemSyncStore() *memSyncStore {
	return &memSyncStore{blobs: make(map[string]models.SyncBlob)}
}

func (s *memSyncStore) Read(_ context.Context, userID string) (*models.SyncBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[userID]
	if !ok {
		return nil, nil
	}
	cp := blob
	return &cp, nil
}

func (s *memSyncStore) Write(_ context.Context, blob *models.SyncBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.blobs[blob.UserID]
	if ok && blob.Version <= stored.Version {
		return repository.ErrVersionConflict
	}
	blob.UpdatedAt = time.Now()
	s.blobs[blob.UserID] = *blob
	return nil
}

func (s *memSyncStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, userID)
	return nil
}
