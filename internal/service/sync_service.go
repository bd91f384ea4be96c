package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/models"
	"github.com/vaultsync/vaultsync/internal/repository"
)

// ConflictError reports a rejected sync write together with the
// authoritative stored version the client needs to re-merge and retry.
type ConflictError struct {
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync version conflict: current version is %d", e.CurrentVersion)
}

// SyncBlobStore is the persistence surface for the per-user encrypted blob.
// Write must perform the version compare and the store as one atomic
// operation.
type SyncBlobStore interface {
	Read(ctx context.Context, userID string) (*models.SyncBlob, error)
	Write(ctx context.Context, blob *models.SyncBlob) error
	Delete(ctx context.Context, userID string) error
}

// SyncService guards the single encrypted blob per user with optimistic
// concurrency: a write lands iff its version strictly exceeds the stored
// one. The server never merges; conflict resolution belongs to the client.
type SyncService struct {
	store  SyncBlobStore
	logger *logrus.Logger
}

func NewSyncService(store SyncBlobStore, logger *logrus.Logger) *SyncService {
	return &SyncService{
		store:  store,
		logger: logger,
	}
}

// Read returns the user's blob. A user who never wrote gets version 0 and no
// data rather than an error, so a fresh device can bootstrap from the same
// call path.
func (s *SyncService) Read(ctx context.Context, userID string) (*models.SyncBlob, error) {
	blob, err := s.store.Read(ctx, userID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return &models.SyncBlob{UserID: userID, Version: 0}, nil
	}
	return blob, nil
}

// Write attempts the version-gated store. On rejection it re-reads the row
// and returns a ConflictError carrying the authoritative version; any
// version reported this way is at least the one that caused the rejection.
func (s *SyncService) Write(ctx context.Context, userID string, version int64, encryptedData string) error {
	if version < 1 {
		return &ConflictError{CurrentVersion: 0}
	}

	err := s.store.Write(ctx, &models.SyncBlob{
		UserID:        userID,
		Version:       version,
		EncryptedData: encryptedData,
	})
	if err == nil {
		return nil
	}

	if !errors.Is(err, repository.ErrVersionConflict) {
		return err
	}

	current, readErr := s.store.Read(ctx, userID)
	if readErr != nil {
		s.logger.WithError(readErr).Error("Failed to read current version after conflict")
		return readErr
	}

	conflict := &ConflictError{}
	if current != nil {
		conflict.CurrentVersion = current.Version
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":         userID,
		"claimed_version": version,
		"current_version": conflict.CurrentVersion,
	}).Info("Sync write rejected by version gate")

	return conflict
}

// Erase removes the user's blob wholesale.
func (s *SyncService) Erase(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, userID)
}
