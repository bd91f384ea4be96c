package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/middleware"
	"github.com/vaultsync/vaultsync/internal/service"
)

// maxSyncPayloadBytes caps the encrypted blob a single write may carry.
const maxSyncPayloadBytes = 4 << 20

type SyncHandlers struct {
	sync    *service.SyncService
	refresh *service.RefreshService
	logger  *logrus.Logger
}

func NewSyncHandlers(sync *service.SyncService, refresh *service.RefreshService, logger *logrus.Logger) *SyncHandlers {
	return &SyncHandlers{
		sync:    sync,
		refresh: refresh,
		logger:  logger,
	}
}

type SyncReadResponse struct {
	Version   int64      `json:"version"`
	Data      *string    `json:"data"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type SyncWriteRequest struct {
	Version int64  `json:"version"`
	Data    string `json:"data"`
}

type SyncWriteResponse struct {
	Version int64 `json:"version"`
}

func (h *SyncHandlers) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	blob, err := h.sync.Read(r.Context(), userID)
	if err != nil {
		h.logger.WithError(err).Error("Sync read failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Sync read failed")
		return
	}

	resp := SyncReadResponse{Version: blob.Version}
	if blob.Version > 0 {
		data := blob.EncryptedData
		updatedAt := blob.UpdatedAt
		resp.Data = &data
		resp.UpdatedAt = &updatedAt
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *SyncHandlers) Put(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxSyncPayloadBytes)

	var req SyncWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.Version < 1 || req.Data == "" {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Version and data are required")
		return
	}

	err := h.sync.Write(r.Context(), userID, req.Version, req.Data)
	if err != nil {
		var conflict *service.ConflictError
		if errors.As(err, &conflict) {
			current := conflict.CurrentVersion
			respondWithJSON(w, http.StatusConflict, ErrorResponse{
				Error: ErrorDetail{
					Code:           "VERSION_CONFLICT",
					Message:        "A newer version exists; merge and retry",
					CurrentVersion: &current,
				},
			})
			return
		}
		h.logger.WithError(err).Error("Sync write failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Sync write failed")
		return
	}

	respondWithJSON(w, http.StatusOK, SyncWriteResponse{Version: req.Version})
}

// Delete erases the user's blob and terminates every session: a data-erasure
// request leaves nothing usable behind.
func (h *SyncHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	if err := h.sync.Erase(r.Context(), userID); err != nil {
		h.logger.WithError(err).Error("Sync erase failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Erase failed")
		return
	}

	if err := h.refresh.LogoutAll(r.Context(), userID); err != nil {
		h.logger.WithError(err).Error("Post-erase logout-all failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Erase failed")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Sync data erased",
	})
}
