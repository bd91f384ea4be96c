package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/identity"
	"github.com/vaultsync/vaultsync/internal/middleware"
	"github.com/vaultsync/vaultsync/internal/models"
	"github.com/vaultsync/vaultsync/internal/ratelimit"
	"github.com/vaultsync/vaultsync/internal/repository"
	"github.com/vaultsync/vaultsync/internal/service"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const minPasswordLength = 8

// UserStore is the slice of the user repository the auth handlers need.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

type AuthHandlers struct {
	users   UserStore
	refresh *service.RefreshService
	limiter ratelimit.Store
	cfg     *config.Config
	logger  *logrus.Logger
}

func NewAuthHandlers(
	users UserStore,
	refresh *service.RefreshService,
	limiter ratelimit.Store,
	cfg *config.Config,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		users:   users,
		refresh: refresh,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := identity.NormalizeEmail(req.Email)

	// Registration and login derive their limiter key from the claimed
	// identity: the body email is the only stable signal before auth.
	if !h.consume(w, r, ratelimit.LimitRegister, h.cfg.RateLimit.Register, email) {
		return
	}

	if !emailPattern.MatchString(email) {
		respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		respondWithError(w, http.StatusBadRequest, "WEAK_PASSWORD", "Password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.cfg.Auth.BcryptCost)
	if err != nil {
		h.logger.WithError(err).Error("Failed to hash password")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Registration failed")
		return
	}

	user := &models.User{
		Email:        email,
		PasswordHash: string(hash),
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			respondWithError(w, http.StatusConflict, "EMAIL_TAKEN", "Email address is already registered")
			return
		}
		h.logger.WithError(err).Error("Failed to create user")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Registration failed")
		return
	}

	respondWithJSON(w, http.StatusCreated, RegisterResponse{
		ID:    user.ID,
		Email: user.Email,
	})
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := identity.NormalizeEmail(req.Email)
	key := identity.FromLoginRequest(r, email)

	// Prior attempts in the window drive the progressive delay; this
	// attempt is not yet counted.
	prior, err := h.limiter.ConsumedPoints(r.Context(), ratelimit.LimitLogin, key)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read consumed points; skipping delay")
		prior = 0
	}

	if !h.consumeKey(w, r, ratelimit.LimitLogin, h.cfg.RateLimit.Login, key) {
		return
	}

	// Defense-in-depth slowdown, independent of the hard block above.
	delay := ratelimit.Delay(prior+1, h.cfg.RateLimit.DelayBase, h.cfg.RateLimit.DelayFactor, h.cfg.RateLimit.DelayMax)
	if err := ratelimit.Sleep(r.Context(), delay); err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "REQUEST_CANCELLED", "Request cancelled")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up user")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}

	// Unknown user and wrong password take the same path and produce the
	// same response.
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	}

	session, err := h.refresh.Login(r.Context(), user.ID, user.Role)
	if err != nil {
		h.logger.WithError(err).Error("Failed to establish session")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed")
		return
	}

	h.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt)
	respondWithJSON(w, http.StatusOK, LoginResponse{
		AccessToken: session.TokenPair.AccessToken,
		TokenType:   session.TokenPair.TokenType,
		ExpiresIn:   session.TokenPair.ExpiresIn,
		UserID:      user.ID,
	})
}

func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	presented := h.presentedRefreshToken(r)
	if presented == "" {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credentials")
		return
	}

	session, err := h.refresh.Refresh(r.Context(), presented)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrReuseDetected), errors.Is(err, service.ErrUnauthorized):
			// Reuse detection stays internal; the client sees the same
			// generic response as any bad token.
			h.clearRefreshCookie(w)
			respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credentials")
		default:
			h.logger.WithError(err).Error("Refresh failed")
			respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Refresh failed")
		}
		return
	}

	h.setRefreshCookie(w, session.RefreshToken, session.RefreshExpiresAt)
	respondWithJSON(w, http.StatusOK, session.TokenPair)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credentials")
		return
	}

	if err := h.refresh.Logout(r.Context(), h.presentedRefreshToken(r), claims); err != nil {
		h.logger.WithError(err).Error("Logout failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Logout failed")
		return
	}

	h.clearRefreshCookie(w)
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

func (h *AuthHandlers) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credentials")
		return
	}

	if err := h.refresh.LogoutAll(r.Context(), claims.Subject); err != nil {
		h.logger.WithError(err).Error("Logout-all failed")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Logout failed")
		return
	}

	h.clearRefreshCookie(w)
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out on all devices",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing credentials")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"user_id": claims.Subject,
		"role":    claims.Role,
	})
}

// presentedRefreshToken prefers the scoped cookie and accepts a body field
// for clients that cannot send cookies.
func (h *AuthHandlers) presentedRefreshToken(r *http.Request) string {
	if cookie, err := r.Cookie(h.cfg.Auth.RefreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

func (h *AuthHandlers) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Auth.RefreshCookieName,
		Value:    token,
		Path:     h.cfg.Auth.RefreshCookiePath,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Server.TLSEnabled,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandlers) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Auth.RefreshCookieName,
		Value:    "",
		Path:     h.cfg.Auth.RefreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Server.TLSEnabled,
		SameSite: http.SameSiteStrictMode,
	})
}

// consume spends a rate-limit point keyed on the request's claimed identity.
func (h *AuthHandlers) consume(w http.ResponseWriter, r *http.Request, op ratelimit.LimitType, cfg config.LimitConfig, email string) bool {
	return h.consumeKey(w, r, op, cfg, identity.FromLoginRequest(r, email))
}

func (h *AuthHandlers) consumeKey(w http.ResponseWriter, r *http.Request, op ratelimit.LimitType, cfg config.LimitConfig, key string) bool {
	res, err := h.limiter.Consume(r.Context(), op, cfg, key)
	if err != nil {
		h.logger.WithError(err).WithField("op", op).Warn("Rate limit backend error; failing open")
		return true
	}

	middleware.SetRateLimitHeaders(w, res)
	if !res.Allowed {
		respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
		return false
	}
	return true
}
