package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/auth"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/user"
)

// AuthHandler serves registration, login, refresh, and logout.
type AuthHandler struct {
	svc *auth.Service
	log zerolog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, log: logger}
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email      string            `json:"email"`
	Password   string            `json:"password"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body RegisterRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	u, err := h.svc.Register(c, body.Email, body.Username, body.Password)
	switch {
	case errors.Is(err, user.ErrEmailExists):
		return httputil.Fail(c, fiber.StatusConflict, httputil.EmailAlreadyExists, "Email is already registered")
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrUsernameLength),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, err.Error())
	case err != nil:
		h.log.Error().Err(err).Str("handler", "auth").Msg("register failed")
		return failInternal(c)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, u)
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body LoginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}

	pair, err := h.svc.Login(c, body.Email, body.Password, body.DeviceInfo)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.Unauthorized, "Invalid email or password")
	}
	if err != nil {
		h.log.Error().Err(err).Str("handler", "auth").Msg("login failed")
		return failInternal(c)
	}
	return httputil.Success(c, pair)
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body RefreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	sessionID, err := uuid.Parse(body.SessionID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.ValidationError, "Invalid session id")
	}

	pair, err := h.svc.Refresh(c, sessionID, body.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrRefreshTokenInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.TokenInvalid, "Refresh token invalid")
	case errors.Is(err, auth.ErrSessionNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.SessionRevoked, "Session revoked")
	case err != nil:
		h.log.Error().Err(err).Str("handler", "auth").Msg("refresh failed")
		return failInternal(c)
	}
	return httputil.Success(c, pair)
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	sessionID, ok := currentSession(c)
	if !ok {
		return failUnauthorized(c)
	}
	if err := h.svc.Logout(c, sessionID); err != nil {
		h.log.Error().Err(err).Str("handler", "auth").Msg("logout failed")
		return failInternal(c)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LogoutAll handles POST /api/v1/auth/logout-all.
func (h *AuthHandler) LogoutAll(c fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return failUnauthorized(c)
	}
	if err := h.svc.LogoutAll(c, userID); err != nil {
		h.log.Error().Err(err).Str("handler", "auth").Msg("logout-all failed")
		return failInternal(c)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
