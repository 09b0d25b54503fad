package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/config"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
	"github.com/gildhall-chat/gildhall-server/internal/user"
)

// Publisher publishes domain events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, entityID string, data any) (*bus.Envelope, error)
}

// IDGenerator allocates user ids. Satisfied by *snowflake.Generator.
type IDGenerator interface {
	Next() (snowflake.ID, error)
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	SessionID    uuid.UUID `json:"session_id"`
}

// SessionEvent is the payload of session.revoked and sessions.revoked_all.
// The gateway closes matching connections on consumption.
type SessionEvent struct {
	SessionID *uuid.UUID   `json:"session_id,omitempty"`
	UserID    snowflake.ID `json:"user_id"`
}

// Service implements registration, login, refresh rotation, and logout.
type Service struct {
	users     user.Repository
	sessions  SessionRepository
	gen       IDGenerator
	publisher Publisher
	cfg       *config.Config
	log       zerolog.Logger
}

// NewService creates an auth service.
func NewService(users user.Repository, sessions SessionRepository, gen IDGenerator, pub Publisher, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		users:     users,
		sessions:  sessions,
		gen:       gen,
		publisher: pub,
		cfg:       cfg,
		log:       logger.With().Str("component", "auth").Logger(),
	}
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, email, username, password string) (*user.User, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if n := utf8.RuneCountInString(username); n < 2 || n > 32 {
		return nil, ErrUsernameLength
	}
	if len(password) < 8 {
		return nil, ErrPasswordTooShort
	}
	if len(password) > 128 {
		return nil, ErrPasswordTooLong
	}

	hash, err := HashPassword(password,
		s.cfg.Argon2Memory, s.cfg.Argon2Iterations, s.cfg.Argon2Parallelism,
		s.cfg.Argon2SaltLength, s.cfg.Argon2KeyLength)
	if err != nil {
		return nil, err
	}

	id, err := s.gen.Next()
	if err != nil {
		return nil, err
	}

	u := &user.User{
		ID:           id,
		Email:        user.FoldEmail(email),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string, deviceInfo map[string]string) (*TokenPair, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	match, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	return s.openSession(ctx, u.ID, deviceInfo)
}

func (s *Service) openSession(ctx context.Context, userID snowflake.ID, deviceInfo map[string]string) (*TokenPair, error) {
	refresh, refreshHash, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}

	device, err := json.Marshal(deviceInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal device info: %w", err)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:               uuid.New(),
		UserID:           userID,
		RefreshTokenHash: refreshHash,
		DeviceInfo:       device,
		CreatedAt:        now,
		LastActiveAt:     now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	access, err := NewAccessToken(userID, session.ID, s.cfg.JWTSecret, s.cfg.JWTAccessTTL, s.cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, SessionID: session.ID}, nil
}

// Refresh rotates a session's refresh token and mints a new access token.
// A token that fails the hash compare was already rotated; the session is
// revoked because the old token may be in someone else's hands.
func (s *Service) Refresh(ctx context.Context, sessionID uuid.UUID, refreshToken string) (*TokenPair, error) {
	newToken, newHash, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.RotateRefresh(ctx, sessionID, HashRefreshToken(refreshToken), newHash)
	if errors.Is(err, ErrRefreshTokenInvalid) {
		s.log.Warn().Stringer("session_id", sessionID).Msg("Refresh token reuse detected, revoking session")
		s.revokeSession(ctx, sessionID)
		return nil, ErrRefreshTokenInvalid
	}
	if err != nil {
		return nil, err
	}

	access, err := NewAccessToken(session.UserID, session.ID, s.cfg.JWTSecret, s.cfg.JWTAccessTTL, s.cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: newToken, SessionID: session.ID}, nil
}

// Logout revokes one session and publishes session.revoked so gateways close
// its connections.
func (s *Service) Logout(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.sessions.Revoke(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	sid := session.ID
	s.publish(ctx, bus.EventSessionRevoked, session.UserID, SessionEvent{SessionID: &sid, UserID: session.UserID})
	return nil
}

// LogoutAll revokes every session of a user and publishes
// sessions.revoked_all.
func (s *Service) LogoutAll(ctx context.Context, userID snowflake.ID) error {
	n, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	s.publish(ctx, bus.EventSessionsRevokedAll, userID, SessionEvent{UserID: userID})
	return nil
}

func (s *Service) revokeSession(ctx context.Context, sessionID uuid.UUID) {
	session, err := s.sessions.Revoke(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			s.log.Warn().Err(err).Stringer("session_id", sessionID).Msg("Session revoke failed")
		}
		return
	}
	sid := session.ID
	s.publish(ctx, bus.EventSessionRevoked, session.UserID, SessionEvent{SessionID: &sid, UserID: session.UserID})
}

func (s *Service) publish(ctx context.Context, eventType string, userID snowflake.ID, data any) {
	if _, err := s.publisher.Publish(ctx, eventType, userID.String(), data); err != nil {
		s.log.Error().Err(err).Str("type", eventType).Msg("Event publish failed")
	}
}
