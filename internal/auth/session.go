package auth

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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// Session is one authenticated device. The refresh token is stored only as a
// SHA-256 hash; presenting a token that no longer matches the stored hash
// means it was rotated away (or stolen).
type Session struct {
	ID               uuid.UUID    `json:"id"`
	UserID           snowflake.ID `json:"user_id"`
	RefreshTokenHash string       `json:"-"`
	DeviceInfo       []byte       `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	LastActiveAt     time.Time    `json:"last_active_at"`
}

// NewRefreshToken returns a new opaque refresh token and its storage hash.
func NewRefreshToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken returns the hex SHA-256 of a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionRepository defines the data-access contract for sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// RotateRefresh compare-and-swaps the refresh token hash and bumps
	// last_active_at. Returns ErrRefreshTokenInvalid when the presented hash
	// no longer matches.
	RotateRefresh(ctx context.Context, id uuid.UUID, oldHash, newHash string) (*Session, error)
	Touch(ctx context.Context, id uuid.UUID) error
	// Revoke deletes one session. Returns ErrSessionNotFound if absent.
	Revoke(ctx context.Context, id uuid.UUID) (*Session, error)
	// RevokeAll deletes every session of a user and returns how many existed.
	RevokeAll(ctx context.Context, userID snowflake.ID) (int64, error)
	// IsActive reports whether the session exists and belongs to the user.
	// The gateway refuses connections for sessions that are not active.
	IsActive(ctx context.Context, id uuid.UUID, userID snowflake.ID) (bool, error)
}

const sessionColumns = "id, user_id, refresh_token_hash, device_info, created_at, last_active_at"

// PGSessionRepository implements SessionRepository using PostgreSQL.
type PGSessionRepository struct {
	db *pgxpool.Pool
}

// NewPGSessionRepository creates a new PostgreSQL-backed session repository.
func NewPGSessionRepository(db *pgxpool.Pool) *PGSessionRepository {
	return &PGSessionRepository{db: db}
}

func (r *PGSessionRepository) Create(ctx context.Context, s *Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token_hash, device_info, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.RefreshTokenHash, s.DeviceInfo, s.CreatedAt, s.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PGSessionRepository) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM sessions WHERE id = $1", sessionColumns), id,
	)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

func (r *PGSessionRepository) RotateRefresh(ctx context.Context, id uuid.UUID, oldHash, newHash string) (*Session, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE sessions SET refresh_token_hash = $1, last_active_at = NOW()
		WHERE id = $2 AND refresh_token_hash = $3
		RETURNING %s`, sessionColumns),
		newHash, id, oldHash,
	)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the session is gone or the token was already rotated.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrRefreshTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	return s, nil
}

func (r *PGSessionRepository) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, "UPDATE sessions SET last_active_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *PGSessionRepository) Revoke(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("DELETE FROM sessions WHERE id = $1 RETURNING %s", sessionColumns), id,
	)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revoke session: %w", err)
	}
	return s, nil
}

func (r *PGSessionRepository) RevokeAll(ctx context.Context, userID snowflake.ID) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGSessionRepository) IsActive(ctx context.Context, id uuid.UUID, userID snowflake.ID) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1 AND user_id = $2)", id, userID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return active, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.DeviceInfo, &s.CreatedAt, &s.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
