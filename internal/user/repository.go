package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/postgres"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a user. Returns ErrEmailExists when the case-folded email is
// already registered.
func (r *PGRepository) Create(ctx context.Context, u *User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, username, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, FoldEmail(u.Email), u.Username, u.PasswordHash, u.CreatedAt,
	)
	if postgres.IsUniqueViolation(err) {
		return ErrEmailExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID returns a user by id.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*User, error) {
	return r.get(ctx, "SELECT id, email, username, password_hash, created_at FROM users WHERE id = $1", id)
}

// GetByEmail returns a user by case-folded email.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.get(ctx, "SELECT id, email, username, password_hash, created_at FROM users WHERE email = $1", FoldEmail(email))
}

func (r *PGRepository) get(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := r.db.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
