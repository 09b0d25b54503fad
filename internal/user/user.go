// Package user stores account records. Registration, password policy, and
// email verification live at the API boundary; this package owns persistence.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var (
	ErrNotFound    = errors.New("user: user not found")
	ErrEmailExists = errors.New("user: email already registered")
)

// User is a registered account. The id is immutable; email uniqueness is
// enforced case-folded at storage.
type User struct {
	ID           snowflake.ID `json:"id"`
	Email        string       `json:"email"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"`
	CreatedAt    time.Time    `json:"created_at"`
}

// FoldEmail canonicalises an email address for uniqueness checks.
func FoldEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Repository defines the data-access contract for users.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}
