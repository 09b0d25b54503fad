// Package guild owns guild records and their lifecycle. A guild exclusively
// owns its channels, roles, members, and invites; deleting the guild is a
// soft delete and everything scoped to it becomes invisible.
package guild

import (
	"context"
	"errors"
	"time"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var ErrNotFound = errors.New("guild: guild not found")

// Guild is a named container of members, roles, and channels with one owner.
type Guild struct {
	ID        snowflake.ID `json:"id"`
	OwnerID   snowflake.ID `json:"owner_id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	DeletedAt *time.Time   `json:"-"`
}

// CreateParams groups the rows written atomically when a guild is created:
// the guild itself, its @everyone role (id == guild id), the default text
// channel, and the owner's membership.
type CreateParams struct {
	Guild          *Guild
	EveryonePerms  int64
	DefaultChannel snowflake.ID
}

// Repository defines the data-access contract for guilds. All reads exclude
// soft-deleted guilds.
type Repository interface {
	Create(ctx context.Context, params CreateParams) error
	Get(ctx context.Context, id snowflake.ID) (*Guild, error)
	UpdateName(ctx context.Context, id snowflake.ID, name string) (*Guild, error)
	SoftDelete(ctx context.Context, id snowflake.ID) error
	// ListForUser returns the ids of every live guild the user is a member
	// of; the gateway builds auto-subscriptions from it.
	ListForUser(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
}
