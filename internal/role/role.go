// Package role owns guild roles. Every guild carries exactly one @everyone
// role whose id equals the guild id; it cannot be deleted.
package role

import (
	"context"
	"errors"
	"time"

	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var (
	ErrNotFound = errors.New("role: role not found")
	// ErrEveryoneImmutable is returned by Delete for the @everyone role. The
	// REST handlers reject renaming and explicit assignment of that role
	// themselves, before reaching the repository.
	ErrEveryoneImmutable = errors.New("role: the everyone role cannot be modified this way")
)

// Role is a named permission set within a guild. Higher Position means
// higher priority in hierarchy checks and UI ordering; Position never
// affects permission computation.
type Role struct {
	ID          snowflake.ID          `json:"id"`
	GuildID     snowflake.ID          `json:"guild_id"`
	Name        string                `json:"name"`
	Position    int                   `json:"position"`
	Permissions permission.Permission `json:"permissions"`
	Color       *string               `json:"color,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// IsEveryone reports whether this is the guild's @everyone role.
func (r *Role) IsEveryone() bool { return r.ID == r.GuildID }

// UpdateParams carries the patchable role fields; nil means unchanged.
type UpdateParams struct {
	Name        *string
	Position    *int
	Permissions *permission.Permission
	Color       *string
}

// Repository defines the data-access contract for roles.
type Repository interface {
	Create(ctx context.Context, r *Role) error
	Get(ctx context.Context, id snowflake.ID) (*Role, error)
	ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Role, error)
	// Delete removes a role and its member_roles rows. The @everyone role is
	// rejected with ErrEveryoneImmutable.
	Delete(ctx context.Context, id snowflake.ID) error
	// FilterExisting narrows mention candidates to roles of the guild.
	FilterExisting(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error)
}
