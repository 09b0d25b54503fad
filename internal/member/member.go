// Package member owns guild memberships, role assignments, and bans.
package member

import (
	"context"
	"errors"
	"time"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var (
	ErrNotFound      = errors.New("member: member not found")
	ErrAlreadyMember = errors.New("member: user is already a member")
	ErrBanned        = errors.New("member: user is banned from this guild")
)

// Member is a user's membership in one guild; the primary key is the pair.
type Member struct {
	GuildID  snowflake.ID `json:"guild_id"`
	UserID   snowflake.ID `json:"user_id"`
	JoinedAt time.Time    `json:"joined_at"`
	Nickname *string      `json:"nickname,omitempty"`
}

// Ban blocks a user from joining a guild regardless of invite validity.
type Ban struct {
	GuildID   snowflake.ID `json:"guild_id"`
	UserID    snowflake.ID `json:"user_id"`
	Reason    *string      `json:"reason,omitempty"`
	BannedBy  snowflake.ID `json:"banned_by"`
	CreatedAt time.Time    `json:"created_at"`
}

// Repository defines the data-access contract for memberships and bans.
type Repository interface {
	// Add joins a user to a guild. Returns ErrBanned when a ban row exists
	// and ErrAlreadyMember on a duplicate membership.
	Add(ctx context.Context, m *Member) error
	Get(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	List(ctx context.Context, guildID snowflake.ID, limit int) ([]Member, error)
	UpdateNickname(ctx context.Context, guildID, userID snowflake.ID, nickname *string) (*Member, error)
	// Remove deletes the membership and its member_roles rows.
	Remove(ctx context.Context, guildID, userID snowflake.ID) error

	AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RoleIDs(ctx context.Context, guildID, userID snowflake.ID) ([]snowflake.ID, error)

	// IsBanned reports whether a ban row exists for the user.
	IsBanned(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
	// SetBan records a ban and removes any membership in one transaction.
	SetBan(ctx context.Context, b *Ban) error
	RemoveBan(ctx context.Context, guildID, userID snowflake.ID) error
	ListBans(ctx context.Context, guildID snowflake.ID) ([]Ban, error)

	// FilterExisting narrows mention candidates to members of the guild.
	FilterExisting(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error)
}
