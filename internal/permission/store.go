package permission

import (
	"context"
	"errors"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// ErrNotFound is returned when the guild, channel, or member underlying a
// permission check does not exist. It deliberately does not distinguish
// which entity is missing: a permission check must never leak existence.
var ErrNotFound = errors.New("permission: entity not found")

// ErrOverwriteNotFound is returned when a channel overwrite does not exist.
var ErrOverwriteNotFound = errors.New("permission: overwrite not found")

// ErrOverlappingBits is returned when an overwrite would allow and deny the
// same bit.
var ErrOverlappingBits = errors.New("permission: allow and deny bits overlap")

// TargetType identifies whether a channel overwrite applies to a role or a
// member.
type TargetType string

const (
	TargetRole   TargetType = "role"
	TargetMember TargetType = "member"
)

// Overwrite is a per-channel permission adjustment. Invariant: Allow and
// Deny never share a bit.
type Overwrite struct {
	TargetType TargetType
	TargetID   snowflake.ID
	Allow      Permission
	Deny       Permission
}

// RolePermEntry pairs a role id with its permission bitset.
type RolePermEntry struct {
	RoleID      snowflake.ID
	Permissions Permission
}

// ChannelRef locates a channel within its guild.
type ChannelRef struct {
	ChannelID snowflake.ID
	GuildID   snowflake.ID
}

// Store provides read access to the state the compute algorithm consumes.
// ChannelRef and GuildOwner return ErrNotFound when the channel or guild is
// missing or soft-deleted, MemberRolePermissions when the user is not a
// member; Overwrites does not report missing channels.
type Store interface {
	// ChannelRef resolves a channel to its guild.
	ChannelRef(ctx context.Context, channelID snowflake.ID) (ChannelRef, error)
	// GuildOwner returns the owner of a live guild.
	GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error)
	// MemberRolePermissions returns the bitsets of every role the member
	// holds plus the @everyone role (role id == guild id), whether or not it
	// is explicitly assigned. Returns ErrNotFound for non-members.
	MemberRolePermissions(ctx context.Context, guildID, userID snowflake.ID) ([]RolePermEntry, error)
	// Overwrites returns all overwrites of a channel.
	Overwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error)
}

// OverwriteStore provides write access to channel overwrites.
type OverwriteStore interface {
	Set(ctx context.Context, channelID, targetID snowflake.ID, targetType TargetType, allow, deny Permission) (*Overwrite, error)
	Delete(ctx context.Context, channelID, targetID snowflake.ID) error
}
