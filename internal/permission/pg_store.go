package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gildhall-chat/gildhall-server/internal/postgres"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// PGStore implements Store and OverwriteStore using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// ChannelRef resolves a live channel to its live guild.
func (s *PGStore) ChannelRef(ctx context.Context, channelID snowflake.ID) (ChannelRef, error) {
	var ref ChannelRef
	err := s.db.QueryRow(ctx, `
		SELECT c.id, c.guild_id FROM channels c
		JOIN guilds g ON g.id = c.guild_id
		WHERE c.id = $1 AND c.deleted_at IS NULL AND g.deleted_at IS NULL
	`, channelID).Scan(&ref.ChannelID, &ref.GuildID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelRef{}, ErrNotFound
	}
	if err != nil {
		return ChannelRef{}, fmt.Errorf("query channel ref: %w", err)
	}
	return ref, nil
}

// GuildOwner returns the owner of a live guild.
func (s *PGStore) GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	var ownerID snowflake.ID
	err := s.db.QueryRow(ctx,
		"SELECT owner_id FROM guilds WHERE id = $1 AND deleted_at IS NULL",
		guildID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query guild owner: %w", err)
	}
	return ownerID, nil
}

// MemberRolePermissions returns the bitset of every role the member holds
// plus the @everyone role. Non-members get ErrNotFound, never an empty set.
func (s *PGStore) MemberRolePermissions(ctx context.Context, guildID, userID snowflake.ID) ([]RolePermEntry, error) {
	var isMember bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID,
	).Scan(&isMember)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotFound
	}

	// The @everyone role is the role whose id equals the guild id; it applies
	// whether or not a member_roles row exists for it.
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.permissions FROM roles r
		JOIN member_roles mr ON mr.role_id = r.id AND mr.guild_id = r.guild_id
		WHERE mr.guild_id = $1 AND mr.user_id = $2
		UNION
		SELECT r.id, r.permissions FROM roles r
		WHERE r.guild_id = $1 AND r.id = $1
	`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	var entries []RolePermEntry
	for rows.Next() {
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&e.RoleID, &perms); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		e.Permissions = Permission(perms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Overwrites returns all overwrites of a channel.
func (s *PGStore) Overwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error) {
	rows, err := s.db.Query(ctx,
		"SELECT target_type, target_id, allow_bits, deny_bits FROM channel_overwrites WHERE channel_id = $1",
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query overwrites: %w", err)
	}
	defer rows.Close()

	var overwrites []Overwrite
	for rows.Next() {
		var o Overwrite
		var targetType string
		var allow, deny int64
		if err := rows.Scan(&targetType, &o.TargetID, &allow, &deny); err != nil {
			return nil, fmt.Errorf("scan overwrite: %w", err)
		}
		o.TargetType = TargetType(targetType)
		o.Allow = Permission(allow)
		o.Deny = Permission(deny)
		overwrites = append(overwrites, o)
	}
	return overwrites, rows.Err()
}

// Set upserts a channel overwrite. Rejects bitsets sharing a bit between
// allow and deny.
func (s *PGStore) Set(ctx context.Context, channelID, targetID snowflake.ID, targetType TargetType, allow, deny Permission) (*Overwrite, error) {
	if allow&deny != 0 {
		return nil, ErrOverlappingBits
	}

	var row Overwrite
	var tt string
	var allowVal, denyVal int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO channel_overwrites (channel_id, target_id, target_type, allow_bits, deny_bits)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, target_id)
		DO UPDATE SET target_type = EXCLUDED.target_type, allow_bits = EXCLUDED.allow_bits, deny_bits = EXCLUDED.deny_bits
		RETURNING target_type, target_id, allow_bits, deny_bits
	`, channelID, targetID, string(targetType), int64(allow), int64(deny),
	).Scan(&tt, &row.TargetID, &allowVal, &denyVal)
	if postgres.IsCheckViolation(err) {
		// The table carries the same disjointness constraint as the guard
		// above; a racing writer can still trip it.
		return nil, ErrOverlappingBits
	}
	if err != nil {
		return nil, fmt.Errorf("upsert overwrite: %w", err)
	}
	row.TargetType = TargetType(tt)
	row.Allow = Permission(allowVal)
	row.Deny = Permission(denyVal)
	return &row, nil
}

// Delete removes a channel overwrite. Returns ErrOverwriteNotFound if no
// matching row exists.
func (s *PGStore) Delete(ctx context.Context, channelID, targetID snowflake.ID) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM channel_overwrites WHERE channel_id = $1 AND target_id = $2",
		channelID, targetID,
	)
	if err != nil {
		return fmt.Errorf("delete overwrite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOverwriteNotFound
	}
	return nil
}
