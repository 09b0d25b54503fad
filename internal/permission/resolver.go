package permission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// Resolver computes effective permissions for a user in a channel, consulting
// the cache first and falling back to direct computation. Cache failures are
// never fatal.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger.With().Str("component", "permission").Logger()}
}

// Resolve returns the effective permissions for a user in a channel. Reads
// populate the cache on miss; writes to state never populate it.
func (r *Resolver) Resolve(ctx context.Context, userID, channelID snowflake.ID) (Permission, error) {
	ref, err := r.store.ChannelRef(ctx, channelID)
	if err != nil {
		return 0, err
	}

	perm, ok, err := r.cache.Get(ctx, ref.GuildID, channelID, userID)
	if err != nil {
		r.log.Warn().Err(err).Msg("Permission cache get failed, falling through to compute")
	}
	if ok {
		return perm, nil
	}

	perm, err = r.compute(ctx, ref, userID)
	if err != nil {
		return 0, err
	}

	if cacheErr := r.cache.Set(ctx, ref.GuildID, channelID, userID, perm); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Permission cache set failed")
	}

	return perm, nil
}

// Has checks whether a user holds every bit of perm in a channel.
func (r *Resolver) Has(ctx context.Context, userID, channelID snowflake.ID, perm Permission) (bool, error) {
	effective, err := r.Resolve(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// ResolveGuild returns the guild-level permissions for a user: the owner
// bypass and role union, without channel overwrites. Guild-scoped operations
// (role management, kicks, bans, guild settings) authorise against this.
func (r *Resolver) ResolveGuild(ctx context.Context, userID, guildID snowflake.ID) (Permission, error) {
	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if ownerID == userID {
		return All, nil
	}

	entries, err := r.store.MemberRolePermissions(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}

	var base Permission
	for _, e := range entries {
		base = base.Add(e.Permissions)
	}
	if base.Has(Administrator) {
		return All, nil
	}
	return base, nil
}

// HasGuild checks whether a user holds every bit of perm at guild level.
func (r *Resolver) HasGuild(ctx context.Context, userID, guildID snowflake.ID, perm Permission) (bool, error) {
	effective, err := r.ResolveGuild(ctx, userID, guildID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// compute runs the layered algorithm: owner bypass, role union (including
// @everyone), administrator bypass, then the three overwrite layers.
func (r *Resolver) compute(ctx context.Context, ref ChannelRef, userID snowflake.ID) (Permission, error) {
	ownerID, err := r.store.GuildOwner(ctx, ref.GuildID)
	if err != nil {
		return 0, err
	}
	if ownerID == userID {
		return All, nil
	}

	entries, err := r.store.MemberRolePermissions(ctx, ref.GuildID, userID)
	if err != nil {
		return 0, err
	}

	var base Permission
	held := make(map[snowflake.ID]struct{}, len(entries))
	for _, e := range entries {
		base = base.Add(e.Permissions)
		held[e.RoleID] = struct{}{}
	}

	if base.Has(Administrator) {
		return All, nil
	}

	overwrites, err := r.store.Overwrites(ctx, ref.ChannelID)
	if err != nil {
		return 0, fmt.Errorf("load overwrites: %w", err)
	}

	return applyOverwrites(base, overwrites, held, ref.GuildID, userID), nil
}

// applyOverwrites runs the three overwrite layers in their strict order:
// the @everyone role overwrite, then every held role's overwrite aggregated
// in one pass, then the member-specific overwrite. Each layer computes
// (P &^ deny) | allow.
func applyOverwrites(base Permission, overwrites []Overwrite, held map[snowflake.ID]struct{}, guildID, userID snowflake.ID) Permission {
	var (
		everyone  *Overwrite
		member    *Overwrite
		roleAllow Permission
		roleDeny  Permission
	)

	for i := range overwrites {
		o := &overwrites[i]
		switch {
		case o.TargetType == TargetRole && o.TargetID == guildID:
			everyone = o
		case o.TargetType == TargetRole:
			if _, ok := held[o.TargetID]; ok {
				roleAllow = roleAllow.Add(o.Allow)
				roleDeny = roleDeny.Add(o.Deny)
			}
		case o.TargetType == TargetMember && o.TargetID == userID:
			member = o
		}
	}

	if everyone != nil {
		base = base.Remove(everyone.Deny).Add(everyone.Allow)
	}
	base = base.Remove(roleDeny).Add(roleAllow)
	if member != nil {
		base = base.Remove(member.Deny).Add(member.Allow)
	}
	return base
}
