package permission

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// consumerGroup names the durable consumer group shared by all service
// instances for cache invalidation.
const consumerGroup = "permission-cache"

// invalidationTopics are the event streams whose state changes can alter a
// computed permission.
var invalidationTopics = []string{bus.TopicGuild, bus.TopicChannel, bus.TopicMember, bus.TopicRole}

// Invalidator consumes domain events and deletes the cache entries they may
// have stalled. Invalidation is best-effort; the cache TTL is the safety net
// for delayed or lost events.
type Invalidator struct {
	cache Cache
	bus   *bus.Bus
	log   zerolog.Logger
}

// NewInvalidator creates a new cache invalidator.
func NewInvalidator(cache Cache, b *bus.Bus, logger zerolog.Logger) *Invalidator {
	return &Invalidator{cache: cache, bus: b, log: logger.With().Str("component", "permission-invalidator").Logger()}
}

// Run joins the invalidation consumer group and processes events until the
// context is cancelled. It blocks; run it under a backoff supervisor.
func (inv *Invalidator) Run(ctx context.Context) error {
	return inv.bus.Consume(ctx, consumerGroup, invalidationTopics, inv.Handle)
}

// scopeFields are the envelope data fields the invalidation table keys on.
// Publishers include more; everything else is ignored.
type scopeFields struct {
	GuildID     snowflake.ID `json:"guild_id"`
	UserID      snowflake.ID `json:"user_id"`
	ChannelID   snowflake.ID `json:"channel_id"`
	Permissions *Permission  `json:"permissions"`
}

// Handle applies the invalidation table for one event. Unknown event types
// and events outside the table are acknowledged without action. A cache
// error is returned so the bus redelivers.
func (inv *Invalidator) Handle(ctx context.Context, env *bus.Envelope) error {
	var f scopeFields
	if err := json.Unmarshal(env.Data, &f); err != nil {
		inv.log.Warn().Err(err).Str("type", env.Type).Stringer("event_id", env.ID).
			Msg("Undecodable event data, skipping invalidation")
		return nil
	}

	switch env.Type {
	case bus.EventRoleUpdated, bus.EventRoleDeleted:
		return inv.cache.DeleteByGuild(ctx, f.GuildID)

	case bus.EventRoleCreated:
		// A new role with no permission bits cannot widen anyone's effective
		// set until it is assigned, which raises member_roles.updated.
		if f.Permissions == nil || *f.Permissions == 0 {
			return nil
		}
		return inv.cache.DeleteByGuild(ctx, f.GuildID)

	case bus.EventMemberRolesUpdated,
		bus.EventMemberRemoved, bus.EventMemberBanned, bus.EventMemberLeft:
		return inv.cache.DeleteByGuildUser(ctx, f.GuildID, f.UserID)

	case bus.EventChannelOverwriteUpdated, bus.EventChannelOverwriteDeleted:
		return inv.cache.DeleteByChannel(ctx, f.ChannelID)

	case bus.EventGuildDeleted:
		return inv.cache.DeleteByGuild(ctx, f.GuildID)
	}

	return nil
}
