package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// Scope identifiers key the subscription relation. Guild scopes receive
// guild/channel/role/member events; channel scopes receive message events.
func GuildScope(id snowflake.ID) string   { return "guild:" + id.String() }
func ChannelScope(id snowflake.ID) string { return "channel:" + id.String() }

// SubscriptionStore is the shared many-to-many relation between scopes and
// connections, held in Valkey so any gateway instance can resolve the
// subscribers of a scope. Connections are keyed by session id; the reverse
// index survives a disconnect for the TTL so a resuming session can restore
// its channel subscriptions and bound its replay.
type SubscriptionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSubscriptionStore creates a subscription store. ttl should exceed the
// replay window so a resumable session still finds its scopes.
func NewSubscriptionStore(rdb *redis.Client, ttl time.Duration) *SubscriptionStore {
	return &SubscriptionStore{rdb: rdb, ttl: ttl}
}

func scopeKey(scope string) string       { return "gw:scope:" + scope }
func sessionKey(sessionID string) string { return "gw:session:" + sessionID }

// Add subscribes a session to a scope.
func (s *SubscriptionStore) Add(ctx context.Context, scope, sessionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, scopeKey(scope), sessionID)
	pipe.SAdd(ctx, sessionKey(sessionID), scope)
	pipe.Expire(ctx, sessionKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	return nil
}

// Remove unsubscribes a session from a scope.
func (s *SubscriptionStore) Remove(ctx context.Context, scope, sessionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, scopeKey(scope), sessionID)
	pipe.SRem(ctx, sessionKey(sessionID), scope)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// Scopes returns every scope a session is subscribed to.
func (s *SubscriptionStore) Scopes(ctx context.Context, sessionID string) ([]string, error) {
	scopes, err := s.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session scopes: %w", err)
	}
	return scopes, nil
}

// Subscribers returns every session subscribed to a scope. A session mid-
// removal may still appear; dispatch stays safe because clients dedup on
// event id and drop unknown scopes.
func (s *SubscriptionStore) Subscribers(ctx context.Context, scope string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, scopeKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("list scope subscribers: %w", err)
	}
	return ids, nil
}

// Detach removes a session from every scope set but keeps the reverse index
// alive (with TTL) so a resume can restore it. Called on disconnect.
func (s *SubscriptionStore) Detach(ctx context.Context, sessionID string) error {
	scopes, err := s.Scopes(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	for _, scope := range scopes {
		pipe.SRem(ctx, scopeKey(scope), sessionID)
	}
	pipe.Expire(ctx, sessionKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("detach session: %w", err)
	}
	return nil
}

// Drop removes a session from every scope set and deletes the reverse
// index. Called when a session can no longer resume.
func (s *SubscriptionStore) Drop(ctx context.Context, sessionID string) error {
	scopes, err := s.Scopes(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	for _, scope := range scopes {
		pipe.SRem(ctx, scopeKey(scope), sessionID)
	}
	pipe.Del(ctx, sessionKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drop session: %w", err)
	}
	return nil
}
