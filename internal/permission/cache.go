package permission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

const (
	// cachePrefix is the key prefix for cached permissions in Valkey.
	cachePrefix = "perms"

	// scanBatchSize is the number of keys retrieved per SCAN iteration.
	scanBatchSize = 100
)

func cacheKey(guildID, channelID, userID snowflake.ID) string {
	return cachePrefix + ":" + guildID.String() + ":" + channelID.String() + ":" + userID.String()
}

// Cache provides get/set/delete over computed permission values. Keys are
// (guild, channel, user); the TTL bounds staleness when invalidation events
// are delayed or lost.
type Cache interface {
	Get(ctx context.Context, guildID, channelID, userID snowflake.ID) (Permission, bool, error)
	Set(ctx context.Context, guildID, channelID, userID snowflake.ID, perm Permission) error
	DeleteByGuild(ctx context.Context, guildID snowflake.ID) error
	DeleteByGuildUser(ctx context.Context, guildID, userID snowflake.ID) error
	DeleteByChannel(ctx context.Context, channelID snowflake.ID) error
}

// ValkeyCache implements Cache on a shared Valkey/Redis instance so every
// service instance observes the same entries and invalidations.
type ValkeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewValkeyCache creates a Valkey-backed permission cache with the given TTL.
func NewValkeyCache(client *redis.Client, ttl time.Duration) *ValkeyCache {
	return &ValkeyCache{client: client, ttl: ttl}
}

func (c *ValkeyCache) Get(ctx context.Context, guildID, channelID, userID snowflake.ID) (Permission, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(guildID, channelID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache get: %w", err)
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached permission: %w", err)
	}
	return Permission(n), true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, guildID, channelID, userID snowflake.ID, perm Permission) error {
	err := c.client.Set(ctx, cacheKey(guildID, channelID, userID), perm.String(), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) DeleteByGuild(ctx context.Context, guildID snowflake.ID) error {
	return c.scanAndDelete(ctx, cachePrefix+":"+guildID.String()+":*")
}

func (c *ValkeyCache) DeleteByGuildUser(ctx context.Context, guildID, userID snowflake.ID) error {
	return c.scanAndDelete(ctx, cachePrefix+":"+guildID.String()+":*:"+userID.String())
}

func (c *ValkeyCache) DeleteByChannel(ctx context.Context, channelID snowflake.ID) error {
	return c.scanAndDelete(ctx, cachePrefix+":*:"+channelID.String()+":*")
}

func (c *ValkeyCache) scanAndDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
