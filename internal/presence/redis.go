package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "tgchat:presence"

// decrScript removes the field once the count reaches zero so the hash only
// holds online users. Returns the remaining count.
var decrScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 0
end
return n
`)

// RedisTracker shares connection counts between relay instances through one
// Redis hash keyed by user id.
type RedisTracker struct {
	client *redis.Client
	key    string
}

func NewRedisTracker(client *redis.Client, key string) *RedisTracker {
	if key == "" {
		key = DefaultKey
	}
	return &RedisTracker{client: client, key: key}
}

func (t *RedisTracker) SetOnline(ctx context.Context, userID string) error {
	if err := t.client.HIncrBy(ctx, t.key, userID, 1).Err(); err != nil {
		return fmt.Errorf("presence online %s: %w", userID, err)
	}
	return nil
}

func (t *RedisTracker) SetOffline(ctx context.Context, userID string) (bool, error) {
	n, err := decrScript.Run(ctx, t.client, []string{t.key}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("presence offline %s: %w", userID, err)
	}
	return n == 0, nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.HGet(ctx, t.key, userID).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", userID, err)
	}
	return n > 0, nil
}
