package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-sealed/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Only delete the key if it still names this gateway.
var offlineScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Tracker shared by every gateway pointed at the same server. Values are gateway ids under
// im:presence:<user>.
type Redis struct {
	log *zap.SugaredLogger
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(ctx context.Context, c *config.Config) (*Redis, error) {
	if c.RedisAddr == "" {
		return nil, errors.New("presence: redis address missing")
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: error connecting to redis at %s: %w", c.RedisAddr, err)
	}
	return &Redis{
		log: c.Logger("presence/redis"),
		rdb: rdb,
		ttl: time.Duration(c.PresenceTTLSec) * time.Second,
	}, nil
}

func (r *Redis) Online(ctx context.Context, userID int64, gatewayID string) error {
	if err := r.rdb.Set(ctx, key(userID), gatewayID, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: error marking %d online: %w", userID, err)
	}
	return nil
}

func (r *Redis) Offline(ctx context.Context, userID int64, gatewayID string) error {
	n, err := offlineScript.Run(ctx, r.rdb, []string{key(userID)}, gatewayID).Int()
	if err != nil {
		return fmt.Errorf("presence: error marking %d offline: %w", userID, err)
	}
	if n == 0 {
		r.log.Debugf("user %d is no longer on gateway %s", userID, gatewayID)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, userID int64) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence: error looking up %d: %w", userID, err)
	}
	return val, true, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
