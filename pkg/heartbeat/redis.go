package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces registry entries in a shared Redis.
const KeyPrefix = "relay:instance:"

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL should exceed the beat interval so a live instance never expires.
	TTL time.Duration
}

// RedisRegistry stores statuses as JSON values with a TTL, so a crashed
// instance disappears without cleanup.
type RedisRegistry struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
}

// NewRedisRegistry connects to Redis and pings it before returning.
func NewRedisRegistry(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for instance registry: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis for instance registry.")

	return &RedisRegistry{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisRegistry").Logger(),
		ttl:         cfg.TTL,
	}, nil
}

func key(instanceID string) string { return KeyPrefix + instanceID }

// Set marshals the status to JSON and stores it with the registry TTL.
func (r *RedisRegistry) Set(ctx context.Context, status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status for %s: %w", status.InstanceID, err)
	}
	if err := r.redisClient.Set(ctx, key(status.InstanceID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status in redis for %s: %w", status.InstanceID, err)
	}
	return nil
}

func (r *RedisRegistry) Fetch(ctx context.Context, instanceID string) (Status, error) {
	raw, err := r.redisClient.Get(ctx, key(instanceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Status{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
		}
		return Status{}, fmt.Errorf("redis get failed for %s: %w", instanceID, err)
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return Status{}, fmt.Errorf("failed to unmarshal status for %s: %w", instanceID, err)
	}
	return status, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, instanceID string) error {
	if err := r.redisClient.Del(ctx, key(instanceID)).Err(); err != nil {
		return fmt.Errorf("redis del failed for %s: %w", instanceID, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisRegistry) Close() error {
	if r.redisClient != nil {
		return r.redisClient.Close()
	}
	return nil
}
