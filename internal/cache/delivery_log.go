package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"

	"github.com/redis/go-redis/v9"
)

const DefaultDeliveryLogKey = "chatrelay:webhook:deliveries"

// RedisDeliveryLog keeps the most recent webhook delivery records in a
// capped Redis list so every replica sees the same history.
type RedisDeliveryLog struct {
	rdb        redis.UniversalClient
	key        string
	maxEntries int64
	ttl        time.Duration
}

// NewRedisDeliveryLog builds a log on rdb. Empty key, zero maxEntries and
// zero ttl fall back to defaults.
func NewRedisDeliveryLog(rdb redis.UniversalClient, key string, maxEntries int, ttl time.Duration) *RedisDeliveryLog {
	if key == "" {
		key = DefaultDeliveryLogKey
	}
	if maxEntries <= 0 {
		maxEntries = constants.DefaultDeliveryLogSize
	}
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultDeliveryLogTTLHours) * time.Hour
	}
	return &RedisDeliveryLog{rdb: rdb, key: key, maxEntries: int64(maxEntries), ttl: ttl}
}

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func (l *RedisDeliveryLog) Record(ctx context.Context, rec models.DeliveryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode delivery record: %w", err)
	}

	pipe := l.rdb.TxPipeline()
	pipe.LPush(ctx, l.key, b)
	pipe.LTrim(ctx, l.key, 0, l.maxEntries-1)
	pipe.Expire(ctx, l.key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. A limit <= 0 returns all.
func (l *RedisDeliveryLog) Recent(ctx context.Context, limit int) ([]models.DeliveryRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := l.rdb.LRange(ctx, l.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read deliveries: %w", err)
	}

	out := make([]models.DeliveryRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.DeliveryRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Clear drops the stored history.
func (l *RedisDeliveryLog) Clear(ctx context.Context) error {
	return l.rdb.Del(ctx, l.key).Err()
}
