package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	availabilityKeyPrefix = "availability:"
	idempotencyKeyPrefix  = "idempotency:"
	idempotencyKeyTTL     = 24 * time.Hour
	availabilityTTL       = time.Minute
)

// putAvailabilityScript writes a stock line snapshot unless a newer version is
// already cached.
var putAvailabilityScript = redis.NewScript(`
local key = KEYS[1]
local version = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) > version then
	return 0
end

redis.call('HSET', key,
	'version', ARGV[1],
	'total', ARGV[2],
	'reserved', ARGV[3],
	'sold', ARGV[4],
	'serialized', ARGV[5])
redis.call('PEXPIRE', key, ARGV[6])
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) PutAvailability(ctx context.Context, line domain.StockLine) error {
	key := availabilityKeyPrefix + line.VariantID
	serialized := 0
	if line.Serialized {
		serialized = 1
	}

	return putAvailabilityScript.Run(ctx, r.client, []string{key},
		line.Version, line.TotalQuantity, line.ReservedQuantity, line.SoldQuantity,
		serialized, availabilityTTL.Milliseconds(),
	).Err()
}

func (r *RedisAdapter) InvalidateAvailability(ctx context.Context, variantID string) error {
	return r.client.Del(ctx, availabilityKeyPrefix+variantID).Err()
}

func (r *RedisAdapter) GetAvailability(ctx context.Context, variantID string) (*domain.StockLine, error) {
	fields, err := r.client.HGetAll(ctx, availabilityKeyPrefix+variantID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	line := domain.StockLine{VariantID: variantID}
	for name, dst := range map[string]*int{
		"version":  &line.Version,
		"total":    &line.TotalQuantity,
		"reserved": &line.ReservedQuantity,
		"sold":     &line.SoldQuantity,
	} {
		v, err := strconv.Atoi(fields[name])
		if err != nil {
			return nil, fmt.Errorf("parse cached %s for %s: %w", name, variantID, err)
		}
		*dst = v
	}
	line.Serialized = fields["serialized"] == "1"

	return &line, nil
}
