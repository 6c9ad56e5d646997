package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"migranthub/internal/config"
	"migranthub/internal/models"

	"github.com/redis/go-redis/v9"
)

const defaultDeadLetterKey = "sync:deadletter"

var errNilClient = errors.New("redis client is nil")

// pushDeadScript keeps a sorted index (KEYS[1]) ordered by push sequence
// (KEYS[3]) and the operation bodies in a hash (KEYS[2]). Pushing an ID that is
// already present moves it to the front. The oldest entries beyond ARGV[3] are
// dropped from both.
var pushDeadScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
local max = tonumber(ARGV[3])
if max > 0 then
	local extra = redis.call('ZCARD', KEYS[1]) - max
	if extra > 0 then
		local old = redis.call('ZRANGE', KEYS[1], 0, extra - 1)
		redis.call('ZREMRANGEBYRANK', KEYS[1], 0, extra - 1)
		redis.call('HDEL', KEYS[2], unpack(old))
	end
end
return redis.call('ZCARD', KEYS[1])
`)

// RedisDeadLetterRepository is the shared dead-letter history. One entry per
// operation ID, newest first, capped at max entries.
type RedisDeadLetterRepository struct {
	client *redis.Client
	index  string
	bodies string
	seq    string
	max    int
}

// NewRedisClient builds a client from the redis config section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisDeadLetterRepository(client *redis.Client, key string, max int) *RedisDeadLetterRepository {
	if key == "" {
		key = defaultDeadLetterKey
	}
	return &RedisDeadLetterRepository{
		client: client,
		index:  key,
		bodies: key + ":ops",
		seq:    key + ":seq",
		max:    max,
	}
}

func (r *RedisDeadLetterRepository) PushDead(ctx context.Context, op *models.QueuedOperation) error {
	if r.client == nil {
		return errNilClient
	}
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", op.ID, err)
	}
	keys := []string{r.index, r.bodies, r.seq}
	if err := pushDeadScript.Run(ctx, r.client, keys, op.ID, body, r.max).Err(); err != nil {
		return fmt.Errorf("push dead letter %s: %w", op.ID, err)
	}
	return nil
}

// RecentDead returns up to limit entries, newest first. limit <= 0 means all.
// IDs whose body went missing are skipped.
func (r *RedisDeadLetterRepository) RecentDead(ctx context.Context, limit int) ([]*models.QueuedOperation, error) {
	if r.client == nil {
		return nil, errNilClient
	}
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := r.client.ZRevRange(ctx, r.index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letter index: %w", err)
	}
	if len(ids) == 0 {
		return []*models.QueuedOperation{}, nil
	}

	bodies, err := r.client.HMGet(ctx, r.bodies, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}

	ops := make([]*models.QueuedOperation, 0, len(bodies))
	for i, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var op models.QueuedOperation
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", ids[i], err)
		}
		ops = append(ops, &op)
	}
	return ops, nil
}

func (r *RedisDeadLetterRepository) Count(ctx context.Context) (int64, error) {
	if r.client == nil {
		return 0, errNilClient
	}
	n, err := r.client.ZCard(ctx, r.index).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
