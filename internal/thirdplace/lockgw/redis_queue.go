package lockgw

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout, under a configurable prefix:
//
//	{prefix}:due    ZSET  grant_id scored by due time in unix ms
//	{prefix}:items  HASH  grant_id -> Revocation JSON
//	{prefix}:dead   LIST  Revocation JSON, newest first
const defaultRedisPrefix = "thirdplace:revocations"

// claimScript re-scores due members to the lease deadline and returns their
// payloads in one round trip.
// KEYS[1] = due zset, KEYS[2] = items hash
// ARGV[1] = now ms, ARGV[2] = lease deadline ms, ARGV[3] = limit
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
    local v = redis.call('HGET', KEYS[2], id)
    if v then
        redis.call('ZADD', KEYS[1], ARGV[2], id)
        table.insert(out, v)
    else
        redis.call('ZREM', KEYS[1], id)
    end
end
return out
`)

// RedisQueue shares pending revocations between server replicas and keeps
// them across restarts.
type RedisQueue struct {
	client *redis.Client
	due    string
	items  string
	dead   string
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisQueue{
		client: client,
		due:    prefix + ":due",
		items:  prefix + ":items",
		dead:   prefix + ":dead",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, r Revocation, due time.Time) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode revocation: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.items, r.GrantID, b)
		p.ZAdd(ctx, q.due, redis.Z{Score: float64(due.UnixMilli()), Member: r.GrantID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue revocation %s: %w", r.GrantID, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Revocation, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := claimScript.Run(ctx, q.client, []string{q.due, q.items},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim revocations: %w", err)
	}
	out := make([]Revocation, 0, len(raw))
	for _, s := range raw {
		var r Revocation
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, fmt.Errorf("decode revocation: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, grantID string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.due, grantID)
		p.HDel(ctx, q.items, grantID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack revocation %s: %w", grantID, err)
	}
	return nil
}

func (q *RedisQueue) Bury(ctx context.Context, r Revocation) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode revocation: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.due, r.GrantID)
		p.HDel(ctx, q.items, r.GrantID)
		p.LPush(ctx, q.dead, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury revocation %s: %w", r.GrantID, err)
	}
	return nil
}

func (q *RedisQueue) Buried(ctx context.Context) ([]Revocation, error) {
	raw, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list buried revocations: %w", err)
	}
	out := make([]Revocation, 0, len(raw))
	for _, s := range raw {
		var r Revocation
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, fmt.Errorf("decode revocation: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.due).Result()
	if err != nil {
		return 0, fmt.Errorf("count revocations: %w", err)
	}
	return int(n), nil
}
