package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production StateStore adapter. Wired per SPEC_FULL.md's
// domain stack: the teacher itself has no Redis dependency, but
// redis/go-redis/v9 models spec §6's KV + sorted-set + list + pub/sub shape
// directly (ZADD/ZRANGEBYSCORE, LPUSH/BRPOP, PUBLISH/SUBSCRIBE, SET NX PX),
// grounded on the registry.go pattern from the goadesign-goa-ai example
// repo's pulse-backed Registry (rmap/pool primitives over the same client).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance named by STATE_STORE_URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("statestore: parse STATE_STORE_URL: %w", err)
	}
	client := redis.NewClient(opt)
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return r.client.ZRem(ctx, key, member).Err()
}

func (r *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	results, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipeline) ZAdd(key, member string, score float64) {
	p.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (p *redisPipeline) ZRem(key, member string) {
	p.pipe.ZRem(context.Background(), key, member)
}

func (p *redisPipeline) Delete(keys ...string) {
	p.pipe.Del(context.Background(), keys...)
}

// Pipeline executes every queued op inside a single Redis MULTI/EXEC,
// satisfying spec §4.1 step 4's atomic-write requirement.
func (r *RedisStore) Pipeline(ctx context.Context, fn func(p Pipeline) error) error {
	pipe := r.client.TxPipeline()
	if err := fn(&redisPipeline{pipe: pipe}); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

// AcquireLock uses SET key value NX PX ttl, the canonical Redis
// set-if-absent-with-expiry lock primitive spec §4.1 step 2 calls for.
func (r *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, "1", ttl).Result()
}

func (r *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) LPush(ctx context.Context, key, value string) error {
	return r.client.LPush(ctx, key, value).Err()
}

func (r *RedisStore) BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	result, err := r.client.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(result) < 2 {
		return "", false, nil
	}
	return result[1], true, nil
}

// LRange returns the full conv:<id> list via LRANGE key 0 -1, newest-first
// (the order LPUSH builds).
func (r *RedisStore) LRange(ctx context.Context, key string) ([]string, error) {
	return r.client.LRange(ctx, key, 0, -1).Result()
}

func (r *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	sub *redis.PubSub
	ch  chan string
}

func (s *redisSubscription) Channel() <-chan string { return s.ch }
func (s *redisSubscription) Close() error           { return s.sub.Close() }

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
		close(out)
	}()
	return &redisSubscription{sub: sub, ch: out}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
