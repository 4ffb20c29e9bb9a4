package mdsource

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/internal/quotes/wsmetrics"
	"alphaquant.com/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Cache 用 redis 给上游快照做短 TTL 缓存，多个实例共享；redis 不可用时直接穿透
type Cache struct {
	next   Source
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

func NewCache(next Source, client redis.Cmdable, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{next: next, client: client, ttl: ttl, prefix: "quotes:snapshot:", log: log}
}

func (c *Cache) Name() string { return c.next.Name() }

func (c *Cache) getKey(symbol string) string {
	return c.prefix + symbol
}

func (c *Cache) Latest(ctx context.Context, symbol string) (model.Quote, error) {
	key := c.getKey(symbol)

	start := time.Now()
	b, err := c.client.Get(ctx, key).Bytes()
	metrics.ObserveRedis("get", time.Since(start).Seconds(), ignoreNil(err))
	if err == nil {
		var q model.Quote
		if jerr := json.Unmarshal(b, &q); jerr == nil && q.Valid() {
			wsmetrics.UpstreamFetchTotal.WithLabelValues(c.Name(), "cache_hit").Inc()
			return q, nil
		}
		// 脏数据直接删
		_ = c.client.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) {
		c.log.Debug("quote cache get failed", zap.String("key", key), zap.Error(err))
	}

	q, err := c.next.Latest(ctx, symbol)
	if err != nil {
		return model.Quote{}, err
	}

	if b, err = json.Marshal(q); err == nil {
		start = time.Now()
		err = c.client.Set(ctx, key, b, withJitter(c.ttl, c.ttl/10)).Err()
		metrics.ObserveRedis("set", time.Since(start).Seconds(), err)
		if err != nil {
			c.log.Debug("quote cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return q, nil
}

// withJitter 过期时间加 [0, jitter) 的随机量，避免同一批 key 同时失效
func withJitter(ttl time.Duration, jitter time.Duration) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(jitter)))
}

func ignoreNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

var _ Source = (*Cache)(nil)
