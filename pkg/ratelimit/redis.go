package ratelimit

import (
	"context"
	"strconv"
	"time"

	"alphaquant.com/pkg/metrics"
	"alphaquant.com/pkg/xerr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter 基于 ZSET 的滑动窗口日志。
// 四步操作放在同一个 MULTI/EXEC 里，同一个 key 的并发检查在 redis 端串行化，不会多放行。
type RedisLimiter struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.Cmdable, prefix string) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, now: time.Now}
}

// WithClock 测试用
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

func (l *RedisLimiter) Check(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	now := l.now()
	windowStart := now.Add(-window)
	k := l.prefix + key

	nowMs := now.UnixMilli()
	startMs := strconv.FormatInt(windowStart.UnixMilli(), 10)
	// 同一毫秒的多次请求必须是不同 member，否则 ZADD 会合并计数
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()[:8]

	var count *redis.IntCmd
	begin := time.Now()
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+startMs)
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member})
		count = pipe.ZCount(ctx, k, startMs, strconv.FormatInt(nowMs, 10))
		pipe.Expire(ctx, k, window)
		return nil
	})
	metrics.ObserveRedis("ratelimit_check", time.Since(begin).Seconds(), err)
	if err != nil {
		return Result{}, xerr.Backend(err, "ratelimit.redis")
	}
	return newResult(now, int(count.Val()), maxRequests, window), nil
}
