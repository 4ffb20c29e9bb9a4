package ratelimit

import (
	"context"
	"time"
)

// Result 一次准入检查的结果
type Result struct {
	Blocked   bool
	Limit     int
	Remaining int
	Count     int       // 窗口内（含本次）的请求数
	ResetAt   time.Time // now + window
	Degraded  bool      // 计数存储不可用，按 fail-open 放行
}

// Limiter 滑动窗口日志：purge / insert / count / refresh-expiry 必须作为一个原子单元执行
type Limiter interface {
	Check(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error)
}

func newResult(now time.Time, count, maxRequests int, window time.Duration) Result {
	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Blocked:   count > maxRequests,
		Limit:     maxRequests,
		Remaining: remaining,
		Count:     count,
		ResetAt:   now.Add(window),
	}
}
