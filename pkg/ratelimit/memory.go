package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"alphaquant.com/pkg/metrics"
)

type windowLog struct {
	stamps   []time.Time // 升序
	expireAt time.Time
}

// MemoryLimiter 进程内滑动窗口日志；单机部署或 redis 不可用时使用。
// 一把锁覆盖整个检查，结果是精确的。
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowLog
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]*windowLog, 1024),
		now:     time.Now,
	}
}

func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

func (m *MemoryLimiter) Check(_ context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	now := m.now()
	windowStart := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		e = &windowLog{}
		m.entries[key] = e
	}

	// purge：严格早于 windowStart 的全部丢弃
	cut := sort.Search(len(e.stamps), func(i int) bool { return !e.stamps[i].Before(windowStart) })
	e.stamps = e.stamps[cut:]

	// insert：保持升序（时钟回拨时也不乱序）
	i := sort.Search(len(e.stamps), func(i int) bool { return e.stamps[i].After(now) })
	e.stamps = append(e.stamps, time.Time{})
	copy(e.stamps[i+1:], e.stamps[i:])
	e.stamps[i] = now

	// count：[windowStart, now]
	count := sort.Search(len(e.stamps), func(i int) bool { return e.stamps[i].After(now) })

	e.expireAt = now.Add(window)
	return newResult(now, count, maxRequests, window), nil
}

// Len 当前跟踪的 key 数
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartJanitor 定期回收过期 key，相当于 redis 的 EXPIRE
func (m *MemoryLimiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup()
				metrics.RateLimitKeys.Set(float64(m.Len()))
			}
		}
	}()
}

func (m *MemoryLimiter) cleanup() {
	now := m.now()

	m.mu.Lock()
	for k, e := range m.entries {
		if !now.Before(e.expireAt) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}
